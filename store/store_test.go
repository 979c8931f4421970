package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/channelengine/content"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", content.NewCodec(nil))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEnsureChannelTablesIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnsureChannelTables(ctx, "chan-1"))
	require.NoError(t, s.EnsureChannelTables(ctx, "chan-1"))
}

func TestCreateMessageAssignsIncreasingIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureChannelTables(ctx, "chan-1"))

	id1, err := s.CreateMessage(ctx, "chan-1", "server-a")
	require.NoError(t, err)
	id2, err := s.CreateMessage(ctx, "chan-1", "server-a")
	require.NoError(t, err)

	assert.Greater(t, id2, id1)
}

func TestWriteAndReadContentRoundTrips(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureChannelTables(ctx, "chan-1"))

	msgID, err := s.CreateMessage(ctx, "chan-1", "server-a")
	require.NoError(t, err)

	raw := content.New(content.TypeRaw, "MSH|^~\\&|...", "text/plain")
	require.NoError(t, s.WriteContent(ctx, "chan-1", msgID, 0, raw))

	got, err := s.ReadContent(ctx, "chan-1", msgID, 0, content.TypeRaw)
	require.NoError(t, err)
	assert.Equal(t, "MSH|^~\\&|...", got.Text)
}

func TestReadContentNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureChannelTables(ctx, "chan-1"))

	_, err := s.ReadContent(ctx, "chan-1", 999, 0, content.TypeRaw)
	assert.Error(t, err)
}

func TestWriteContentAtomicBumpsStatisticsOnTerminalStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureChannelTables(ctx, "chan-1"))

	msgID, err := s.CreateMessage(ctx, "chan-1", "server-a")
	require.NoError(t, err)

	cm := &ConnectorMessage{
		ChannelID: "chan-1", MessageID: msgID, MetaDataID: 1,
		ConnectorName: "dest-1", Status: StatusSent,
	}
	raw := content.New(content.TypeSent, "ACK", "text/plain")
	require.NoError(t, s.WriteContentAtomic(ctx, "chan-1", cm, raw))

	stats, err := s.Statistics(ctx, "chan-1")
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.EqualValues(t, 1, stats[0].Sent)
}

func TestResetStatisticsZeroesCounters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureChannelTables(ctx, "chan-1"))

	msgID, err := s.CreateMessage(ctx, "chan-1", "server-a")
	require.NoError(t, err)
	cm := &ConnectorMessage{ChannelID: "chan-1", MessageID: msgID, MetaDataID: 1, Status: StatusSent}
	require.NoError(t, s.WriteContentAtomic(ctx, "chan-1", cm, content.New(content.TypeSent, "x", "")))

	require.NoError(t, s.ResetStatistics(ctx, "chan-1", nil, nil))

	stats, err := s.Statistics(ctx, "chan-1")
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Zero(t, stats[0].Sent)
}

func TestResetStatisticsHonorsFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureChannelTables(ctx, "chan-1"))

	msgID, err := s.CreateMessage(ctx, "chan-1", "server-a")
	require.NoError(t, err)
	for metaID, status := range map[int]Status{1: StatusSent, 2: StatusError} {
		require.NoError(t, s.UpsertConnectorMessage(ctx, "chan-1", &ConnectorMessage{
			ChannelID: "chan-1", MessageID: msgID, MetaDataID: metaID, Status: status,
		}))
	}

	// reset only connector 1's SENT counter; connector 2's ERROR stays
	require.NoError(t, s.ResetStatistics(ctx, "chan-1", []int{1}, []Status{StatusSent}))

	stats, err := s.Statistics(ctx, "chan-1")
	require.NoError(t, err)
	byMeta := map[int]*Statistics{}
	for _, st := range stats {
		byMeta[st.MetaDataID] = st
	}
	assert.Zero(t, byMeta[1].Sent)
	assert.EqualValues(t, 1, byMeta[2].Errored)

	// status filter alone: zero the errored column on every connector
	require.NoError(t, s.ResetStatistics(ctx, "chan-1", nil, []Status{StatusError}))
	stats, err = s.Statistics(ctx, "chan-1")
	require.NoError(t, err)
	for _, st := range stats {
		assert.Zero(t, st.Errored)
	}
}

func TestListAndCountMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureChannelTables(ctx, "chan-1"))

	for i := 0; i < 3; i++ {
		_, err := s.CreateMessage(ctx, "chan-1", "server-a")
		require.NoError(t, err)
	}

	count, err := s.CountMessages(ctx, "chan-1", ListOptions{})
	require.NoError(t, err)
	assert.EqualValues(t, 3, count)

	msgs, err := s.ListMessages(ctx, "chan-1", ListOptions{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
	// newest-first
	assert.Greater(t, msgs[0].MessageID, msgs[1].MessageID)
}

func TestDeleteMessagesRemovesRowsAcrossTables(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureChannelTables(ctx, "chan-1"))

	msgID, err := s.CreateMessage(ctx, "chan-1", "server-a")
	require.NoError(t, err)
	require.NoError(t, s.WriteContent(ctx, "chan-1", msgID, 0, content.New(content.TypeRaw, "x", "")))

	deleted, err := s.DeleteMessages(ctx, "chan-1", ListOptions{MinMessageID: msgID, MaxMessageID: msgID})
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)

	count, err := s.CountMessages(ctx, "chan-1", ListOptions{})
	require.NoError(t, err)
	assert.Zero(t, count)

	_, err = s.ReadContent(ctx, "chan-1", msgID, 0, content.TypeRaw)
	assert.Error(t, err)
}

func TestDeleteMessagesByStatusFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureChannelTables(ctx, "chan-1"))

	erroredID, err := s.CreateMessage(ctx, "chan-1", "server-a")
	require.NoError(t, err)
	require.NoError(t, s.UpsertConnectorMessage(ctx, "chan-1", &ConnectorMessage{
		ChannelID: "chan-1", MessageID: erroredID, MetaDataID: 1, Status: StatusError,
	}))

	sentID, err := s.CreateMessage(ctx, "chan-1", "server-a")
	require.NoError(t, err)
	require.NoError(t, s.UpsertConnectorMessage(ctx, "chan-1", &ConnectorMessage{
		ChannelID: "chan-1", MessageID: sentID, MetaDataID: 1, Status: StatusSent,
	}))

	deleted, err := s.DeleteMessages(ctx, "chan-1", ListOptions{Statuses: []Status{StatusError}})
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)

	msgs, err := s.ListMessages(ctx, "chan-1", ListOptions{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, sentID, msgs[0].MessageID)
}

func TestSanitizeChannelIDRejectsEmpty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	err := s.EnsureChannelTables(ctx, "")
	assert.Error(t, err)
}

func TestListMessagesFiltersByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureChannelTables(ctx, "chan-1"))

	sentID, err := s.CreateMessage(ctx, "chan-1", "server-a")
	require.NoError(t, err)
	require.NoError(t, s.UpsertConnectorMessage(ctx, "chan-1", &ConnectorMessage{
		ChannelID: "chan-1", MessageID: sentID, MetaDataID: 1, Status: StatusSent,
	}))

	erroredID, err := s.CreateMessage(ctx, "chan-1", "server-a")
	require.NoError(t, err)
	require.NoError(t, s.UpsertConnectorMessage(ctx, "chan-1", &ConnectorMessage{
		ChannelID: "chan-1", MessageID: erroredID, MetaDataID: 1, Status: StatusError,
	}))

	msgs, err := s.ListMessages(ctx, "chan-1", ListOptions{Statuses: []Status{StatusError}})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, erroredID, msgs[0].MessageID)
}

func TestListMessagesFiltersByProcessed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureChannelTables(ctx, "chan-1"))

	msgID, err := s.CreateMessage(ctx, "chan-1", "server-a")
	require.NoError(t, err)
	require.NoError(t, s.MarkProcessed(ctx, "chan-1", msgID))

	_, err = s.CreateMessage(ctx, "chan-1", "server-a")
	require.NoError(t, err)

	processed := true
	msgs, err := s.ListMessages(ctx, "chan-1", ListOptions{Processed: &processed})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, msgID, msgs[0].MessageID)
	assert.True(t, msgs[0].Processed)
}

func TestReceivedAndQueuedStatisticsAreBumped(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureChannelTables(ctx, "chan-1"))

	msgID, err := s.CreateMessage(ctx, "chan-1", "server-a")
	require.NoError(t, err)
	require.NoError(t, s.WriteContentAtomic(ctx, "chan-1", &ConnectorMessage{
		ChannelID: "chan-1", MessageID: msgID, MetaDataID: 0, ConnectorName: "source", Status: StatusReceived,
	}, content.New(content.TypeRaw, "x", "")))
	require.NoError(t, s.UpsertConnectorMessage(ctx, "chan-1", &ConnectorMessage{
		ChannelID: "chan-1", MessageID: msgID, MetaDataID: 1, Status: StatusQueued,
	}))

	stats, err := s.Statistics(ctx, "chan-1")
	require.NoError(t, err)
	byMeta := map[int]*Statistics{}
	for _, st := range stats {
		byMeta[st.MetaDataID] = st
	}
	require.Contains(t, byMeta, 0)
	assert.EqualValues(t, 1, byMeta[0].Received)
	require.Contains(t, byMeta, 1)
	assert.EqualValues(t, 1, byMeta[1].Queued)
}

func TestCountMatchesListForEveryFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureChannelTables(ctx, "chan-1"))

	for i := 0; i < 5; i++ {
		msgID, err := s.CreateMessage(ctx, "chan-1", "server-a")
		require.NoError(t, err)
		status := StatusSent
		if i%2 == 0 {
			status = StatusError
		}
		require.NoError(t, s.UpsertConnectorMessage(ctx, "chan-1", &ConnectorMessage{
			ChannelID: "chan-1", MessageID: msgID, MetaDataID: 1, Status: status,
		}))
		if i < 2 {
			require.NoError(t, s.MarkProcessed(ctx, "chan-1", msgID))
		}
	}

	processed := true
	filters := []ListOptions{
		{},
		{Statuses: []Status{StatusError}},
		{Statuses: []Status{StatusSent}},
		{Processed: &processed},
		{MinMessageID: 3},
		{MetaDataIDs: []int{1}},
	}
	for _, opts := range filters {
		msgs, err := s.ListMessages(ctx, "chan-1", opts)
		require.NoError(t, err)
		count, err := s.CountMessages(ctx, "chan-1", opts)
		require.NoError(t, err)
		assert.EqualValues(t, len(msgs), count)
	}
}

func TestTextSearchMatchesRawContent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureChannelTables(ctx, "chan-1"))

	hitID, err := s.CreateMessage(ctx, "chan-1", "server-a")
	require.NoError(t, err)
	require.NoError(t, s.WriteContent(ctx, "chan-1", hitID, 0, content.New(content.TypeRaw, "MSH|^~\\&|SENDER|ADT^A01|12345", "")))

	missID, err := s.CreateMessage(ctx, "chan-1", "server-a")
	require.NoError(t, err)
	require.NoError(t, s.WriteContent(ctx, "chan-1", missID, 0, content.New(content.TypeRaw, "MSH|^~\\&|OTHER|ORU^R01|99999", "")))

	msgs, err := s.ListMessages(ctx, "chan-1", ListOptions{TextSearch: "ADT^A01"})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, hitID, msgs[0].MessageID)
}

func TestGetMessageAndConnectorMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureChannelTables(ctx, "chan-1"))

	msgID, err := s.CreateMessage(ctx, "chan-1", "server-a")
	require.NoError(t, err)
	require.NoError(t, s.UpsertConnectorMessage(ctx, "chan-1", &ConnectorMessage{
		ChannelID: "chan-1", MessageID: msgID, MetaDataID: 0, ConnectorName: "source", Status: StatusReceived,
	}))
	require.NoError(t, s.UpsertConnectorMessage(ctx, "chan-1", &ConnectorMessage{
		ChannelID: "chan-1", MessageID: msgID, MetaDataID: 1, ConnectorName: "dest", Status: StatusSent, SendAttempts: 2,
	}))

	m, err := s.GetMessage(ctx, "chan-1", msgID)
	require.NoError(t, err)
	assert.Equal(t, msgID, m.MessageID)

	_, err = s.GetMessage(ctx, "chan-1", msgID+100)
	assert.Error(t, err)

	cms, err := s.ListConnectorMessages(ctx, "chan-1", msgID)
	require.NoError(t, err)
	require.Len(t, cms, 2)
	assert.Equal(t, 0, cms[0].MetaDataID)
	assert.Equal(t, 1, cms[1].MetaDataID)
	assert.Equal(t, 2, cms[1].SendAttempts)
}

func TestIncrementSendAttempts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureChannelTables(ctx, "chan-1"))

	msgID, err := s.CreateMessage(ctx, "chan-1", "server-a")
	require.NoError(t, err)
	require.NoError(t, s.UpsertConnectorMessage(ctx, "chan-1", &ConnectorMessage{
		ChannelID: "chan-1", MessageID: msgID, MetaDataID: 1, Status: StatusQueued,
	}))

	require.NoError(t, s.IncrementSendAttempts(ctx, "chan-1", msgID, 1))
	require.NoError(t, s.IncrementSendAttempts(ctx, "chan-1", msgID, 1))

	cms, err := s.ListConnectorMessages(ctx, "chan-1", msgID)
	require.NoError(t, err)
	require.Len(t, cms, 1)
	assert.Equal(t, 2, cms[0].SendAttempts)
}

func TestAttachmentsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureChannelTables(ctx, "chan-1"))

	msgID, err := s.CreateMessage(ctx, "chan-1", "server-a")
	require.NoError(t, err)

	att := &Attachment{MessageID: msgID, ID: "att-1", Type: "application/dicom", Data: []byte{0x01, 0x02, 0x03}}
	require.NoError(t, s.WriteAttachment(ctx, "chan-1", att))

	got, err := s.ReadAttachment(ctx, "chan-1", msgID, "att-1")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, got.Data)
	assert.Equal(t, "application/dicom", got.Type)

	all, err := s.ListAttachments(ctx, "chan-1", msgID)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = s.ReadAttachment(ctx, "chan-1", msgID, "missing")
	assert.Error(t, err)
}

func TestMarkImportedRecordsLineage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureChannelTables(ctx, "chan-1"))

	origID, err := s.CreateMessage(ctx, "chan-1", "server-a")
	require.NoError(t, err)
	newID, err := s.CreateMessage(ctx, "chan-1", "server-a")
	require.NoError(t, err)

	require.NoError(t, s.MarkImported(ctx, "chan-1", newID, origID, "chan-1"))

	m, err := s.GetMessage(ctx, "chan-1", newID)
	require.NoError(t, err)
	assert.Equal(t, origID, m.ImportID)
	assert.Equal(t, "chan-1", m.ImportChannelID)
}

func TestReleaseQueuedRequiresExistingQueuedRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureChannelTables(ctx, "chan-1"))

	msgID, err := s.CreateMessage(ctx, "chan-1", "server-a")
	require.NoError(t, err)

	assert.Error(t, s.ReleaseQueued(ctx, "chan-1", msgID, 1))

	require.NoError(t, s.UpsertConnectorMessage(ctx, "chan-1", &ConnectorMessage{
		ChannelID: "chan-1", MessageID: msgID, MetaDataID: 1, Status: StatusQueued,
	}))
	assert.NoError(t, s.ReleaseQueued(ctx, "chan-1", msgID, 1))
}
