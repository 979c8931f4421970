package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jeeves-cluster-organization/channelengine/ceerrors"
	"github.com/jeeves-cluster-organization/channelengine/content"
)

// tableNames returns the five per-channel table names:
// D_M (messages), D_MM (connector-messages), D_MC (content), D_MA
// (attachments), D_MS (statistics). channelID is sanitized to
// alphanumeric/underscore since it is interpolated into DDL, which
// database/sql placeholders cannot parameterize.
type tableNames struct {
	messages  string
	connector string
	content   string
	attach    string
	stats     string
}

func tablesFor(channelID string) (tableNames, error) {
	safe, err := sanitizeChannelID(channelID)
	if err != nil {
		return tableNames{}, err
	}
	return tableNames{
		messages:  "D_M" + safe,
		connector: "D_MM" + safe,
		content:   "D_MC" + safe,
		attach:    "D_MA" + safe,
		stats:     "D_MS" + safe,
	}, nil
}

func sanitizeChannelID(channelID string) (string, error) {
	if channelID == "" {
		return "", ceerrors.NewValidation("channel id must not be empty")
	}
	var b strings.Builder
	for _, r := range channelID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String(), nil
}

// Store is the durable message store. One Store wraps one SQLite database
// shared by every deployed channel; each channel gets its own table family
// on first use.
type Store struct {
	db    *sql.DB
	codec *content.Codec
}

// Open opens (creating if absent) the SQLite database at dsn using the
// pure-Go modernc.org/sqlite driver, keeping the single-binary deployment
// story cgo-free.
func Open(dsn string, codec *content.Codec) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, ceerrors.NewStorage(err, "open sqlite database %q", dsn)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid SQLITE_BUSY churn
	return &Store{db: db, codec: codec}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureChannelTables creates the five per-channel tables if they do not
// already exist. Called once on channel deploy.
func (s *Store) EnsureChannelTables(ctx context.Context, channelID string) error {
	t, err := tablesFor(channelID)
	if err != nil {
		return err
	}

	schema := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	message_id INTEGER PRIMARY KEY AUTOINCREMENT,
	received_at INTEGER NOT NULL,
	server_id TEXT NOT NULL,
	processed INTEGER NOT NULL DEFAULT 0,
	import_id INTEGER NOT NULL DEFAULT 0,
	import_channel_id TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS %s (
	message_id INTEGER NOT NULL,
	meta_data_id INTEGER NOT NULL,
	connector_name TEXT NOT NULL,
	status TEXT NOT NULL,
	status_code INTEGER NOT NULL DEFAULT 0,
	status_message TEXT NOT NULL DEFAULT '',
	send_attempts INTEGER NOT NULL DEFAULT 0,
	received_at INTEGER NOT NULL,
	sent_at INTEGER,
	chain_id INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (message_id, meta_data_id, chain_id)
);
CREATE TABLE IF NOT EXISTS %s (
	message_id INTEGER NOT NULL,
	meta_data_id INTEGER NOT NULL,
	content_type INTEGER NOT NULL,
	text TEXT NOT NULL,
	data_type TEXT NOT NULL DEFAULT '',
	compressed INTEGER NOT NULL DEFAULT 0,
	encrypted INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (message_id, meta_data_id, content_type)
);
CREATE TABLE IF NOT EXISTS %s (
	message_id INTEGER NOT NULL,
	attachment_id TEXT NOT NULL,
	type TEXT NOT NULL DEFAULT '',
	data BLOB NOT NULL,
	PRIMARY KEY (message_id, attachment_id)
);
CREATE TABLE IF NOT EXISTS %s (
	meta_data_id INTEGER PRIMARY KEY,
	received INTEGER NOT NULL DEFAULT 0,
	filtered INTEGER NOT NULL DEFAULT 0,
	sent INTEGER NOT NULL DEFAULT 0,
	errored INTEGER NOT NULL DEFAULT 0,
	queued INTEGER NOT NULL DEFAULT 0
);
`, t.messages, t.connector, t.content, t.attach, t.stats)

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return ceerrors.NewStorage(err, "create tables for channel %s", channelID)
	}
	return nil
}

// CreateMessage inserts a new Message row and returns the assigned
// message_id, a channel-scoped monotonically increasing sequence.
func (s *Store) CreateMessage(ctx context.Context, channelID string, serverID string) (int64, error) {
	t, err := tablesFor(channelID)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (received_at, server_id, processed) VALUES (?, ?, 0)", t.messages),
		time.Now().UTC().Unix(), serverID)
	if err != nil {
		return 0, ceerrors.NewStorage(err, "create message on channel %s", channelID)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, ceerrors.NewStorage(err, "read inserted message id on channel %s", channelID)
	}
	return id, nil
}

// UpsertConnectorMessage inserts or updates a connector-message row. A
// terminal status write and the corresponding content write for the same
// connector-message must commit atomically; callers achieve that with
// WriteContentAtomic, not by this method alone.
func (s *Store) UpsertConnectorMessage(ctx context.Context, channelID string, cm *ConnectorMessage) error {
	return s.upsertConnectorMessageTx(ctx, s.db, channelID, cm)
}

func (s *Store) upsertConnectorMessageTx(ctx context.Context, execer execer, channelID string, cm *ConnectorMessage) error {
	t, err := tablesFor(channelID)
	if err != nil {
		return err
	}

	var sentAt any
	if cm.SentAt != nil {
		sentAt = cm.SentAt.UTC().Unix()
	}

	_, err = execer.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO %s (message_id, meta_data_id, connector_name, status, status_code, status_message, send_attempts, received_at, sent_at, chain_id)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (message_id, meta_data_id, chain_id) DO UPDATE SET
	status = excluded.status,
	status_code = excluded.status_code,
	status_message = excluded.status_message,
	send_attempts = MAX(send_attempts, excluded.send_attempts),
	sent_at = excluded.sent_at
`, t.connector),
		cm.MessageID, cm.MetaDataID, cm.ConnectorName, string(cm.Status), cm.StatusCode, cm.StatusMessage,
		cm.SendAttempts, cm.ReceivedAt.UTC().Unix(), sentAt, cm.ChainID)
	if err != nil {
		return ceerrors.NewStorage(err, "upsert connector message channel=%s message=%d meta=%d", channelID, cm.MessageID, cm.MetaDataID)
	}

	if err := s.bumpStatisticTx(ctx, execer, channelID, cm.MetaDataID, cm.Status); err != nil {
		return err
	}
	return nil
}

// statisticColumn maps a connector-message status to the statistics column
// it counts under; "" means the status has no counter (PENDING and
// TRANSFORMED are intermediate states).
func statisticColumn(status Status) string {
	switch status {
	case StatusReceived:
		return "received"
	case StatusSent:
		return "sent"
	case StatusFiltered:
		return "filtered"
	case StatusError:
		return "errored"
	case StatusQueued:
		return "queued"
	default:
		return ""
	}
}

// execer abstracts *sql.DB and *sql.Tx for the methods that run inside
// either a standalone statement or an explicit transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) bumpStatisticTx(ctx context.Context, execer execer, channelID string, metaDataID int, status Status) error {
	t, err := tablesFor(channelID)
	if err != nil {
		return err
	}

	column := statisticColumn(status)
	if column == "" {
		return nil
	}

	_, err = execer.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO %s (meta_data_id, %s)
VALUES (?, 1)
ON CONFLICT (meta_data_id) DO UPDATE SET %s = %s + 1
`, t.stats, column, column, column), metaDataID)
	if err != nil {
		return ceerrors.NewStorage(err, "bump statistic channel=%s meta=%d", channelID, metaDataID)
	}
	return nil
}

// WriteContentAtomic writes a connector-message's terminal status and a
// content row in a single transaction: the durability point requires RAW
// content and the RECEIVED status to both land or neither.
func (s *Store) WriteContentAtomic(ctx context.Context, channelID string, cm *ConnectorMessage, c *content.Content) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ceerrors.NewStorage(err, "begin tx channel=%s", channelID)
	}
	defer tx.Rollback()

	if err := s.upsertConnectorMessageTx(ctx, tx, channelID, cm); err != nil {
		return err
	}
	if err := s.writeContentTx(ctx, tx, channelID, cm.MessageID, cm.MetaDataID, c); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return ceerrors.NewStorage(err, "commit tx channel=%s", channelID)
	}
	return nil
}

// WriteContent writes one content row outside any caller-managed
// transaction.
func (s *Store) WriteContent(ctx context.Context, channelID string, messageID int64, metaDataID int, c *content.Content) error {
	return s.writeContentTx(ctx, s.db, channelID, messageID, metaDataID, c)
}

func (s *Store) writeContentTx(ctx context.Context, execer execer, channelID string, messageID int64, metaDataID int, c *content.Content) error {
	t, err := tablesFor(channelID)
	if err != nil {
		return err
	}

	encoded, err := s.codec.Encode(c)
	if err != nil {
		return ceerrors.NewStorage(err, "encode content channel=%s message=%d type=%s", channelID, messageID, c.Type)
	}

	_, err = execer.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO %s (message_id, meta_data_id, content_type, text, data_type, compressed, encrypted)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (message_id, meta_data_id, content_type) DO UPDATE SET
	text = excluded.text, data_type = excluded.data_type,
	compressed = excluded.compressed, encrypted = excluded.encrypted
`, t.content),
		messageID, metaDataID, int(c.Type), encoded.Text, encoded.DataType, encoded.Compressed, encoded.Encrypted)
	if err != nil {
		return ceerrors.NewStorage(err, "write content channel=%s message=%d type=%s", channelID, messageID, c.Type)
	}
	return nil
}

// ReadContent reads and decodes one content row.
func (s *Store) ReadContent(ctx context.Context, channelID string, messageID int64, metaDataID int, contentType content.Type) (*content.Content, error) {
	t, err := tablesFor(channelID)
	if err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT text, data_type, compressed, encrypted FROM %s WHERE message_id = ? AND meta_data_id = ? AND content_type = ?",
		t.content), messageID, metaDataID, int(contentType))

	var stored content.Content
	stored.Type = contentType
	if err := row.Scan(&stored.Text, &stored.DataType, &stored.Compressed, &stored.Encrypted); err != nil {
		if err == sql.ErrNoRows {
			return nil, ceerrors.NewNotFound("content channel=%s message=%d meta=%d type=%s not found", channelID, messageID, metaDataID, contentType)
		}
		return nil, ceerrors.NewStorage(err, "read content channel=%s message=%d type=%s", channelID, messageID, contentType)
	}

	decoded, err := s.codec.Decode(&stored)
	if err != nil {
		return nil, ceerrors.NewStorage(err, "decode content channel=%s message=%d type=%s", channelID, messageID, contentType)
	}
	return decoded, nil
}

// ListOptions paginates and filters ListMessages:
// MinMessageID/MaxMessageID/Since/Until narrow the message id and
// received_at ranges, Statuses restricts to messages with at least one
// connector-message row in the given set, and Processed (when non-nil)
// restricts to Message.Processed matching its value.
type ListOptions struct {
	Offset       int
	Limit        int
	MinMessageID int64
	MaxMessageID int64 // 0 means unbounded
	Since        time.Time
	Until        time.Time // zero means unbounded
	Statuses     []Status
	MetaDataIDs  []int
	Processed    *bool

	// TextSearch restricts to messages with at least one content row whose
	// stored text contains the substring. Rows persisted compressed or
	// encrypted are not candidates: the match runs against the stored text.
	TextSearch string
}

// buildWhere translates opts into a WHERE clause shared by ListMessages and
// CountMessages so count == len(list) holds for every filter by
// construction.
func (opts ListOptions) buildWhere(t tableNames) (string, []any) {
	where := []string{"1=1"}
	args := []any{}

	if opts.MinMessageID > 0 {
		where = append(where, "message_id >= ?")
		args = append(args, opts.MinMessageID)
	}
	if opts.MaxMessageID > 0 {
		where = append(where, "message_id <= ?")
		args = append(args, opts.MaxMessageID)
	}
	if !opts.Since.IsZero() {
		where = append(where, "received_at >= ?")
		args = append(args, opts.Since.UTC().Unix())
	}
	if !opts.Until.IsZero() {
		where = append(where, "received_at <= ?")
		args = append(args, opts.Until.UTC().Unix())
	}
	if opts.Processed != nil {
		where = append(where, "processed = ?")
		if *opts.Processed {
			args = append(args, 1)
		} else {
			args = append(args, 0)
		}
	}
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, len(opts.Statuses))
		for i, st := range opts.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, fmt.Sprintf(
			"message_id IN (SELECT message_id FROM %s WHERE status IN (%s))",
			t.connector, strings.Join(placeholders, ",")))
	}
	if len(opts.MetaDataIDs) > 0 {
		placeholders := make([]string, len(opts.MetaDataIDs))
		for i, id := range opts.MetaDataIDs {
			placeholders[i] = "?"
			args = append(args, id)
		}
		where = append(where, fmt.Sprintf(
			"message_id IN (SELECT message_id FROM %s WHERE meta_data_id IN (%s))",
			t.connector, strings.Join(placeholders, ",")))
	}
	if opts.TextSearch != "" {
		where = append(where, fmt.Sprintf(
			`message_id IN (SELECT message_id FROM %s WHERE compressed = 0 AND encrypted = 0 AND text LIKE ? ESCAPE '\')`,
			t.content))
		args = append(args, "%"+escapeLike(opts.TextSearch)+"%")
	}
	return strings.Join(where, " AND "), args
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	return strings.ReplaceAll(s, "_", `\_`)
}

// ListMessages returns messages newest-first, paginated and filtered per
// opts.
func (s *Store) ListMessages(ctx context.Context, channelID string, opts ListOptions) ([]*Message, error) {
	t, err := tablesFor(channelID)
	if err != nil {
		return nil, err
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	where, args := opts.buildWhere(t)
	args = append(args, limit, opts.Offset)
	query := fmt.Sprintf(
		"SELECT message_id, received_at, server_id, processed, import_id, import_channel_id FROM %s WHERE %s ORDER BY message_id DESC LIMIT ? OFFSET ?",
		t.messages, where)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ceerrors.NewStorage(err, "list messages channel=%s", channelID)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows, channelID)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner, channelID string) (*Message, error) {
	var m Message
	var receivedAt int64
	var processed int
	if err := row.Scan(&m.MessageID, &receivedAt, &m.ServerID, &processed, &m.ImportID, &m.ImportChannelID); err != nil {
		return nil, ceerrors.NewStorage(err, "scan message channel=%s", channelID)
	}
	m.ChannelID = channelID
	m.ReceivedAt = time.Unix(receivedAt, 0).UTC()
	m.Processed = processed != 0
	return &m, nil
}

// GetMessage fetches a single message by id.
func (s *Store) GetMessage(ctx context.Context, channelID string, messageID int64) (*Message, error) {
	t, err := tablesFor(channelID)
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT message_id, received_at, server_id, processed, import_id, import_channel_id FROM %s WHERE message_id = ?",
		t.messages), messageID)
	m, err := scanMessage(row, channelID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ceerrors.NewNotFound("message channel=%s id=%d not found", channelID, messageID)
		}
		return nil, err
	}
	return m, nil
}

// ListConnectorMessages returns every connector-message row for a message,
// ordered by metaDataId (source first, then destinations in dispatch order).
func (s *Store) ListConnectorMessages(ctx context.Context, channelID string, messageID int64) ([]*ConnectorMessage, error) {
	t, err := tablesFor(channelID)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT meta_data_id, connector_name, status, status_code, status_message, send_attempts, received_at, sent_at, chain_id FROM %s WHERE message_id = ? ORDER BY meta_data_id, chain_id",
		t.connector), messageID)
	if err != nil {
		return nil, ceerrors.NewStorage(err, "list connector messages channel=%s message=%d", channelID, messageID)
	}
	defer rows.Close()

	var out []*ConnectorMessage
	for rows.Next() {
		cm := &ConnectorMessage{ChannelID: channelID, MessageID: messageID}
		var status string
		var receivedAt int64
		var sentAt sql.NullInt64
		if err := rows.Scan(&cm.MetaDataID, &cm.ConnectorName, &status, &cm.StatusCode, &cm.StatusMessage, &cm.SendAttempts, &receivedAt, &sentAt, &cm.ChainID); err != nil {
			return nil, ceerrors.NewStorage(err, "scan connector message channel=%s", channelID)
		}
		cm.Status = Status(status)
		cm.ReceivedAt = time.Unix(receivedAt, 0).UTC()
		if sentAt.Valid {
			ts := time.Unix(sentAt.Int64, 0).UTC()
			cm.SentAt = &ts
		}
		out = append(out, cm)
	}
	return out, rows.Err()
}

// UpdateConnectorStatus sets a connector-message's status without touching
// its other columns, bumping the matching statistics counter.
func (s *Store) UpdateConnectorStatus(ctx context.Context, channelID string, messageID int64, metaDataID int, status Status) error {
	t, err := tablesFor(channelID)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(
		"UPDATE %s SET status = ? WHERE message_id = ? AND meta_data_id = ?",
		t.connector), string(status), messageID, metaDataID); err != nil {
		return ceerrors.NewStorage(err, "update connector status channel=%s message=%d meta=%d", channelID, messageID, metaDataID)
	}
	return s.bumpStatisticTx(ctx, s.db, channelID, metaDataID, status)
}

// IncrementSendAttempts bumps the sendAttempts counter for a destination
// connector-message without touching its status.
func (s *Store) IncrementSendAttempts(ctx context.Context, channelID string, messageID int64, metaDataID int) error {
	t, err := tablesFor(channelID)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(
		"UPDATE %s SET send_attempts = send_attempts + 1 WHERE message_id = ? AND meta_data_id = ?",
		t.connector), messageID, metaDataID); err != nil {
		return ceerrors.NewStorage(err, "increment send attempts channel=%s message=%d meta=%d", channelID, messageID, metaDataID)
	}
	return nil
}

// MarkImported records that messageID was created by reprocessing importID
// (possibly from another channel).
func (s *Store) MarkImported(ctx context.Context, channelID string, messageID, importID int64, importChannelID string) error {
	t, err := tablesFor(channelID)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(
		"UPDATE %s SET import_id = ?, import_channel_id = ? WHERE message_id = ?",
		t.messages), importID, importChannelID, messageID); err != nil {
		return ceerrors.NewStorage(err, "mark imported channel=%s message=%d", channelID, messageID)
	}
	return nil
}

// MarkProcessed sets Message.Processed=true once every destination has
// reached a terminal status or been filtered out.
func (s *Store) MarkProcessed(ctx context.Context, channelID string, messageID int64) error {
	t, err := tablesFor(channelID)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(
		"UPDATE %s SET processed = 1 WHERE message_id = ?", t.messages), messageID); err != nil {
		return ceerrors.NewStorage(err, "mark processed channel=%s message=%d", channelID, messageID)
	}
	return nil
}

// ReleaseQueued manually moves a destination connector-message stuck in
// the terminal QUEUED state (a
// destination-originated QUEUED response not covered by
// queueOnResponseStatus is terminal and requires this operator action
// rather than being retried automatically) back to PENDING. Only the
// stored status changes: the dispatcher's queue is in memory and is not
// refilled from PENDING rows, so no send is started by this call.
func (s *Store) ReleaseQueued(ctx context.Context, channelID string, messageID int64, metaDataID int) error {
	t, err := tablesFor(channelID)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(
		"UPDATE %s SET status = ? WHERE message_id = ? AND meta_data_id = ? AND status = ?",
		t.connector), string(StatusPending), messageID, metaDataID, string(StatusQueued))
	if err != nil {
		return ceerrors.NewStorage(err, "release queued channel=%s message=%d meta=%d", channelID, messageID, metaDataID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ceerrors.NewNotFound("no queued connector message channel=%s message=%d meta=%d", channelID, messageID, metaDataID)
	}
	return nil
}

// CountMessages returns how many messages match opts, ignoring its
// pagination fields. Uses the same WHERE clause as ListMessages so the two
// always agree on a given filter.
func (s *Store) CountMessages(ctx context.Context, channelID string, opts ListOptions) (int64, error) {
	t, err := tablesFor(channelID)
	if err != nil {
		return 0, err
	}
	where, args := opts.buildWhere(t)
	var count int64
	row := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", t.messages, where), args...)
	if err := row.Scan(&count); err != nil {
		return 0, ceerrors.NewStorage(err, "count messages channel=%s", channelID)
	}
	return count, nil
}

// WriteAttachment stores one binary attachment for a message. The payload
// is opaque to the engine.
func (s *Store) WriteAttachment(ctx context.Context, channelID string, a *Attachment) error {
	t, err := tablesFor(channelID)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO %s (message_id, attachment_id, type, data)
VALUES (?, ?, ?, ?)
ON CONFLICT (message_id, attachment_id) DO UPDATE SET type = excluded.type, data = excluded.data
`, t.attach), a.MessageID, a.ID, a.Type, a.Data)
	if err != nil {
		return ceerrors.NewStorage(err, "write attachment channel=%s message=%d id=%s", channelID, a.MessageID, a.ID)
	}
	return nil
}

// ReadAttachment fetches one attachment by id.
func (s *Store) ReadAttachment(ctx context.Context, channelID string, messageID int64, attachmentID string) (*Attachment, error) {
	t, err := tablesFor(channelID)
	if err != nil {
		return nil, err
	}
	a := &Attachment{ChannelID: channelID, MessageID: messageID, ID: attachmentID}
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT type, data FROM %s WHERE message_id = ? AND attachment_id = ?", t.attach), messageID, attachmentID)
	if err := row.Scan(&a.Type, &a.Data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ceerrors.NewNotFound("attachment channel=%s message=%d id=%s not found", channelID, messageID, attachmentID)
		}
		return nil, ceerrors.NewStorage(err, "read attachment channel=%s message=%d id=%s", channelID, messageID, attachmentID)
	}
	return a, nil
}

// ListAttachments returns every attachment belonging to a message.
func (s *Store) ListAttachments(ctx context.Context, channelID string, messageID int64) ([]*Attachment, error) {
	t, err := tablesFor(channelID)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT attachment_id, type, data FROM %s WHERE message_id = ? ORDER BY attachment_id", t.attach), messageID)
	if err != nil {
		return nil, ceerrors.NewStorage(err, "list attachments channel=%s message=%d", channelID, messageID)
	}
	defer rows.Close()

	var out []*Attachment
	for rows.Next() {
		a := &Attachment{ChannelID: channelID, MessageID: messageID}
		if err := rows.Scan(&a.ID, &a.Type, &a.Data); err != nil {
			return nil, ceerrors.NewStorage(err, "scan attachment channel=%s", channelID)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteMessages bulk-deletes every message matching opts (pagination
// fields ignored) together with its connector messages, content rows, and
// attachments, returning how many messages were removed.
func (s *Store) DeleteMessages(ctx context.Context, channelID string, opts ListOptions) (int64, error) {
	t, err := tablesFor(channelID)
	if err != nil {
		return 0, err
	}
	where, args := opts.buildWhere(t)
	in := fmt.Sprintf("(SELECT message_id FROM %s WHERE %s)", t.messages, where)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, ceerrors.NewStorage(err, "begin delete tx channel=%s", channelID)
	}
	defer tx.Rollback()

	for _, table := range []string{t.content, t.attach} {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE message_id IN %s", table, in), args...); err != nil {
			return 0, ceerrors.NewStorage(err, "delete from %s channel=%s", table, channelID)
		}
	}
	res, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s", t.messages, where), args...)
	if err != nil {
		return 0, ceerrors.NewStorage(err, "delete from %s channel=%s", t.messages, channelID)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, ceerrors.NewStorage(err, "count deleted rows channel=%s", channelID)
	}
	// Connector-message rows go last: the filter can match on their status
	// or metaDataId, so they must still exist while the messages are chosen.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		"DELETE FROM %s WHERE message_id NOT IN (SELECT message_id FROM %s)", t.connector, t.messages)); err != nil {
		return 0, ceerrors.NewStorage(err, "delete from %s channel=%s", t.connector, channelID)
	}

	if err := tx.Commit(); err != nil {
		return 0, ceerrors.NewStorage(err, "commit delete tx channel=%s", channelID)
	}
	return deleted, nil
}

// ResetStatistics zeros statistics counters for a channel. A nil/empty
// metaDataIDs resets every connector; a nil/empty statuses resets every
// counter column, otherwise only the columns backing the given statuses.
func (s *Store) ResetStatistics(ctx context.Context, channelID string, metaDataIDs []int, statuses []Status) error {
	t, err := tablesFor(channelID)
	if err != nil {
		return err
	}

	columns := []string{"received", "filtered", "sent", "errored", "queued"}
	if len(statuses) > 0 {
		columns = columns[:0]
		for _, st := range statuses {
			if col := statisticColumn(st); col != "" {
				columns = append(columns, col)
			}
		}
		if len(columns) == 0 {
			return nil
		}
	}
	sets := make([]string, len(columns))
	for i, col := range columns {
		sets[i] = col + " = 0"
	}

	query := fmt.Sprintf("UPDATE %s SET %s", t.stats, strings.Join(sets, ", "))
	args := []any{}
	if len(metaDataIDs) > 0 {
		placeholders := make([]string, len(metaDataIDs))
		for i, id := range metaDataIDs {
			placeholders[i] = "?"
			args = append(args, id)
		}
		query += " WHERE meta_data_id IN (" + strings.Join(placeholders, ",") + ")"
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return ceerrors.NewStorage(err, "reset statistics channel=%s", channelID)
	}
	return nil
}

// Statistics returns the current per-connector counters for a channel.
func (s *Store) Statistics(ctx context.Context, channelID string) ([]*Statistics, error) {
	t, err := tablesFor(channelID)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT meta_data_id, received, filtered, sent, errored, queued FROM %s ORDER BY meta_data_id", t.stats))
	if err != nil {
		return nil, ceerrors.NewStorage(err, "read statistics channel=%s", channelID)
	}
	defer rows.Close()

	var out []*Statistics
	for rows.Next() {
		st := &Statistics{ChannelID: channelID}
		if err := rows.Scan(&st.MetaDataID, &st.Received, &st.Filtered, &st.Sent, &st.Errored, &st.Queued); err != nil {
			return nil, ceerrors.NewStorage(err, "scan statistics channel=%s", channelID)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
