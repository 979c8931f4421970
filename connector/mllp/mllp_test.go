package mllp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/channelengine/celog"
	"github.com/jeeves-cluster-organization/channelengine/connector"
)

func TestReadFrameParsesWellFormedMessage(t *testing.T) {
	framed := frame([]byte("MSH|^~\\&|A|B"))
	msg, err := readFrame(bufio.NewReader(bytes.NewReader(framed)))
	require.NoError(t, err)
	assert.Equal(t, []byte("MSH|^~\\&|A|B"), msg)
}

func TestReadFrameRejectsMissingTrailingCR(t *testing.T) {
	bad := []byte{startBlock, 'X', endBlock, 'Z'}
	_, err := readFrame(bufio.NewReader(bytes.NewReader(bad)))
	assert.Error(t, err)
}

func TestExtractControlID(t *testing.T) {
	msg := []byte("MSH|^~\\&|SENDER|FAC|RCVR|FAC2|20240101||ADT^A01|12345|P|2.3\rPID|1")
	assert.Equal(t, "12345", extractControlID(msg))

	assert.Empty(t, extractControlID([]byte("MSH|short")))
}

func TestBuildACKShapes(t *testing.T) {
	ack := string(buildACK("AA", "12345", ""))
	assert.Contains(t, ack, "MSA|AA|12345")

	nak := string(buildACK("AE", "12345", "boom"))
	assert.Contains(t, nak, "MSA|AE|12345|boom")
}

// sendFramed writes one framed message and reads back one framed ACK.
func sendFramed(t *testing.T, addr string, msg []byte) []byte {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	_, err = conn.Write(frame(msg))
	require.NoError(t, err)

	ack, err := readFrame(bufio.NewReader(conn))
	require.NoError(t, err)
	return ack
}

func TestSourceAcksAcceptedMessage(t *testing.T) {
	src := New(Config{Name: "hl7-in", Addr: "127.0.0.1:0", IdleTimeout: 2 * time.Second}, celog.Noop())
	var received []byte
	src.SetDispatcher(func(ctx context.Context, raw connector.RawMessage) error {
		received = raw.Data
		return nil
	})

	ctx := context.Background()
	require.NoError(t, src.Start(ctx))
	defer src.Stop(ctx)

	msg := []byte("MSH|^~\\&|SENDER|FAC|RCVR|FAC2|20240101||ADT^A01|12345|P|2.3\rPID|1")
	ack := sendFramed(t, src.Addr().String(), msg)

	assert.Contains(t, string(ack), "MSA|AA|12345")
	assert.Equal(t, msg, received)
}

func TestSourceNaksWhenDispatchFails(t *testing.T) {
	src := New(Config{Name: "hl7-in", Addr: "127.0.0.1:0", IdleTimeout: 2 * time.Second}, celog.Noop())
	src.SetDispatcher(func(ctx context.Context, raw connector.RawMessage) error {
		return errors.New("pipeline rejected")
	})

	ctx := context.Background()
	require.NoError(t, src.Start(ctx))
	defer src.Stop(ctx)

	ack := sendFramed(t, src.Addr().String(), []byte("MSH|^~\\&|S|F|R|F2|1||ADT^A01|77|P|2.3"))
	assert.Contains(t, string(ack), "MSA|AE|77")
}

func TestSourceNaksMalformedFrameAndKeepsConnection(t *testing.T) {
	src := New(Config{Name: "hl7-in", Addr: "127.0.0.1:0", IdleTimeout: 2 * time.Second}, celog.Noop())
	var count int
	src.SetDispatcher(func(ctx context.Context, raw connector.RawMessage) error {
		count++
		return nil
	})

	ctx := context.Background()
	require.NoError(t, src.Start(ctx))
	defer src.Stop(ctx)

	conn, err := net.Dial("tcp", src.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(conn)

	// end-block followed by something other than CR is a framing error
	_, err = conn.Write([]byte{startBlock, 'M', 'S', 'H', endBlock, 'X'})
	require.NoError(t, err)

	nak, err := readFrame(reader)
	require.NoError(t, err)
	assert.Contains(t, string(nak), "MSA|AR|")
	assert.Zero(t, count)

	// the connection survives: a well-formed frame is still accepted
	_, err = conn.Write(frame([]byte("MSH|^~\\&|S|F|R|F2|1||ADT^A01|55|P|2.3")))
	require.NoError(t, err)
	ack, err := readFrame(reader)
	require.NoError(t, err)
	assert.Contains(t, string(ack), "MSA|AA|55")
	assert.Equal(t, 1, count)
}

func TestSourceHandlesMultipleMessagesPerConnection(t *testing.T) {
	src := New(Config{Name: "hl7-in", Addr: "127.0.0.1:0", IdleTimeout: 2 * time.Second}, celog.Noop())
	var count int
	src.SetDispatcher(func(ctx context.Context, raw connector.RawMessage) error {
		count++
		return nil
	})

	ctx := context.Background()
	require.NoError(t, src.Start(ctx))
	defer src.Stop(ctx)

	conn, err := net.Dial("tcp", src.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(conn)

	for i := 0; i < 3; i++ {
		_, err = conn.Write(frame([]byte("MSH|^~\\&|S|F|R|F2|1||ADT^A01|c" + string(rune('0'+i)) + "|P|2.3")))
		require.NoError(t, err)
		ack, err := readFrame(reader)
		require.NoError(t, err)
		assert.True(t, strings.Contains(string(ack), "MSA|AA|"))
	}
	assert.Equal(t, 3, count)
}
