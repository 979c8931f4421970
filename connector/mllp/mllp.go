// Package mllp implements the HL7 MLLP source connector: frame =
// 0x0B <message bytes> 0x1C 0x0D, ACK is an HL7 message with MSA|AA|...
// (success) or MSA|AE|.../MSA|AR|... (error).
package mllp

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/jeeves-cluster-organization/channelengine/ceerrors"
	"github.com/jeeves-cluster-organization/channelengine/celog"
	"github.com/jeeves-cluster-organization/channelengine/connector"
	"github.com/jeeves-cluster-organization/channelengine/enginerecover"
)

const (
	startBlock = 0x0B
	endBlock   = 0x1C
	carriageReturn = 0x0D
)

// Config is one MLLP source connector's listener configuration.
type Config struct {
	Name        string
	Addr        string
	IdleTimeout time.Duration
}

// Source is the MLLP listener; it implements connector.Source.
type Source struct {
	cfg        Config
	logger     celog.Logger
	dispatcher connector.Dispatcher
	lifecycle  *connector.Lifecycle
	listener   net.Listener
}

func New(cfg Config, logger celog.Logger) *Source {
	if logger == nil {
		logger = celog.Noop()
	}
	return &Source{cfg: cfg, logger: logger.Bind("component", "mllp", "connector", cfg.Name), lifecycle: connector.NewLifecycle()}
}

func (s *Source) Name() string { return s.cfg.Name }

// Addr returns the bound listener address, valid after Start. Useful when
// the configured Addr binds port 0.
func (s *Source) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Source) SetDispatcher(d connector.Dispatcher) { s.dispatcher = d }

func (s *Source) Start(ctx context.Context) error {
	if err := s.lifecycle.Start(); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return ceerrors.NewTransport(err, "mllp: listen %s", s.cfg.Addr)
	}
	s.listener = ln
	enginerecover.SafeGo(s.logger, "mllp_accept_loop", func() { s.acceptLoop(ctx) }, nil)
	return nil
}

func (s *Source) Stop(ctx context.Context) error {
	if s.listener != nil {
		s.listener.Close()
	}
	return s.lifecycle.Stop()
}

func (s *Source) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if s.lifecycle.State() != connector.StateStarted {
				return
			}
			s.logger.Warn("mllp_accept_error", "error", err)
			continue
		}
		if !s.lifecycle.IsAccepting() {
			conn.Close()
			continue
		}
		enginerecover.SafeGo(s.logger, "mllp_connection", func() { s.serveConnection(ctx, conn) }, nil)
	}
}

// serveConnection reads one or more MLLP-framed HL7 messages off conn,
// dispatches each to the pipeline, and writes back an ACK built from the
// dispatch outcome.
func (s *Source) serveConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)

	idle := s.cfg.IdleTimeout
	if idle <= 0 {
		idle = 60 * time.Second
	}

	for {
		if idle > 0 {
			conn.SetReadDeadline(time.Now().Add(idle))
		}
		msg, err := readFrame(reader)
		if err != nil {
			// A malformed frame is NAK'd and the connection kept; only IO
			// errors (close, idle timeout) end the loop.
			if errors.Is(err, ceerrors.ErrProtocol) {
				s.logger.Warn("mllp_protocol_error", "error", err)
				if _, werr := conn.Write(frame(buildACK("AR", "", err.Error()))); werr != nil {
					return
				}
				continue
			}
			return
		}

		controlID := extractControlID(msg)

		var ackCode, ackErr string
		if s.dispatcher == nil {
			ackCode, ackErr = "AE", "no dispatcher configured"
		} else {
			raw := connector.RawMessage{
				Data:       msg,
				ReceivedAt: time.Now().UTC(),
				SourceMap:  map[string]any{"remoteAddr": conn.RemoteAddr().String()},
			}
			if err := s.dispatcher(ctx, raw); err != nil {
				ackCode, ackErr = "AE", err.Error()
			} else {
				ackCode = "AA"
			}
		}

		ack := buildACK(ackCode, controlID, ackErr)
		if _, err := conn.Write(frame(ack)); err != nil {
			return
		}
	}
}

// readFrame reads one 0x0B ... 0x1C 0x0D framed message, erroring on a
// malformed frame.
func readFrame(r *bufio.Reader) ([]byte, error) {
	if _, err := r.ReadBytes(startBlock); err != nil {
		return nil, err
	}
	body, err := r.ReadBytes(endBlock)
	if err != nil {
		return nil, err
	}
	body = body[:len(body)-1] // drop the trailing 0x1C
	trailer, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if trailer != carriageReturn {
		return nil, ceerrors.NewProtocol("mllp: missing trailing CR after end-block")
	}
	return body, nil
}

func frame(msg []byte) []byte {
	out := make([]byte, 0, len(msg)+3)
	out = append(out, startBlock)
	out = append(out, msg...)
	out = append(out, endBlock, carriageReturn)
	return out
}

// extractControlID reads MSH-10 (message control id) from field-9 of the
// pipe-delimited MSH segment (0-indexed: MSH=0, encoding-characters=1,
// ..., control-id=9).
func extractControlID(msg []byte) string {
	lines := strings.SplitN(string(msg), "\r", 2)
	if len(lines) == 0 {
		return ""
	}
	first := lines[0]
	if idx := strings.Index(first, "\n"); idx >= 0 {
		first = first[:idx]
	}
	fields := strings.Split(first, "|")
	if len(fields) > 9 {
		return fields[9]
	}
	return ""
}

// buildACK builds an HL7 ACK message: MSA|<code>|<controlId>, with an
// ERR segment carrying detail on failure.
func buildACK(code, controlID, detail string) []byte {
	var b strings.Builder
	b.WriteString("MSH|^~\\&|CHANNELENGINE|CHANNELENGINE||| |ACK|")
	b.WriteString(controlID)
	b.WriteString("|P|2.3\r")
	b.WriteString("MSA|")
	b.WriteString(code)
	b.WriteString("|")
	b.WriteString(controlID)
	if detail != "" {
		b.WriteString("|")
		b.WriteString(detail)
	}
	b.WriteString("\r")
	return []byte(b.String())
}
