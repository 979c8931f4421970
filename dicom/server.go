package dicom

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/jeeves-cluster-organization/channelengine/ceerrors"
	"github.com/jeeves-cluster-organization/channelengine/celog"
	"github.com/jeeves-cluster-organization/channelengine/connector"
	"github.com/jeeves-cluster-organization/channelengine/enginerecover"
	"github.com/jeeves-cluster-organization/channelengine/observability"
)

// ServerConfig is one DICOM source connector's listener configuration.
type ServerConfig struct {
	Name        string
	Addr        string
	IdleTimeout time.Duration
	TLS         *tls.Config // nil disables TLS
	Acceptor    AcceptorConfig
}

// Server is a DICOM SCP: it accepts TCP/TLS connections, negotiates one
// association per connection, and dispatches C-STORE/C-ECHO DIMSE
// requests into the pipeline engine via connector.Dispatcher. It
// implements connector.Source.
type Server struct {
	cfg        ServerConfig
	logger     celog.Logger
	dispatcher connector.Dispatcher
	lifecycle  *connector.Lifecycle

	listener net.Listener
}

// NewServer builds a Server. SetDispatcher must be called (by the engine
// controller, at channel deploy) before Start.
func NewServer(cfg ServerConfig, logger celog.Logger) *Server {
	if logger == nil {
		logger = celog.Noop()
	}
	return &Server{
		cfg:       cfg,
		logger:    logger.Bind("component", "dicom", "connector", cfg.Name),
		lifecycle: connector.NewLifecycle(),
	}
}

func (s *Server) Name() string { return s.cfg.Name }

// Addr returns the bound listener address, valid after Start. Useful when
// the configured Addr binds port 0.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// SetDispatcher wires this source to the pipeline engine.
func (s *Server) SetDispatcher(d connector.Dispatcher) { s.dispatcher = d }

// Start begins accepting connections. Each connection runs its own
// association loop on its own goroutine; Stop does not end these loops
// (see Stop).
func (s *Server) Start(ctx context.Context) error {
	if err := s.lifecycle.Start(); err != nil {
		return err
	}

	var ln net.Listener
	var err error
	if s.cfg.TLS != nil {
		ln, err = tls.Listen("tcp", s.cfg.Addr, s.cfg.TLS)
	} else {
		ln, err = net.Listen("tcp", s.cfg.Addr)
	}
	if err != nil {
		return ceerrors.NewTransport(err, "dicom: listen %s", s.cfg.Addr)
	}
	s.listener = ln

	enginerecover.SafeGo(s.logger, "dicom_accept_loop", func() { s.acceptLoop(ctx) }, nil)
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) {
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
			s.logger.Warn("dicom_accept_error", "error", err)
			continue
		}
		if !s.lifecycle.IsAccepting() {
			conn.Close() // paused or stopping: refuse new associations
			continue
		}
		assocCtx, cancel := context.WithCancel(ctx)
		enginerecover.SafeGo(s.logger, "dicom_association", func() {
			defer cancel()
			s.serveConnection(assocCtx, conn)
		}, nil)
	}
}

// Stop closes the listener; in-flight associations are left to their own
// idle timeout or A-RELEASE, matching connector.Lifecycle's STOPPED
// semantics (graceful, not cancelling).
func (s *Server) Stop(ctx context.Context) error {
	if s.listener != nil {
		s.listener.Close()
	}
	return s.lifecycle.Stop()
}

// serveConnection runs one association's PDU loop: negotiate, then
// process P-DATA-TF/RELEASE-RQ/ABORT until the peer releases, aborts, or
// the idle timeout fires.
func (s *Server) serveConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	assocID := uuid.NewString()
	logger := s.logger.Bind("association", assocID, "remote", conn.RemoteAddr().String())
	framer := NewFramer(conn)
	state := StateIdle
	reasm := newReassembler()
	pending := map[byte]*elements{} // C-STORE commands awaiting their data set
	var ac *AssociateAC
	var callingAE, calledAE string

	idle := s.cfg.IdleTimeout
	if idle <= 0 {
		idle = 60 * time.Second
	}

	for {
		if idle > 0 {
			conn.SetReadDeadline(time.Now().Add(idle))
		}
		pdu, err := framer.ReadPDU()
		if err != nil {
			observability.RecordDICOMAssociation(s.cfg.Name, "closed")
			logger.Debug("dicom_connection_closed", "error", err)
			return
		}

		switch pdu.Type {
		case PDUTypeAssociateRQ:
			rq, err := ParseAssociateRQ(pdu.Body)
			if err != nil {
				logger.Warn("dicom_malformed_associate_rq", "error", err)
				WritePDU(conn, PDUTypeAbort, []byte{0, 0, 0, 2})
				return
			}
			callingAE, calledAE = rq.CallingAE, rq.CalledAE
			accepted, rj := s.cfg.Acceptor.Negotiate(rq)
			if rj != nil {
				WritePDU(conn, PDUTypeAssociateRJ, rj.Encode())
				observability.RecordDICOMAssociation(s.cfg.Name, "rejected")
				return
			}
			ac = accepted
			WritePDU(conn, PDUTypeAssociateAC, EncodeAssociateAC(ac))
			state = StateAssociated
			observability.RecordDICOMAssociation(s.cfg.Name, "accepted")

		case PDUTypeDataTF:
			if state != StateAssociated {
				WritePDU(conn, PDUTypeAbort, []byte{0, 0, 2, 0})
				return
			}
			pdvs, err := ParsePDataTF(pdu.Body)
			if err != nil {
				logger.Warn("dicom_malformed_pdata", "error", err)
				continue
			}
			for _, pdv := range pdvs {
				if !reasm.Feed(pdv) {
					continue
				}
				if pdv.IsCommand {
					s.handleCommandComplete(ctx, conn, logger, reasm, pending, ac, pdv.ContextID, callingAE, calledAE)
				} else if cmd, ok := pending[pdv.ContextID]; ok {
					// The data set for an earlier C-STORE-RQ just completed.
					delete(pending, pdv.ContextID)
					s.handleCStore(ctx, conn, logger, cmd, reasm, ac, pdv.ContextID, callingAE, calledAE)
				}
			}

		case PDUTypeReleaseRQ:
			WritePDU(conn, PDUTypeReleaseRP, nil)
			state = StateClosed
			return

		case PDUTypeAbort:
			state = StateClosed
			return

		default:
			logger.Warn("dicom_unknown_pdu", "type", fmt.Sprintf("0x%02x", pdu.Type))
		}
	}
}

// handleCommandComplete runs once a command buffer for a context is fully
// reassembled: dispatch immediately if the command declares no data set,
// otherwise park it until the data buffer also completes.
func (s *Server) handleCommandComplete(ctx context.Context, conn net.Conn, logger celog.Logger, reasm *reassembler, pending map[byte]*elements, ac *AssociateAC, contextID byte, callingAE, calledAE string) {
	cmd, err := parseElements(reasm.Command(contextID))
	if err != nil {
		logger.Warn("dicom_malformed_command", "error", err)
		reasm.Reset(contextID)
		return
	}

	field, _ := CommandField(cmd)
	switch field {
	case CommandCEchoRQ:
		rsp := HandleCEcho(cmd)
		WritePDU(conn, PDUTypeDataTF, EncodePDataTF(contextID, rsp, true, true))
		reasm.Reset(contextID)

	case CommandCStoreRQ:
		if IsNoDataSet(cmd) || len(reasm.Data(contextID)) > 0 {
			s.handleCStore(ctx, conn, logger, cmd, reasm, ac, contextID, callingAE, calledAE)
			return
		}
		pending[contextID] = cmd

	default:
		logger.Warn("dicom_unsupported_command", "field", fmt.Sprintf("0x%04x", field))
		reasm.Reset(contextID)
	}
}

// handleCStore builds the C-STORE JSON envelope from the parsed command and
// the reassembled data set, dispatches it into the pipeline, and answers
// with a C-STORE-RSP carrying 0x0000 on success or 0x0110 on failure.
func (s *Server) handleCStore(ctx context.Context, conn net.Conn, logger celog.Logger, cmd *elements, reasm *reassembler, ac *AssociateAC, contextID byte, callingAE, calledAE string) {
	ts, _ := ac.AcceptedTransferSyntax(contextID)
	env, err := BuildCStoreEnvelope(cmd, reasm.Data(contextID), ts, callingAE, calledAE)
	status := StatusSuccess
	if err != nil {
		status = StatusProcessingFailed
	} else if s.dispatcher != nil {
		raw := connector.RawMessage{
			Data:       env,
			ReceivedAt: time.Now().UTC(),
			SourceMap: map[string]any{
				"callingAE": callingAE,
				"calledAE":  calledAE,
			},
		}
		if dispatchErr := s.dispatcher(ctx, raw); dispatchErr != nil {
			logger.Error("dicom_dispatch_failed", "error", dispatchErr)
			status = StatusProcessingFailed
		}
	}
	rsp := HandleCStoreResponse(cmd, status)
	WritePDU(conn, PDUTypeDataTF, EncodePDataTF(contextID, rsp, true, true))
	reasm.Reset(contextID)
}
