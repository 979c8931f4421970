package dicom

import (
	"encoding/binary"
	"fmt"
)

// AssociationState is the per-connection state: the server
// side only ever visits IDLE -> ASSOCIATED -> CLOSED, omitting the client-
// only AWAITING_ASSOCIATE_AC/AWAITING_RELEASE_RP states this package's
// server implementation never enters.
type AssociationState string

const (
	StateIdle        AssociationState = "IDLE"
	StateAssociated  AssociationState = "ASSOCIATED"
	StateAwaitingAC  AssociationState = "AWAITING_ASSOCIATE_AC"
	StateAwaitingRP  AssociationState = "AWAITING_RELEASE_RP"
	StateClosed      AssociationState = "CLOSED"
)

// AcceptorConfig is one DICOM connector's negotiation policy: which AE title it answers to (empty = accept any), and the ordered
// SOP classes / transfer syntaxes it will negotiate.
type AcceptorConfig struct {
	ApplicationEntity      string
	AcceptedSOPClasses     []string
	AcceptedTransferSyntax []string
	MaxPDULength           uint32
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// Negotiate applies the presentation-context acceptance rule: a
// proposed context is accepted iff its abstract syntax is configured AND
// at least one proposed transfer syntax is configured, with acceptance
// priority following the acceptor's own list order (not the proposer's).
// Returns either the AC to send or, to reject the whole association, a
// non-nil RJ (only when the Called AE doesn't match, or no context was
// accepted).
func (cfg *AcceptorConfig) Negotiate(rq *AssociateRQ) (*AssociateAC, *AssociateRJ) {
	if cfg.ApplicationEntity != "" && rq.CalledAE != cfg.ApplicationEntity {
		return nil, &AssociateRJ{Result: 1, Source: 1, Reason: 7}
	}

	ac := &AssociateAC{
		CalledAE:     rq.CalledAE,
		CallingAE:    rq.CallingAE,
		MaxPDULength: cfg.MaxPDULength,
	}
	if ac.MaxPDULength == 0 {
		ac.MaxPDULength = 16384
	}
	if rq.MaxPDULength != 0 && rq.MaxPDULength < ac.MaxPDULength {
		ac.MaxPDULength = rq.MaxPDULength
	}

	anyAccepted := false
	for _, proposed := range rq.PresentationContexts {
		out := &PresentationContext{ID: proposed.ID, AbstractSyntax: proposed.AbstractSyntax}

		if !contains(cfg.AcceptedSOPClasses, proposed.AbstractSyntax) {
			out.Result = 3 // abstract syntax not supported
			ac.PresentationContexts = append(ac.PresentationContexts, out)
			continue
		}

		accepted := ""
		for _, candidate := range cfg.AcceptedTransferSyntax {
			if contains(proposed.TransferSyntaxes, candidate) {
				accepted = candidate
				break
			}
		}
		if accepted == "" {
			out.Result = 4 // transfer syntax not supported
			ac.PresentationContexts = append(ac.PresentationContexts, out)
			continue
		}

		out.Result = 0
		out.Accepted = true
		out.TransferSyntaxes = []string{accepted}
		ac.PresentationContexts = append(ac.PresentationContexts, out)
		anyAccepted = true
	}

	if !anyAccepted {
		return nil, &AssociateRJ{Result: 1, Source: 1, Reason: 1}
	}
	return ac, nil
}

// AcceptedTransferSyntax looks up the negotiated transfer syntax for a
// contextID from an AC, used by the PDV reassembler to interpret P-DATA.
func (ac *AssociateAC) AcceptedTransferSyntax(contextID byte) (string, bool) {
	for _, pc := range ac.PresentationContexts {
		if pc.ID == contextID && pc.Accepted {
			return pc.TransferSyntaxes[0], true
		}
	}
	return "", false
}

// PDV is one Presentation Data Value fragment inside a P-DATA-TF PDU:
// <length:u32><contextId:u8><mcHeader:u8><data:bytes>.
type PDV struct {
	ContextID byte
	IsCommand bool
	IsLast    bool
	Data      []byte
}

// ParsePDataTF iterates every PDV inside a P-DATA-TF PDU body.
func ParsePDataTF(body []byte) ([]PDV, error) {
	var pdvs []PDV
	for len(body) > 0 {
		if len(body) < 6 {
			return nil, fmt.Errorf("dicom: truncated PDV header")
		}
		length := binary.BigEndian.Uint32(body[0:4])
		if len(body) < int(4+length) {
			return nil, fmt.Errorf("dicom: truncated PDV body")
		}
		contextID := body[4]
		mcHeader := body[5]
		data := body[6 : 4+length]
		pdvs = append(pdvs, PDV{
			ContextID: contextID,
			IsCommand: mcHeader&0x01 != 0,
			IsLast:    mcHeader&0x02 != 0,
			Data:      data,
		})
		body = body[4+length:]
	}
	return pdvs, nil
}

// EncodePDataTF frames a single fragment as a complete P-DATA-TF PDU body
// (the dispatcher-side client splits a large payload across several of
// these, see EncodeDataSet).
func EncodePDataTF(contextID byte, data []byte, isCommand, isLast bool) []byte {
	mcHeader := byte(0)
	if isCommand {
		mcHeader |= 0x01
	}
	if isLast {
		mcHeader |= 0x02
	}
	pdvLen := uint32(2 + len(data))
	out := make([]byte, 4+pdvLen)
	binary.BigEndian.PutUint32(out[0:4], pdvLen)
	out[4] = contextID
	out[5] = mcHeader
	copy(out[6:], data)
	return out
}

// reassembler accumulates PDVs per presentation context into separate
// command/data buffers.
type reassembler struct {
	command map[byte][]byte
	data    map[byte][]byte
}

func newReassembler() *reassembler {
	return &reassembler{command: map[byte][]byte{}, data: map[byte][]byte{}}
}

// Feed appends one PDV's payload and reports whether its buffer
// (command or data, per IsCommand) just completed.
func (r *reassembler) Feed(pdv PDV) (complete bool) {
	if pdv.IsCommand {
		r.command[pdv.ContextID] = append(r.command[pdv.ContextID], pdv.Data...)
	} else {
		r.data[pdv.ContextID] = append(r.data[pdv.ContextID], pdv.Data...)
	}
	return pdv.IsLast
}

func (r *reassembler) Command(contextID byte) []byte { return r.command[contextID] }
func (r *reassembler) Data(contextID byte) []byte     { return r.data[contextID] }

func (r *reassembler) Reset(contextID byte) {
	delete(r.command, contextID)
	delete(r.data, contextID)
}
