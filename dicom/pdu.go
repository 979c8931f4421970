// Package dicom implements the DICOM Upper Layer association engine: a
// streaming PDU framer, A-ASSOCIATE negotiation, PDV reassembly,
// and the C-ECHO/C-STORE DIMSE handlers that feed the pipeline engine
// through the same connector.Dispatcher contract every other source uses.
package dicom

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// PDU type codes (DICOM PS3.8 Table 9-11).
const (
	PDUTypeAssociateRQ byte = 0x01
	PDUTypeAssociateAC byte = 0x02
	PDUTypeAssociateRJ byte = 0x03
	PDUTypeDataTF      byte = 0x04
	PDUTypeReleaseRQ   byte = 0x05
	PDUTypeReleaseRP   byte = 0x06
	PDUTypeAbort       byte = 0x07
)

// Item type codes within an A-ASSOCIATE-RQ/AC (PS3.8 Table 9-12).
const (
	ItemApplicationContext   byte = 0x10
	ItemPresentationContextRQ byte = 0x20
	ItemPresentationContextAC byte = 0x21
	ItemAbstractSyntax       byte = 0x30
	ItemTransferSyntax       byte = 0x40
	ItemUserInformation      byte = 0x50
)

// RawPDU is one framed, fully-buffered protocol data unit: a 6-byte header
// (<type:u8><reserved:u8><length:u32 big-endian>) plus its body. Framing
// has no timeout of its own.
type RawPDU struct {
	Type byte
	Body []byte
}

// Framer reads a stream of RawPDUs off a connection, accumulating partial
// reads until a complete PDU is available.
type Framer struct {
	r *bufio.Reader
}

// NewFramer wraps r for PDU-at-a-time reads.
func NewFramer(r io.Reader) *Framer {
	return &Framer{r: bufio.NewReaderSize(r, 64*1024)}
}

// ReadPDU blocks until one full PDU has been read, or returns the
// underlying read error (including io.EOF on graceful close).
func (f *Framer) ReadPDU() (*RawPDU, error) {
	header := make([]byte, 6)
	if _, err := io.ReadFull(f.r, header); err != nil {
		return nil, err
	}
	pduType := header[0]
	length := binary.BigEndian.Uint32(header[2:6])

	body := make([]byte, length)
	if _, err := io.ReadFull(f.r, body); err != nil {
		return nil, fmt.Errorf("dicom: short PDU body (type=0x%02x want=%d): %w", pduType, length, err)
	}
	return &RawPDU{Type: pduType, Body: body}, nil
}

// WritePDU frames and writes one PDU to w.
func WritePDU(w io.Writer, pduType byte, body []byte) error {
	header := make([]byte, 6)
	header[0] = pduType
	header[1] = 0
	binary.BigEndian.PutUint32(header[2:6], uint32(len(body)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// PresentationContext is one negotiated or proposed (abstractSyntax,
// transferSyntax) pair, keyed by an odd contextID.
type PresentationContext struct {
	ID               byte
	AbstractSyntax   string
	TransferSyntaxes []string // proposed (RQ) or the single accepted one (AC)
	Accepted         bool
	Result           byte // 0=acceptance, 1=user-rejection, 2=no-reason, 3=abstract-syntax-not-supported, 4=ts-not-supported
}

// AssociateRQ is the parsed content of an A-ASSOCIATE-RQ PDU.
type AssociateRQ struct {
	CalledAE             string
	CallingAE            string
	ApplicationContext   string
	PresentationContexts []*PresentationContext
	MaxPDULength         uint32
}

// AssociateAC is what the acceptor sends back.
type AssociateAC struct {
	CalledAE             string
	CallingAE            string
	PresentationContexts []*PresentationContext
	MaxPDULength         uint32
}

// AssociateRJ result/source/reason codes.
type AssociateRJ struct {
	Result byte
	Source byte
	Reason byte
}

func (rj AssociateRJ) Encode() []byte {
	return []byte{0, rj.Result, rj.Source, rj.Reason}
}

// encodeAETitle encodes a 16-byte space-padded ASCII AE title (PS3.8 9.3.2).
func encodeAETitle(title string) []byte {
	out := make([]byte, 16)
	for i := range out {
		out[i] = ' '
	}
	copy(out, title)
	return out
}

func decodeAETitle(b []byte) string {
	end := len(b)
	for end > 0 && b[end-1] == ' ' {
		end--
	}
	return string(b[:end])
}
