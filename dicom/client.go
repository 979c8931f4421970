package dicom

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/jeeves-cluster-organization/channelengine/ceerrors"
	"github.com/jeeves-cluster-organization/channelengine/connector"
)

// ClientConfig is one DICOM destination connector's outbound association
// parameters.
type ClientConfig struct {
	Name             string
	Addr             string
	CallingAE        string
	CalledAE         string
	SOPClassUID      string
	TransferSyntax   string
	TLS              *tls.Config
	AssociateTimeout time.Duration
	MaxPDULength     uint32
}

// Client sends a C-STORE (or C-ECHO, when Send is given an empty body) by
// opening a fresh association per message: build A-ASSOCIATE-RQ, wait for
// AC (timeout -> error), split the data set across P-DATA-TF PDVs
// respecting the effective max PDU, then parse the response Status
// element. It implements connector.Destination.
type Client struct {
	cfg ClientConfig
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.MaxPDULength == 0 {
		cfg.MaxPDULength = 16384
	}
	if cfg.AssociateTimeout == 0 {
		cfg.AssociateTimeout = 10 * time.Second
	}
	return &Client{cfg: cfg}
}

func (c *Client) Name() string { return c.cfg.Name }

func (c *Client) Start(ctx context.Context) error { return nil }
func (c *Client) Stop(ctx context.Context) error  { return nil }

// Send dials, associates, sends one C-STORE-RQ carrying body as the data
// set (the ENCODED content the pipeline handed this destination, expected
// to already be base64 DICOM part-10 bytes or raw data-set bytes per
// TransferSyntax), or one C-ECHO-RQ when body is empty, and returns a
// Response derived from the DIMSE Status element.
func (c *Client) Send(ctx context.Context, body string, connectorMap map[string]any) (connector.Response, error) {
	dialer := net.Dialer{Timeout: c.cfg.AssociateTimeout}
	var conn net.Conn
	var err error
	if c.cfg.TLS != nil {
		conn, err = tls.DialWithDialer(&dialer, "tcp", c.cfg.Addr, c.cfg.TLS)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", c.cfg.Addr)
	}
	if err != nil {
		return connector.Response{}, ceerrors.NewTransport(err, "dicom client: dial %s", c.cfg.Addr)
	}
	defer conn.Close()

	rq := buildAssociateRQ(c.cfg)
	if err := WritePDU(conn, PDUTypeAssociateRQ, rq); err != nil {
		return connector.Response{}, ceerrors.NewTransport(err, "dicom client: write associate-rq")
	}

	conn.SetReadDeadline(time.Now().Add(c.cfg.AssociateTimeout))
	framer := NewFramer(conn)
	pdu, err := framer.ReadPDU()
	if err != nil {
		return connector.Response{}, ceerrors.NewTransport(err, "dicom client: await associate-ac")
	}
	if pdu.Type == PDUTypeAssociateRJ {
		return connector.Response{Status: "ERROR", Message: "association rejected"}, ceerrors.NewTransport(nil, "dicom client: association rejected")
	}
	if pdu.Type != PDUTypeAssociateAC {
		return connector.Response{}, ceerrors.NewTransport(nil, "dicom client: unexpected PDU 0x%02x awaiting AC", pdu.Type)
	}
	ac, err := ParseAssociateAC(pdu.Body)
	if err != nil {
		return connector.Response{}, ceerrors.NewTransport(err, "dicom client: parse associate-ac")
	}
	accepted := false
	for _, pc := range ac.PresentationContexts {
		if pc.Accepted {
			accepted = true
			break
		}
	}
	if !accepted {
		return connector.Response{Status: "ERROR", Message: "no presentation context accepted"},
			ceerrors.NewTransport(nil, "dicom client: no presentation context accepted")
	}
	maxPDU := c.cfg.MaxPDULength
	if ac.MaxPDULength != 0 && ac.MaxPDULength < maxPDU {
		maxPDU = ac.MaxPDULength
	}

	data, err := decodeDataSet(body)
	if err != nil {
		return connector.Response{}, ceerrors.NewTransport(err, "dicom client: decode data set")
	}

	cmd := newElements()
	if len(data) == 0 {
		cmd.setUint16(tagCommandField, CommandCEchoRQ)
	} else {
		cmd.setUint16(tagCommandField, CommandCStoreRQ)
	}
	cmd.setUint16(tagMessageID, 1)
	cmd.setString(tagAffectedSOPClassUID, c.cfg.SOPClassUID)
	if len(data) == 0 {
		cmd.setUint16(tagDataSetType, 0x0101)
	} else {
		cmd.setUint16(tagDataSetType, 0x0001)
	}
	cmdBytes := cmd.encode()

	if err := sendFragmented(conn, cmdBytes, true, maxPDU); err != nil {
		return connector.Response{}, ceerrors.NewTransport(err, "dicom client: send command")
	}
	if len(data) > 0 {
		if err := sendFragmented(conn, data, false, maxPDU); err != nil {
			return connector.Response{}, ceerrors.NewTransport(err, "dicom client: send data set")
		}
	}

	conn.SetReadDeadline(time.Now().Add(c.cfg.AssociateTimeout))
	rspPDU, err := framer.ReadPDU()
	if err != nil {
		return connector.Response{}, ceerrors.NewTransport(err, "dicom client: await c-store-rsp")
	}
	pdvs, err := ParsePDataTF(rspPDU.Body)
	if err != nil || len(pdvs) == 0 {
		return connector.Response{}, ceerrors.NewTransport(err, "dicom client: malformed response")
	}
	rsp, err := parseElements(pdvs[0].Data)
	if err != nil {
		return connector.Response{}, ceerrors.NewTransport(err, "dicom client: parse response command")
	}
	status, _ := ResponseStatus(rsp)

	WritePDU(conn, PDUTypeReleaseRQ, nil)
	framer.ReadPDU() // best-effort await of A-RELEASE-RP before closing

	if status == StatusSuccess {
		return connector.Response{Status: "SENT", StatusCode: int(status)}, nil
	}
	return connector.Response{Status: "ERROR", StatusCode: int(status), Message: fmt.Sprintf("DIMSE status 0x%04x", status)}, ceerrors.NewTransport(nil, "c-store failed with status 0x%04x", status)
}

func buildAssociateRQ(cfg ClientConfig) []byte {
	body := make([]byte, 68)
	copyAt(body, 4, encodeAETitle(cfg.CalledAE))
	copyAt(body, 20, encodeAETitle(cfg.CallingAE))

	body = append(body, encodeItem(ItemApplicationContext, []byte("1.2.840.10008.3.1.1.1"))...)

	sub := []byte{1, 0, 0, 0}
	sub = append(sub, encodeItem(ItemAbstractSyntax, []byte(cfg.SOPClassUID))...)
	sub = append(sub, encodeItem(ItemTransferSyntax, []byte(cfg.TransferSyntax))...)
	body = append(body, encodeItem(ItemPresentationContextRQ, sub)...)

	maxLen := make([]byte, 4)
	putUint32(maxLen, cfg.MaxPDULength)
	userInfo := encodeItem(0x51, maxLen)
	body = append(body, encodeItem(ItemUserInformation, userInfo)...)
	return body
}

func copyAt(dst []byte, offset int, src []byte) { copy(dst[offset:], src) }

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

// sendFragmented splits data into PDVs no larger than maxPDU-12 bytes and
// writes them as one or more P-DATA-TF PDUs.
func sendFragmented(conn net.Conn, data []byte, isCommand bool, maxPDU uint32) error {
	chunkSize := int(maxPDU) - 12
	if chunkSize <= 0 {
		chunkSize = 16372
	}
	if len(data) == 0 {
		return WritePDU(conn, PDUTypeDataTF, EncodePDataTF(1, nil, isCommand, true))
	}
	for offset := 0; offset < len(data); offset += chunkSize {
		end := offset + chunkSize
		if end > len(data) {
			end = len(data)
		}
		isLast := end == len(data)
		pdv := EncodePDataTF(1, data[offset:end], isCommand, isLast)
		if err := WritePDU(conn, PDUTypeDataTF, pdv); err != nil {
			return err
		}
	}
	return nil
}

// decodeDataSet accepts either raw bytes or base64-encoded bytes for the
// ENCODED content the pipeline hands this destination; base64 is the
// convention used by the C-STORE JSON envelope on the inbound side
// (CStoreEnvelope.Data), so the same encoding round-trips here.
func decodeDataSet(body string) ([]byte, error) {
	if body == "" {
		return nil, nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(body); err == nil {
		return decoded, nil
	}
	var env CStoreEnvelope
	if err := json.Unmarshal([]byte(body), &env); err == nil && env.Data != "" {
		return base64.StdEncoding.DecodeString(env.Data)
	}
	return []byte(body), nil
}
