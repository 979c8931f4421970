package dicom

import (
	"encoding/binary"
	"fmt"
)

// item is one variable-length item/sub-item inside an A-ASSOCIATE-RQ/AC:
// <type:u8><reserved:u8><length:u16 big-endian><value:length>.
type item struct {
	Type  byte
	Value []byte
}

func parseItems(body []byte) ([]item, error) {
	var items []item
	for len(body) > 0 {
		if len(body) < 4 {
			return nil, fmt.Errorf("dicom: truncated item header")
		}
		itemType := body[0]
		length := binary.BigEndian.Uint16(body[2:4])
		if len(body) < 4+int(length) {
			return nil, fmt.Errorf("dicom: truncated item value (type=0x%02x)", itemType)
		}
		items = append(items, item{Type: itemType, Value: body[4 : 4+int(length)]})
		body = body[4+int(length):]
	}
	return items, nil
}

func encodeItem(itemType byte, value []byte) []byte {
	out := make([]byte, 4+len(value))
	out[0] = itemType
	out[1] = 0
	binary.BigEndian.PutUint16(out[2:4], uint16(len(value)))
	copy(out[4:], value)
	return out
}

// ParseAssociateRQ decodes an A-ASSOCIATE-RQ PDU body (PS3.8 9.3.2):
// 2-byte protocol version, 2 reserved, 16-byte Called AE, 16-byte Calling
// AE, 32 reserved, then variable items.
func ParseAssociateRQ(body []byte) (*AssociateRQ, error) {
	if len(body) < 68 {
		return nil, fmt.Errorf("dicom: A-ASSOCIATE-RQ too short (%d bytes)", len(body))
	}
	rq := &AssociateRQ{
		CalledAE:     decodeAETitle(body[4:20]),
		CallingAE:    decodeAETitle(body[20:36]),
		MaxPDULength: 16384,
	}

	items, err := parseItems(body[68:])
	if err != nil {
		return nil, err
	}

	byID := map[byte]*PresentationContext{}
	var order []byte
	for _, it := range items {
		switch it.Type {
		case ItemApplicationContext:
			rq.ApplicationContext = string(it.Value)
		case ItemPresentationContextRQ:
			pc, err := parsePresentationContextRQ(it.Value)
			if err != nil {
				return nil, err
			}
			byID[pc.ID] = pc
			order = append(order, pc.ID)
		case ItemUserInformation:
			if max, ok := parseMaxPDULength(it.Value); ok {
				rq.MaxPDULength = max
			}
		}
	}
	for _, id := range order {
		rq.PresentationContexts = append(rq.PresentationContexts, byID[id])
	}
	return rq, nil
}

// parsePresentationContextRQ decodes one proposed presentation context
// sub-item: 1-byte context id, 3 reserved, then sub-items (abstract syntax,
// one or more transfer syntaxes).
func parsePresentationContextRQ(body []byte) (*PresentationContext, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("dicom: truncated presentation context")
	}
	pc := &PresentationContext{ID: body[0]}
	subItems, err := parseItems(body[4:])
	if err != nil {
		return nil, err
	}
	for _, sub := range subItems {
		switch sub.Type {
		case ItemAbstractSyntax:
			pc.AbstractSyntax = string(sub.Value)
		case ItemTransferSyntax:
			pc.TransferSyntaxes = append(pc.TransferSyntaxes, string(sub.Value))
		}
	}
	return pc, nil
}

// parseMaxPDULength extracts the Maximum Length sub-item (0x51) from a
// User Information item's sub-items.
func parseMaxPDULength(body []byte) (uint32, bool) {
	subItems, err := parseItems(body)
	if err != nil {
		return 0, false
	}
	for _, sub := range subItems {
		if sub.Type == 0x51 && len(sub.Value) == 4 {
			return binary.BigEndian.Uint32(sub.Value), true
		}
	}
	return 0, false
}

// ParseAssociateAC decodes an A-ASSOCIATE-AC PDU body, used by the
// outbound client to learn which contexts were accepted and the acceptor's
// max PDU length (the effective max is min(local, remote)).
func ParseAssociateAC(body []byte) (*AssociateAC, error) {
	if len(body) < 68 {
		return nil, fmt.Errorf("dicom: A-ASSOCIATE-AC too short (%d bytes)", len(body))
	}
	ac := &AssociateAC{
		CalledAE:     decodeAETitle(body[4:20]),
		CallingAE:    decodeAETitle(body[20:36]),
		MaxPDULength: 16384,
	}

	items, err := parseItems(body[68:])
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		switch it.Type {
		case ItemPresentationContextAC:
			if len(it.Value) < 4 {
				return nil, fmt.Errorf("dicom: truncated presentation context AC")
			}
			pc := &PresentationContext{ID: it.Value[0], Result: it.Value[2]}
			pc.Accepted = pc.Result == 0
			subItems, err := parseItems(it.Value[4:])
			if err != nil {
				return nil, err
			}
			for _, sub := range subItems {
				if sub.Type == ItemTransferSyntax {
					pc.TransferSyntaxes = append(pc.TransferSyntaxes, string(sub.Value))
				}
			}
			ac.PresentationContexts = append(ac.PresentationContexts, pc)
		case ItemUserInformation:
			if max, ok := parseMaxPDULength(it.Value); ok {
				ac.MaxPDULength = max
			}
		}
	}
	return ac, nil
}

// EncodeAssociateAC builds the A-ASSOCIATE-AC PDU body echoing the
// accepted contexts.
func EncodeAssociateAC(ac *AssociateAC) []byte {
	body := make([]byte, 68)
	binary.BigEndian.PutUint16(body[0:2], 1)
	copy(body[4:20], encodeAETitle(ac.CalledAE))
	copy(body[20:36], encodeAETitle(ac.CallingAE))

	body = append(body, encodeItem(ItemApplicationContext, []byte("1.2.840.10008.3.1.1.1"))...)
	for _, pc := range ac.PresentationContexts {
		sub := make([]byte, 4)
		sub[0] = pc.ID
		sub[2] = pc.Result
		ts := ""
		if len(pc.TransferSyntaxes) > 0 {
			ts = pc.TransferSyntaxes[0]
		}
		sub = append(sub, encodeItem(ItemTransferSyntax, []byte(ts))...)
		body = append(body, encodeItem(ItemPresentationContextAC, sub)...)
	}

	maxLen := make([]byte, 4)
	binary.BigEndian.PutUint32(maxLen, ac.MaxPDULength)
	userInfo := encodeItem(0x51, maxLen)
	body = append(body, encodeItem(ItemUserInformation, userInfo)...)

	return body
}
