// Package content implements the MessageContent model and codec: the
// fifteen typed content variants attached to a connector-message, with
// transparent compression and optional encryption.
package content

import "fmt"

// Type is one of the fifteen MessageContent content types.
type Type int

const (
	TypeRaw Type = iota + 1
	TypeProcessedRaw
	TypeTransformed
	TypeEncoded
	TypeSent
	TypeResponse
	TypeResponseTransformed
	TypeProcessedResponse
	TypeConnectorMap
	TypeChannelMap
	TypeSourceMap
	TypeResponseMap
	TypeProcessingError
	TypePostprocessorError
	TypeResponseError
)

var typeNames = map[Type]string{
	TypeRaw:                 "RAW",
	TypeProcessedRaw:        "PROCESSED_RAW",
	TypeTransformed:         "TRANSFORMED",
	TypeEncoded:             "ENCODED",
	TypeSent:                "SENT",
	TypeResponse:            "RESPONSE",
	TypeResponseTransformed: "RESPONSE_TRANSFORMED",
	TypeProcessedResponse:   "PROCESSED_RESPONSE",
	TypeConnectorMap:        "CONNECTOR_MAP",
	TypeChannelMap:          "CHANNEL_MAP",
	TypeSourceMap:           "SOURCE_MAP",
	TypeResponseMap:         "RESPONSE_MAP",
	TypeProcessingError:     "PROCESSING_ERROR",
	TypePostprocessorError:  "POSTPROCESSOR_ERROR",
	TypeResponseError:       "RESPONSE_ERROR",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(t))
}

// IsValid reports whether t is one of the fifteen known content types.
func (t Type) IsValid() bool {
	_, ok := typeNames[t]
	return ok
}

// Content is one MessageContent row: identity is implied by the caller's
// (channelId, messageId, metaDataId, contentType) key, so it carries only
// the payload and codec flags here.
type Content struct {
	Type        Type
	Text        string
	DataType    string // MIME hint / data-type name
	Compressed  bool
	Encrypted   bool
}

// New builds an uncompressed, unencrypted Content value. Callers pass it to
// a Codec to get the wire-ready encoded form before handing it to the
// store.
func New(t Type, text, dataType string) *Content {
	return &Content{Type: t, Text: text, DataType: dataType}
}
