package relay

import (
	"encoding/binary"
	"encoding/json"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// Wire format, all integers big-endian:
//
//	length  uint32  bytes following this field (header remainder + payload)
//	version uint8   protocol version, currently 1
//	type    uint8   message type code
//	flags   uint8   bitmask
//	payload []byte  length-3 bytes, encoding per flags
const (
	// ProtocolVersion is the only version this implementation speaks.
	ProtocolVersion uint8 = 1

	// MaxFrameSize is the maximum total frame size in bytes, including
	// the 4-byte length field. Exceeding it is a protocol violation.
	MaxFrameSize = 10 * 1024 * 1024

	lengthFieldSize = 4
	headerRemainder = 3 // version + type + flags
)

// Message type codes.
const (
	TypeHello     uint8 = 0x01
	TypeJoinRoom  uint8 = 0x02
	TypeLeaveRoom uint8 = 0x03
	TypeMessage   uint8 = 0x04
	TypeHeartbeat uint8 = 0x05
	TypeError     uint8 = 0x06
)

// Flag bits. Bits 2-7 are reserved and must be zero.
const (
	FlagUTF8JSON uint8 = 1 << 0
	FlagBinary   uint8 = 1 << 1
)

// Payload is the decoded frame body. Exactly one field is populated,
// resolved by the frame's encoding flag: JSON when FlagUTF8JSON is set,
// Bytes otherwise. Handlers inspect the populated field explicitly rather
// than receiving an untyped value.
type Payload struct {
	JSON  json.RawMessage
	Bytes []byte
}

// IsJSON reports whether the payload carries a structured JSON value.
func (p Payload) IsJSON() bool { return p.JSON != nil }

// Raw returns the payload bytes regardless of encoding.
func (p Payload) Raw() []byte {
	if p.JSON != nil {
		return p.JSON
	}
	return p.Bytes
}

// ParsedMessage is one decoded application message. It is created by the
// decoder and consumed immediately by the dispatcher; it is not retained.
type ParsedMessage struct {
	Version uint8
	Type    uint8
	Flags   uint8
	Payload Payload
}

// EncodeFrame serializes a message into wire bytes. The payload may be nil
// (empty body), a byte slice (FlagBinary is set automatically), or any
// JSON-serializable value (FlagUTF8JSON is set automatically). An explicit
// flags value, when supplied, overrides the automatic choice.
func EncodeFrame(typ uint8, payload interface{}, flags ...uint8) ([]byte, error) {
	var (
		body []byte
		flag uint8
	)

	switch v := payload.(type) {
	case nil:
	case []byte:
		body, flag = v, FlagBinary
	case json.RawMessage:
		body, flag = v, FlagUTF8JSON
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, errors.Wrap(err, "encode frame payload")
		}
		body, flag = b, FlagUTF8JSON
	}

	if len(flags) > 0 {
		flag = flags[0]
	}

	total := lengthFieldSize + headerRemainder + len(body)
	if total > MaxFrameSize {
		return nil, newProtocolError(CodeFrameTooLarge,
			"frame size %d exceeds maximum %d", total, MaxFrameSize)
	}

	buf := make([]byte, total)
	binary.BigEndian.PutUint32(buf, uint32(headerRemainder+len(body)))
	buf[4] = ProtocolVersion
	buf[5] = typ
	buf[6] = flag
	copy(buf[lengthFieldSize+headerRemainder:], body)

	return buf, nil
}

// DecodeBody decodes exactly one frame's remainder: the version, type and
// flags bytes followed by the payload. The 4-byte length field is consumed
// by the extractor, not here. When FlagUTF8JSON is set, a payload that is
// not valid UTF-8 JSON is a protocol violation.
func DecodeBody(body []byte) (*ParsedMessage, error) {
	if len(body) < headerRemainder {
		return nil, newProtocolError(CodeInvalidLength,
			"frame body of %d bytes is shorter than the %d-byte header", len(body), headerRemainder)
	}

	msg := &ParsedMessage{
		Version: body[0],
		Type:    body[1],
		Flags:   body[2],
	}

	payload := body[headerRemainder:]
	if msg.Flags&FlagUTF8JSON != 0 {
		if !utf8.Valid(payload) || !json.Valid(payload) {
			return nil, newProtocolError(CodeMalformedPayload,
				"payload flagged UTF8_JSON is not valid JSON")
		}
		msg.Payload.JSON = json.RawMessage(payload)
	} else {
		msg.Payload.Bytes = payload
	}

	return msg, nil
}

// errorPayload is the JSON body of an ERROR frame. The code is machine
// readable so an independent client can diagnose the failure from the wire.
type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// encodeErrorFrame builds an ERROR frame carrying the given code and
// human-readable message.
func encodeErrorFrame(code, message string) []byte {
	// The payload is a flat struct of two strings; marshaling cannot fail.
	data, _ := EncodeFrame(TypeError, errorPayload{Code: code, Message: message})
	return data
}
