package relay

import (
	"encoding/binary"
)

// ExtractFrame removes one complete frame from the front of buf. It returns
// the decoded frame and the remaining bytes as a zero-copy view into buf.
// When buf does not yet hold a complete frame it returns a nil frame and buf
// unchanged; the caller must wait for more input. Call it repeatedly until
// it reports an incomplete frame, to drain multiple frames delivered in one
// inbound chunk.
//
// The declared length is validated before the body arrives: a length below
// the header remainder or above MaxFrameSize fails immediately with a
// ProtocolError rather than waiting for bytes that must never be accepted.
func ExtractFrame(buf []byte) (*ParsedMessage, []byte, error) {
	if len(buf) < lengthFieldSize {
		return nil, buf, nil
	}

	frameLen := binary.BigEndian.Uint32(buf)
	if frameLen < headerRemainder {
		return nil, buf, newProtocolError(CodeInvalidLength,
			"declared frame length %d is shorter than the %d-byte header", frameLen, headerRemainder)
	}
	if lengthFieldSize+int64(frameLen) > MaxFrameSize {
		return nil, buf, newProtocolError(CodeFrameTooLarge,
			"declared frame size %d exceeds maximum %d", lengthFieldSize+int64(frameLen), MaxFrameSize)
	}

	total := lengthFieldSize + int(frameLen)
	if len(buf) < total {
		return nil, buf, nil
	}

	msg, err := DecodeBody(buf[lengthFieldSize:total])
	if err != nil {
		return nil, buf, err
	}

	return msg, buf[total:], nil
}

// Extractor accumulates inbound stream bytes for one connection and yields
// complete frames as they become available. It maintains a consumption
// cursor over a single buffer instead of reslicing a fresh copy per chunk;
// the consumed prefix is compacted only when the buffer would otherwise
// grow.
//
// The buffer is bounded implicitly: ExtractFrame rejects any declared
// length above MaxFrameSize as soon as the four length bytes arrive, so a
// peer cannot hold more than one maximum-size incomplete frame in memory.
type Extractor struct {
	buf []byte
	off int
}

// NewExtractor creates an empty extractor.
func NewExtractor() *Extractor {
	return &Extractor{}
}

// Append adds an inbound chunk to the accumulation buffer.
func (e *Extractor) Append(p []byte) {
	if e.off == len(e.buf) {
		// Everything consumed; reuse the allocation from the start.
		e.buf = e.buf[:0]
		e.off = 0
	} else if e.off > 0 && len(e.buf)+len(p) > cap(e.buf) {
		// Compact the unconsumed tail before growing.
		n := copy(e.buf, e.buf[e.off:])
		e.buf = e.buf[:n]
		e.off = 0
	}
	e.buf = append(e.buf, p...)
}

// Next returns the next complete frame, or nil when the buffer does not yet
// hold one. A ProtocolError from extraction is terminal: the stream is
// desynchronized and the connection must be closed.
func (e *Extractor) Next() (*ParsedMessage, error) {
	msg, rest, err := ExtractFrame(e.buf[e.off:])
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, nil
	}
	e.off = len(e.buf) - len(rest)
	return msg, nil
}

// Buffered returns the number of unconsumed bytes awaiting a complete frame.
func (e *Extractor) Buffered() int {
	return len(e.buf) - e.off
}
