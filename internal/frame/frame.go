// Package frame parses and builds RFC 6455 frames and the client opening
// handshake. Every function is pure; no function here touches a socket.
package frame

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"unicode/utf8"

	"github.com/luciancaetano/kephaslink"
)

// Opcode is the 4-bit frame type.
type Opcode byte

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

const (
	finBit  = 0x80
	rsvBits = 0x70
	maskBit = 0x80

	// maxControlPayload is the largest payload a control frame may carry.
	maxControlPayload = 125
	// maxCloseReason leaves room for the 2-byte status code.
	maxCloseReason = maxControlPayload - 2
)

// IsControl reports whether op is a close, ping or pong frame.
func (op Opcode) IsControl() bool {
	return op&0x08 != 0
}

func (op Opcode) valid() bool {
	switch op {
	case OpContinuation, OpText, OpBinary, OpClose, OpPing, OpPong:
		return true
	}
	return false
}

func (op Opcode) String() string {
	switch op {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	}
	return fmt.Sprintf("opcode(0x%x)", byte(op))
}

// Message is a complete logical message: a reassembled data message or a
// single control frame.
type Message struct {
	Opcode  Opcode
	Payload []byte
}

type frame struct {
	fin     bool
	opcode  Opcode
	payload []byte
}

// ParseFrames consumes every complete message at the start of buf.
//
// The remainder starts at the first byte that could not yet be turned into a
// message: an incomplete trailing frame, or the first frame of a fragmented
// message whose final fragment has not arrived. Control frames received in
// the middle of a fragmented message are returned, in arrival order, once
// that message completes. Payloads never alias buf.
//
// maxSize bounds both a single frame and a reassembled message; a value of
// zero or less means kephaslink.DefaultMaxMessageSize.
func ParseFrames(buf []byte, maxSize int) ([]Message, []byte, error) {
	if maxSize <= 0 {
		maxSize = kephaslink.DefaultMaxMessageSize
	}

	var (
		msgs       []Message
		controls   []Message
		fragmented bool
		fragOp     Opcode
		fragData   []byte
		committed  int
		off        int
	)

	for {
		f, n, err := parseFrame(buf[off:], maxSize)
		if err != nil {
			return nil, nil, err
		}
		if n == 0 {
			break
		}
		off += n

		switch {
		case f.opcode.IsControl():
			if fragmented {
				controls = append(controls, Message{Opcode: f.opcode, Payload: f.payload})
				continue
			}
			msgs = append(msgs, Message{Opcode: f.opcode, Payload: f.payload})
			committed = off

		case f.opcode == OpContinuation:
			if !fragmented {
				return nil, nil, kephaslink.NewProtocolError("%s: continuation frame without a started message", kephaslink.ErrInvalidFrame)
			}
			if len(fragData)+len(f.payload) > maxSize {
				return nil, nil, kephaslink.NewProtocolError("%s: fragmented message over %d bytes", kephaslink.ErrMessageTooLarge, maxSize)
			}
			fragData = append(fragData, f.payload...)
			if !f.fin {
				continue
			}
			msgs = append(msgs, controls...)
			msgs = append(msgs, Message{Opcode: fragOp, Payload: fragData})
			fragmented, fragData, controls = false, nil, nil
			committed = off

		default:
			if fragmented {
				return nil, nil, kephaslink.NewProtocolError("%s: %s frame inside a fragmented message", kephaslink.ErrInvalidFrame, f.opcode)
			}
			if f.fin {
				msgs = append(msgs, Message{Opcode: f.opcode, Payload: f.payload})
				committed = off
				continue
			}
			fragmented, fragOp, fragData = true, f.opcode, f.payload
		}
	}

	return msgs, buf[committed:], nil
}

// parseFrame decodes one frame from the start of b. It returns n == 0 and no
// error when b does not yet hold a whole frame.
func parseFrame(b []byte, maxSize int) (frame, int, error) {
	if len(b) < 2 {
		return frame{}, 0, nil
	}

	b0, b1 := b[0], b[1]
	if b0&rsvBits != 0 {
		return frame{}, 0, kephaslink.NewProtocolError("%s: reserved bits set", kephaslink.ErrInvalidFrame)
	}
	op := Opcode(b0 & 0x0F)
	if !op.valid() {
		return frame{}, 0, kephaslink.NewProtocolError("%s: reserved opcode 0x%x", kephaslink.ErrInvalidFrame, byte(op))
	}
	fin := b0&finBit != 0
	masked := b1&maskBit != 0

	length := uint64(b1 & 0x7F)
	pos := 2
	switch length {
	case 126:
		if len(b) < 4 {
			return frame{}, 0, nil
		}
		length = uint64(binary.BigEndian.Uint16(b[2:4]))
		pos = 4
	case 127:
		if len(b) < 10 {
			return frame{}, 0, nil
		}
		length = binary.BigEndian.Uint64(b[2:10])
		if length>>63 != 0 {
			return frame{}, 0, kephaslink.NewProtocolError("%s: 64-bit length has the high bit set", kephaslink.ErrInvalidFrame)
		}
		pos = 10
	}

	if op.IsControl() {
		if !fin {
			return frame{}, 0, kephaslink.NewProtocolError("%s: fragmented %s frame", kephaslink.ErrInvalidFrame, op)
		}
		if length > maxControlPayload {
			return frame{}, 0, kephaslink.NewProtocolError("%s: %s payload of %d bytes", kephaslink.ErrInvalidFrame, op, length)
		}
	}
	if length > uint64(maxSize) {
		return frame{}, 0, kephaslink.NewProtocolError("%s: frame of %d bytes, limit %d", kephaslink.ErrMessageTooLarge, length, maxSize)
	}

	var key [4]byte
	if masked {
		if len(b) < pos+4 {
			return frame{}, 0, nil
		}
		copy(key[:], b[pos:pos+4])
		pos += 4
	}
	if uint64(len(b)-pos) < length {
		return frame{}, 0, nil
	}

	end := pos + int(length)
	payload := make([]byte, length)
	copy(payload, b[pos:end])
	if masked {
		maskBytes(key, payload)
	}
	return frame{fin: fin, opcode: op, payload: payload}, end, nil
}

// BuildFrame encodes a single frame. Client frames must be masked; the mask
// key is drawn from crypto/rand.
func BuildFrame(op Opcode, payload []byte, fin bool, mask bool) ([]byte, error) {
	if !op.valid() {
		return nil, fmt.Errorf("%s: reserved opcode 0x%x", kephaslink.ErrInvalidFrame, byte(op))
	}
	if op.IsControl() && (!fin || len(payload) > maxControlPayload) {
		return nil, fmt.Errorf("%s: control frame must be final and at most %d bytes", kephaslink.ErrInvalidFrame, maxControlPayload)
	}

	header := 2
	switch {
	case len(payload) > 0xFFFF:
		header += 8
	case len(payload) > 125:
		header += 2
	}
	if mask {
		header += 4
	}

	out := make([]byte, header+len(payload))
	out[0] = byte(op)
	if fin {
		out[0] |= finBit
	}

	pos := 2
	switch {
	case len(payload) > 0xFFFF:
		out[1] = 127
		binary.BigEndian.PutUint64(out[2:10], uint64(len(payload)))
		pos = 10
	case len(payload) > 125:
		out[1] = 126
		binary.BigEndian.PutUint16(out[2:4], uint16(len(payload)))
		pos = 4
	default:
		out[1] = byte(len(payload))
	}

	copy(out[header:], payload)
	if mask {
		out[1] |= maskBit
		var key [4]byte
		if _, err := rand.Read(key[:]); err != nil {
			return nil, fmt.Errorf("%s: %w", kephaslink.ErrFailedToEncode, err)
		}
		copy(out[pos:pos+4], key[:])
		maskBytes(key, out[header:])
	}
	return out, nil
}

// BuildCloseFrame encodes a masked client close frame.
func BuildCloseFrame(code int, reason string) ([]byte, error) {
	payload, err := ClosePayload(code, reason)
	if err != nil {
		return nil, err
	}
	return BuildFrame(OpClose, payload, true, true)
}

// ClosePayload encodes a close status code followed by the UTF-8 reason.
// CloseNoStatus produces an empty payload, as that code is never sent on the wire.
func ClosePayload(code int, reason string) ([]byte, error) {
	if code == kephaslink.CloseNoStatus {
		return nil, nil
	}
	if code < 1000 || code > 4999 {
		return nil, fmt.Errorf("%s: close code %d", kephaslink.ErrInvalidFrame, code)
	}
	if len(reason) > maxCloseReason {
		return nil, fmt.Errorf("%s: close reason of %d bytes", kephaslink.ErrInvalidFrame, len(reason))
	}
	if !utf8.ValidString(reason) {
		return nil, fmt.Errorf("%s: close reason is not UTF-8", kephaslink.ErrInvalidFrame)
	}

	out := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(out[:2], uint16(code))
	copy(out[2:], reason)
	return out, nil
}

// ParseClosePayload decodes a close frame payload. An empty payload reports
// CloseNoStatus.
func ParseClosePayload(payload []byte) (int, string, error) {
	switch {
	case len(payload) == 0:
		return kephaslink.CloseNoStatus, "", nil
	case len(payload) == 1:
		return 0, "", kephaslink.NewProtocolError("%s: close payload of 1 byte", kephaslink.ErrInvalidFrame)
	}

	code := int(binary.BigEndian.Uint16(payload[:2]))
	reason := payload[2:]
	if !utf8.Valid(reason) {
		return 0, "", kephaslink.NewProtocolError("%s: close reason is not UTF-8", kephaslink.ErrInvalidFrame)
	}
	return code, string(reason), nil
}

func maskBytes(key [4]byte, b []byte) {
	for i := range b {
		b[i] ^= key[i&3]
	}
}
