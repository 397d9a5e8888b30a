package rpc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	rtrmerrors "github.com/cuemby/rtrm/pkg/errors"
)

// MessageType identifies a frame's purpose at the framing layer.
type MessageType uint16

const (
	MsgAppPair MessageType = iota + 1

	// Application-originated.
	MsgRegister
	MsgUnregister
	MsgStart
	MsgStop
	MsgSetConstraint
	MsgClearConstraint
	MsgRuntimeNotify
	MsgScheduleRequest

	// Manager-originated.
	MsgPreChange
	MsgSyncChange
	MsgDoChange
	MsgPostChange
	MsgStopExecution
	MsgGetProfile

	// Matched by token against whichever request it answers.
	MsgResponse
)

// ProtocolVersion is the RPC protocol version this daemon speaks. A
// mismatched APP_PAIR request is rejected with ErrProtocolError.
const ProtocolVersion = 1

const (
	frameHeaderSize = 6  // frame_size + payload_offset + message_type
	headerSize      = 10 // message_type + token + app_pid + exc_id

	// MaxExcNameLen and MaxRecipeNameLen bound the fixed-width, null
	// terminated string fields carried in message bodies.
	MaxExcNameLen    = 16
	MaxRecipeNameLen = 64
)

// Header is the RPC header every frame's payload begins with.
type Header struct {
	MessageType uint8
	Token       uint32
	AppPid      uint32
	ExcID       uint8
}

func (h Header) encode() []byte {
	b := make([]byte, headerSize)
	b[0] = h.MessageType
	binary.LittleEndian.PutUint32(b[1:5], h.Token)
	binary.LittleEndian.PutUint32(b[5:9], h.AppPid)
	b[9] = h.ExcID
	return b
}

func decodeHeader(b []byte) (Header, error) {
	if len(b) < headerSize {
		return Header{}, fmt.Errorf("rpc: short header (%d bytes): %w", len(b), rtrmerrors.ErrProtocolError)
	}
	return Header{
		MessageType: b[0],
		Token:       binary.LittleEndian.Uint32(b[1:5]),
		AppPid:      binary.LittleEndian.Uint32(b[5:9]),
		ExcID:       b[9],
	}, nil
}

// Frame is one decoded message: the frame-level message type, the RPC
// header, and the type-specific body that follows it.
type Frame struct {
	MessageType MessageType
	Header      Header
	Body        []byte
}

// EncodeFrame serializes f to its wire representation. payload_offset is
// always frameHeaderSize; nothing in this implementation needs the extra
// alignment room the field allows for.
func EncodeFrame(f Frame) []byte {
	payload := append(f.Header.encode(), f.Body...)
	frameSize := uint16(frameHeaderSize + len(payload))

	buf := make([]byte, frameSize)
	binary.LittleEndian.PutUint16(buf[0:2], frameSize)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(frameHeaderSize))
	binary.LittleEndian.PutUint16(buf[4:6], uint16(f.MessageType))
	copy(buf[frameHeaderSize:], payload)
	return buf
}

// DecodeFrame reads exactly one frame from r, blocking until frame_size
// bytes have arrived or r returns an error.
func DecodeFrame(r io.Reader) (Frame, error) {
	fh := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, fh); err != nil {
		return Frame{}, err
	}

	frameSize := binary.LittleEndian.Uint16(fh[0:2])
	payloadOffset := binary.LittleEndian.Uint16(fh[2:4])
	msgType := binary.LittleEndian.Uint16(fh[4:6])

	if payloadOffset < frameHeaderSize || frameSize < payloadOffset {
		return Frame{}, fmt.Errorf("rpc: malformed frame (size=%d offset=%d): %w", frameSize, payloadOffset, rtrmerrors.ErrProtocolError)
	}

	payload := make([]byte, frameSize-payloadOffset)
	if len(payload) > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, err
		}
	}
	if len(payload) < headerSize {
		return Frame{}, fmt.Errorf("rpc: payload shorter than header: %w", rtrmerrors.ErrProtocolError)
	}

	header, err := decodeHeader(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{MessageType: MessageType(msgType), Header: header, Body: payload[headerSize:]}, nil
}

// PutFixedString writes s into b, null-padding or truncating to len(b).
func PutFixedString(b []byte, s string) {
	n := copy(b, s)
	for i := n; i < len(b); i++ {
		b[i] = 0
	}
}

// FixedString reads a null-terminated string out of a fixed-width field.
func FixedString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
