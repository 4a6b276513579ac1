package asr

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// The recognition vendor speaks a length-prefixed binary protocol. Every
// message starts with a 4-byte header of packed nibbles:
//
//	byte 0: protocol version (4 bits) | header size in 4-byte words (4 bits)
//	byte 1: message type (4 bits)     | message flags (4 bits)
//	byte 2: serialization (4 bits)    | compression (4 bits)
//	byte 3: reserved
//
// followed by a 4-byte big-endian payload length and the payload itself.
// This service always runs version 1 with a one-word header.

const (
	protocolVersion = 0x1
	headerSizeWords = 0x1
	headerBytes     = 4
	lengthBytes     = 4
)

type MessageType uint8

const (
	MessageTypeFullClientRequest MessageType = 0b0001
	MessageTypeAudioOnlyRequest  MessageType = 0b0010
	MessageTypeServerResponse    MessageType = 0b1001
	MessageTypeError             MessageType = 0b1111
)

type Flags uint8

// FlagLastPacket marks the final audio frame of a turn.
const FlagLastPacket Flags = 0b0010

type Serialization uint8

const (
	SerializationNone Serialization = 0b0000
	SerializationJSON Serialization = 0b0001
)

type Compression uint8

const (
	CompressionNone Compression = 0b0000
	CompressionGzip Compression = 0b0001
)

// ErrMalformedFrame reports an inbound message that cannot be decoded:
// truncated header, declared payload length past the end of the message,
// or an undecompressable payload.
var ErrMalformedFrame = errors.New("malformed frame")

// Frame is one protocol unit. Payload holds the uncompressed bytes on both
// the encode and decode side; compression is applied on the wire only.
type Frame struct {
	Type          MessageType
	Flags         Flags
	Serialization Serialization
	Compression   Compression
	Payload       []byte
}

// EncodeFrame packs a frame into its wire form, compressing the payload
// first when the frame requests gzip.
func EncodeFrame(f Frame) ([]byte, error) {
	payload := f.Payload
	if f.Compression == CompressionGzip {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(f.Payload); err != nil {
			return nil, fmt.Errorf("gzip payload: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("gzip payload: %w", err)
		}
		payload = buf.Bytes()
	}

	out := make([]byte, headerBytes+lengthBytes, headerBytes+lengthBytes+len(payload))
	out[0] = protocolVersion<<4 | headerSizeWords
	out[1] = uint8(f.Type)<<4 | uint8(f.Flags)&0x0f
	out[2] = uint8(f.Serialization)<<4 | uint8(f.Compression)&0x0f
	out[3] = 0
	binary.BigEndian.PutUint32(out[headerBytes:], uint32(len(payload)))
	return append(out, payload...), nil
}

// DecodeFrame parses a wire message back into a frame, decompressing the
// payload when the compression field says gzip. An Error-typed frame decodes
// successfully; classifying it is the caller's job.
func DecodeFrame(data []byte) (Frame, error) {
	if len(data) < headerBytes+lengthBytes {
		return Frame{}, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformedFrame, len(data), headerBytes+lengthBytes)
	}

	f := Frame{
		Type:          MessageType(data[1] >> 4),
		Flags:         Flags(data[1] & 0x0f),
		Serialization: Serialization(data[2] >> 4),
		Compression:   Compression(data[2] & 0x0f),
	}

	size := binary.BigEndian.Uint32(data[headerBytes : headerBytes+lengthBytes])
	body := data[headerBytes+lengthBytes:]
	if uint64(size) > uint64(len(body)) {
		return Frame{}, fmt.Errorf("%w: declared payload %d bytes, have %d", ErrMalformedFrame, size, len(body))
	}
	payload := body[:size]

	if f.Compression == CompressionGzip {
		zr, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return Frame{}, fmt.Errorf("%w: gzip: %v", ErrMalformedFrame, err)
		}
		decompressed, err := io.ReadAll(zr)
		if cerr := zr.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return Frame{}, fmt.Errorf("%w: gzip: %v", ErrMalformedFrame, err)
		}
		payload = decompressed
	}

	f.Payload = payload
	return f, nil
}
