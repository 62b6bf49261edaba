package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	HeaderLen = 8
	WordLen   = 4
	// MaxWords is the largest count the 16-bit header field can carry.
	MaxWords = 65535
	// MaxReplyLen is one read reply carrying MaxWords words.
	MaxReplyLen = HeaderLen + WordLen*MaxWords
)

// Command is the first header byte.
type Command byte

const (
	CommandRead  Command = 'r'
	CommandWrite Command = 'w'
	CommandClose Command = 'c'
)

func (c Command) Valid() bool {
	switch c {
	case CommandRead, CommandWrite, CommandClose:
		return true
	default:
		return false
	}
}

func (c Command) String() string {
	switch c {
	case CommandRead:
		return "read"
	case CommandWrite:
		return "write"
	case CommandClose:
		return "close"
	default:
		return fmt.Sprintf("unknown(%#02x)", byte(c))
	}
}

var (
	ErrShortHeader  = errors.New("frame: short header")
	ErrShortPayload = errors.New("frame: short payload")
	ErrHeaderLen    = errors.New("frame: invalid header length")
)

// Words are carried in host byte order. Client and server must agree on it; the
// deployed targets are little-endian.
var wordOrder binary.ByteOrder = binary.NativeEndian

// Header is the fixed 8-byte request header.
//
//	[0]    command
//	[1]    reserved
//	[2..4] word count, little-endian
//	[4..8] address, host byte order
type Header struct {
	Command  Command
	Reserved byte
	Count    uint16
	Address  uint32

	raw [HeaderLen]byte
}

// Raw returns the header bytes as they arrived on the wire (or as encoded).
func (h Header) Raw() [HeaderLen]byte {
	if h.raw == ([HeaderLen]byte{}) {
		return EncodeHeader(h)
	}
	return h.raw
}

// Words is the effective word count: Count clamped to max. A max outside
// (0, MaxWords] means MaxWords.
func (h Header) Words(max int) int {
	if max <= 0 || max > MaxWords {
		max = MaxWords
	}
	n := int(h.Count)
	if n > max {
		return max
	}
	return n
}

func NewHeader(cmd Command, count uint16, addr uint32) Header {
	h := Header{Command: cmd, Count: count, Address: addr}
	h.raw = EncodeHeader(h)
	return h
}

func EncodeHeader(h Header) [HeaderLen]byte {
	var b [HeaderLen]byte
	b[0] = byte(h.Command)
	b[1] = h.Reserved
	binary.LittleEndian.PutUint16(b[2:4], h.Count)
	wordOrder.PutUint32(b[4:8], h.Address)
	return b
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) != HeaderLen {
		return Header{}, fmt.Errorf("%w: %d", ErrHeaderLen, len(b))
	}
	h := Header{
		Command:  Command(b[0]),
		Reserved: b[1],
		Count:    binary.LittleEndian.Uint16(b[2:4]),
		Address:  wordOrder.Uint32(b[4:8]),
	}
	copy(h.raw[:], b)
	return h, nil
}

// ReadHeader reads exactly one header. Anything short of 8 bytes is ErrShortHeader.
func ReadHeader(r io.Reader, buf []byte) (Header, error) {
	if len(buf) < HeaderLen {
		buf = make([]byte, HeaderLen)
	}
	buf = buf[:HeaderLen]
	if _, err := io.ReadFull(r, buf); err != nil {
		return Header{}, fmt.Errorf("%w: %w", ErrShortHeader, err)
	}
	return DecodeHeader(buf)
}

// ReadPayload reads exactly len(dst)*4 bytes into dst using scratch as the byte
// buffer when it is large enough.
func ReadPayload(r io.Reader, dst []uint32, scratch []byte) error {
	n := len(dst) * WordLen
	if len(scratch) < n {
		scratch = make([]byte, n)
	}
	scratch = scratch[:n]
	if _, err := io.ReadFull(r, scratch); err != nil {
		return fmt.Errorf("%w: %w", ErrShortPayload, err)
	}
	DecodeWords(scratch, dst)
	return nil
}

func PutWords(dst []byte, words []uint32) {
	for i, w := range words {
		wordOrder.PutUint32(dst[i*WordLen:], w)
	}
}

func DecodeWords(b []byte, dst []uint32) {
	for i := range dst {
		dst[i] = wordOrder.Uint32(b[i*WordLen:])
	}
}

// AppendReadReply appends the echoed header followed by words to dst.
func AppendReadReply(dst []byte, h Header, words []uint32) []byte {
	raw := h.Raw()
	dst = append(dst, raw[:]...)
	start := len(dst)
	need := len(words) * WordLen
	if cap(dst)-start < need {
		grown := make([]byte, start, start+need)
		copy(grown, dst)
		dst = grown
	}
	dst = dst[:start+need]
	PutWords(dst[start:], words)
	return dst
}

func EncodeReadReply(h Header, words []uint32) []byte {
	return AppendReadReply(make([]byte, 0, HeaderLen+len(words)*WordLen), h, words)
}

// EncodeWriteAck is the write acknowledgement: the request header, verbatim.
func EncodeWriteAck(h Header) []byte {
	raw := h.Raw()
	return raw[:]
}

// EncodeWriteRequest is the client-side header plus payload for a write.
func EncodeWriteRequest(h Header, words []uint32) []byte {
	return AppendReadReply(make([]byte, 0, HeaderLen+len(words)*WordLen), h, words)
}
