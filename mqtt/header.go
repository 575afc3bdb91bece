package mqtt

import (
	"github.com/juju/errors"
)

// AppendRemainingLength appends MQTT variable length encoding of n, 1-4 bytes.
func AppendRemainingLength(dst []byte, n int) ([]byte, error) {
	if n < 0 || n > MaxRemainingLength {
		return dst, errors.NotValidf("mqtt remaining length=%d", n)
	}
	for {
		b := byte(n % 128)
		n /= 128
		if n > 0 {
			b |= 0x80
		}
		dst = append(dst, b)
		if n == 0 {
			return dst, nil
		}
	}
}

// DecodeRemainingLength returns value and number of bytes consumed.
func DecodeRemainingLength(src []byte) (int, int, error) {
	value, mul := 0, 1
	for i := 0; i < 4; i++ {
		if i >= len(src) {
			return 0, 0, errors.Annotate(ErrMalformed, "remaining length truncated")
		}
		b := src[i]
		value += int(b&0x7f) * mul
		if b&0x80 == 0 {
			return value, i + 1, nil
		}
		mul *= 128
	}
	return 0, 0, errors.Annotate(ErrMalformed, "remaining length over 4 bytes")
}

// BuildHeader returns fixed header bytes: type and flags, remaining length.
func BuildHeader(typeFlags byte, remaining int) ([]byte, error) {
	return buildHeader(make([]byte, 0, MaxHeaderSize), typeFlags, remaining)
}

func buildHeader(dst []byte, typeFlags byte, remaining int) ([]byte, error) {
	dst = append(dst, typeFlags)
	return AppendRemainingLength(dst, remaining)
}

type Header struct {
	Type      PacketType
	Flags     byte
	Remaining int
	Size      int // fixed header bytes
}

// Len is whole packet length.
func (h Header) Len() int { return h.Size + h.Remaining }

func (h Header) QoS() byte    { return (h.Flags >> 1) & 0x03 }
func (h Header) Retain() bool { return h.Flags&flagRetain != 0 }
func (h Header) Dup() bool    { return h.Flags&flagDup != 0 }

// ParseHeader reads fixed header, raw must contain whole packet.
func ParseHeader(raw []byte) (Header, error) {
	if len(raw) < 2 {
		return Header{}, errors.Annotatef(ErrMalformed, "packet length=%d", len(raw))
	}
	h := Header{Type: PacketType(raw[0] >> 4), Flags: raw[0] & 0x0f}
	remaining, n, err := DecodeRemainingLength(raw[1:])
	if err != nil {
		return Header{}, err
	}
	h.Remaining = remaining
	h.Size = 1 + n
	if len(raw) < h.Len() {
		return h, errors.Annotatef(ErrMalformed, "%s truncated length=%d expected=%d", h.Type, len(raw), h.Len())
	}
	return h, nil
}
