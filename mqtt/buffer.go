package mqtt

import (
	"encoding/binary"

	"github.com/juju/errors"
)

// Buffer is reusable transmit buffer. Body is written after MaxHeaderSize reserved bytes,
// Finish writes fixed header backward in front of body so body is never moved.
type Buffer struct {
	b   []byte
	off int
}

// NewBuffer allocates buffer for packets up to size bytes including fixed header.
func NewBuffer(size int) *Buffer {
	if size < MaxHeaderSize+2 {
		size = MaxHeaderSize + 2
	}
	return &Buffer{b: make([]byte, size), off: MaxHeaderSize}
}

func (self *Buffer) Reset()    { self.off = MaxHeaderSize }
func (self *Buffer) Len() int  { return self.off - MaxHeaderSize }
func (self *Buffer) Free() int { return len(self.b) - self.off }
func (self *Buffer) Cap() int  { return len(self.b) }

func (self *Buffer) full(need int) error {
	return errors.Annotatef(ErrBufferFull, "need=%d free=%d", need, self.Free())
}

func (self *Buffer) PutByte(c byte) error {
	if self.Free() < 1 {
		return self.full(1)
	}
	self.b[self.off] = c
	self.off++
	return nil
}

func (self *Buffer) PutUint16(v uint16) error {
	if self.Free() < 2 {
		return self.full(2)
	}
	binary.BigEndian.PutUint16(self.b[self.off:], v)
	self.off += 2
	return nil
}

// PutString writes 2 byte big endian length and s.
// Nothing is written when s does not fit.
func (self *Buffer) PutString(s string) error {
	if len(s) > 0xffff {
		return errors.NotValidf("mqtt string length=%d", len(s))
	}
	if self.Free() < 2+len(s) {
		return self.full(2 + len(s))
	}
	binary.BigEndian.PutUint16(self.b[self.off:], uint16(len(s)))
	copy(self.b[self.off+2:], s)
	self.off += 2 + len(s)
	return nil
}

// PutBinary is PutString for bytes.
func (self *Buffer) PutBinary(p []byte) error {
	if len(p) > 0xffff {
		return errors.NotValidf("mqtt binary length=%d", len(p))
	}
	if self.Free() < 2+len(p) {
		return self.full(2 + len(p))
	}
	binary.BigEndian.PutUint16(self.b[self.off:], uint16(len(p)))
	copy(self.b[self.off+2:], p)
	self.off += 2 + len(p)
	return nil
}

// PutBytes writes raw p without length prefix.
func (self *Buffer) PutBytes(p []byte) error {
	if self.Free() < len(p) {
		return self.full(len(p))
	}
	self.off += copy(self.b[self.off:], p)
	return nil
}

// Finish writes fixed header and returns complete packet.
// Returned slice is valid until next Reset.
func (self *Buffer) Finish(header byte) ([]byte, error) {
	var tmp [MaxHeaderSize]byte
	h, err := buildHeader(tmp[:0], header, self.Len())
	if err != nil {
		return nil, err
	}
	start := MaxHeaderSize - len(h)
	copy(self.b[start:], h)
	return self.b[start:self.off], nil
}
