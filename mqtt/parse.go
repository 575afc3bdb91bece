package mqtt

import (
	"encoding/binary"

	"github.com/juju/errors"
)

type Publish struct {
	Topic    string
	QoS      byte
	Retain   bool
	Dup      bool
	PacketID uint16
	// Payload shares memory with raw packet.
	Payload []byte
}

// ParsePublish decodes single PUBLISH packet.
func ParsePublish(raw []byte) (Publish, error) {
	h, err := ParseHeader(raw)
	if err != nil {
		return Publish{}, err
	}
	if h.Type != PUBLISH {
		return Publish{}, errors.Annotatef(ErrMalformed, "expected PUBLISH got %s", h.Type)
	}
	p := Publish{QoS: h.QoS(), Retain: h.Retain(), Dup: h.Dup()}
	if p.QoS > QoS2 {
		return p, errors.Annotatef(ErrMalformed, "PUBLISH qos=%d", p.QoS)
	}
	body := raw[h.Size:h.Len()]
	if len(body) < 2 {
		return p, errors.Annotate(ErrMalformed, "PUBLISH topic length")
	}
	tl := int(binary.BigEndian.Uint16(body))
	pos := 2 + tl
	if pos > len(body) {
		return p, errors.Annotatef(ErrMalformed, "PUBLISH topic length=%d remaining=%d", tl, h.Remaining)
	}
	p.Topic = string(body[2:pos])
	if p.QoS > QoS0 {
		if pos+2 > len(body) {
			return p, errors.Annotate(ErrMalformed, "PUBLISH packet id")
		}
		p.PacketID = binary.BigEndian.Uint16(body[pos:])
		pos += 2
		if p.PacketID == 0 {
			return p, errors.Annotate(ErrMalformed, "PUBLISH packet id=0")
		}
	}
	p.Payload = body[pos:]
	return p, nil
}

// ParseConnack returns session present flag and return code.
func ParseConnack(raw []byte) (bool, byte, error) {
	body, err := parseBody(raw, CONNACK, 2)
	if err != nil {
		return false, 0, err
	}
	return body[0]&0x01 != 0, body[1], nil
}

// ParseAckID returns packet id of PUBACK, UNSUBACK and similar.
func ParseAckID(raw []byte, t PacketType) (uint16, error) {
	body, err := parseBody(raw, t, 2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(body), nil
}

// ParseSuback returns packet id and granted QoS per topic, 0x80 is failure.
func ParseSuback(raw []byte) (uint16, []byte, error) {
	body, err := parseBody(raw, SUBACK, 3)
	if err != nil {
		return 0, nil, err
	}
	return binary.BigEndian.Uint16(body), body[2:], nil
}

func parseBody(raw []byte, t PacketType, min int) ([]byte, error) {
	h, err := ParseHeader(raw)
	if err != nil {
		return nil, err
	}
	if h.Type != t {
		return nil, errors.Annotatef(ErrMalformed, "expected %s got %s", t, h.Type)
	}
	if h.Remaining < min {
		return nil, errors.Annotatef(ErrMalformed, "%s remaining=%d", t, h.Remaining)
	}
	return raw[h.Size:h.Len()], nil
}
