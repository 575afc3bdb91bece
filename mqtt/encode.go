package mqtt

import (
	"time"

	"github.com/juju/errors"
)

const protocolName = "MQTT"
const protocolLevel = 4

type Will struct {
	Topic   string
	Message []byte
	QoS     byte
	Retain  bool
}

type ConnectParams struct {
	Host         string
	Port         int
	ClientID     string
	Username     string
	Password     string
	Keepalive    time.Duration
	CleanSession bool
	Will         *Will
}

func (p *ConnectParams) flags() byte {
	f := byte(0)
	if p.CleanSession {
		f |= connectClean
	}
	if w := p.Will; w != nil {
		f |= connectWill | w.QoS<<3
		if w.Retain {
			f |= connectRetain
		}
	}
	if p.Username != "" {
		f |= connectUsername
	}
	if p.Password != "" {
		f |= connectPassword
	}
	return f
}

func EncodeConnect(b *Buffer, p *ConnectParams) ([]byte, error) {
	if p.Password != "" && p.Username == "" {
		return nil, errors.NotValidf("mqtt connect password without username")
	}
	if p.Will != nil && (p.Will.QoS > QoS1 || p.Will.Topic == "") {
		return nil, errors.NotValidf("mqtt will topic=%q qos=%d", p.Will.Topic, p.Will.QoS)
	}
	keepalive := p.Keepalive / time.Second
	if keepalive < 0 || keepalive > 0xffff {
		return nil, errors.NotValidf("mqtt keepalive=%s", p.Keepalive)
	}
	w := putter{b: b}
	b.Reset()
	w.String(protocolName)
	w.Byte(protocolLevel)
	w.Byte(p.flags())
	w.Uint16(uint16(keepalive))
	w.String(p.ClientID)
	if p.Will != nil {
		w.String(p.Will.Topic)
		w.Binary(p.Will.Message)
	}
	if p.Username != "" {
		w.String(p.Username)
	}
	if p.Password != "" {
		w.String(p.Password)
	}
	if w.err != nil {
		return nil, errors.Annotate(w.err, "mqtt encode CONNECT")
	}
	return b.Finish(CONNECT.Header(0))
}

func EncodeSubscribe(b *Buffer, id uint16, topic string, qos byte) ([]byte, error) {
	if id == 0 {
		return nil, errors.NotValidf("mqtt subscribe packet id=0")
	}
	w := putter{b: b}
	b.Reset()
	w.Uint16(id)
	w.String(topic)
	w.Byte(qos)
	if w.err != nil {
		return nil, errors.Annotatef(w.err, "mqtt encode SUBSCRIBE topic=%s", topic)
	}
	return b.Finish(SUBSCRIBE.Header(flagSubscribe))
}

func EncodePublish(b *Buffer, topic string, payload []byte, qos byte, retain bool, id uint16) ([]byte, error) {
	if qos > QoS1 {
		return nil, errors.NotValidf("mqtt publish qos=%d", qos)
	}
	if qos > QoS0 && id == 0 {
		return nil, errors.NotValidf("mqtt publish qos=%d packet id=0", qos)
	}
	flags := qos << 1
	if retain {
		flags |= flagRetain
	}
	w := putter{b: b}
	b.Reset()
	w.String(topic)
	if qos > QoS0 {
		w.Uint16(id)
	}
	w.Bytes(payload)
	if w.err != nil {
		return nil, errors.Annotatef(w.err, "mqtt encode PUBLISH topic=%s payload=%d", topic, len(payload))
	}
	return b.Finish(PUBLISH.Header(flags))
}

func EncodePuback(b *Buffer, id uint16) ([]byte, error) {
	b.Reset()
	if err := b.PutUint16(id); err != nil {
		return nil, err
	}
	return b.Finish(PUBACK.Header(0))
}

// EncodeEmpty builds packet without body: PINGREQ, DISCONNECT.
func EncodeEmpty(b *Buffer, t PacketType) ([]byte, error) {
	b.Reset()
	return b.Finish(t.Header(0))
}

// putter keeps first error, later writes are skipped.
type putter struct {
	b   *Buffer
	err error
}

func (w *putter) Byte(c byte) {
	if w.err == nil {
		w.err = w.b.PutByte(c)
	}
}

func (w *putter) Uint16(v uint16) {
	if w.err == nil {
		w.err = w.b.PutUint16(v)
	}
}

func (w *putter) String(s string) {
	if w.err == nil {
		w.err = w.b.PutString(s)
	}
}

func (w *putter) Binary(p []byte) {
	if w.err == nil {
		w.err = w.b.PutBinary(p)
	}
}

func (w *putter) Bytes(p []byte) {
	if w.err == nil {
		w.err = w.b.PutBytes(p)
	}
}
