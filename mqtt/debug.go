package mqtt

import (
	"fmt"

	"github.com/256dpi/gomqtt/packet"
)

// PacketString renders raw packet for logs.
// PUBLISH payload as hex, no duplicate "Message=<Message".
func PacketString(raw []byte) string {
	length, t := packet.DetectPacket(raw)
	if length == 0 || length > len(raw) {
		return fmt.Sprintf("<incomplete %x>", raw)
	}
	p, err := t.New()
	if err != nil {
		return fmt.Sprintf("<unknown %x>", raw[:length])
	}
	if _, err = p.Decode(raw[:length]); err != nil {
		return fmt.Sprintf("<%s decode err=%v %x>", t, err, raw[:length])
	}
	if pub, ok := p.(*packet.Publish); ok {
		return fmt.Sprintf("<Publish ID=%d Dup=%t %s>", pub.ID, pub.Dup, MessageString(&pub.Message))
	}
	return p.String()
}

func MessageString(m *packet.Message) string {
	if m == nil {
		return "message=nil"
	}
	return fmt.Sprintf("Topic=%q QOS=%d Retain=%t Payload=%x", m.Topic, m.QOS, m.Retain, m.Payload)
}
