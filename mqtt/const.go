// Package mqtt implements MQTT 3.1.1 client subset over esp modem link:
// CONNECT, SUBSCRIBE, PUBLISH QoS 0/1, PUBACK, PINGREQ, DISCONNECT.
package mqtt

import (
	"strconv"

	"github.com/juju/errors"
)

type PacketType byte

const (
	CONNECT     PacketType = 1
	CONNACK     PacketType = 2
	PUBLISH     PacketType = 3
	PUBACK      PacketType = 4
	PUBREC      PacketType = 5
	PUBREL      PacketType = 6
	PUBCOMP     PacketType = 7
	SUBSCRIBE   PacketType = 8
	SUBACK      PacketType = 9
	UNSUBSCRIBE PacketType = 10
	UNSUBACK    PacketType = 11
	PINGREQ     PacketType = 12
	PINGRESP    PacketType = 13
	DISCONNECT  PacketType = 14
)

var typeNames = [...]string{
	CONNECT:     "CONNECT",
	CONNACK:     "CONNACK",
	PUBLISH:     "PUBLISH",
	PUBACK:      "PUBACK",
	PUBREC:      "PUBREC",
	PUBREL:      "PUBREL",
	PUBCOMP:     "PUBCOMP",
	SUBSCRIBE:   "SUBSCRIBE",
	SUBACK:      "SUBACK",
	UNSUBSCRIBE: "UNSUBSCRIBE",
	UNSUBACK:    "UNSUBACK",
	PINGREQ:     "PINGREQ",
	PINGRESP:    "PINGRESP",
	DISCONNECT:  "DISCONNECT",
}

func (t PacketType) String() string {
	if int(t) < len(typeNames) && typeNames[t] != "" {
		return typeNames[t]
	}
	return "type-" + strconv.Itoa(int(t))
}

// Header returns fixed header first byte.
func (t PacketType) Header(flags byte) byte { return byte(t)<<4 | flags&0x0f }

const (
	QoS0 byte = 0
	QoS1 byte = 1
	QoS2 byte = 2

	flagRetain    byte = 0x01
	flagDup       byte = 0x08
	flagSubscribe byte = 0x02

	connectWill     byte = 0x04
	connectRetain   byte = 0x20
	connectClean    byte = 0x02
	connectUsername byte = 0x80
	connectPassword byte = 0x40

	ConnackAccepted    byte = 0
	SubackFailure      byte = 0x80
	MaxHeaderSize           = 5
	MaxRemainingLength      = 268435455
)

var (
	ErrBufferFull   = errors.New("mqtt buffer full")
	ErrMalformed    = errors.New("mqtt packet malformed")
	ErrNotConnected = errors.New("mqtt not connected")
)

var connackReasons = [...]string{
	"accepted",
	"unacceptable protocol version",
	"identifier rejected",
	"server unavailable",
	"bad user name or password",
	"not authorized",
}

func ConnackReason(code byte) string {
	if int(code) < len(connackReasons) {
		return connackReasons[code]
	}
	return "code-" + strconv.Itoa(int(code))
}
