package mqtt

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/espmqtt/helpers"
)

func gomqttDecode(t testing.TB, b []byte) packet.Generic {
	t.Helper()
	length, pt := packet.DetectPacket(b)
	require.Equal(t, len(b), length, "packet length")
	p, err := pt.New()
	require.NoError(t, err)
	n, err := p.Decode(b)
	require.NoError(t, err)
	require.Equal(t, len(b), n)
	return p
}

func gomqttEncode(t testing.TB, p packet.Generic) []byte {
	t.Helper()
	b := make([]byte, p.Len())
	n, err := p.Encode(b)
	require.NoError(t, err)
	return b[:n]
}

func TestRemainingLength(t *testing.T) {
	t.Parallel()

	cases := []struct {
		n      int
		expect string
	}{
		{0, "00"},
		{1, "01"},
		{127, "7f"},
		{128, "8001"},
		{16383, "ff7f"},
		{16384, "808001"},
		{2097151, "ffff7f"},
		{2097152, "80808001"},
		{268435455, "ffffff7f"},
	}
	helpers.RandUnix().Shuffle(len(cases), func(i int, j int) { cases[i], cases[j] = cases[j], cases[i] })
	for _, c := range cases {
		c := c
		t.Run(fmt.Sprint(c.n), func(t *testing.T) {
			b, err := AppendRemainingLength(nil, c.n)
			require.NoError(t, err)
			assert.Equal(t, helpers.MustHex(c.expect), b)
			v, size, err := DecodeRemainingLength(append(b, 0xaa))
			require.NoError(t, err)
			assert.Equal(t, c.n, v)
			assert.Equal(t, len(b), size)
		})
	}
}

func TestRemainingLengthInvalid(t *testing.T) {
	t.Parallel()

	for _, n := range []int{-1, MaxRemainingLength + 1} {
		_, err := AppendRemainingLength(nil, n)
		assert.True(t, errors.IsNotValid(err), "n=%d", n)
	}
	for _, s := range []string{"", "80", "ffff", "ffffffff01"} {
		_, _, err := DecodeRemainingLength(helpers.MustHex(s))
		assert.Equal(t, ErrMalformed, errors.Cause(err), "src=%s", s)
	}
}

func TestBuildHeader(t *testing.T) {
	t.Parallel()

	h, err := BuildHeader(PUBLISH.Header(0x03), 321)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x33, 0xc1, 0x02}, h)
}

func TestEncodeConnect(t *testing.T) {
	t.Parallel()

	b := NewBuffer(DefaultBufferSize)
	raw, err := EncodeConnect(b, &ConnectParams{
		ClientID:     "esp1",
		Username:     "user",
		Password:     "secret",
		Keepalive:    60 * time.Second,
		CleanSession: true,
		Will:         &Will{Topic: "esp1/status", Message: []byte("offline"), QoS: QoS1, Retain: true},
	})
	require.NoError(t, err)

	p := gomqttDecode(t, raw).(*packet.Connect)
	assert.Equal(t, "esp1", p.ClientID)
	assert.Equal(t, "user", p.Username)
	assert.Equal(t, "secret", p.Password)
	assert.Equal(t, uint16(60), p.KeepAlive)
	assert.True(t, p.CleanSession)
	require.NotNil(t, p.Will)
	assert.Equal(t, "esp1/status", p.Will.Topic)
	assert.Equal(t, []byte("offline"), p.Will.Payload)
	assert.Equal(t, packet.QOSAtLeastOnce, p.Will.QOS)
	assert.True(t, p.Will.Retain)

	cp, err := packets.ReadPacket(bytes.NewReader(raw))
	require.NoError(t, err)
	pc := cp.(*packets.ConnectPacket)
	assert.Equal(t, "MQTT", pc.ProtocolName)
	assert.Equal(t, byte(4), pc.ProtocolVersion)
	assert.Equal(t, "esp1", pc.ClientIdentifier)
	assert.True(t, pc.WillFlag)
	assert.Equal(t, byte(1), pc.WillQos)
	assert.Equal(t, byte(0), pc.Validate(), "paho accepts CONNECT")
}

func TestEncodeConnectMinimal(t *testing.T) {
	t.Parallel()

	raw, err := EncodeConnect(NewBuffer(32), &ConnectParams{ClientID: "c"})
	require.NoError(t, err)
	assert.Equal(t, helpers.MustHex("100d00044d51545404000000000163"), raw)

	_, err = EncodeConnect(NewBuffer(32), &ConnectParams{ClientID: "c", Password: "x"})
	assert.True(t, errors.IsNotValid(err), "password without username")
	_, err = EncodeConnect(NewBuffer(32), &ConnectParams{ClientID: "c", Will: &Will{Topic: "t", QoS: QoS2}})
	assert.True(t, errors.IsNotValid(err))
}

func TestEncodeSubscribe(t *testing.T) {
	t.Parallel()

	raw, err := EncodeSubscribe(NewBuffer(DefaultBufferSize), 7, "cmd/#", QoS1)
	require.NoError(t, err)
	assert.Equal(t, byte(0x82), raw[0], "reserved flags")
	p := gomqttDecode(t, raw).(*packet.Subscribe)
	assert.Equal(t, packet.ID(7), p.ID)
	assert.Equal(t, []packet.Subscription{{Topic: "cmd/#", QOS: packet.QOSAtLeastOnce}}, p.Subscriptions)

	cp, err := packets.ReadPacket(bytes.NewReader(raw))
	require.NoError(t, err)
	ps := cp.(*packets.SubscribePacket)
	assert.Equal(t, uint16(7), ps.MessageID)
	assert.Equal(t, []string{"cmd/#"}, ps.Topics)
	assert.Equal(t, []byte{1}, ps.Qoss)

	_, err = EncodeSubscribe(NewBuffer(DefaultBufferSize), 0, "t", QoS0)
	assert.True(t, errors.IsNotValid(err))
}

func TestEncodePublish(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		topic   string
		payload []byte
		qos     byte
		retain  bool
		id      uint16
	}{
		{"qos0", "a/b", []byte("hello"), QoS0, false, 0},
		{"qos1-retain", "status", []byte{0, 1, 2, 0xff}, QoS1, true, 0x1234},
		{"empty-payload", "t", nil, QoS0, true, 0},
		{"long", strings.Repeat("t", 100), bytes.Repeat([]byte{0x5a}, 150), QoS1, false, 1},
	}
	helpers.RandUnix().Shuffle(len(cases), func(i int, j int) { cases[i], cases[j] = cases[j], cases[i] })
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			raw, err := EncodePublish(NewBuffer(512), c.topic, c.payload, c.qos, c.retain, c.id)
			require.NoError(t, err)

			p := gomqttDecode(t, raw).(*packet.Publish)
			assert.Equal(t, c.topic, p.Message.Topic)
			assert.Equal(t, string(c.payload), string(p.Message.Payload))
			assert.Equal(t, packet.QOS(c.qos), p.Message.QOS)
			assert.Equal(t, c.retain, p.Message.Retain)
			assert.Equal(t, packet.ID(c.id), p.ID)

			cp, err := packets.ReadPacket(bytes.NewReader(raw))
			require.NoError(t, err)
			pp := cp.(*packets.PublishPacket)
			assert.Equal(t, c.topic, pp.TopicName)
			assert.Equal(t, c.id, pp.MessageID)

			pub, err := ParsePublish(raw)
			require.NoError(t, err)
			assert.Equal(t, c.topic, pub.Topic)
			assert.Equal(t, c.qos, pub.QoS)
			assert.Equal(t, c.retain, pub.Retain)
			assert.Equal(t, c.id, pub.PacketID)
			assert.Equal(t, string(c.payload), string(pub.Payload))
		})
	}
}

func TestEncodePublishInvalid(t *testing.T) {
	t.Parallel()

	b := NewBuffer(64)
	_, err := EncodePublish(b, "t", nil, QoS1, false, 0)
	assert.True(t, errors.IsNotValid(err))
	_, err = EncodePublish(b, "t", nil, QoS2, false, 1)
	assert.True(t, errors.IsNotValid(err))
	_, err = EncodePublish(b, "t", make([]byte, 64), QoS0, false, 0)
	assert.Equal(t, ErrBufferFull, errors.Cause(err))
}

func TestEncodeSmall(t *testing.T) {
	t.Parallel()

	b := NewBuffer(16)
	raw, err := EncodePuback(b, 0xbeef)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x40, 0x02, 0xbe, 0xef}, raw)
	p := gomqttDecode(t, raw).(*packet.Puback)
	assert.Equal(t, packet.ID(0xbeef), p.ID)

	raw, err = EncodeEmpty(b, PINGREQ)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xc0, 0x00}, raw)
	assert.Equal(t, packet.PINGREQ, gomqttDecode(t, raw).Type())

	raw, err = EncodeEmpty(b, DISCONNECT)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xe0, 0x00}, raw)
}

func TestBufferFull(t *testing.T) {
	t.Parallel()

	b := NewBuffer(MaxHeaderSize + 6)
	require.NoError(t, b.PutString("abc"))
	assert.Equal(t, 5, b.Len())
	err := b.PutString("xy")
	assert.Equal(t, ErrBufferFull, errors.Cause(err))
	assert.Equal(t, 5, b.Len(), "failed put writes nothing")
	assert.Equal(t, ErrBufferFull, errors.Cause(b.PutUint16(1)))
	require.NoError(t, b.PutByte(9))
	assert.Equal(t, 0, b.Free())
	assert.Equal(t, ErrBufferFull, errors.Cause(b.PutBytes([]byte{1})))
	require.NoError(t, b.PutBytes(nil))

	raw, err := b.Finish(PUBLISH.Header(0))
	require.NoError(t, err)
	assert.Equal(t, helpers.MustHex("3006000361626309"), raw)
}

func TestParsePublishMalformed(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		raw  string
	}{
		{"short", "30"},
		{"truncated", "3005000174"},
		{"topic-length", "3003000574"},
		{"no-topic-length", "300100"},
		{"qos1-no-id", "3203000174"},
		{"qos1-zero-id", "32050001740000"},
		{"qos3", "3603000174"},
		{"not-publish", "40020001"},
	}
	helpers.RandUnix().Shuffle(len(cases), func(i int, j int) { cases[i], cases[j] = cases[j], cases[i] })
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			_, err := ParsePublish(helpers.MustHex(c.raw))
			require.Error(t, err)
			assert.Equal(t, ErrMalformed, errors.Cause(err))
		})
	}
}

func TestParseAcks(t *testing.T) {
	t.Parallel()

	connack := packet.NewConnack()
	connack.SessionPresent = true
	connack.ReturnCode = packet.ConnectionAccepted
	present, code, err := ParseConnack(gomqttEncode(t, connack))
	require.NoError(t, err)
	assert.True(t, present)
	assert.Equal(t, ConnackAccepted, code)
	_, code, err = ParseConnack([]byte{0x20, 0x02, 0x00, 0x05})
	require.NoError(t, err)
	assert.Equal(t, "not authorized", ConnackReason(code))

	suback := packet.NewSuback()
	suback.ID = 42
	suback.ReturnCodes = []packet.QOS{packet.QOSFailure}
	id, codes, err := ParseSuback(gomqttEncode(t, suback))
	require.NoError(t, err)
	assert.Equal(t, uint16(42), id)
	assert.Equal(t, []byte{SubackFailure}, codes)

	puback := packet.NewPuback()
	puback.ID = 9
	id, err = ParseAckID(gomqttEncode(t, puback), PUBACK)
	require.NoError(t, err)
	assert.Equal(t, uint16(9), id)

	_, err = ParseAckID(gomqttEncode(t, puback), UNSUBACK)
	assert.Equal(t, ErrMalformed, errors.Cause(err))
	_, _, err = ParseConnack([]byte{0x20, 0x01, 0x00})
	assert.Equal(t, ErrMalformed, errors.Cause(err))
}

func TestPacketString(t *testing.T) {
	t.Parallel()

	raw, err := EncodePublish(NewBuffer(64), "t", []byte{0xab}, QoS1, false, 3)
	require.NoError(t, err)
	assert.Equal(t, `<Publish ID=3 Dup=false Topic="t" QOS=1 Retain=false Payload=ab>`, PacketString(raw))
	assert.Equal(t, "<incomplete 30>", PacketString([]byte{0x30}))
	assert.Equal(t, "<Pingreq>", PacketString([]byte{0xc0, 0x00}))
	assert.Equal(t, "message=nil", MessageString(nil))
	assert.Equal(t, "PUBACK", PUBACK.String())
	assert.Equal(t, "type-15", PacketType(15).String())
}
