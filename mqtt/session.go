package mqtt

import (
	"time"

	"github.com/juju/errors"
	"github.com/temoto/espmqtt/log2"
)

const (
	ConnectTimeout    = 10 * time.Second
	AckTimeout        = 3 * time.Second
	DefaultBufferSize = 256
)

type SessionState uint8

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateConnected
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return "invalid"
}

// Link is byte transport with single TCP socket, implemented by esp.Driver.
type Link interface {
	ConnectTCP(host string, port int) error
	Write(p []byte) error
	CloseSocket() error
	ClientLinked(force bool) bool
	SocketOpen() bool
	Loop()
	NowMillis() uint64
	OnData(f func(p []byte))
}

type Options struct {
	Log        *log2.Log
	BufferSize int
	// OnMessage receives inbound PUBLISH. Called from Tick or blocking session methods,
	// must not block or call session methods. payload is valid until return.
	OnMessage func(topic string, payload []byte)
	// OnConnect is called after successful Connect.
	OnConnect func()
}

// Session is MQTT client session over Link. Not thread-safe.
type Session struct {
	Log *log2.Log

	link      Link
	buf       *Buffer
	state     SessionState
	nextID    uint16
	keepalive time.Duration
	lastOut   uint64
	pingOut   bool
	acks      AckRing
	onMessage func(topic string, payload []byte)
	onConnect func()
	stat      Stat

	connack     bool
	connackCode byte
	wait        struct {
		t    PacketType
		id   uint16
		done bool
		code byte
	}
}

func NewSession(link Link, opt Options) *Session {
	size := opt.BufferSize
	if size == 0 {
		size = DefaultBufferSize
	}
	self := &Session{
		Log:       opt.Log,
		link:      link,
		buf:       NewBuffer(size),
		onMessage: opt.OnMessage,
		onConnect: opt.OnConnect,
	}
	link.OnData(self.onData)
	return self
}

func (self *Session) State() SessionState { return self.state }
func (self *Session) Connected() bool     { return self.state == StateConnected }
func (self *Session) Stat() Stat          { return self.stat.Snapshot() }
func (self *Session) AckOverflow() bool   { return self.acks.Overflow() }

// Connect opens TCP socket and performs MQTT login.
func (self *Session) Connect(p ConnectParams) error {
	if self.state == StateConnected {
		return nil
	}
	self.state = StateConnecting
	self.acks.Reset()
	self.pingOut = false
	self.connack = false
	err := self.connect(&p)
	if err != nil {
		inc(&self.stat.ConnectFailures)
		self.state = StateDisconnected
		self.Log.Errorf("mqtt connect %s:%d err=%v", p.Host, p.Port, err)
		return err
	}
	inc(&self.stat.Connects)
	self.state = StateConnected
	self.keepalive = p.Keepalive
	self.Log.Infof("mqtt connected %s:%d client=%s", p.Host, p.Port, p.ClientID)
	if self.onConnect != nil {
		self.onConnect()
	}
	return nil
}

func (self *Session) connect(p *ConnectParams) error {
	if err := self.link.ConnectTCP(p.Host, p.Port); err != nil {
		return errors.Annotate(err, "mqtt connect")
	}
	b, err := EncodeConnect(self.buf, p)
	if err != nil {
		self.closeSocket()
		return err
	}
	if err = self.write(b); err != nil {
		self.closeSocket()
		return errors.Annotate(err, "mqtt send CONNECT")
	}
	deadline := self.link.NowMillis() + uint64(ConnectTimeout/time.Millisecond)
	for !self.connack && self.link.NowMillis() < deadline {
		self.link.Loop()
	}
	if !self.connack {
		self.closeSocket()
		return errors.Timeoutf("mqtt CONNACK")
	}
	if self.connackCode != ConnackAccepted {
		self.closeSocket()
		return errors.Errorf("mqtt connect refused code=%d %s", self.connackCode, ConnackReason(self.connackCode))
	}
	if !self.link.ClientLinked(true) {
		return errors.Errorf("mqtt socket closed after CONNACK")
	}
	return nil
}

func (self *Session) Subscribe(topic string, qos byte) error {
	if self.state != StateConnected {
		return errors.Annotatef(ErrNotConnected, "subscribe topic=%s", topic)
	}
	if qos > QoS1 {
		return errors.NotValidf("mqtt subscribe topic=%s qos=%d", topic, qos)
	}
	id := self.nextPacketID()
	b, err := EncodeSubscribe(self.buf, id, topic, qos)
	if err != nil {
		return err
	}
	self.expect(SUBACK, id)
	defer self.expect(0, 0)
	if err = self.write(b); err != nil {
		return errors.Annotatef(err, "mqtt subscribe topic=%s", topic)
	}
	code, err := self.waitAck(AckTimeout)
	if err != nil {
		return errors.Annotatef(err, "mqtt subscribe topic=%s", topic)
	}
	if code == SubackFailure {
		return errors.Errorf("mqtt subscribe topic=%s rejected", topic)
	}
	self.Log.Debugf("mqtt subscribed topic=%s qos=%d granted=%d", topic, qos, code)
	return nil
}

// Publish sends message. QoS 1 waits for PUBACK.
func (self *Session) Publish(topic string, payload []byte, retain bool, qos byte) error {
	if self.state != StateConnected {
		return errors.Annotatef(ErrNotConnected, "publish topic=%s", topic)
	}
	id := uint16(0)
	if qos == QoS1 {
		id = self.nextPacketID()
	}
	b, err := EncodePublish(self.buf, topic, payload, qos, retain, id)
	if err != nil {
		return err
	}
	if qos == QoS1 {
		self.expect(PUBACK, id)
		defer self.expect(0, 0)
	}
	if err = self.write(b); err != nil {
		return errors.Annotatef(err, "mqtt publish topic=%s", topic)
	}
	if qos == QoS1 {
		if _, err = self.waitAck(AckTimeout); err != nil {
			return errors.Annotatef(err, "mqtt publish topic=%s", topic)
		}
	}
	inc(&self.stat.Published)
	return nil
}

// Tick must be called regularly: sends pending PUBACK, keepalive, pumps link once.
// Returns true if session is connected.
func (self *Session) Tick() bool {
	if self.state == StateConnected && !self.link.SocketOpen() {
		self.Log.Errorf("mqtt socket closed")
		self.state = StateDisconnected
	}
	if self.state == StateConnected && self.acks.Overflow() {
		// broker redelivers the dropped id to new session
		self.Log.Errorf("mqtt PUBACK queue overflow, closing session")
		self.flushAcks()
		inc(&self.stat.ForcedCloses)
		self.closeSocket()
		self.acks.Reset()
		self.state = StateDisconnected
	}
	if self.state == StateConnected {
		self.flushAcks()
		self.keepaliveStep()
	}
	self.link.Loop()
	return self.state == StateConnected
}

func (self *Session) Disconnect() error {
	if self.state == StateDisconnected {
		return nil
	}
	self.state = StateDisconnected
	var err error
	if b, e := EncodeEmpty(self.buf, DISCONNECT); e == nil {
		err = self.write(b)
	}
	if e := self.link.CloseSocket(); e != nil && err == nil {
		err = e
	}
	return errors.Annotate(err, "mqtt disconnect")
}

func (self *Session) flushAcks() {
	for {
		id, ok := self.acks.Peek()
		if !ok {
			return
		}
		b, err := EncodePuback(self.buf, id)
		if err == nil {
			err = self.write(b)
		}
		if err != nil {
			self.Log.Errorf("mqtt PUBACK id=%d err=%v", id, err)
			return
		}
		inc(&self.stat.AcksSent)
		self.acks.Pop()
	}
}

func (self *Session) keepaliveStep() {
	if self.keepalive <= 0 {
		return
	}
	now := self.link.NowMillis()
	if now < self.lastOut || time.Duration(now-self.lastOut)*time.Millisecond < self.keepalive {
		return
	}
	if self.pingOut {
		self.Log.Errorf("mqtt PINGRESP timeout")
		inc(&self.stat.PingTimeouts)
		if b, err := EncodeEmpty(self.buf, DISCONNECT); err == nil {
			_ = self.write(b)
		}
		self.state = StateDisconnected
		return
	}
	b, _ := EncodeEmpty(self.buf, PINGREQ)
	// PINGRESP may be handled inside write
	self.pingOut = true
	if err := self.write(b); err != nil {
		self.pingOut = false
		self.Log.Errorf("mqtt PINGREQ err=%v", err)
		return
	}
	inc(&self.stat.Pings)
}

// expect registers acknowledgement before request is written,
// reply may arrive while driver is still waiting for SEND OK.
func (self *Session) expect(t PacketType, id uint16) {
	self.wait.t, self.wait.id, self.wait.done, self.wait.code = t, id, false, 0
}

func (self *Session) waitAck(timeout time.Duration) (byte, error) {
	t, id := self.wait.t, self.wait.id
	deadline := self.link.NowMillis() + uint64(timeout/time.Millisecond)
	for !self.wait.done {
		if self.link.NowMillis() >= deadline {
			return 0, errors.Timeoutf("mqtt %s id=%d", t, id)
		}
		if !self.link.SocketOpen() {
			return 0, errors.Annotatef(ErrNotConnected, "wait %s id=%d socket closed", t, id)
		}
		self.link.Loop()
	}
	return self.wait.code, nil
}

func (self *Session) write(b []byte) error {
	if self.Log.Enabled(log2.LDebug) {
		self.Log.Debugf("mqtt -> %s", PacketString(b))
	}
	if err := self.link.Write(b); err != nil {
		return err
	}
	self.lastOut = self.link.NowMillis()
	return nil
}

func (self *Session) closeSocket() {
	if err := self.link.CloseSocket(); err != nil {
		self.Log.Debugf("mqtt close socket err=%v", err)
	}
}

func (self *Session) nextPacketID() uint16 {
	self.nextID++
	if self.nextID == 0 {
		self.nextID = 1
	}
	return self.nextID
}

// onData handles inline payload, possibly several packets.
func (self *Session) onData(p []byte) {
	for len(p) > 0 {
		h, err := ParseHeader(p)
		if err != nil {
			inc(&self.stat.Malformed)
			self.Log.Errorf("mqtt inbound err=%v data=%x", err, p)
			return
		}
		self.handle(h, p[:h.Len()])
		p = p[h.Len():]
	}
}

func (self *Session) handle(h Header, raw []byte) {
	if self.Log.Enabled(log2.LDebug) {
		self.Log.Debugf("mqtt <- %s", PacketString(raw))
	}
	var err error
	switch h.Type {
	case CONNACK:
		var code byte
		if _, code, err = ParseConnack(raw); err == nil && self.state == StateConnecting {
			self.connack = true
			self.connackCode = code
		}

	case SUBACK:
		var id uint16
		var codes []byte
		if id, codes, err = ParseSuback(raw); err == nil {
			self.fulfill(SUBACK, id, codes[0])
		}

	case PUBACK:
		var id uint16
		if id, err = ParseAckID(raw, PUBACK); err == nil {
			self.fulfill(PUBACK, id, 0)
		}

	case PINGRESP:
		self.pingOut = false

	case PUBLISH:
		var pub Publish
		if pub, err = ParsePublish(raw); err == nil {
			self.receive(&pub)
		}

	default:
		self.Log.Debugf("mqtt unexpected %s", h.Type)
	}
	if err != nil {
		inc(&self.stat.Malformed)
		self.Log.Errorf("mqtt inbound %s err=%v", h.Type, err)
	}
}

func (self *Session) fulfill(t PacketType, id uint16, code byte) {
	if self.wait.t == t && self.wait.id == id {
		self.wait.done = true
		self.wait.code = code
	}
}

func (self *Session) receive(pub *Publish) {
	inc(&self.stat.Received)
	switch pub.QoS {
	case QoS1:
		if !self.acks.Push(pub.PacketID) {
			inc(&self.stat.AckOverflows)
			self.Log.Errorf("mqtt PUBACK queue full, id=%d dropped", pub.PacketID)
		}
	case QoS2:
		self.Log.Errorf("mqtt QoS2 not supported topic=%s id=%d", pub.Topic, pub.PacketID)
	}
	if self.onMessage != nil {
		self.onMessage(pub.Topic, pub.Payload)
	}
}
