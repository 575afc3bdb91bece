package esp

import (
	"strconv"
	"time"

	"github.com/temoto/espmqtt/helpers"
	"github.com/temoto/espmqtt/log2"
)

type State uint8

const (
	StateIdle State = iota
	StateDataLength
	StatePayload
	StateStatusDigit
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDataLength:
		return "data-length"
	case StatePayload:
		return "payload"
	case StateStatusDigit:
		return "status-digit"
	case StateBackoff:
		return "backoff"
	}
	return "state-" + strconv.Itoa(int(s))
}

const (
	MaxPayload      = 512
	maxLengthDigits = 6
	PayloadTimeout  = 3 * time.Second
	StatusTimeout   = 1 * time.Second
	statusMaxMisses = 5

	BusyRetries   = 10
	BusyJitterMin = 200 * time.Millisecond
	BusyJitterMax = 1000 * time.Millisecond
	BusyMax       = 5 * time.Second
)

const (
	markerData   = "+IPD,"
	markerStatus = "STATUS:"
	markerClosed = "CLOSED"
	markerBusy   = "BUSY"
	markerError  = "ERROR"
	markerFail   = "FAIL"
)

// Decoder turns modem byte stream into events: tag matched for current request,
// inline data payload, status digit, socket closed, modem busy.
// Not thread-safe.
type Decoder struct {
	Log *log2.Log

	t     Transport
	stat  *Stat
	ring  Ring
	state State
	last  State // restored after data frame

	lenBuf [maxLengthDigits]byte
	lenN   int

	payload    []byte
	payloadLen int
	payloadAt  uint64
	skip       int // bytes of dropped frame still to discard
	alloc      func(n int) []byte

	req *Request

	statusFound  bool
	statusValue  int
	statusAt     uint64
	statusMisses int

	backoff helpers.Backoff

	onData   func(p []byte)
	onClosed func()
	onAbort  func()
}

type DecoderOptions struct {
	Log *log2.Log
	// Alloc returns buffer of length n or nil on failure. Default make([]byte, n).
	Alloc func(n int) []byte
	Stat  *Stat
}

func NewDecoder(t Transport, opt DecoderOptions) *Decoder {
	self := &Decoder{}
	self.init(t, opt)
	return self
}

func (self *Decoder) init(t Transport, opt DecoderOptions) {
	self.Log = opt.Log
	self.t = t
	self.stat = opt.Stat
	if self.stat == nil {
		self.stat = &Stat{}
	}
	self.alloc = opt.Alloc
	if self.alloc == nil {
		self.alloc = func(n int) []byte { return make([]byte, n) }
	}
	self.statusValue = -1
	self.backoff = helpers.Backoff{
		Max:       BusyMax,
		K:         2,
		JitterMin: BusyJitterMin,
		JitterMax: BusyJitterMax,
		Limit:     BusyRetries,
		Rand:      helpers.RandUnix(),
	}
}

func (self *Decoder) State() State { return self.state }

// OnData sets inline payload handler. p is only valid until handler returns.
func (self *Decoder) OnData(f func(p []byte))       { self.onData = f }
func (self *Decoder) Backoff() *helpers.Backoff     { return &self.backoff }
func (self *Decoder) Expect(req *Request)           { self.req = req }
func (self *Decoder) Expecting() *Request           { return self.req }
func (self *Decoder) PayloadCap() int               { return cap(self.payload) }
func (self *Decoder) StatusValue() (int, bool)      { return self.statusValue, self.statusValue >= 0 }
func (self *Decoder) setHooks(closed, abort func()) { self.onClosed, self.onAbort = closed, abort }

// Prepares to accept next "STATUS:" marker.
func (self *Decoder) BeginStatus() {
	self.statusFound = false
	self.statusValue = -1
}

// Pump drains all available bytes. Also call it with nothing available to run timeouts.
func (self *Decoder) Pump() {
	self.checkTimeouts(self.t.NowMillis())
	for self.t.Available() > 0 {
		b, err := self.t.ReadByte()
		if err != nil {
			self.Log.Errorf("esp read err=%v", err)
			return
		}
		inc(&self.stat.BytesReceived)
		now := self.t.NowMillis()
		self.checkTimeouts(now)
		self.Feed(b, now)
	}
}

func (self *Decoder) checkTimeouts(now uint64) {
	if self.skip > 0 && elapsed(now, self.payloadAt) > PayloadTimeout {
		self.Log.Debugf("esp dropped frame timeout remaining=%d", self.skip)
		self.skip = 0
	}
	switch self.state {
	case StateDataLength, StatePayload:
		if elapsed(now, self.payloadAt) > PayloadTimeout {
			self.Log.Debugf("esp frame timeout state=%s received=%d/%d", self.state, len(self.payload), self.payloadLen)
			inc(&self.stat.FramesDropped)
			self.payload = self.payload[:0]
			self.state = StateIdle
		}
	case StateStatusDigit:
		if elapsed(now, self.statusAt) >= StatusTimeout {
			self.Log.Debugf("esp status digit timeout")
			inc(&self.stat.StatusMissed)
			self.state = StateIdle
		}
	case StateBackoff:
		if self.backoff.Expired(now) {
			self.state = StateIdle
		}
	}
}

// Feed processes one byte received at time now.
func (self *Decoder) Feed(b byte, now uint64) {
	switch self.state {
	case StateStatusDigit:
		if b >= '0' && b <= '5' {
			self.statusValue = int(b - '0')
			self.state = StateIdle
			return
		}
		if self.ring.Push(b) && self.ring.Match(markerData) {
			self.beginLength(now)
			return
		}
		self.statusMisses++
		if self.statusMisses >= statusMaxMisses {
			self.Log.Debugf("esp status digit not found")
			inc(&self.stat.StatusMissed)
			self.state = StateIdle
		}

	case StateDataLength:
		switch {
		case b == ':':
			self.beginPayload(now)
		case b >= '0' && b <= '9' && self.lenN < maxLengthDigits:
			self.lenBuf[self.lenN] = b
			self.lenN++
		default:
			self.Log.Debugf("esp frame length invalid byte=%02x digits=%q", b, self.lenBuf[:self.lenN])
			inc(&self.stat.FramesDropped)
			self.state = self.last
			self.Feed(b, now)
		}

	case StatePayload:
		self.payload = append(self.payload, b)
		self.payloadAt = now
		if len(self.payload) >= self.payloadLen {
			self.finishPayload(now)
		}

	default:
		if self.skip > 0 {
			self.skip--
			self.payloadAt = now
			return
		}
		if !self.ring.Push(b) {
			return
		}
		self.match(now)
	}
}

func (self *Decoder) match(now uint64) {
	if req := self.req; req != nil && !req.done {
		if self.ring.Match(req.Tag) {
			req.complete(nil)
			self.backoff.Reset()
			if self.state == StateBackoff {
				self.state = StateIdle
			}
			return
		}
		if self.ring.Match(markerError) || self.ring.Match(markerFail) {
			inc(&self.stat.Rejected)
			req.complete(ErrRejected)
			return
		}
	}
	switch {
	case self.ring.Match(markerData):
		self.beginLength(now)

	case !self.statusFound && self.ring.Match(markerStatus):
		self.statusFound = true
		self.statusMisses = 0
		self.statusAt = now
		self.state = StateStatusDigit

	case self.ring.Match(markerClosed):
		inc(&self.stat.Closed)
		self.Log.Debugf("esp socket closed")
		if self.onClosed != nil {
			self.onClosed()
		}

	case self.ring.Match(markerBusy):
		self.busy(now)
	}
}

func (self *Decoder) busy(now uint64) {
	inc(&self.stat.Busy)
	if !self.backoff.Failure(now) {
		self.Log.Errorf("esp modem busy retries=%d exceeded, closing socket", self.backoff.Retries())
		self.backoff.Reset()
		self.state = StateIdle
		if self.req != nil {
			self.req.complete(ErrAborted)
		}
		if self.onAbort != nil {
			self.onAbort()
		}
		return
	}
	self.Log.Debugf("esp modem busy retry=%d timeout=%s", self.backoff.Retries(), self.backoff.Timeout())
	if self.req != nil {
		self.req.busy = true
	}
	self.state = StateBackoff
}

func (self *Decoder) beginLength(now uint64) {
	self.last = self.state
	self.state = StateDataLength
	self.lenN = 0
	self.payloadAt = now
}

func (self *Decoder) beginPayload(now uint64) {
	n, err := strconv.Atoi(string(self.lenBuf[:self.lenN]))
	if err != nil || n < 1 || n > MaxPayload {
		self.Log.Debugf("esp frame length invalid digits=%q", self.lenBuf[:self.lenN])
		inc(&self.stat.FramesDropped)
		self.state = self.last
		return
	}
	if cap(self.payload) < n {
		buf := self.alloc(n)
		if buf == nil {
			self.Log.Errorf("esp frame buffer grow failed length=%d", n)
			inc(&self.stat.GrowFailures)
			self.skip = n
			self.payloadAt = now
			self.state = StateIdle
			return
		}
		self.payload = buf[:0]
	}
	self.payload = self.payload[:0]
	self.payloadLen = n
	self.payloadAt = now
	self.state = StatePayload
}

func (self *Decoder) finishPayload(now uint64) {
	frame := self.payload[:self.payloadLen]
	inc(&self.stat.Frames)
	add(&self.stat.FrameBytes, len(frame))
	switch {
	case self.last == StateBackoff && !self.backoff.Expired(now):
		self.state = StateBackoff
	case self.last == StateStatusDigit:
		self.state = StateStatusDigit
	default:
		self.state = StateIdle
	}
	if self.onData != nil {
		self.onData(frame)
	}
	self.payload = self.payload[:0]
}

func elapsed(now, since uint64) time.Duration {
	if now < since {
		return 0
	}
	return time.Duration(now-since) * time.Millisecond
}
