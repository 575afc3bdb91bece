package esp

import (
	"math/rand"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/espmqtt/helpers/cacheval"
	"github.com/temoto/espmqtt/log2"
)

const modName string = "esp"

// Minimal pause after raw data write before next command.
const SendSettle = 1 * time.Second

type Options struct {
	Log      *log2.Log
	Watchdog Watchdog
	// Alloc for inline payload buffer, see DecoderOptions.
	Alloc func(n int) []byte
	Rand  *rand.Rand
}

// Driver talks AT command dialect to ESP8266 style modem over Transport.
// Single socket mode. Not thread-safe, all methods must be called from one goroutine.
type Driver struct {
	Log *log2.Log

	t        Transport
	idler    Idler
	dec      Decoder
	watchdog Watchdog
	stat     Stat
	status   cacheval.Int32

	dataAt      uint64
	dataWritten bool
	pumping     bool
	needClose   bool
	needRefresh bool
}

func NewDriver(t Transport, opt Options) *Driver {
	self := &Driver{
		Log:      opt.Log,
		t:        t,
		watchdog: opt.Watchdog,
	}
	self.idler, _ = t.(Idler)
	self.dec.init(t, DecoderOptions{Log: opt.Log, Alloc: opt.Alloc, Stat: &self.stat})
	if opt.Rand != nil {
		self.dec.backoff.Rand = opt.Rand
	}
	self.dec.setHooks(self.socketClosed, self.busyAbort)
	self.status.Init(StatusCacheValid, func() int64 { return int64(t.NowMillis()) * int64(time.Millisecond) })
	return self
}

func (self *Driver) Decoder() *Decoder       { return &self.dec }
func (self *Driver) NowMillis() uint64       { return self.t.NowMillis() }
func (self *Driver) OnData(f func(p []byte)) { self.dec.OnData(f) }
func (self *Driver) Stat() Stat              { return self.stat.Snapshot() }

// Pump runs decoder once over available input. Nested calls are ignored.
func (self *Driver) Pump() {
	if self.pumping {
		return
	}
	self.pumping = true
	if self.watchdog != nil {
		self.watchdog()
		inc(&self.stat.WatchdogKicks)
	}
	self.dec.Pump()
	self.pumping = false
}

// Loop is the top level step: pump input, then run actions deferred by decoder events
// (status refresh after socket close, forced close after busy retries exceeded).
func (self *Driver) Loop() {
	self.Pump()
	if self.pumping || self.dec.req != nil {
		return
	}
	if self.needClose {
		self.needClose = false
		inc(&self.stat.ForcedCloses)
		if err := self.CloseSocket(); err != nil {
			self.Log.Errorf("%s forced close err=%v", modName, err)
		}
	}
	if self.needRefresh {
		self.needRefresh = false
		if _, err := self.QueryStatus(true); err != nil {
			self.Log.Errorf("%s status refresh err=%v", modName, err)
		}
	}
}

// Delay keeps pumping input for d.
func (self *Driver) Delay(d time.Duration) {
	deadline := self.t.NowMillis() + uint64(d/time.Millisecond)
	for self.t.NowMillis() < deadline {
		self.Pump()
		self.idle()
	}
}

func (self *Driver) SendAndWait(command, tag string, timeout time.Duration) error {
	return self.Do(NewRequest(command, tag, timeout))
}

// Do sends request and pumps input until request tag is received, modem rejects command
// or timeout. Returns ErrRequestBusy immediately if another request is outstanding.
func (self *Driver) Do(req *Request) error {
	if self.dec.req != nil {
		err := errors.Annotatef(ErrRequestBusy, "%s do=%s current=%s", modName, req.String(), self.dec.req.String())
		self.Log.Error(err)
		return err
	}
	req.reset()

	// modem turnaround after raw data and busy backoff
	wait := self.t.NowMillis() + uint64((SendSettle+req.Timeout)/time.Millisecond)
	for {
		now := self.t.NowMillis()
		settled := req.Command == "" || !self.dataWritten || elapsed(now, self.dataAt) >= SendSettle
		if settled && self.dec.state != StateBackoff {
			break
		}
		if now >= wait {
			return self.timeout(req)
		}
		self.Pump()
		self.idle()
	}

	deadline := self.t.NowMillis() + uint64(req.Timeout/time.Millisecond)
	self.dec.Expect(req)
	defer self.dec.Expect(nil)
	inc(&self.stat.Commands)
	if err := self.send(req); err != nil {
		err = errors.Annotatef(err, "%s send=%s", modName, req.String())
		self.Log.Error(err)
		return err
	}
	for {
		self.Pump()
		if req.done {
			break
		}
		if self.t.NowMillis() >= deadline {
			return self.timeout(req)
		}
		if req.busy && req.Command != "" && self.dec.state != StateBackoff {
			req.busy = false
			self.Log.Debugf("%s resend after busy %s", modName, req.String())
			if err := self.send(req); err != nil {
				err = errors.Annotatef(err, "%s resend=%s", modName, req.String())
				self.Log.Error(err)
				return err
			}
		}
		self.idle()
	}
	if req.err != nil {
		err := errors.Annotatef(req.err, "%s %s", modName, req.String())
		self.Log.Error(err)
		return err
	}
	return nil
}

func (self *Driver) send(req *Request) error {
	if req.Command != "" {
		self.Log.Debugf("%s -> %s", modName, req.String())
		return self.t.WriteLine(req.Command)
	}
	self.Log.Debugf("%s -> %s", modName, req.String())
	err := self.t.Write(req.Raw)
	self.dataAt = self.t.NowMillis()
	self.dataWritten = true
	if err == nil {
		add(&self.stat.BytesSent, len(req.Raw))
	}
	return err
}

func (self *Driver) timeout(req *Request) error {
	inc(&self.stat.Timeouts)
	err := errors.Timeoutf("%s %s timeout=%s", modName, req.String(), req.Timeout)
	self.Log.Error(err)
	return err
}

func (self *Driver) idle() {
	if self.idler != nil && self.t.Available() == 0 {
		self.idler.Idle()
	}
}

func (self *Driver) socketClosed() {
	if ClientLinkedOf(int(self.status.Get())) {
		self.status.Set(StatusTCPDisconnected)
	}
	self.status.Invalidate()
	self.needRefresh = true
}

func (self *Driver) busyAbort() {
	self.needClose = true
}
