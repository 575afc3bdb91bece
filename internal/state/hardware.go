package state

import (
	"sync"
	"sync/atomic"

	"github.com/juju/errors"
	"github.com/temoto/espmqtt/hardware/esp"
	"github.com/temoto/espmqtt/hardware/uart"
	"github.com/temoto/espmqtt/log2"
	"github.com/temoto/espmqtt/mqtt"
)

type hardware struct {
	// Transport is opened from esp.uart_device unless set before first Driver() call.
	Transport esp.Transport
	// Reset pulses modem reset pin, nil when not configured.
	Reset Resetter

	Esp struct {
		once
		Driver *esp.Driver
	}
	Mqtt struct {
		once
		Session *mqtt.Session
	}
}

type Resetter interface {
	Reset() error
	Close() error
}

func (g *Global) Driver() (*esp.Driver, error) {
	x := &g.Hardware.Esp // short alias
	_ = x.do(func() error {
		cfg := &g.Config.Esp
		if g.Hardware.Transport == nil {
			port, err := uart.Open(g.Log, cfg.UartDevice, cfg.UartBaud)
			if err != nil {
				return errors.Annotatef(err, "config: esp.uart_device=%s", cfg.UartDevice)
			}
			g.Hardware.Transport = port
		}
		if g.Hardware.Reset == nil && cfg.ResetPinChip != "" {
			line, err := uart.OpenResetLine(g.Log, cfg.ResetPinChip, cfg.ResetPin)
			if err != nil {
				return errors.Annotatef(err, "config: esp.reset_pin_chip=%s reset_pin=%d", cfg.ResetPinChip, cfg.ResetPin)
			}
			g.Hardware.Reset = line
		}

		log := g.Log
		if !cfg.LogDebug && log.Enabled(log2.LDebug) {
			log = log.Clone(log2.LInfo)
		}
		x.Driver = esp.NewDriver(g.Hardware.Transport, esp.Options{Log: log, Watchdog: g.Watchdog})
		return nil
	})
	return x.Driver, x.err
}

func (g *Global) Session() (*mqtt.Session, error) {
	x := &g.Hardware.Mqtt
	_ = x.do(func() error {
		d, err := g.Driver()
		if err != nil {
			return err
		}
		x.Session = mqtt.NewSession(d, mqtt.Options{
			Log:        g.Log,
			BufferSize: g.Config.Mqtt.BufferSize,
			OnMessage:  g.onMessage,
			OnConnect:  g.onConnect,
		})
		return nil
	})
	return x.Session, x.err
}

// Safe to call from metrics scrape goroutine.
func (g *Global) espStat() esp.Stat {
	if x := &g.Hardware.Esp; x.done() && x.Driver != nil {
		return x.Driver.Stat()
	}
	return esp.Stat{}
}

func (g *Global) mqttStat() mqtt.Stat {
	if x := &g.Hardware.Mqtt; x.done() && x.Session != nil {
		return x.Session.Stat()
	}
	return mqtt.Stat{}
}

type once struct {
	sync.Mutex
	called uint32 // atomic bool
	err    error
}

func (o *once) done() bool {
	return atomic.LoadUint32(&o.called) == 1
}

func (o *once) do(f func() error) error {
	if o.done() { // fast path
		return o.err
	}
	o.Lock()
	defer o.Unlock()
	if o.done() {
		return o.err
	}
	o.err = f()
	atomic.StoreUint32(&o.called, 1)
	return o.err
}
