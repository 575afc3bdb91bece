package state

import (
	"context"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/espmqtt/hardware/esp"
	"github.com/temoto/espmqtt/helpers"
	"github.com/temoto/espmqtt/internal/config"
	"github.com/temoto/espmqtt/internal/metrics"
	"github.com/temoto/espmqtt/log2"
	"github.com/temoto/espmqtt/mqtt"
)

const (
	ReconnectMax = 2 * time.Minute
	// Reconnect failures before modem is restarted.
	ReconnectLimit = 6
	// Wait granularity of Step.
	StepIdle = 100 * time.Millisecond

	StatusOnline = "online"
)

type Global struct {
	Alive    *alive.Alive
	Config   *config.Config
	Hardware hardware // hardware.go
	Log      *log2.Log
	Metrics  *metrics.Metrics
	// Serviced from every modem wait loop. Must be set before first Driver() call.
	Watchdog esp.Watchdog
	// OnMessage receives inbound MQTT messages after they are logged.
	OnMessage func(topic string, payload []byte)

	online  bool
	backoff helpers.Backoff
}

const ContextKey = "run/state-global"

func NewContext(log *log2.Log) (context.Context, *Global) {
	if log == nil {
		panic("code error NewContext() log=nil")
	}

	g := &Global{
		Alive: alive.NewAlive(),
		Log:   log,
	}
	ctx := context.Background()
	ctx = context.WithValue(ctx, ContextKey, g)
	return ctx, g
}

// NewTestContext returns initialized Global with esp.MockModem transport.
func NewTestContext(t testing.TB, confString string) (context.Context, *Global, *esp.MockModem) {
	fs := config.NewMockFullReader(map[string]string{
		"test-inline": confString,
	})

	var log *log2.Log
	if os.Getenv("espmqtt_test_log_stderr") == "1" {
		log = log2.NewStderr(log2.LDebug) // useful with panics
	} else {
		log = log2.NewTest(t, log2.LDebug)
	}
	log.SetFlags(log2.LTestFlags)
	ctx, g := NewContext(log)
	g.MustInit(ctx, config.MustReadConfig(log, fs, "test-inline"))

	m := esp.NewMockModem(t)
	g.Hardware.Transport = m
	if _, err := g.Session(); err != nil {
		t.Fatal(errors.ErrorStack(err))
	}
	return ctx, g, m
}

func GetGlobal(ctx context.Context) *Global {
	v := ctx.Value(ContextKey)
	if v == nil {
		panic(fmt.Sprintf("context['%s'] is nil", ContextKey))
	}
	if g, ok := v.(*Global); ok {
		return g
	}
	panic(fmt.Sprintf("context['%s'] expected type *Global actual=%#v", ContextKey, v))
}

// If `Init` fails, consider `Global` is in broken state.
func (g *Global) Init(ctx context.Context, cfg *config.Config) error {
	if cfg == nil {
		return errors.NotValidf("config=nil")
	}
	g.Config = cfg
	g.Log.SetLevel(cfg.Level())

	g.Metrics = metrics.New("", g.espStat, g.mqttStat)
	g.Log.SetErrorFunc(func(error) { g.Metrics.Errors.Inc() })

	g.backoff = helpers.Backoff{
		Max:       ReconnectMax,
		K:         2,
		JitterMin: 1 * time.Second,
		JitterMax: 5 * time.Second,
		Limit:     ReconnectLimit,
	}
	return nil
}

func (g *Global) MustInit(ctx context.Context, cfg *config.Config) {
	err := g.Init(ctx, cfg)
	if err != nil {
		g.Fatal(err)
	}
}

func (g *Global) Error(err error, args ...interface{}) {
	if err != nil {
		if len(args) != 0 {
			msg := args[0].(string)
			args = args[1:]
			err = errors.Annotatef(err, msg, args...)
		}
		g.Log.Error(err)
	}
}

func (g *Global) Fatal(err error, args ...interface{}) {
	if err != nil {
		g.Error(err, args...)
		g.StopWait(5 * time.Second)
		g.Log.Fatal(errors.ErrorStack(err))
		os.Exit(1)
	}
}

func (g *Global) Stop() {
	g.Alive.Stop()
}

func (g *Global) StopWait(timeout time.Duration) bool {
	g.Alive.Stop()
	select {
	case <-g.Alive.WaitChan():
		return true
	case <-time.After(timeout):
		return false
	}
}

// StartModem runs modem init up to esp.init_retries times,
// then pulses hardware reset line if configured and tries once more.
func (g *Global) StartModem() error {
	d, err := g.Driver()
	if err != nil {
		return err
	}
	retries := g.Config.Esp.InitRetries
	for i := 1; i <= retries; i++ {
		if err = d.Init(); err == nil {
			return nil
		}
		g.Log.Errorf("modem init try=%d/%d err=%v", i, retries, err)
	}
	if g.Hardware.Reset == nil {
		return errors.Annotate(err, "modem init")
	}
	g.Log.Infof("modem hardware reset")
	if err = g.Hardware.Reset.Reset(); err != nil {
		return errors.Annotate(err, "modem hardware reset")
	}
	return errors.Annotate(d.Init(), "modem init after hardware reset")
}

// Online joins WiFi if needed and logs in to MQTT broker.
func (g *Global) Online() error {
	d, err := g.Driver()
	if err != nil {
		return err
	}
	s, err := g.Session()
	if err != nil {
		return err
	}
	if s.Connected() {
		return nil
	}
	if d.WiFiState(true) != esp.WiFiLinked {
		if err = d.ConnectWiFi(g.Config.WiFi.SSID, g.Config.WiFi.Password); err != nil {
			return err
		}
	} else if d.SocketOpen() {
		// left open by failed keepalive
		if err = d.CloseSocket(); err != nil {
			g.Log.Debugf("close stale socket err=%v", err)
		}
	}
	return s.Connect(g.Config.ConnectParams())
}

// Step services session once when connected, otherwise tries to reconnect
// with backoff. Modem is restarted after ReconnectLimit failed attempts.
// Returns session connected state.
func (g *Global) Step() bool {
	d, s := g.Hardware.Esp.Driver, g.Hardware.Mqtt.Session
	if s.Tick() {
		g.setOnline(true)
		d.Delay(StepIdle)
		return true
	}
	g.setOnline(false)

	now := d.NowMillis()
	if wait := g.backoff.Remaining(now); wait > 0 {
		if wait > StepIdle {
			wait = StepIdle
		}
		d.Delay(wait)
		return false
	}
	err := g.Online()
	if err == nil {
		g.backoff.Reset()
		g.setOnline(true)
		return true
	}
	g.Error(err, "reconnect try=%d", g.backoff.Retries()+1)
	if !g.backoff.Failure(d.NowMillis()) {
		g.Log.Errorf("reconnect failed %d times, restarting modem", g.backoff.Retries())
		g.backoff.Reset()
		if err = g.StartModem(); err != nil {
			g.Error(err)
		}
		g.backoff.Failure(d.NowMillis())
	}
	return false
}

// Run keeps session online until Alive is stopped.
func (g *Global) Run(ctx context.Context) error {
	if _, err := g.Session(); err != nil {
		return errors.Annotate(err, "session")
	}
	g.Alive.Add(1)
	defer g.Alive.Done()
	for g.Alive.IsRunning() {
		g.Step()
	}
	return nil
}

// Close says DISCONNECT to broker and releases hardware.
func (g *Global) Close() error {
	errs := make([]error, 0, 3)
	if s := g.Hardware.Mqtt.Session; s != nil {
		errs = append(errs, s.Disconnect())
	}
	g.setOnline(false)
	if c, ok := g.Hardware.Transport.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	if g.Hardware.Reset != nil {
		errs = append(errs, g.Hardware.Reset.Close())
	}
	return helpers.FoldErrors(errs)
}

func (g *Global) setOnline(b bool) {
	if g.online == b {
		return
	}
	g.online = b
	g.Metrics.SetConnected(b)
	if !b {
		g.Log.Infof("mqtt offline")
	}
}

func (g *Global) onConnect() {
	s := g.Hardware.Mqtt.Session
	for _, sub := range g.Config.Subscribe {
		if err := s.Subscribe(sub.Topic, byte(sub.QoS)); err != nil {
			g.Error(err)
		}
	}
	if topic := g.Config.Mqtt.PublishStatus; topic != "" {
		if err := s.Publish(topic, []byte(StatusOnline), true, mqtt.QoS1); err != nil {
			g.Error(err, "publish status")
		}
	}
}

func (g *Global) onMessage(topic string, payload []byte) {
	g.Log.Infof("mqtt message topic=%s payload=%q", topic, payload)
	if g.OnMessage != nil {
		g.OnMessage(topic, payload)
	}
}
