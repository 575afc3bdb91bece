// Interactive modem and MQTT console for bring-up and debugging.
package console

import (
	"context"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/temoto/espmqtt/cmd/espmqtt/subcmd"
	"github.com/temoto/espmqtt/helpers"
	"github.com/temoto/espmqtt/helpers/cli"
	"github.com/temoto/espmqtt/internal/config"
	"github.com/temoto/espmqtt/internal/state"
	"github.com/temoto/espmqtt/mqtt"
)

const modName = "console"

const usage = `syntax: commands separated by whitespace
(modem)
- AT...        send AT command, wait OK
- init         modem init with retries and hardware reset
- reset        modem hardware reset pulse, or AT+RST without reset line
- wifi         join configured WiFi network
- status       query link status
- close        close TCP socket
- /tXX...      write raw bytes from hex XX... to open socket
- /sN          pump input for N milliseconds
(mqtt)
- online       join WiFi if needed and connect to broker
- pub:TOPIC=PAYLOAD    publish QoS 0
- pub1:TOPIC=PAYLOAD   publish QoS 1
- sub:TOPIC    subscribe QoS 1
- tick         service session once
- disconnect   send DISCONNECT and close socket
- stat         print counters

(meta)
- /loop=N  repeat N times all commands on this line
`

// CommandTimeout for AT... words.
const CommandTimeout = 5 * time.Second

var Mod = subcmd.Mod{Name: modName, Main: Main}

type step struct {
	name string
	f    func() error
}

func Main(ctx context.Context, config *config.Config) error {
	g := state.GetGlobal(ctx)
	g.MustInit(ctx, config)

	if _, err := g.Session(); err != nil {
		return errors.Annotate(err, "modem open")
	}
	defer func() { g.Error(g.Close(), "close") }()
	g.Log.Infof("type help for commands")

	cli.MainLoop("espmqtt", newExecutor(ctx), newCompleter(), func() { _ = g.Close() })
	return nil
}

func newCompleter() prompt.Completer {
	words := []string{"AT", "AT+CIPSTATUS", "init", "reset", "wifi", "status", "close",
		"online", "pub:", "pub1:", "sub:", "tick", "disconnect", "stat", "help", "/loop=", "/s", "/t"}
	suggests := make([]prompt.Suggest, 0, len(words))
	for _, w := range words {
		suggests = append(suggests, prompt.Suggest{Text: w})
	}
	return func(d prompt.Document) []prompt.Suggest {
		return prompt.FilterHasPrefix(suggests, d.GetWordBeforeCursor(), true)
	}
}

func newExecutor(ctx context.Context) func(string) {
	g := state.GetGlobal(ctx)

	return func(line string) {
		steps, loopn, err := parseLine(ctx, line)
		if err != nil {
			g.Log.Error(errors.ErrorStack(err))
			return
		}
		tbegin := time.Now()
		for i := uint(0); i < loopn; i++ {
			for _, s := range steps {
				if err := s.f(); err != nil {
					g.Log.Errorf("%s err=%v", s.name, err)
				}
			}
		}
		if len(steps) != 0 {
			g.Log.Infof("duration=%v", time.Since(tbegin))
		}
	}
}

// parseLine returns steps to execute loopn times.
func parseLine(ctx context.Context, line string) ([]step, uint, error) {
	words := strings.Fields(line)
	if len(words) == 0 {
		return nil, 0, nil
	}

	loopn := uint(0)
	steps := make([]step, 0, len(words))
	errs := make([]error, 0, len(words))
	for _, word := range words {
		switch {
		case word == "help" || word == "/help":
			return []step{{name: word, f: doUsage(ctx)}}, 1, nil
		case strings.HasPrefix(word, "/loop="):
			if loopn != 0 {
				return nil, 0, errors.Errorf("multiple loop commands, expected at most one")
			}
			i, err := strconv.ParseUint(word[6:], 10, 32)
			if err != nil {
				return nil, 0, errors.Annotatef(err, "word=%s", word)
			}
			loopn = uint(i)
		default:
			f, err := parseCommand(ctx, word)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			steps = append(steps, step{name: word, f: f})
		}
	}
	if len(errs) != 0 {
		return nil, 0, helpers.FoldErrors(errs)
	}
	if loopn == 0 {
		loopn = 1
	}
	return steps, loopn, nil
}

func parseCommand(ctx context.Context, word string) (func() error, error) {
	g := state.GetGlobal(ctx)
	d, err := g.Driver()
	if err != nil {
		return nil, err
	}
	s, err := g.Session()
	if err != nil {
		return nil, err
	}

	switch {
	case strings.HasPrefix(strings.ToUpper(word), "AT"):
		return func() error { return d.SendAndWait(word, "OK", CommandTimeout) }, nil

	case word == "init":
		return g.StartModem, nil

	case word == "reset":
		return func() error {
			if g.Hardware.Reset != nil {
				return g.Hardware.Reset.Reset()
			}
			return d.Reset()
		}, nil

	case word == "wifi":
		return func() error { return d.ConnectWiFi(g.Config.WiFi.SSID, g.Config.WiFi.Password) }, nil

	case word == "status":
		return func() error {
			v, err := d.QueryStatus(true)
			if err != nil {
				return err
			}
			g.Log.Infof("status=%d wifi=%s socket_open=%t session=%s", v, d.WiFiState(false), d.SocketOpen(), s.State())
			return nil
		}, nil

	case word == "close":
		return d.CloseSocket, nil

	case word == "online":
		return g.Online, nil

	case word == "tick":
		return func() error {
			g.Log.Infof("connected=%t", s.Tick())
			return nil
		}, nil

	case word == "disconnect":
		return s.Disconnect, nil

	case word == "stat":
		return func() error {
			g.Log.Infof("esp %s", d.Stat().String())
			g.Log.Infof("mqtt %s", s.Stat().String())
			return nil
		}, nil

	case strings.HasPrefix(word, "pub:") || strings.HasPrefix(word, "pub1:"):
		qos := mqtt.QoS0
		if strings.HasPrefix(word, "pub1:") {
			qos = mqtt.QoS1
		}
		arg := word[strings.IndexByte(word, ':')+1:]
		parts := strings.SplitN(arg, "=", 2)
		if parts[0] == "" {
			return nil, errors.NotValidf("word=%s topic empty", word)
		}
		topic, payload := parts[0], ""
		if len(parts) == 2 {
			payload = parts[1]
		}
		return func() error { return s.Publish(topic, []byte(payload), false, qos) }, nil

	case strings.HasPrefix(word, "sub:"):
		topic := word[4:]
		if topic == "" {
			return nil, errors.NotValidf("word=%s topic empty", word)
		}
		return func() error { return s.Subscribe(topic, mqtt.QoS1) }, nil

	case strings.HasPrefix(word, "/s"):
		i, err := strconv.ParseUint(word[2:], 10, 32)
		if err != nil {
			return nil, errors.Annotatef(err, "word=%s", word)
		}
		return func() error { d.Delay(time.Duration(i) * time.Millisecond); return nil }, nil

	case strings.HasPrefix(word, "/t"):
		b, err := hex.DecodeString(word[2:])
		if err != nil {
			return nil, errors.Annotatef(err, "word=%s", word)
		}
		return func() error { return d.Write(b) }, nil
	}
	return nil, errors.NotFoundf("command word=%s", word)
}

func doUsage(ctx context.Context) func() error {
	return func() error {
		state.GetGlobal(ctx).Log.Info(usage)
		return nil
	}
}
