package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/espmqtt/helpers"
	"github.com/temoto/espmqtt/log2"
	"github.com/temoto/espmqtt/mqtt"
)

const testBase = `
wifi { ssid = "home" password = "secret" }
mqtt { host = "broker" client_id = "esp1" }
`

func TestReadConfig(t *testing.T) {
	t.Parallel()

	type Case struct {
		name      string
		input     string
		check     func(testing.TB, *Config)
		expectErr string
	}
	cases := []Case{
		{"defaults", testBase, func(t testing.TB, c *Config) {
			assert.Equal(t, log2.Level(log2.LInfo), c.Level())
			assert.Equal(t, DefaultUartDevice, c.Esp.UartDevice)
			assert.Equal(t, DefaultUartBaud, c.Esp.UartBaud)
			assert.Equal(t, DefaultInitRetries, c.Esp.InitRetries)
			p := c.ConnectParams()
			assert.Equal(t, mqtt.ConnectParams{
				Host:         "broker",
				Port:         DefaultPort,
				ClientID:     "esp1",
				Keepalive:    DefaultKeepaliveSec * time.Second,
				CleanSession: true,
			}, p)
			assert.Equal(t, mqtt.DefaultBufferSize, c.Mqtt.BufferSize)
			assert.Equal(t, 0, len(c.Subscribe))
		}, ""},

		{"full", testBase + `
log_level = "debug"
esp { uart_device = "/dev/ttyS1" reset_pin_chip = "/dev/gpiochip0" reset_pin = 17 log_debug = true }
mqtt {
	port = 8883 username = "u" password = "p" keepalive_sec = 15 clean_session = false
	will { topic = "esp1/online" message = "0" qos = 1 retain = true }
	subscribe "cmd/#" { qos = 1 }
	subscribe "cfg" {}
	publish_status = "esp1/online"
}
metrics { listen = ":9561" }`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, log2.Level(log2.LDebug), c.Level())
				assert.Equal(t, "/dev/ttyS1", c.Esp.UartDevice)
				assert.Equal(t, 17, c.Esp.ResetPin)
				assert.True(t, c.Esp.LogDebug)
				p := c.ConnectParams()
				assert.Equal(t, 8883, p.Port)
				assert.Equal(t, 15*time.Second, p.Keepalive)
				assert.False(t, p.CleanSession)
				require.NotNil(t, p.Will)
				assert.Equal(t, mqtt.Will{Topic: "esp1/online", Message: []byte("0"), QoS: 1, Retain: true}, *p.Will)
				assert.Equal(t, []Subscription{{Topic: "cmd/#", QoS: 1}, {Topic: "cfg"}}, c.Subscribe)
				assert.Equal(t, "esp1/online", c.Mqtt.PublishStatus)
				assert.Equal(t, ":9561", c.Metrics.Listen)
			}, ""},

		{"include-normalize", testBase + `include "./empty" {}`, nil, ""},

		{"include-optional", testBase + `
include "port-1884" {}
include "non-exist" { optional = true }`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, 1884, c.Mqtt.Port)
			}, ""},

		{"include-overwrites", testBase + `
mqtt { port = 1 }
include "port-1884" {}`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, 1884, c.Mqtt.Port)
				assert.Equal(t, "broker", c.Mqtt.Host)
			}, ""},

		{"include-subscribe", testBase + `
mqtt { subscribe "a" {} }
include "subscribe-b" {}`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, []Subscription{{Topic: "a"}, {Topic: "b", QoS: 1}}, c.Subscribe)
			}, ""},

		{"error-required", testBase + `include "non-exist" {}`, nil, "config required name=non-exist"},
		{"error-syntax", `hello`, nil, "key 'hello' expected start of object"},
		{"error-include-loop", `include "include-loop" {}`, nil, "config include loop: from=include-loop include=include-loop"},
		{"error-missing", ``, nil, "config wifi.ssid empty"},
		{"error-qos", testBase + `mqtt { subscribe "x" { qos = 2 } }`, nil, "topic='x' qos=2"},
		{"error-will-qos", testBase + `mqtt { will { topic = "w" qos = 2 } }`, nil, "mqtt.will.qos=2"},
		{"error-port", testBase + `mqtt { port = 70000 }`, nil, "mqtt.port=70000"},
		{"error-buffer", testBase + `mqtt { buffer_size = 8 }`, nil, "mqtt.buffer_size=8"},
		{"error-level", testBase + `log_level = "loud"`, nil, "loud"},
		{"error-password", testBase + `mqtt { password = "p" }`, nil, "password without username"},
	}
	helpers.RandUnix().Shuffle(len(cases), func(i int, j int) { cases[i], cases[j] = cases[j], cases[i] })
	mkCheck := func(c Case) func(*testing.T) {
		return func(t *testing.T) {
			t.Parallel()
			log := log2.NewTest(t, log2.LDebug)
			fs := NewMockFullReader(map[string]string{
				"test-inline":  c.input,
				"empty":        "",
				"port-1884":    "mqtt{port=1884}",
				"subscribe-b":  `mqtt { subscribe "b" { qos = 1 } }`,
				"error-syntax": "hello",
				"include-loop": `include "include-loop" {}`,
			})
			cfg, err := ReadConfig(log, fs, "test-inline")
			if c.expectErr == "" {
				if err != nil {
					t.Fatalf("error expected=nil actual='%v'", errors.ErrorStack(err))
				}
				if c.check != nil {
					c.check(t, cfg)
				}
			} else {
				require.Error(t, err)
				if !strings.Contains(err.Error(), c.expectErr) {
					t.Fatalf("error expected='%s' actual='%v'", c.expectErr, err)
				}
			}
		}
	}
	for _, c := range cases {
		t.Run(c.name, mkCheck(c))
	}
}

func TestFunctionalBundled(t *testing.T) {
	// not Parallel
	t.Logf("this test needs OS open|read|stat access to file `../../espmqtt.hcl`")

	log := log2.NewTest(t, log2.LDebug)
	c := MustReadConfig(log, NewOsFullReader("."), "../../espmqtt.hcl")
	assert.Equal(t, "espmqtt", c.Mqtt.ClientID)
	assert.Equal(t, []Subscription{{Topic: "espmqtt/cmd/#", QoS: 1}}, c.Subscribe)
}

func TestOsFullReader(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	mainHCL := testBase + `
include "site.hcl" {}
include "local.hcl" { optional = true }`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.hcl"), []byte(mainHCL), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "site.hcl"), []byte(`metrics { listen = ":9000" }`), 0o600))

	log := log2.NewTest(t, log2.LDebug)
	c, err := ReadConfig(log, NewOsFullReader(""), filepath.Join(dir, "main.hcl"))
	require.NoError(t, err, errors.ErrorStack(err))
	assert.Equal(t, ":9000", c.Metrics.Listen)
	assert.Equal(t, "broker", c.Mqtt.Host)

	fs := NewOsFullReader("")
	require.NoError(t, fs.SetBase(dir))
	assert.Equal(t, filepath.Join(dir, "site.hcl"), fs.Normalize("./site.hcl"))
	assert.Equal(t, "/etc/espmqtt.hcl", fs.Normalize("/etc/../etc/espmqtt.hcl"))
	b, err := fs.ReadAll(fs.Normalize("local.hcl"))
	assert.NoError(t, err)
	assert.Nil(t, b)
	_, err = fs.ReadAll(dir)
	assert.Error(t, err, "directory is not a config")
}
