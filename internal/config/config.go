// Package config reads daemon configuration from HCL files.
package config

import (
	"path/filepath"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/temoto/espmqtt/helpers"
	"github.com/temoto/espmqtt/log2"
	"github.com/temoto/espmqtt/mqtt"
)

const (
	DefaultUartDevice   = "/dev/ttyUSB0"
	DefaultUartBaud     = 115200
	DefaultPort         = 1883
	DefaultKeepaliveSec = 60
	DefaultInitRetries  = 3
	minBufferSize       = 16
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []Source `hcl:"include"`

	LogLevel string `hcl:"log_level"`

	Esp struct {
		UartDevice   string `hcl:"uart_device"`
		UartBaud     int    `hcl:"uart_baud"`
		ResetPinChip string `hcl:"reset_pin_chip"`
		ResetPin     int    `hcl:"reset_pin"`
		LogDebug     bool   `hcl:"log_debug"`
		InitRetries  int    `hcl:"init_retries"`
	}

	WiFi struct {
		SSID     string `hcl:"ssid"`
		Password string `hcl:"password"`
	} `hcl:"wifi"`

	Mqtt struct {
		Host         string `hcl:"host"`
		Port         int    `hcl:"port"`
		ClientID     string `hcl:"client_id"`
		Username     string `hcl:"username"`
		Password     string `hcl:"password"`
		KeepaliveSec int    `hcl:"keepalive_sec"`
		CleanSession *bool  `hcl:"clean_session"`
		BufferSize   int    `hcl:"buffer_size"`
		Will         struct {
			Topic   string `hcl:"topic"`
			Message string `hcl:"message"`
			QoS     int    `hcl:"qos"`
			Retain  bool   `hcl:"retain"`
		}
		XXX_Subscribe []Subscription `hcl:"subscribe"`
		PublishStatus string         `hcl:"publish_status"`
	}
	// Subscribe accumulates mqtt subscribe blocks from all sources.
	Subscribe []Subscription `hcl:"-"`

	Metrics struct {
		Listen string `hcl:"listen"`
	}
}

type Source struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

type Subscription struct {
	Topic string `hcl:"topic,key"`
	QoS   int    `hcl:"qos"`
}

func (c *Config) read(log *log2.Log, fs FullReader, source Source, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.Errorf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	// secrets live in config, content is not logged
	if err = hcl.Unmarshal(bs, c); err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config unmarshal source=%s", source.Name))
		return
	}
	c.Subscribe = append(c.Subscribe, c.Mqtt.XXX_Subscribe...)
	c.Mqtt.XXX_Subscribe = nil

	var includes []Source
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Esp.UartDevice == "" {
		c.Esp.UartDevice = DefaultUartDevice
	}
	if c.Esp.UartBaud == 0 {
		c.Esp.UartBaud = DefaultUartBaud
	}
	if c.Esp.InitRetries == 0 {
		c.Esp.InitRetries = DefaultInitRetries
	}
	if c.Mqtt.Port == 0 {
		c.Mqtt.Port = DefaultPort
	}
	if c.Mqtt.KeepaliveSec == 0 {
		c.Mqtt.KeepaliveSec = DefaultKeepaliveSec
	}
	if c.Mqtt.CleanSession == nil {
		clean := true
		c.Mqtt.CleanSession = &clean
	}
	if c.Mqtt.BufferSize == 0 {
		c.Mqtt.BufferSize = mqtt.DefaultBufferSize
	}
}

// Validate checks values after defaults are applied.
func (c *Config) Validate() error {
	errs := make([]error, 0, 4)
	if _, err := log2.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.WiFi.SSID == "" {
		errs = append(errs, errors.NotValidf("config wifi.ssid empty"))
	}
	if c.Mqtt.Host == "" {
		errs = append(errs, errors.NotValidf("config mqtt.host empty"))
	}
	if c.Mqtt.ClientID == "" {
		errs = append(errs, errors.NotValidf("config mqtt.client_id empty"))
	}
	if c.Mqtt.Port <= 0 || c.Mqtt.Port > 0xffff {
		errs = append(errs, errors.NotValidf("config mqtt.port=%d", c.Mqtt.Port))
	}
	if c.Mqtt.KeepaliveSec < 0 || c.Mqtt.KeepaliveSec > 0xffff {
		errs = append(errs, errors.NotValidf("config mqtt.keepalive_sec=%d", c.Mqtt.KeepaliveSec))
	}
	if c.Mqtt.BufferSize < minBufferSize {
		errs = append(errs, errors.NotValidf("config mqtt.buffer_size=%d min=%d", c.Mqtt.BufferSize, minBufferSize))
	}
	if c.Mqtt.Password != "" && c.Mqtt.Username == "" {
		errs = append(errs, errors.NotValidf("config mqtt.password without username"))
	}
	if w := c.Mqtt.Will; w.QoS < 0 || w.QoS > int(mqtt.QoS1) {
		errs = append(errs, errors.NotValidf("config mqtt.will.qos=%d", w.QoS))
	}
	for _, sub := range c.Subscribe {
		if sub.Topic == "" || sub.QoS < 0 || sub.QoS > int(mqtt.QoS1) {
			errs = append(errs, errors.NotValidf("config mqtt.subscribe topic='%s' qos=%d", sub.Topic, sub.QoS))
		}
	}
	if c.Esp.ResetPin < 0 {
		errs = append(errs, errors.NotValidf("config esp.reset_pin=%d", c.Esp.ResetPin))
	}
	return helpers.FoldErrors(errs)
}

func (c *Config) Level() log2.Level {
	level, _ := log2.ParseLevel(c.LogLevel)
	return level
}

func (c *Config) ConnectParams() mqtt.ConnectParams {
	p := mqtt.ConnectParams{
		Host:         c.Mqtt.Host,
		Port:         c.Mqtt.Port,
		ClientID:     c.Mqtt.ClientID,
		Username:     c.Mqtt.Username,
		Password:     c.Mqtt.Password,
		Keepalive:    time.Duration(c.Mqtt.KeepaliveSec) * time.Second,
		CleanSession: c.Mqtt.CleanSession == nil || *c.Mqtt.CleanSession,
	}
	if w := c.Mqtt.Will; w.Topic != "" {
		p.Will = &mqtt.Will{Topic: w.Topic, Message: []byte(w.Message), QoS: byte(w.QoS), Retain: w.Retain}
	}
	return p
}

func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		log.Fatal("code error [Must]ReadConfig() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		if err := osfs.SetBase(dir); err != nil {
			return nil, err
		}
		names[0] = name
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, Source{Name: name}, &errs)
	}
	if len(errs) != 0 {
		return c, helpers.FoldErrors(errs)
	}
	c.applyDefaults()
	return c, c.Validate()
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}
