// Package metrics exports modem and MQTT session counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/temoto/espmqtt/hardware/esp"
	"github.com/temoto/espmqtt/mqtt"
)

const DefaultNamespace = "espmqtt"

type espCounter struct {
	desc *prometheus.Desc
	get  func(*esp.Stat) uint32
}

type mqttCounter struct {
	desc *prometheus.Desc
	get  func(*mqtt.Stat) uint32
}

// Metrics collects esp.Stat and mqtt.Stat snapshots at scrape time.
type Metrics struct {
	Connected prometheus.Gauge
	Errors    prometheus.Counter

	reg      *prometheus.Registry
	espStat  func() esp.Stat
	mqttStat func() mqtt.Stat
	esp      []espCounter
	mqtt     []mqttCounter
}

// New registers collectors in private registry. Stat funcs must be safe to call concurrently.
func New(namespace string, espStat func() esp.Stat, mqttStat func() mqtt.Stat) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	self := &Metrics{
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mqtt_connected",
			Help:      "1 when MQTT session is connected",
		}),
		Errors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Logged errors",
		}),
		reg:      prometheus.NewRegistry(),
		espStat:  espStat,
		mqttStat: mqttStat,
	}
	ec := func(name, help string, get func(*esp.Stat) uint32) {
		d := prometheus.NewDesc(prometheus.BuildFQName(namespace, "esp", name), help, nil, nil)
		self.esp = append(self.esp, espCounter{d, get})
	}
	ec("commands_total", "AT commands sent", func(s *esp.Stat) uint32 { return s.Commands })
	ec("timeouts_total", "Requests without expected reply", func(s *esp.Stat) uint32 { return s.Timeouts })
	ec("rejected_total", "Requests answered with ERROR or FAIL", func(s *esp.Stat) uint32 { return s.Rejected })
	ec("frames_total", "Inline data frames delivered", func(s *esp.Stat) uint32 { return s.Frames })
	ec("frame_bytes_total", "Inline data payload bytes delivered", func(s *esp.Stat) uint32 { return s.FrameBytes })
	ec("frames_dropped_total", "Inline data frames abandoned", func(s *esp.Stat) uint32 { return s.FramesDropped })
	ec("grow_failures_total", "Payload buffer allocation failures", func(s *esp.Stat) uint32 { return s.GrowFailures })
	ec("status_queries_total", "Connection status queries", func(s *esp.Stat) uint32 { return s.StatusQueries })
	ec("status_missed_total", "Status queries without status line", func(s *esp.Stat) uint32 { return s.StatusMissed })
	ec("closed_total", "Socket closed notifications", func(s *esp.Stat) uint32 { return s.Closed })
	ec("busy_total", "Modem busy notifications", func(s *esp.Stat) uint32 { return s.Busy })
	ec("forced_closes_total", "Sockets closed after busy retry limit", func(s *esp.Stat) uint32 { return s.ForcedCloses })
	ec("watchdog_kicks_total", "Watchdog hook calls", func(s *esp.Stat) uint32 { return s.WatchdogKicks })
	ec("sent_bytes_total", "Bytes written to modem", func(s *esp.Stat) uint32 { return s.BytesSent })
	ec("received_bytes_total", "Bytes read from modem", func(s *esp.Stat) uint32 { return s.BytesReceived })

	mc := func(name, help string, get func(*mqtt.Stat) uint32) {
		d := prometheus.NewDesc(prometheus.BuildFQName(namespace, "mqtt", name), help, nil, nil)
		self.mqtt = append(self.mqtt, mqttCounter{d, get})
	}
	mc("connects_total", "Successful MQTT logins", func(s *mqtt.Stat) uint32 { return s.Connects })
	mc("connect_failures_total", "Failed MQTT logins", func(s *mqtt.Stat) uint32 { return s.ConnectFailures })
	mc("published_total", "Messages published", func(s *mqtt.Stat) uint32 { return s.Published })
	mc("received_total", "Messages received", func(s *mqtt.Stat) uint32 { return s.Received })
	mc("acks_sent_total", "PUBACK sent", func(s *mqtt.Stat) uint32 { return s.AcksSent })
	mc("ack_overflows_total", "QoS1 ids dropped on full ack queue", func(s *mqtt.Stat) uint32 { return s.AckOverflows })
	mc("pings_total", "PINGREQ sent", func(s *mqtt.Stat) uint32 { return s.Pings })
	mc("ping_timeouts_total", "Keepalive failures", func(s *mqtt.Stat) uint32 { return s.PingTimeouts })
	mc("malformed_total", "Malformed inbound packets", func(s *mqtt.Stat) uint32 { return s.Malformed })
	mc("forced_closes_total", "Sessions closed on ack queue overflow", func(s *mqtt.Stat) uint32 { return s.ForcedCloses })

	self.reg.MustRegister(self, self.Connected, self.Errors)
	return self
}

func (self *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range self.esp {
		ch <- c.desc
	}
	for _, c := range self.mqtt {
		ch <- c.desc
	}
}

func (self *Metrics) Collect(ch chan<- prometheus.Metric) {
	if self.espStat != nil {
		s := self.espStat()
		for _, c := range self.esp {
			ch <- prometheus.MustNewConstMetric(c.desc, prometheus.CounterValue, float64(c.get(&s)))
		}
	}
	if self.mqttStat != nil {
		s := self.mqttStat()
		for _, c := range self.mqtt {
			ch <- prometheus.MustNewConstMetric(c.desc, prometheus.CounterValue, float64(c.get(&s)))
		}
	}
}

func (self *Metrics) SetConnected(b bool) {
	if b {
		self.Connected.Set(1)
	} else {
		self.Connected.Set(0)
	}
}

func (self *Metrics) Registry() *prometheus.Registry { return self.reg }

func (self *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(self.reg, promhttp.HandlerOpts{})
}
