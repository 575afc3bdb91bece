package esp

// Public API to easy create modem stubs to test your code.
import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"testing"

	"github.com/juju/errors"
)

// MockModem is in-memory Transport answering AT dialect like ESP8266 firmware.
// Clock advances by Step milliseconds on each NowMillis call.
type MockModem struct {
	t testing.TB

	Step    uint64
	Status  int
	Silent  bool // no replies at all
	WiFiErr bool // AT+CWJAP fails
	// OnRaw receives socket data written by driver, returned bytes arrive as inline data.
	OnRaw func(p []byte) []byte
	// Latency delays answers to command lines, milliseconds.
	Latency uint64

	Lines  []string
	LineAt []uint64 // clock when line was written
	Raw    [][]byte
	RawAt  []uint64

	rx      bytes.Buffer
	later   []delayed
	clock   uint64
	replies map[string]string
	once    map[string][]string
	send    int
	sendBuf []byte
}

type delayed struct {
	at uint64
	s  string
}

func NewMockModem(t testing.TB) *MockModem {
	return &MockModem{
		t:       t,
		Step:    1,
		clock:   1000,
		replies: make(map[string]string),
		once:    make(map[string][]string),
	}
}

// NewTestDriver returns driver connected to fresh MockModem.
func NewTestDriver(t testing.TB, opt Options) (*Driver, *MockModem) {
	m := NewMockModem(t)
	return NewDriver(m, opt), m
}

// Reply overrides answer to commands starting with prefix. Empty reply means silence.
func (self *MockModem) Reply(prefix, reply string) { self.replies[prefix] = reply }

// ReplyOnce queues answer used once, before Reply and default answers.
func (self *MockModem) ReplyOnce(prefix, reply string) {
	self.once[prefix] = append(self.once[prefix], reply)
}

// Inject appends bytes to receive stream.
func (self *MockModem) Inject(s string) { self.rx.WriteString(s) }

// InjectData appends inline data notification with payload p.
func (self *MockModem) InjectData(p []byte) {
	fmt.Fprintf(&self.rx, "\r\n+IPD,%d:", len(p))
	self.rx.Write(p)
}

func (self *MockModem) Advance(ms uint64) { self.clock += ms }

func (self *MockModem) Pending() int {
	n := self.rx.Len()
	for _, d := range self.later {
		n += len(d.s)
	}
	return n
}

func (self *MockModem) Available() int {
	for len(self.later) != 0 && self.later[0].at <= self.clock {
		self.rx.WriteString(self.later[0].s)
		self.later = self.later[1:]
	}
	return self.rx.Len()
}

func (self *MockModem) ReadByte() (byte, error) { return self.rx.ReadByte() }

func (self *MockModem) NowMillis() uint64 {
	self.clock += self.Step
	return self.clock
}

func (self *MockModem) WriteLine(s string) error {
	self.Lines = append(self.Lines, s)
	self.LineAt = append(self.LineAt, self.clock)
	if self.send > 0 {
		return errors.Errorf("mock modem line while waiting %d raw bytes", self.send)
	}
	if self.Silent {
		return nil
	}
	for prefix, q := range self.once {
		if len(q) != 0 && strings.HasPrefix(s, prefix) {
			self.answerLater(q[0])
			self.once[prefix] = q[1:]
			return nil
		}
	}
	for prefix, reply := range self.replies {
		if strings.HasPrefix(s, prefix) {
			self.answerLater(reply)
			return nil
		}
	}
	self.answerLater(self.answer(s))
	return nil
}

func (self *MockModem) answerLater(s string) {
	if self.Latency == 0 || s == "" {
		self.rx.WriteString(s)
		return
	}
	self.later = append(self.later, delayed{at: self.clock + self.Latency, s: s})
}

func (self *MockModem) Write(p []byte) error {
	if self.send == 0 {
		if self.t != nil {
			self.t.Logf("mock modem unexpected raw=%x", p)
		}
		return nil
	}
	self.sendBuf = append(self.sendBuf, p...)
	if len(self.sendBuf) < self.send {
		return nil
	}
	data := append([]byte(nil), self.sendBuf[:self.send]...)
	self.sendBuf = self.sendBuf[:0]
	self.send = 0
	self.Raw = append(self.Raw, data)
	self.RawAt = append(self.RawAt, self.clock)
	if self.Silent {
		return nil
	}
	fmt.Fprintf(&self.rx, "\r\nRecv %d bytes\r\n\r\nSEND OK\r\n", len(data))
	if self.OnRaw != nil {
		if reply := self.OnRaw(data); len(reply) != 0 {
			self.InjectData(reply)
		}
	}
	return nil
}

// CountLines returns number of commands starting with prefix.
func (self *MockModem) CountLines(prefix string) int {
	n := 0
	for _, l := range self.Lines {
		if strings.HasPrefix(l, prefix) {
			n++
		}
	}
	return n
}

// LastLine returns last command or empty string.
func (self *MockModem) LastLine() string {
	if len(self.Lines) == 0 {
		return ""
	}
	return self.Lines[len(self.Lines)-1]
}

func (self *MockModem) answer(line string) string {
	const ok = "\r\nOK\r\n"
	switch {
	case line == "ATE0", line == "AT+CWMODE=1", line == "AT+CIPMUX=0":
		return ok

	case line == "AT+RST":
		self.Status = 0
		return ok + "\r\n\xff\x00ets Jan  8 2013,rst cause:2, boot mode:(3,6)\r\n\r\nready\r\n"

	case strings.HasPrefix(line, "AT+CWJAP_CUR="):
		if self.WiFiErr {
			self.Status = StatusNoWiFi
			return "+CWJAP:3\r\n\r\nFAIL\r\n"
		}
		self.Status = StatusGotIP
		return "WIFI CONNECTED\r\nWIFI GOT IP\r\n" + ok

	case line == "AT+CWQAP":
		self.Status = StatusNoWiFi
		return ok + "WIFI DISCONNECT\r\n"

	case line == "AT+CIPSTATUS":
		s := fmt.Sprintf("STATUS:%d\r\n", self.Status)
		if self.Status == StatusTCPConnected {
			s += "+CIPSTATUS:0,\"TCP\",\"10.0.0.1\",1883,51234,0\r\n"
		}
		return s + ok

	case strings.HasPrefix(line, "AT+CIPSTART="):
		switch self.Status {
		case StatusTCPConnected:
			return "ALREADY CONNECTED\r\n\r\nERROR\r\n"
		case StatusGotIP, StatusTCPDisconnected:
			self.Status = StatusTCPConnected
			return "CONNECT\r\n" + ok
		}
		return "\r\nERROR\r\nCLOSED\r\n"

	case strings.HasPrefix(line, "AT+CIPSEND="):
		n, err := strconv.Atoi(line[len("AT+CIPSEND="):])
		if err != nil || n <= 0 {
			return "\r\nERROR\r\n"
		}
		if self.Status != StatusTCPConnected {
			return "link is not valid\r\n\r\nERROR\r\n"
		}
		self.send = n
		return ok + "> "

	case line == "AT+CIPCLOSE":
		if self.Status != StatusTCPConnected {
			return "\r\nERROR\r\n"
		}
		self.Status = StatusTCPDisconnected
		return "CLOSED\r\n" + ok
	}
	return "\r\nERROR\r\n"
}

// Close remote side of socket.
func (self *MockModem) RemoteClose() {
	if self.Status == StatusTCPConnected {
		self.Status = StatusTCPDisconnected
		self.rx.WriteString("CLOSED\r\n")
	}
}
