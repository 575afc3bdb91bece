package esp

import (
	"fmt"
	"strings"
	"time"

	"github.com/juju/errors"
)

const (
	StatusGotIP           = 2
	StatusTCPConnected    = 3
	StatusTCPDisconnected = 4
	StatusNoWiFi          = 5

	StatusCacheValid   = 1 * time.Second
	StatusQueryTimeout = 1 * time.Second
	MaxSend            = 2048
)

type WiFiState uint8

const (
	WiFiUnknown WiFiState = iota
	WiFiLinked
	WiFiNotLinked
)

func (s WiFiState) String() string {
	switch s {
	case WiFiLinked:
		return "linked"
	case WiFiNotLinked:
		return "not-linked"
	}
	return "unknown"
}

func WiFiStateOf(status int) WiFiState {
	switch status {
	case StatusGotIP, StatusTCPConnected, StatusTCPDisconnected:
		return WiFiLinked
	case StatusNoWiFi:
		return WiFiNotLinked
	}
	return WiFiUnknown
}

func ClientLinkedOf(status int) bool { return status == StatusTCPConnected }

// step is one command of fixed sequence, zero Command means pause.
type step struct {
	Command string
	Timeout time.Duration
	Secret  bool
}

func (self *Driver) run(op string, steps ...step) error {
	for _, s := range steps {
		if s.Command == "" {
			self.Delay(s.Timeout)
			continue
		}
		req := NewRequest(s.Command, "OK", s.Timeout)
		req.Secret = s.Secret
		if err := self.Do(req); err != nil {
			return errors.Annotatef(err, "%s %s", modName, op)
		}
	}
	return nil
}

// Init disables echo, resets modem and selects station mode.
func (self *Driver) Init() error {
	// modem may still be booting, failure here is not fatal
	if err := self.SendAndWait("ATE0", "OK", 1*time.Second); err != nil {
		self.Log.Debugf("%s init first ATE0 err=%v", modName, err)
	}
	defer self.status.Invalidate()
	return self.run("init",
		step{Command: "AT+RST", Timeout: 30 * time.Second},
		step{Timeout: 3 * time.Second},
		step{Command: "ATE0", Timeout: 10 * time.Second},
		step{Command: "AT+CWMODE=1", Timeout: 1 * time.Second},
	)
}

func (self *Driver) Reset() error {
	defer self.status.Invalidate()
	return self.run("reset",
		step{Command: "AT+RST", Timeout: 30 * time.Second},
		step{Command: "ATE0", Timeout: 10 * time.Second},
		step{Command: "AT+CWMODE=1", Timeout: 1 * time.Second},
	)
}

func (self *Driver) ConnectWiFi(ssid, password string) error {
	err := self.run("connect wifi",
		step{Command: fmt.Sprintf("AT+CWJAP_CUR=%s,%s", Quote(ssid), Quote(password)), Timeout: 10 * time.Second, Secret: true},
		step{Command: "AT+CIPMUX=0", Timeout: 10 * time.Second},
	)
	if err != nil {
		return err
	}
	if state := self.WiFiState(true); state != WiFiLinked {
		return errors.Errorf("%s connect wifi ssid=%s state=%s", modName, ssid, state)
	}
	self.Log.Debugf("%s wifi linked ssid=%s", modName, ssid)
	return nil
}

func (self *Driver) ConnectTCP(host string, port int) error {
	if port <= 0 || port > 0xffff {
		return errors.NotValidf("%s port=%d", modName, port)
	}
	err := self.run("connect tcp",
		step{Command: fmt.Sprintf(`AT+CIPSTART="TCP",%s,%d`, Quote(host), port), Timeout: 10 * time.Second},
	)
	if err != nil {
		return err
	}
	if !self.ClientLinked(true) {
		return errors.Errorf("%s connect tcp %s:%d not linked", modName, host, port)
	}
	return nil
}

// Write sends p over open socket.
func (self *Driver) Write(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if len(p) > MaxSend {
		return errors.NotValidf("%s write length=%d max=%d", modName, len(p), MaxSend)
	}
	if err := self.SendAndWait(fmt.Sprintf("AT+CIPSEND=%d", len(p)), ">", 1*time.Second); err != nil {
		return errors.Annotate(err, "write")
	}
	req := &Request{Raw: p, Tag: "SEND OK", Timeout: 1 * time.Second}
	if err := self.Do(req); err != nil {
		return errors.Annotate(err, "write")
	}
	return nil
}

func (self *Driver) Disconnect() error {
	defer self.status.Invalidate()
	return self.run("disconnect", step{Command: "AT+CWQAP", Timeout: 1 * time.Second})
}

func (self *Driver) CloseSocket() error {
	if ClientLinkedOf(int(self.status.Get())) {
		self.status.Set(StatusTCPDisconnected)
	}
	self.status.Invalidate()
	return self.run("close", step{Command: "AT+CIPCLOSE", Timeout: 1 * time.Second})
}

// QueryStatus returns modem connection status 0-5.
// Cached value younger than StatusCacheValid is returned without query unless force,
// except WiFi not linked state which is always queried.
func (self *Driver) QueryStatus(force bool) (int, error) {
	if !force {
		if v, ok := self.status.GetFresh(); ok && WiFiStateOf(int(v)) != WiFiNotLinked {
			return int(v), nil
		}
	}
	inc(&self.stat.StatusQueries)
	self.dec.BeginStatus()
	if err := self.SendAndWait("AT+CIPSTATUS", "OK", StatusQueryTimeout); err != nil {
		return 0, errors.Annotate(err, "status")
	}
	v, ok := self.dec.StatusValue()
	if !ok {
		err := errors.NotFoundf("%s status digit", modName)
		self.Log.Error(err)
		return 0, err
	}
	self.status.Set(int32(v))
	self.Log.Debugf("%s status=%d wifi=%s", modName, v, WiFiStateOf(v))
	return v, nil
}

func (self *Driver) WiFiState(force bool) WiFiState {
	v, err := self.QueryStatus(force)
	if err != nil {
		return WiFiUnknown
	}
	return WiFiStateOf(v)
}

func (self *Driver) ClientLinked(force bool) bool {
	v, err := self.QueryStatus(force)
	return err == nil && ClientLinkedOf(v)
}

// SocketOpen reports last known TCP client state without talking to modem.
func (self *Driver) SocketOpen() bool { return ClientLinkedOf(int(self.status.Get())) }

// Quote formats AT command string argument.
func Quote(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '"', ',', '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte('"')
	return b.String()
}
