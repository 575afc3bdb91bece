package esp

import (
	"fmt"
	"strings"
	"time"

	"github.com/juju/errors"
)

var (
	ErrRequestBusy = errors.New("esp request busy")
	ErrRejected    = errors.New("esp command rejected")
	ErrAborted     = errors.New("esp modem busy, request aborted")
)

// Request is one command/response exchange.
// Only one Request may be outstanding per Driver.
type Request struct {
	// Command line written before waiting. Empty with Raw set means raw payload write.
	Command string
	Raw     []byte
	Tag     string
	Timeout time.Duration
	Secret  bool // do not log command text

	done bool
	err  error
	busy bool // modem answered busy, command must be sent again after backoff
}

func NewRequest(command, tag string, timeout time.Duration) *Request {
	return &Request{Command: command, Tag: tag, Timeout: timeout}
}

func (self *Request) Done() bool { return self.done }
func (self *Request) Err() error { return self.err }

func (self *Request) String() string {
	if self.Command == "" {
		return fmt.Sprintf("raw[%d] tag=%q", len(self.Raw), self.Tag)
	}
	if self.Secret {
		cmd := self.Command
		if i := strings.IndexByte(cmd, '='); i >= 0 {
			cmd = cmd[:i+1] + "***"
		}
		return fmt.Sprintf("%s tag=%q", cmd, self.Tag)
	}
	return fmt.Sprintf("%s tag=%q", self.Command, self.Tag)
}

func (self *Request) reset() {
	self.done = false
	self.err = nil
	self.busy = false
}

func (self *Request) complete(err error) {
	if self.done {
		return
	}
	self.done = true
	self.err = err
}
