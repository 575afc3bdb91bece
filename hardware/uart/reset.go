package uart

import (
	"io"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/espmqtt/helpers"
	"github.com/temoto/espmqtt/log2"
	gpio "github.com/temoto/gpio-cdev-go"
)

const DefaultResetPulse = 100 * time.Millisecond

type lineFlusher interface {
	io.Closer
	Flush() error
}

// ResetLine drives modem EN/RST pin, active low.
type ResetLine struct {
	Log   *log2.Log
	Pulse time.Duration
	Sleep func(time.Duration)

	chip  io.Closer
	lines lineFlusher
	set   gpio.LineSetFunc
}

func OpenResetLine(log *log2.Log, chipName string, pin int) (*ResetLine, error) {
	chip, err := gpio.Open(chipName, "espmqtt")
	if err != nil {
		return nil, errors.Annotatef(err, "reset line open chip=%s", chipName)
	}
	lines, err := chip.OpenLines(gpio.GPIOHANDLE_REQUEST_OUTPUT, "espmqtt-reset", uint32(pin))
	if err != nil {
		chip.Close()
		return nil, errors.Annotatef(err, "reset line open chip=%s pin=%d", chipName, pin)
	}
	self := newResetLine(log, lines, lines.SetFunc(uint32(pin)))
	self.chip = chip
	return self, nil
}

func newResetLine(log *log2.Log, lines lineFlusher, set gpio.LineSetFunc) *ResetLine {
	return &ResetLine{
		Log:   log,
		Pulse: DefaultResetPulse,
		Sleep: time.Sleep,
		lines: lines,
		set:   set,
	}
}

// Reset pulls line low for Pulse then releases it.
func (self *ResetLine) Reset() error {
	self.Log.Debugf("uart reset line pulse=%v", self.Pulse)
	self.set(0)
	if err := self.lines.Flush(); err != nil {
		return errors.Annotate(err, "reset line low")
	}
	self.Sleep(self.Pulse)
	self.set(1)
	return errors.Annotate(self.lines.Flush(), "reset line high")
}

func (self *ResetLine) Close() error {
	errs := make([]error, 0, 2)
	errs = append(errs, self.lines.Close())
	if self.chip != nil {
		errs = append(errs, self.chip.Close())
	}
	return helpers.FoldErrors(errs)
}
