// Support sub-commands in espmqtt application.
// It's simple but fine so far.
package subcmd

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/atomic_clock"
	"github.com/temoto/espmqtt/hardware/esp"
	"github.com/temoto/espmqtt/internal/config"
	"github.com/temoto/espmqtt/log2"
)

type Mod struct {
	Name string
	Main func(context.Context, *config.Config) error
}

func Parse(command string, modules []Mod) (*Mod, error) {
	if command == "" {
		return nil, fmt.Errorf("empty command")
	}

	var found *Mod
	for i := range modules {
		m := &modules[i]
		if m.Name == "" {
			panic(fmt.Sprintf("code error Name='' module=%#v", m))
		}
		if command == m.Name {
			found = m
			break
		}
	}
	if found == nil {
		return nil, fmt.Errorf("unknown command='%s'", command)
	}
	return found, nil
}

func SdNotify(s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log.Fatal("sdnotify: ", errors.ErrorStack(err))
	}
	return ok
}

// Watchdog returns modem wait loop hook notifying systemd watchdog
// at half of WatchdogSec. nil when service watchdog is not enabled.
func Watchdog(log *log2.Log) esp.Watchdog {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.Errorf("sd watchdog err=%v", err)
		return nil
	}
	if interval <= 0 {
		return nil
	}
	log.Debugf("sd watchdog interval=%v", interval)
	return throttle(interval/2, func() { SdNotify(daemon.SdNotifyWatchdog) })
}

// throttle calls f at most once per period. Not thread-safe.
func throttle(period time.Duration, f func()) func() {
	var last *atomic_clock.Clock
	return func() {
		if last != nil && atomic_clock.Since(last) < period {
			return
		}
		last = atomic_clock.Now()
		f()
	}
}
