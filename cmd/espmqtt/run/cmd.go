// Main mode of operation: keep modem and MQTT session online.
package run

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/espmqtt/cmd/espmqtt/subcmd"
	"github.com/temoto/espmqtt/internal/config"
	"github.com/temoto/espmqtt/internal/state"
)

const modName = "run"

var Mod = subcmd.Mod{Name: modName, Main: Main}

func Main(ctx context.Context, config *config.Config) error {
	g := state.GetGlobal(ctx)
	g.Watchdog = subcmd.Watchdog(g.Log)
	g.MustInit(ctx, config)

	if _, err := g.Session(); err != nil {
		return errors.Annotate(err, "modem open")
	}
	defer func() { g.Error(g.Close(), "close") }()

	if err := g.StartModem(); err != nil {
		// reconnect loop restarts modem later
		g.Error(err)
	}

	if addr := g.Config.Metrics.Listen; addr != "" {
		srv := &http.Server{Addr: addr, Handler: g.Metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				g.Error(err, "metrics listen=%s", addr)
			}
		}()
		defer srv.Close()
		g.Log.Infof("metrics listen=%s", addr)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigs
		g.Log.Infof("signal=%v stopping", s)
		g.Stop()
	}()

	subcmd.SdNotify(daemon.SdNotifyReady)
	g.Log.Debugf("init complete, running")
	err := g.Run(ctx)
	g.Alive.Wait()
	return err
}
