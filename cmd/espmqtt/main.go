package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/juju/errors"
	"github.com/mattn/go-isatty"
	"github.com/temoto/espmqtt/cmd/espmqtt/console"
	"github.com/temoto/espmqtt/cmd/espmqtt/run"
	"github.com/temoto/espmqtt/cmd/espmqtt/subcmd"
	"github.com/temoto/espmqtt/internal/config"
	"github.com/temoto/espmqtt/internal/state"
	"github.com/temoto/espmqtt/log2"
)

var log = log2.NewStderr(log2.LDebug)

var modules = []subcmd.Mod{
	run.Mod,
	console.Mod,
}

func main() {
	names := make([]string, len(modules))
	for i, m := range modules {
		names[i] = m.Name
	}
	flagset := flag.NewFlagSet("espmqtt", flag.ContinueOnError)
	flagConfig := flagset.String("config", "espmqtt.hcl", "")
	flagset.Usage = func() {
		fmt.Fprintf(flagset.Output(), "usage: %s [-config=path] [%s]\n", os.Args[0], strings.Join(names, "|"))
		flagset.PrintDefaults()
	}
	if err := flagset.Parse(os.Args[1:]); err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}

	command := flagset.Arg(0)
	if command == "" {
		command = run.Mod.Name
	}
	mod, err := subcmd.Parse(command, modules)
	if err != nil {
		flagset.Usage()
		log.Fatal(err)
	}

	if subcmd.SdNotify("start") {
		// we're under systemd, assume systemd journal logging, remove timestamp
		log.SetFlags(log2.LServiceFlags)
	} else if isatty.IsTerminal(os.Stderr.Fd()) {
		log.SetFlags(log2.LInteractiveFlags)
	}

	ctx, _ := state.NewContext(log)
	cfg := config.MustReadConfig(log, config.NewOsFullReader(""), *flagConfig)
	log.Debugf("command=%s config=%s", mod.Name, *flagConfig)

	if err := mod.Main(ctx, cfg); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
}
