// Package cli runs interactive line loop: go-prompt on terminal, plain lines from pipe.
package cli

import (
	"bufio"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/c-bata/go-prompt"
	"github.com/mattn/go-isatty"
)

// MainLoop returns on EOF (Ctrl-D on terminal) or exit word in piped input. interrupt is called on termination signal.
func MainLoop(tag string, exec func(line string), complete prompt.Completer, interrupt func()) {
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	defer signal.Stop(signalCh)
	go func() {
		for range signalCh {
			if interrupt != nil {
				interrupt()
			}
			os.Exit(1)
		}
	}()

	if isatty.IsTerminal(os.Stdin.Fd()) {
		prompt.New(exec, complete,
			prompt.OptionPrefix(tag+"> "),
			prompt.OptionTitle(tag),
		).Run()
	} else {
		ReadLines(os.Stdin, exec)
	}
}

// ReadLines feeds trimmed lines from r to exec until EOF or exit word.
func ReadLines(r io.Reader, exec func(line string)) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if IsExit(line) {
			return
		}
		exec(line)
	}
}

func IsExit(line string) bool { return line == "exit" || line == "quit" }
