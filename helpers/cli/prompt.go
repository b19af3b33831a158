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
	"github.com/temoto/alive/v2"
)

// MainLoop feeds exec from interactive prompt or, when stdin is not a terminal, line by line
// until EOF or a is stopped. Termination signals stop a and exit after a.Wait().
func MainLoop(a *alive.Alive, prefix string, exec func(line string), complete func(d prompt.Document) []prompt.Suggest) error {
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	go func() {
		<-signalCh
		a.Stop()
		a.Wait()
		os.Exit(1)
	}()

	if isatty.IsTerminal(os.Stdin.Fd()) {
		prompt.New(exec, complete, prompt.OptionPrefix(prefix)).Run()
		return nil
	}
	return ReadLines(a, os.Stdin, exec)
}

// ReadLines calls exec for every non-empty line of r while a is running.
func ReadLines(a *alive.Alive, r io.Reader, exec func(line string)) error {
	scanner := bufio.NewScanner(r)
	for a.IsRunning() && scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			exec(line)
		}
	}
	return scanner.Err()
}
