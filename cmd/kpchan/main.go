package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"strings"
	"unicode"

	"code.kerpass.org/channel/internal/observability"
)

const usageFmt = `
Command Usage: %s <serve|send|keygen> [Flags]
  Run KerPass channels over websocket or HTTP.

  serve   accepts channels and echoes their MESSAGEs
  send    opens a channel, sends a MESSAGE, prints the echoed body and closes
  keygen  writes a new key pair file

Run %s <command> -h for the command Flags.
`

func usage(progname string) {
	progname = path.Base(progname)
	fmt.Fprintf(os.Stderr, usageFmt, progname, progname)
}

func main() {
	progname := os.Args[0]
	if len(os.Args) < 2 {
		usage(progname)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var err error
	args := os.Args[2:]
	switch os.Args[1] {
	case "serve":
		cmd := parseServeFlags(progname, args)
		err = cmd.Run(withLogger(ctx, cmd.Verbose, cmd.Quiet))
	case "send":
		cmd := parseSendFlags(progname, args)
		var body []byte
		body, err = cmd.Run(withLogger(ctx, cmd.Verbose, cmd.Quiet))
		if nil == err {
			fmt.Println(string(body))
		}
	case "keygen":
		cmd := parseKeygenFlags(progname, args)
		err = cmd.Run()
	case "-h", "-help", "--help", "help":
		usage(progname)
		return
	default:
		usage(progname)
		os.Exit(2)
	}
	if nil != err {
		log.Fatalf("%s failed, got error %v", os.Args[1], err)
	}
}

// withLogger returns a Context which Observability logs to stderr.
func withLogger(ctx context.Context, verbose bool, quiet bool) context.Context {
	var logger *slog.Logger
	switch {
	case quiet:
		logger = observability.NoopLogger()
	default:
		logger = observability.NewLogger(os.Stderr, verbose)
	}
	slog.SetDefault(logger)
	return observability.SetObservability(ctx, &observability.Observability{Logger: logger})
}

func dedent(multilines string) string {
	var sb strings.Builder
	for line := range strings.Lines(strings.TrimRightFunc(multilines, unicode.IsSpace)) {
		sb.WriteString(strings.TrimLeftFunc(line, unicode.IsSpace))
	}
	return sb.String()
}
