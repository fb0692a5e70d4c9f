package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path"
	"slices"
	"strings"
	"time"

	"code.kerpass.org/channel/internal/observability"
	"code.kerpass.org/channel/pkg/channel"
	"code.kerpass.org/channel/pkg/dispatch"
	"code.kerpass.org/channel/pkg/transport"
	"code.kerpass.org/channel/pkg/transport/httpport"
	"code.kerpass.org/channel/pkg/transport/wsport"
)

const sendUsageFmt = `
Command Usage: %s send [Flags]
  Open a channel with a kpchan server, send a MESSAGE and close the channel.
  The message echoed in the MESSAGE Receipt is printed on stdout.

Flags:
------
`

var transports = []string{"websocket", "http"}

type SendCmd struct {
	URL        string
	Transport  string
	Msg        string
	KeyPath    string
	Identifier string
	Timeout    time.Duration
	Retries    int
	Verbose    bool
	Quiet      bool
}

func parseSendFlags(progname string, args []string) *SendCmd {
	cmd := SendCmd{}

	flags := flag.NewFlagSet(progname+" send", flag.ExitOnError)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, sendUsageFmt, path.Base(progname))
		flags.PrintDefaults()
	}
	flags.StringVar(&cmd.URL, "url", "http://localhost:8080", `kpchan server base URL`)
	flags.StringVar(&cmd.Transport, "t", "websocket", fmt.Sprintf(`transport, one of %v`, transports))
	flags.StringVar(&cmd.Msg, "msg", "hello", `message to send`)
	flags.StringVar(&cmd.KeyPath, "key", "", `key pair file created by keygen, a transient key pair is used if empty`)
	flags.StringVar(&cmd.Identifier, "id", "kpchan-client", `identifier of the transient key pair`)
	flags.DurationVar(&cmd.Timeout, "timeout", dispatch.DefaultTimeout, `delay granted to each request attempt`)
	flags.IntVar(&cmd.Retries, "retries", 0, `number of times a timed out request is resent`)
	flags.BoolVar(&cmd.Verbose, "v", false, `log protocol steps`)
	flags.BoolVar(&cmd.Quiet, "q", false, `disable logging`)
	flags.Parse(args)

	if !slices.Contains(transports, cmd.Transport) {
		log.Fatalf("invalid -t flag %q, expected one of %v", cmd.Transport, transports)
	}

	return &cmd
}

// Run exchanges a MESSAGE with the server and returns the body echoed in its Receipt.
func (self *SendCmd) Run(ctx context.Context) ([]byte, error) {
	kp, err := loadIdentity(self.KeyPath, self.Identifier)
	if nil != err {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	port, err := self.dial(ctx)
	if nil != err {
		return nil, err
	}

	eng, err := channel.New(ctx, channel.Cfg{
		Type:     self.Transport,
		Identity: kp,
		Port:     port,
		Options:  dispatch.Options{Timeout: self.Timeout, Retries: self.Retries},
	})
	if nil != err {
		return nil, err
	}
	defer eng.Stop()
	log := observability.GetObservability(ctx).Log().With("channelId", eng.ChannelId())

	err = eng.Open(ctx)
	if nil != err {
		return nil, err
	}
	log.Info("channel opened", "peer", eng.Peer().Identifier())

	rcpt, err := eng.Message(ctx, []byte(self.Msg))
	if nil != err {
		return nil, err
	}
	var msg channel.Message
	err = rcpt.Decode(&msg)
	if nil != err {
		return nil, err
	}

	err = eng.Close(ctx, "done")
	if nil != err {
		return nil, err
	}
	log.Info("channel closed", "events", len(eng.Log()))

	return msg.Body, nil
}

// dial returns a Port connected to the server, it is released when ctx is done.
func (self *SendCmd) dial(ctx context.Context) (transport.Port, error) {
	base := strings.TrimSuffix(self.URL, "/")
	switch self.Transport {
	case "http":
		return httpport.NewClient(ctx, httpport.ClientCfg{URL: base + httpPath})
	default:
		conn, err := wsport.Dial(ctx, wsport.DialCfg{
			URL:        "ws" + strings.TrimPrefix(base, "http") + wsPath,
			MaxRetries: 3,
		})
		if nil != err {
			return nil, err
		}
		go func() {
			err := conn.Serve(ctx)
			if nil != err {
				observability.GetObservability(ctx).Log().Error("websocket connection failed", "error", err)
			}
		}()
		context.AfterFunc(ctx, func() { conn.Close() })
		return conn, nil
	}
}
