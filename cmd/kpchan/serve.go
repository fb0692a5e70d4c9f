package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path"
	"time"

	"github.com/jackc/pgx/v5"

	"code.kerpass.org/channel/internal/observability"
	"code.kerpass.org/channel/pkg/channel"
	"code.kerpass.org/channel/pkg/event"
	"code.kerpass.org/channel/pkg/identity"
	"code.kerpass.org/channel/pkg/store/boltdb"
	"code.kerpass.org/channel/pkg/store/pgdb"
	"code.kerpass.org/channel/pkg/store/redisdb"
	"code.kerpass.org/channel/pkg/transport/httpport"
	"code.kerpass.org/channel/pkg/transport/wsport"
)

const (
	wsPath   = "/ws"
	httpPath = "/events"

	// closed channels keep answering duplicated CLOSE_REQUEST for closeLinger
	closeLinger = time.Minute

	defaultIdleTimeout = 5 * time.Minute
)

const serveUsageFmt = `
Command Usage: %s serve [Flags]
  Accept channels on %s (websocket) and %s (HTTP polling).
  MESSAGE requests are echoed back in their Receipt.

Flags:
------
`

type ServeCmd struct {
	Addr       string
	KeyPath    string
	Identifier string
	BoltPath   string
	PgDSN      string
	RedisAddr  string
	Idle       time.Duration
	Verbose    bool
	Quiet      bool
}

func parseServeFlags(progname string, args []string) *ServeCmd {
	cmd := ServeCmd{}

	flags := flag.NewFlagSet(progname+" serve", flag.ExitOnError)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, serveUsageFmt, path.Base(progname), wsPath, httpPath)
		flags.PrintDefaults()
	}
	flags.StringVar(&cmd.Addr, "addr", ":8080", `TCP address to listen on`)
	flags.StringVar(&cmd.KeyPath, "key", "", `key pair file created by keygen, a transient key pair is used if empty`)
	flags.StringVar(&cmd.Identifier, "id", "kpchan-server", `identifier of the transient key pair`)
	flags.StringVar(&cmd.BoltPath, "store", "", `path of the boltdb file where channels are saved`)
	const pgDoc = `
	postgres DSN of the database where channels are saved.
	The snapshot table is created if needed.
	`
	flags.StringVar(&cmd.PgDSN, "pg", "", dedent(pgDoc))
	flags.StringVar(&cmd.RedisAddr, "redis", "", `host:port of the redis server where channels are saved`)
	flags.DurationVar(&cmd.Idle, "idle", defaultIdleTimeout, `delay after which silent channels are dropped`)
	flags.BoolVar(&cmd.Verbose, "v", false, `log protocol steps`)
	flags.BoolVar(&cmd.Quiet, "q", false, `disable logging`)
	flags.Parse(args)

	stores := 0
	for _, v := range []string{cmd.BoltPath, cmd.PgDSN, cmd.RedisAddr} {
		if "" != v {
			stores += 1
		}
	}
	if stores > 1 {
		log.Fatal("-store, -pg and -redis flags are exclusive")
	}
	if cmd.Idle <= 0 {
		log.Fatal("-idle must be positive")
	}

	return &cmd
}

// Run serves channels until ctx is done.
func (self *ServeCmd) Run(ctx context.Context) error {
	kp, err := loadIdentity(self.KeyPath, self.Identifier)
	if nil != err {
		return err
	}
	store, err := self.openStore(ctx)
	if nil != err {
		return err
	}
	srv, err := newServer(ctx, kp, store, self.Idle)
	if nil != err {
		return err
	}

	httpsrv := &http.Server{
		Addr:              self.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpsrv.Shutdown(shutdownCtx)
	})
	defer stop()

	observability.GetObservability(ctx).Log().Info("serving channels", "addr", self.Addr, "identifier", kp.Identifier())
	err = httpsrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (self *ServeCmd) openStore(ctx context.Context) (channel.Store, error) {
	switch {
	case "" != self.BoltPath:
		return boltdb.New(self.BoltPath)
	case "" != self.PgDSN:
		return openPgStore(ctx, self.PgDSN)
	case "" != self.RedisAddr:
		return redisdb.New(ctx, redisdb.Cfg{Addr: self.RedisAddr})
	default:
		return nil, nil
	}
}

// openPgStore connects to the dsn database and creates the snapshot table in the public schema.
func openPgStore(ctx context.Context, dsn string) (*pgdb.SnapshotStore, error) {
	pgconn, err := pgx.Connect(ctx, dsn)
	if nil != err {
		return nil, err
	}
	defer pgconn.Close(ctx)
	err = pgdb.Migrate(pgconn, "public")
	if nil != err {
		return nil, err
	}
	return pgdb.New(ctx, dsn)
}

// server accepts channels over websocket & HTTP.
type server struct {
	identity identity.Identity
	store    channel.Store
	idle     time.Duration
	endpoint *httpport.Endpoint
}

// newServer returns a server whose channels run until ctx is done or they stay silent
// for idle. store may be nil.
func newServer(ctx context.Context, id identity.Identity, store channel.Store, idle time.Duration) (*server, error) {
	self := &server{identity: id, store: store, idle: idle}
	endpoint, err := httpport.NewEndpoint(httpport.EndpointCfg{})
	if nil != err {
		return nil, err
	}
	endpoint.SetAccept(channel.Acceptor(
		ctx,
		channel.Cfg{Type: "http", Identity: id, Port: endpoint, Store: store, IdleTimeout: idle},
		self.onAccept,
	))
	self.endpoint = endpoint
	return self, nil
}

// Handler returns the server http.Handler.
func (self *server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(wsPath, wsport.NewHandler(self.onConn))
	mux.Handle(httpPath, self.endpoint)
	return observability.Middleware{TraceIdHeader: httpport.TraceIdHeader}.Wrap(mux)
}

func (self *server) onConn(ctx context.Context, conn *wsport.Conn) {
	// websocket channels stop with their connection
	conn.SetAccept(channel.Acceptor(
		ctx,
		channel.Cfg{Type: "websocket", Identity: self.identity, Port: conn, Store: self.store, IdleTimeout: self.idle},
		self.onAccept,
	))
}

func (self *server) onAccept(eng *channel.Engine) {
	eng.Subscribe(string(event.MessageRequest), func(ctx context.Context, n channel.Note) {
		var msg channel.Message
		err := n.Decode(&msg)
		if nil != err {
			return
		}
		observability.GetObservability(ctx).Log().Info("received message", "body", string(msg.Body))
	})
	eng.Subscribe(string(event.CloseConfirm), func(ctx context.Context, n channel.Note) {
		observability.GetObservability(ctx).Log().Info("channel closed", "peer", eng.Peer().Identifier())
		time.AfterFunc(closeLinger, eng.Stop)
	})
}
