// Package wsport carries channel Events over websocket connections.
//
// Each Event travels as a JSON text message. Several channels may share a connection.
package wsport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"code.kerpass.org/channel/internal/observability"
	"code.kerpass.org/channel/internal/utils"
	"code.kerpass.org/channel/pkg/transport"
)

const (
	Subprotocol             = "kerpass.channel.v1"
	DefaultMaxRetryInterval = 10 * time.Second
	handshakeTimeout        = 45 * time.Second
)

// errorFlag is a private error type that allows declaring error constants.
type errorFlag string

const (
	// All package errors are wrapping Error
	Error   = errorFlag("wsport: error")
	noError = errorFlag("")
)

// Error implements the error interface.
func (self errorFlag) Error() string {
	return string(self)
}

func (self errorFlag) Unwrap() error {
	if Error == self || noError == self {
		return nil
	}
	return Error
}

// newError returns a utils.RaisedErr{} that contains file & line of where it was called.
func newError(msg string, args ...any) error {
	return utils.NewError(1, Error, msg, args...)
}

// wrapError returns a utils.RaisedErr{} that contains file & line of where it was called.
func wrapError(cause error, msg string, args ...any) error {
	return utils.WrapError(cause, 1, Error, msg, args...)
}

// wsTransport implements transport.Transport, each frame is a websocket message.
type wsTransport struct {
	ws *websocket.Conn
}

// ReadBytes returns io.EOF once the peer closed the connection.
func (self wsTransport) ReadBytes() ([]byte, error) {
	_, data, err := self.ws.ReadMessage()
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil, io.EOF
	}
	return data, err
}

func (self wsTransport) WriteBytes(data []byte) error {
	if len(data) > transport.MaxFrameSize {
		return newError("frame of %d bytes exceeds %d", len(data), transport.MaxFrameSize)
	}
	return self.ws.WriteMessage(websocket.TextMessage, data)
}

var _ transport.Transport = wsTransport{}

// Conn is a transport.Port bound to a websocket connection.
type Conn struct {
	*transport.StreamPort
	ws     *websocket.Conn
	closed atomic.Bool
}

func newConn(ws *websocket.Conn, accept transport.AcceptFunc) *Conn {
	ws.SetReadLimit(transport.MaxFrameSize)
	return &Conn{
		StreamPort: &transport.StreamPort{
			Router: transport.NewRouter(accept),
			T:      wsTransport{ws: ws},
			S:      transport.WrapInSafeSerializer(transport.JSONSerializer{}),
		},
		ws: ws,
	}
}

// Serve routes inbound Events until the connection closes or ctx is done.
// It returns nil if the connection was closed normally.
func (self *Conn) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { self.ws.Close() })
	defer stop()
	err := self.StreamPort.Serve(ctx)
	if nil != ctx.Err() || self.closed.Load() {
		return nil
	}
	return err
}

// Close sends a close message to the peer and closes the connection.
func (self *Conn) Close() error {
	self.closed.Store(true)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	err := self.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return errors.Join(err, self.ws.Close())
}

// DialCfg holds Dial configuration.
type DialCfg struct {
	// URL is the ws:// or wss:// server URL.
	URL string

	// Header is sent with the websocket handshake, it may be nil.
	Header http.Header

	// Accept creates channels for Events addressed to unknown channels, it may be nil.
	Accept transport.AcceptFunc

	// MaxRetries is the number of failed attempts after which Dial gives up.
	MaxRetries int

	// MaxRetryInterval bounds the delay between attempts. Zero means DefaultMaxRetryInterval.
	MaxRetryInterval time.Duration
}

// Dial connects to a websocket server, retrying with exponential backoff.
func Dial(ctx context.Context, cfg DialCfg) (*Conn, error) {
	if "" == cfg.URL {
		return nil, newError("empty URL")
	}
	if cfg.MaxRetries < 0 {
		return nil, newError("invalid MaxRetries %d", cfg.MaxRetries)
	}
	if 0 == cfg.MaxRetryInterval {
		cfg.MaxRetryInterval = DefaultMaxRetryInterval
	}

	log := observability.GetObservability(ctx).Log()
	b := &backoff.Backoff{Min: 100 * time.Millisecond, Max: cfg.MaxRetryInterval}
	d := websocket.Dialer{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: handshakeTimeout,
		Subprotocols:     []string{Subprotocol},
	}
	for {
		ws, _, err := d.DialContext(ctx, cfg.URL, cfg.Header)
		if nil == err {
			return newConn(ws, cfg.Accept), nil
		}
		attempt := int(b.Attempt())
		if attempt >= cfg.MaxRetries {
			return nil, wrapError(err, "failed connecting %s after %d attempt(s)", cfg.URL, attempt+1)
		}
		delay := b.Duration()
		log.Info("connection failed", "url", cfg.URL, "attempt", attempt+1, "retryIn", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, wrapError(ctx.Err(), "canceled while connecting %s", cfg.URL)
		}
	}
}

// ConnFunc is called with each connection a Handler accepts, before it is served.
// It typically sets the Conn AcceptFunc so that peers may open channels.
// ctx is done when the connection closes.
type ConnFunc func(ctx context.Context, conn *Conn)

// Handler upgrades HTTP requests to websocket connections and serves them.
type Handler struct {
	onConn   ConnFunc
	upgrader websocket.Upgrader
}

// NewHandler returns a Handler that passes each new connection to onConn.
func NewHandler(onConn ConnFunc) *Handler {
	return &Handler{
		onConn: onConn,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			Subprotocols:    []string{Subprotocol},
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP implements http.Handler.
func (self *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := observability.GetObservability(r.Context()).Log()
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if nil != err {
		// Upgrade already replied to the client
		log.Debug("failed websocket upgrade", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	conn := newConn(ws, nil)
	defer conn.ws.Close()
	if nil != self.onConn {
		self.onConn(ctx, conn)
	}
	log.Debug("serving websocket connection", "remote", r.RemoteAddr)
	err = conn.Serve(ctx)
	if nil != err {
		log.Debug("websocket connection failed", "error", err)
	}
}

var _ transport.Port = &Conn{}
var _ http.Handler = &Handler{}
