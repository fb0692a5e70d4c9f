// Package httpport carries channel Events over HTTP.
//
// Clients POST inbound Events and long poll GET for the Events the server side
// channels deliver. Both directions use JSON encoded Events.
package httpport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"code.kerpass.org/channel/internal/observability"
	"code.kerpass.org/channel/pkg/event"
	"code.kerpass.org/channel/pkg/transport"
)

const (
	DefaultPollTimeout = 25 * time.Second
	TraceIdHeader      = "X-Trace-Id"
	mailboxSize        = 256
	maxMailboxes       = 4096
	maxBatch           = 64
)

// EndpointCfg holds Endpoint configuration.
type EndpointCfg struct {
	// Accept creates channels for Events addressed to unknown channels, it may be nil.
	Accept transport.AcceptFunc

	// PollTimeout is how long a GET waits for Events. Zero means DefaultPollTimeout.
	PollTimeout time.Duration
}

// Endpoint is the server side of the HTTP transport.
//
// Endpoint implements http.Handler and transport.Port. Events delivered by server side
// channels wait in a per channel mailbox until the client polls them.
type Endpoint struct {
	*transport.Router
	s           transport.Serializer
	pollTimeout time.Duration

	mut       sync.Mutex
	mailboxes map[string]chan event.Event
}

// NewEndpoint returns an Endpoint configured with cfg.
func NewEndpoint(cfg EndpointCfg) (*Endpoint, error) {
	if cfg.PollTimeout < 0 {
		return nil, newError("invalid PollTimeout %v", cfg.PollTimeout)
	}
	if 0 == cfg.PollTimeout {
		cfg.PollTimeout = DefaultPollTimeout
	}
	return &Endpoint{
		Router:      transport.NewRouter(cfg.Accept),
		s:           transport.WrapInSafeSerializer(transport.JSONSerializer{}),
		pollTimeout: cfg.PollTimeout,
		mailboxes:   make(map[string]chan event.Event),
	}, nil
}

// Handler returns the Endpoint wrapped in observability.Middleware.
func (self *Endpoint) Handler() http.Handler {
	return observability.Middleware{TraceIdHeader: TraceIdHeader}.Wrap(self)
}

// Deliver implements transport.Port Deliver, evt waits in its channel mailbox.
func (self *Endpoint) Deliver(ctx context.Context, evt event.Event) error {
	mb, err := self.mailbox(evt.Metadata.ChannelId)
	if nil != err {
		return err
	}
	select {
	case mb <- evt:
		return nil
	case <-ctx.Done():
		return wrapError(ctx.Err(), "failed delivering %s", evt.Type)
	default:
		return flagError(ErrMailboxFull, "channel %s does not poll", evt.Metadata.ChannelId)
	}
}

// Register implements transport.Port Register.
// The channel mailbox is dropped when the channel unregisters.
func (self *Endpoint) Register(channelId string, h transport.Handler) (func(), error) {
	unregister, err := self.Router.Register(channelId, h)
	if nil != err {
		return nil, err
	}
	return func() {
		unregister()
		self.mut.Lock()
		defer self.mut.Unlock()
		delete(self.mailboxes, channelId)
	}, nil
}

// ServeHTTP implements http.Handler.
func (self *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		self.receive(w, r)
	case http.MethodGet:
		self.poll(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// receive routes the Event POSTed in r body.
func (self *Endpoint) receive(w http.ResponseWriter, r *http.Request) {
	log := observability.GetObservability(r.Context()).Log()

	r.Body = http.MaxBytesReader(w, r.Body, transport.MaxFrameSize)
	body, err := io.ReadAll(r.Body)
	if nil != err {
		http.Error(w, "failed reading request body", http.StatusBadRequest)
		return
	}
	var evt event.Event
	err = self.s.Unmarshal(body, &evt)
	if nil != err {
		log.Debug("rejected invalid event", "error", err)
		http.Error(w, "invalid event", http.StatusBadRequest)
		return
	}

	err = self.Route(r.Context(), evt)
	switch {
	case errors.Is(err, transport.ErrUnknownChannel):
		log.Debug("rejected event", "channelId", evt.Metadata.ChannelId, "error", err)
		http.Error(w, "unknown channel", http.StatusNotFound)
	case nil != err:
		log.Error("failed routing event", "type", evt.Type, "error", err)
		http.Error(w, "failed routing event", http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}

// poll answers with the Events waiting in the mailbox of the channelId query parameter.
// It responds 204 if no Event arrived before the Endpoint PollTimeout.
func (self *Endpoint) poll(w http.ResponseWriter, r *http.Request) {
	channelId := r.URL.Query().Get("channelId")
	if "" == channelId {
		http.Error(w, "missing channelId", http.StatusBadRequest)
		return
	}
	mb, err := self.mailbox(channelId)
	if nil != err {
		http.Error(w, "too many channels", http.StatusServiceUnavailable)
		return
	}

	timer := time.NewTimer(self.pollTimeout)
	defer timer.Stop()
	var batch []event.Event
	select {
	case evt := <-mb:
		batch = append(batch, evt)
	case <-timer.C:
		w.WriteHeader(http.StatusNoContent)
		return
	case <-r.Context().Done():
		return
	}
drain:
	for len(batch) < maxBatch {
		select {
		case evt := <-mb:
			batch = append(batch, evt)
		default:
			break drain
		}
	}

	data, err := transport.JSONSerializer{}.Marshal(batch)
	if nil != err {
		observability.GetObservability(r.Context()).Log().Error("failed encoding events", "error", err)
		http.Error(w, "failed encoding events", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// mailbox returns the mailbox of channelId, creating it if needed.
func (self *Endpoint) mailbox(channelId string) (chan event.Event, error) {
	if "" == channelId {
		return nil, newError("empty channelId")
	}
	self.mut.Lock()
	defer self.mut.Unlock()
	mb, found := self.mailboxes[channelId]
	if !found {
		if len(self.mailboxes) >= maxMailboxes {
			return nil, newError("too many mailboxes")
		}
		mb = make(chan event.Event, mailboxSize)
		self.mailboxes[channelId] = mb
	}
	return mb, nil
}

var _ transport.Port = &Endpoint{}
var _ http.Handler = &Endpoint{}
