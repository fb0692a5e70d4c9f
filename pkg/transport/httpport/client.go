package httpport

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/jpillora/backoff"

	"code.kerpass.org/channel/internal/observability"
	"code.kerpass.org/channel/pkg/event"
	"code.kerpass.org/channel/pkg/transport"
)

const DefaultMaxRetryInterval = 10 * time.Second

type httpClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ClientCfg holds Client configuration.
type ClientCfg struct {
	// URL is the Endpoint URL.
	URL string

	// HTTPClient sends the Client requests. Zero means http.DefaultClient.
	HTTPClient httpClient

	// MaxRetryInterval bounds the delay between failed polls. Zero means DefaultMaxRetryInterval.
	MaxRetryInterval time.Duration
}

// Check returns an error if the ClientCfg is invalid.
func (self ClientCfg) Check() error {
	u, err := url.Parse(self.URL)
	if nil != err {
		return wrapError(err, "invalid URL")
	}
	if !slices.Contains([]string{"http", "https"}, u.Scheme) {
		return newError("invalid URL scheme %s", u.Scheme)
	}
	if self.MaxRetryInterval < 0 {
		return newError("invalid MaxRetryInterval %v", self.MaxRetryInterval)
	}
	return nil
}

// Client is the client side of the HTTP transport, it implements transport.Port.
//
// Each registered channel polls the Endpoint until it unregisters or the Client
// context is done.
type Client struct {
	*transport.Router
	ctx      context.Context
	url      string
	cli      httpClient
	maxRetry time.Duration
	s        transport.Serializer
}

// NewClient returns a Client configured with cfg. Polling stops when ctx is done.
func NewClient(ctx context.Context, cfg ClientCfg) (*Client, error) {
	err := cfg.Check()
	if nil != err {
		return nil, wrapError(err, "invalid ClientCfg")
	}
	if nil == cfg.HTTPClient {
		cfg.HTTPClient = http.DefaultClient
	}
	if 0 == cfg.MaxRetryInterval {
		cfg.MaxRetryInterval = DefaultMaxRetryInterval
	}
	return &Client{
		Router:   transport.NewRouter(nil),
		ctx:      ctx,
		url:      cfg.URL,
		cli:      cfg.HTTPClient,
		maxRetry: cfg.MaxRetryInterval,
		s:        transport.WrapInSafeSerializer(transport.JSONSerializer{}),
	}, nil
}

// Deliver implements transport.Port Deliver, it POSTs evt to the Endpoint.
func (self *Client) Deliver(ctx context.Context, evt event.Event) error {
	srzevt, err := self.s.Marshal(evt)
	if nil != err {
		return wrapError(err, "failed serializing %s", evt.Type)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, self.url, bytes.NewReader(srzevt))
	if nil != err {
		return wrapError(err, "failed instantiating http Request")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := self.cli.Do(req)
	if nil != err {
		return wrapError(err, "failed http POST request")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 || resp.StatusCode < 200 {
		return flagError(ErrHTTPStatus, "failed http POST request, got status %d", resp.StatusCode)
	}
	return nil
}

// Register implements transport.Port Register, it starts polling for channelId Events.
func (self *Client) Register(channelId string, h transport.Handler) (func(), error) {
	unregister, err := self.Router.Register(channelId, h)
	if nil != err {
		return nil, err
	}
	ctx, cancel := context.WithCancel(self.ctx)
	go self.pollLoop(ctx, channelId)
	return func() {
		cancel()
		unregister()
	}, nil
}

func (self *Client) pollLoop(ctx context.Context, channelId string) {
	ctx = observability.WithAttrs(ctx, "channelId", channelId)
	log := observability.GetObservability(ctx).Log()
	b := &backoff.Backoff{Min: 50 * time.Millisecond, Max: self.maxRetry}
	for {
		evts, err := self.poll(ctx, channelId)
		if nil != ctx.Err() {
			return
		}
		if nil != err {
			d := b.Duration()
			log.Debug("poll failed", "error", err, "attempt", int(b.Attempt()), "retryIn", d)
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return
			}
			continue
		}
		b.Reset()
		for _, evt := range evts {
			err = evt.Check()
			if nil != err {
				log.Debug("dropped invalid event", "error", err)
				continue
			}
			err = self.Route(ctx, evt)
			if nil != err {
				log.Debug("dropped inbound event", "type", evt.Type, "error", err)
			}
		}
	}
}

// poll GETs the Events waiting for channelId.
func (self *Client) poll(ctx context.Context, channelId string) ([]event.Event, error) {
	u, err := url.Parse(self.url)
	if nil != err {
		return nil, wrapError(err, "invalid URL")
	}
	q := u.Query()
	q.Set("channelId", channelId)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if nil != err {
		return nil, wrapError(err, "failed instantiating http Request")
	}
	resp, err := self.cli.Do(req)
	if nil != err {
		return nil, wrapError(err, "failed http GET request")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
	default:
		return nil, flagError(ErrHTTPStatus, "failed http GET request, got status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if nil != err {
		return nil, wrapError(err, "failed reading resp.Body")
	}
	var evts []event.Event
	err = self.s.Unmarshal(body, &evts)
	if nil != err {
		return nil, wrapError(err, "failed deserializing resp.Body")
	}
	return evts, nil
}

var _ transport.Port = &Client{}
