package httpport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"code.kerpass.org/channel/pkg/channel"
	"code.kerpass.org/channel/pkg/event"
	"code.kerpass.org/channel/pkg/identity"
)

func mustEndpoint(t *testing.T, cfg EndpointCfg) *Endpoint {
	t.Helper()
	ep, err := NewEndpoint(cfg)
	if nil != err {
		t.Fatalf("failed NewEndpoint, got error %v", err)
	}
	return ep
}

func mustEvent(t *testing.T, channelId string) event.Event {
	t.Helper()
	evt, err := event.Create(event.MessageRequest, event.Metadata{ChannelId: channelId}, nil, []byte{1, 2})
	if nil != err {
		t.Fatalf("failed event.Create, got error %v", err)
	}
	return evt
}

func TestEndpointMethods(t *testing.T) {
	ep := mustEndpoint(t, EndpointCfg{PollTimeout: 20 * time.Millisecond})

	testcases := []struct {
		method string
		target string
		body   []byte
		status int
	}{
		{method: http.MethodPut, target: "/", status: http.StatusMethodNotAllowed},
		{method: http.MethodDelete, target: "/", status: http.StatusMethodNotAllowed},
		{method: http.MethodPost, target: "/", body: []byte("{"), status: http.StatusBadRequest},
		{method: http.MethodPost, target: "/", body: []byte(`{"type":"nope"}`), status: http.StatusBadRequest},
		{method: http.MethodGet, target: "/", status: http.StatusBadRequest},
		{method: http.MethodGet, target: "/?channelId=c1", status: http.StatusNoContent},
	}
	for _, tc := range testcases {
		t.Run(tc.method+tc.target, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.target, bytes.NewReader(tc.body))
			w := httptest.NewRecorder()
			ep.Handler().ServeHTTP(w, req)
			if tc.status != w.Code {
				t.Errorf("failed status control, got %d, want %d", w.Code, tc.status)
			}
		})
	}
}

func TestEndpointRouting(t *testing.T) {
	ep := mustEndpoint(t, EndpointCfg{PollTimeout: 20 * time.Millisecond})
	received := make(chan event.Event, 1)
	unregister, err := ep.Register("c1", func(_ context.Context, evt event.Event) { received <- evt })
	if nil != err {
		t.Fatalf("failed Register, got error %v", err)
	}
	defer unregister()

	post := func(evt event.Event) int {
		body, _ := json.Marshal(evt)
		req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
		w := httptest.NewRecorder()
		ep.ServeHTTP(w, req)
		return w.Code
	}
	evt := mustEvent(t, "c1")
	if code := post(evt); http.StatusAccepted != code {
		t.Fatalf("failed POST status control, got %d", code)
	}
	got := <-received
	if evt.Metadata.EventId != got.Metadata.EventId {
		t.Errorf("failed routed event control, got %+v", got)
	}
	if code := post(mustEvent(t, "c2")); http.StatusNotFound != code {
		t.Errorf("failed unknown channel status control, got %d", code)
	}

	// outbound events wait for GET
	ctx := context.Background()
	out1, out2 := mustEvent(t, "c1"), mustEvent(t, "c1")
	for _, e := range []event.Event{out1, out2} {
		if err = ep.Deliver(ctx, e); nil != err {
			t.Fatalf("failed Deliver, got error %v", err)
		}
	}
	req := httptest.NewRequest(http.MethodGet, "/?channelId=c1", nil)
	w := httptest.NewRecorder()
	ep.ServeHTTP(w, req)
	if http.StatusOK != w.Code {
		t.Fatalf("failed GET status control, got %d", w.Code)
	}
	var batch []event.Event
	if err = json.Unmarshal(w.Body.Bytes(), &batch); nil != err {
		t.Fatalf("failed decoding batch, got error %v", err)
	}
	if 2 != len(batch) || out1.Metadata.EventId != batch[0].Metadata.EventId {
		t.Errorf("failed batch control, got %d events", len(batch))
	}
}

func TestEndpointMailboxFull(t *testing.T) {
	ep := mustEndpoint(t, EndpointCfg{})
	ctx := context.Background()
	var err error
	for range mailboxSize + 1 {
		err = ep.Deliver(ctx, mustEvent(t, "c1"))
		if nil != err {
			break
		}
	}
	if !errors.Is(err, ErrMailboxFull) {
		t.Errorf("failed mailbox full control, got error %v", err)
	}
}

func TestClientCfgCheck(t *testing.T) {
	for _, u := range []string{"", "ftp://host/events", "://bad"} {
		if err := (ClientCfg{URL: u}).Check(); nil == err {
			t.Errorf("failed invalid URL %q control", u)
		}
	}
	if err := (ClientCfg{URL: "http://localhost/events"}).Check(); nil != err {
		t.Errorf("failed valid URL control, got error %v", err)
	}
}

func TestClientDeliverUnknownChannel(t *testing.T) {
	ep := mustEndpoint(t, EndpointCfg{PollTimeout: 20 * time.Millisecond})
	srv := httptest.NewServer(ep.Handler())
	defer srv.Close()

	cli, err := NewClient(context.Background(), ClientCfg{URL: srv.URL, HTTPClient: srv.Client()})
	if nil != err {
		t.Fatalf("failed NewClient, got error %v", err)
	}
	err = cli.Deliver(context.Background(), mustEvent(t, "c1"))
	if !errors.Is(err, ErrHTTPStatus) {
		t.Errorf("failed unknown channel control, got error %v", err)
	}
}

func TestChannelOverHTTP(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, err := identity.GenerateKeyPair("server")
	if nil != err {
		t.Fatalf("failed generating keys, got error %v", err)
	}
	client, err := identity.GenerateKeyPair("client")
	if nil != err {
		t.Fatalf("failed generating keys, got error %v", err)
	}

	// responder Engines register on the Endpoint that accepts them
	var ep *Endpoint
	accepted := make(chan *channel.Engine, 1)
	ep, err = NewEndpoint(EndpointCfg{
		PollTimeout: 200 * time.Millisecond,
		Accept: func(rctx context.Context, evt event.Event) error {
			return channel.Acceptor(ctx, channel.Cfg{Type: "http", Identity: server, Port: ep}, func(eng *channel.Engine) {
				accepted <- eng
			})(rctx, evt)
		},
	})
	if nil != err {
		t.Fatalf("failed NewEndpoint, got error %v", err)
	}
	srv := httptest.NewServer(ep.Handler())
	defer srv.Close()

	cli, err := NewClient(ctx, ClientCfg{URL: srv.URL, HTTPClient: srv.Client()})
	if nil != err {
		t.Fatalf("failed NewClient, got error %v", err)
	}
	eng, err := channel.New(ctx, channel.Cfg{Type: "http", Identity: client, Port: cli})
	if nil != err {
		t.Fatalf("failed channel.New, got error %v", err)
	}
	defer eng.Stop()

	if err = eng.Open(ctx); nil != err {
		t.Fatalf("failed Open, got error %v", err)
	}
	var responder *channel.Engine
	select {
	case responder = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("no channel accepted")
	}
	defer responder.Stop()

	rcpt, err := eng.Message(ctx, []byte("over http"))
	if nil != err {
		t.Fatalf("failed Message, got error %v", err)
	}
	var msg channel.Message
	if err = rcpt.Decode(&msg); nil != err || "over http" != string(msg.Body) {
		t.Errorf("failed receipt control, got %q, error %v", msg.Body, err)
	}

	if err = eng.Close(ctx, "done"); nil != err {
		t.Fatalf("failed Close, got error %v", err)
	}
	if channel.Closed != responder.State() {
		t.Errorf("failed responder state control, got %s", responder.State())
	}
}
