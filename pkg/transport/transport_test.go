package transport

import (
	"bytes"
	"context"
	"errors"
	"net"
	"reflect"
	"testing"
	"time"

	"code.kerpass.org/channel/pkg/event"
)

func newEvent(t *testing.T, channelId string) event.Event {
	md := event.Metadata{ChannelId: channelId}
	evt, err := event.Create(event.OpenRequest, md, &event.Data{Identifier: "A"}, nil)
	if nil != err {
		t.Fatalf("failed creating event, got error %v", err)
	}
	return evt
}

func collector() (Handler, chan event.Event) {
	rc := make(chan event.Event, 16)
	return func(_ context.Context, evt event.Event) { rc <- evt }, rc
}

func receive(t *testing.T, rc chan event.Event) event.Event {
	select {
	case evt := <-rc:
		return evt
	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
	}
	return event.Event{}
}

func TestRouterRegister(t *testing.T) {
	r := NewRouter(nil)
	h, rc := collector()

	unregister, err := r.Register("c1", h)
	if nil != err {
		t.Fatalf("failed Register, got error %v", err)
	}
	if _, err = r.Register("c1", h); nil == err {
		t.Error("failed conflict control, duplicate Register succeeded")
	}
	if _, err = r.Register("", h); nil == err {
		t.Error("failed empty channelId control")
	}

	evt := newEvent(t, "c1")
	if err = r.Route(context.Background(), evt); nil != err {
		t.Fatalf("failed Route, got error %v", err)
	}
	if got := receive(t, rc); got.Metadata.EventId != evt.Metadata.EventId {
		t.Errorf("failed routed event control, got %+v", got)
	}

	unregister()
	if 0 != r.Channels() {
		t.Errorf("failed Channels control, got %d", r.Channels())
	}
	err = r.Route(context.Background(), evt)
	if !errors.Is(err, ErrUnknownChannel) {
		t.Errorf("failed unknown channel control, got error %v", err)
	}
}

func TestRouterAccept(t *testing.T) {
	h, rc := collector()
	var r *Router
	r = NewRouter(func(ctx context.Context, evt event.Event) error {
		if event.OpenRequest != evt.Type {
			return errors.New("not an OPEN_REQUEST")
		}
		_, err := r.Register(evt.Metadata.ChannelId, h)
		return err
	})

	evt := newEvent(t, "c2")
	if err := r.Route(context.Background(), evt); nil != err {
		t.Fatalf("failed Route, got error %v", err)
	}
	receive(t, rc)
	if 1 != r.Channels() {
		t.Errorf("failed accepted channel control, got %d channels", r.Channels())
	}

	msg, err := event.Create(event.MessageRequest, event.Metadata{ChannelId: "c3"}, nil, []byte{1})
	if nil != err {
		t.Fatalf("failed creating event, got error %v", err)
	}
	err = r.Route(context.Background(), msg)
	if !errors.Is(err, ErrUnknownChannel) {
		t.Errorf("failed rejected accept control, got error %v", err)
	}
}

func TestEventTravelsUnchanged(t *testing.T) {
	evt := newEvent(t, "c1")
	digestEvt, err := event.Create(event.MessageRequest, event.Metadata{ChannelId: "c1"}, nil, []byte{0xCA, 0xFE})
	if nil != err {
		t.Fatalf("failed creating event, got error %v", err)
	}

	serializers := map[string]Serializer{
		"json": WrapInSafeSerializer(JSONSerializer{}),
		"cbor": WrapInSafeSerializer(CBORSerializer{}),
	}
	for name, s := range serializers {
		t.Run(name, func(t *testing.T) {
			for _, src := range []event.Event{evt, digestEvt} {
				srz, err := s.Marshal(src)
				if nil != err {
					t.Fatalf("failed Marshal, got error %v", err)
				}
				var dst event.Event
				err = s.Unmarshal(srz, &dst)
				if nil != err {
					t.Fatalf("failed Unmarshal, got error %v", err)
				}
				if !reflect.DeepEqual(src, dst) {
					t.Errorf("failed round trip control\n%+v\n!=\n%+v", src, dst)
				}
			}
		})
	}
}

func TestSafeSerializerValidation(t *testing.T) {
	s := WrapInSafeSerializer(JSONSerializer{})
	if _, ok := any(WrapInSafeSerializer(s)).(SafeSerializer); !ok {
		t.Error("failed WrapInSafeSerializer idempotence control")
	}

	invalid := event.Event{Type: event.OpenRequest}
	_, err := s.Marshal(invalid)
	if !errors.Is(err, ErrValidation) {
		t.Errorf("failed Marshal validation control, got error %v", err)
	}

	var evt event.Event
	err = s.Unmarshal([]byte(`{"type":"OPEN_REQUEST","timestamp":1,"metadata":{"eventId":"x","channelId":"c"}}`), &evt)
	if !errors.Is(err, ErrValidation) {
		t.Errorf("failed Unmarshal validation control, got error %v", err)
	}

	err = s.Unmarshal([]byte(`not json`), &evt)
	if !errors.Is(err, ErrSerialization) {
		t.Errorf("failed Unmarshal serialization control, got error %v", err)
	}
}

func TestRWTransportFraming(t *testing.T) {
	buf := new(bytes.Buffer)
	tr := RWTransport{R: buf, W: buf}

	frames := [][]byte{{}, []byte("hello"), bytes.Repeat([]byte{7}, MaxFrameSize)}
	for _, frame := range frames {
		if err := tr.WriteBytes(frame); nil != err {
			t.Fatalf("failed WriteBytes, got error %v", err)
		}
	}
	for pos, frame := range frames {
		got, err := tr.ReadBytes()
		if nil != err {
			t.Fatalf("#[%d] failed ReadBytes, got error %v", pos, err)
		}
		if !bytes.Equal(frame, got) {
			t.Errorf("#[%d] failed frame control", pos)
		}
	}

	err := tr.WriteBytes(make([]byte, MaxFrameSize+1))
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("failed frame size control, got error %v", err)
	}
}

func TestStreamPort(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	left := NewStreamPort(c1, nil, nil)
	right := NewStreamPort(c2, nil, nil)

	h, rc := collector()
	if _, err := right.Register("c1", h); nil != err {
		t.Fatalf("failed Register, got error %v", err)
	}
	served := make(chan error, 1)
	go func() { served <- right.Serve(ctx) }()

	// garbage frame is skipped
	if err := left.T.WriteBytes([]byte{0xFF, 0x00}); nil != err {
		t.Fatalf("failed writing garbage frame, got error %v", err)
	}

	evt := newEvent(t, "c1")
	if err := left.Deliver(ctx, evt); nil != err {
		t.Fatalf("failed Deliver, got error %v", err)
	}
	got := receive(t, rc)
	if got.Metadata.EventId != evt.Metadata.EventId || got.Data.Identifier != "A" {
		t.Errorf("failed delivered event control, got %+v", got)
	}

	c1.Close()
	select {
	case err := <-served:
		if nil != err {
			t.Errorf("failed Serve exit control, got error %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestPipe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, b := Pipe(ctx)
	defer a.Close()

	h, rc := collector()
	if _, err := b.Register("c1", h); nil != err {
		t.Fatalf("failed Register, got error %v", err)
	}

	evt := newEvent(t, "c1")
	if err := a.Deliver(ctx, evt); nil != err {
		t.Fatalf("failed Deliver, got error %v", err)
	}
	if got := receive(t, rc); got.Metadata.EventId != evt.Metadata.EventId {
		t.Errorf("failed delivered event control, got %+v", got)
	}

	a.SetFilter(func(event.Event) bool { return false })
	if err := a.Deliver(ctx, evt); nil != err {
		t.Fatalf("failed filtered Deliver, got error %v", err)
	}
	if 1 != a.Filtered() {
		t.Errorf("failed Filtered control, got %d", a.Filtered())
	}
	select {
	case <-rc:
		t.Error("failed filter control, event was delivered")
	case <-time.After(50 * time.Millisecond):
	}

	a.SetFilter(nil)
	b.Close()
	err := a.Deliver(ctx, evt)
	if !errors.Is(err, ErrClosed) {
		t.Errorf("failed closed control, got error %v", err)
	}
}
