package channel

import (
	"context"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"code.kerpass.org/channel/pkg/event"
	"code.kerpass.org/channel/pkg/receipt"
)

// Catch all topics, on top of which every Event is published under its Type.
const (
	AnyEvent   = "ANY_EVENT"
	AnyRequest = "ANY_REQUEST"
	AnyConfirm = "ANY_CONFIRM"
	AnyError   = "ANY_ERROR"
)

// Note is what a Bus publishes about an Event a channel sent, accepted or raised.
type Note struct {
	Event event.Event

	// Inbound is true for Events received from the peer.
	Inbound bool

	// Payload is the decrypted payload of inbound requests.
	Payload cbor.RawMessage

	// Receipt is set for confirm Events, it is the Receipt that was issued or verified.
	Receipt *receipt.Receipt

	// Err is set for error Events.
	Err error
}

// Decode unmarshals the Note Payload into v.
func (self Note) Decode(v any) error {
	return Request{Event: self.Event, Payload: self.Payload}.Decode(v)
}

// Subscriber receives the Notes of the topics it subscribed to.
type Subscriber func(ctx context.Context, n Note)

type subscription struct {
	id int
	fn Subscriber
}

// Bus is a typed publish/subscribe hub.
type Bus struct {
	mut    sync.RWMutex
	lastId int
	subs   map[string][]subscription
}

// NewBus returns an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string][]subscription)}
}

// Subscribe calls fn with every Note published on topic.
// topic is an Event Type or one of the Any* topics.
// The returned function cancels the subscription.
func (self *Bus) Subscribe(topic string, fn Subscriber) func() {
	self.mut.Lock()
	defer self.mut.Unlock()
	self.lastId += 1
	id := self.lastId
	self.subs[topic] = append(self.subs[topic], subscription{id: id, fn: fn})

	return func() {
		self.mut.Lock()
		defer self.mut.Unlock()
		subs := self.subs[topic]
		for pos, sub := range subs {
			if id == sub.id {
				self.subs[topic] = append(subs[:pos:pos], subs[pos+1:]...)
				break
			}
		}
	}
}

// SubscribeAll subscribes fn to each of topics.
func (self *Bus) SubscribeAll(topics []string, fn Subscriber) func() {
	cancels := make([]func(), 0, len(topics))
	for _, topic := range topics {
		cancels = append(cancels, self.Subscribe(topic, fn))
	}
	return func() {
		for _, cancel := range cancels {
			cancel()
		}
	}
}

// Publish calls the Subscribers of n Event Type and of the matching Any* topics.
// Subscribers are called in the publishing goroutine.
func (self *Bus) Publish(ctx context.Context, n Note) {
	var fns []Subscriber
	self.mut.RLock()
	for _, topic := range topicsOf(n.Event.Type) {
		for _, sub := range self.subs[topic] {
			fns = append(fns, sub.fn)
		}
	}
	self.mut.RUnlock()

	for _, fn := range fns {
		fn(ctx, n)
	}
}

func topicsOf(t event.Type) []string {
	rv := []string{string(t), AnyEvent}
	switch t.Phase() {
	case event.PhaseRequest:
		rv = append(rv, AnyRequest)
	case event.PhaseConfirm:
		rv = append(rv, AnyConfirm)
	case event.PhaseError:
		rv = append(rv, AnyError)
	}
	return rv
}
