package transport

import (
	"context"
	"sync"
	"sync/atomic"

	"code.kerpass.org/channel/pkg/event"
)

// pipeQueueSize bounds the Events in flight toward a PipeEnd.
const pipeQueueSize = 256

// FilterFunc returns false for Events a PipeEnd must drop instead of delivering.
type FilterFunc func(evt event.Event) bool

// PipeEnd is one side of an in memory transport. Delivery is asynchronous,
// like posting a message to another page.
type PipeEnd struct {
	*Router
	peer   *PipeEnd
	queue  chan event.Event
	filter atomic.Pointer[FilterFunc]

	closing  chan struct{}
	once     *sync.Once
	routed   atomic.Int64
	filtered atomic.Int64
}

// Pipe returns two connected PipeEnds. Inbound Events are routed until ctx is done
// or one of the ends is closed.
func Pipe(ctx context.Context) (*PipeEnd, *PipeEnd) {
	closing := make(chan struct{})
	once := new(sync.Once)
	a := &PipeEnd{Router: NewRouter(nil), queue: make(chan event.Event, pipeQueueSize), closing: closing, once: once}
	b := &PipeEnd{Router: NewRouter(nil), queue: make(chan event.Event, pipeQueueSize), closing: closing, once: once}
	a.peer, b.peer = b, a

	go a.pump(ctx)
	go b.pump(ctx)
	return a, b
}

// SetFilter installs f to drop outbound Events. A nil f removes the filter.
func (self *PipeEnd) SetFilter(f FilterFunc) {
	if nil == f {
		self.filter.Store(nil)
		return
	}
	self.filter.Store(&f)
}

// Deliver implements Port Deliver.
func (self *PipeEnd) Deliver(ctx context.Context, evt event.Event) error {
	if f := self.filter.Load(); nil != f && !(*f)(evt) {
		self.filtered.Add(1)
		return nil
	}
	select {
	case <-self.closing:
		return flagError(ErrClosed, nil, "pipe closed")
	default:
	}
	select {
	case self.peer.queue <- evt:
		return nil
	case <-self.closing:
		return flagError(ErrClosed, nil, "pipe closed")
	case <-ctx.Done():
		return wrapError(ctx.Err(), "failed delivering %s", evt.Type)
	}
}

// Close stops both ends of the pipe.
func (self *PipeEnd) Close() {
	self.once.Do(func() { close(self.closing) })
}

// Filtered returns the number of Events dropped by the PipeEnd filter.
func (self *PipeEnd) Filtered() int64 {
	return self.filtered.Load()
}

// Routed returns the number of inbound Events the PipeEnd processed.
func (self *PipeEnd) Routed() int64 {
	return self.routed.Load()
}

func (self *PipeEnd) pump(ctx context.Context) {
	for {
		select {
		case evt := <-self.queue:
			self.routeOrLog(ctx, evt)
			self.routed.Add(1)
		case <-self.closing:
			return
		case <-ctx.Done():
			return
		}
	}
}

var _ Port = &PipeEnd{}
