// Package dispatch tracks the requests a channel has sent and is waiting confirms for.
package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"code.kerpass.org/channel/internal/observability"
	"code.kerpass.org/channel/pkg/event"
)

// DeliverFunc forwards an Event to the connected peer.
type DeliverFunc func(ctx context.Context, evt event.Event) error

// MatchFunc decides if confirm answers the pending request.
//
// It returns false & a nil error if confirm belongs to another request, in which case
// the request keeps waiting. A non nil error rejects the request.
type MatchFunc func(confirm event.Event) (bool, error)

type result struct {
	confirm event.Event
	err     error
}

type waiter struct {
	eventId string
	match   MatchFunc
	once    sync.Once
	done    chan result
}

func (self *waiter) finish(r result) bool {
	var finished bool
	self.once.Do(func() {
		self.done <- r
		finished = true
	})
	return finished
}

// Table holds the requests of a channel that wait for a confirm.
//
// A Table holds at most one active waiter per confirm Type, later requests of the
// same Type wait for the slot to be released.
type Table struct {
	deliver DeliverFunc

	mut     sync.Mutex
	open    bool
	closed  bool
	cause   error
	waiters map[event.Type]*waiter
	slots   map[event.Type]chan struct{}

	timeouts atomic.Int64
	resends  atomic.Int64
}

// New returns a Table that sends requests with deliver.
func New(deliver DeliverFunc) (*Table, error) {
	if nil == deliver {
		return nil, newError("nil DeliverFunc")
	}
	return &Table{
		deliver: deliver,
		waiters: make(map[event.Type]*waiter),
		slots:   make(map[event.Type]chan struct{}),
	}, nil
}

// SetOpen records if the channel is open.
// While not open, the Table rejects every request except OPEN_REQUEST.
func (self *Table) SetOpen(open bool) {
	self.mut.Lock()
	defer self.mut.Unlock()
	self.open = open
}

// Close rejects all pending requests with ErrChannelClosed and makes further Dispatch fail.
func (self *Table) Close(cause error) {
	self.mut.Lock()
	if self.closed {
		self.mut.Unlock()
		return
	}
	self.closed = true
	self.open = false
	self.cause = cause
	waiters := self.waiters
	self.waiters = make(map[event.Type]*waiter)
	self.mut.Unlock()

	for typ, w := range waiters {
		w.finish(result{err: flagError(ErrChannelClosed, cause, "channel closed while waiting %s", typ)})
	}
}

// Pending returns the number of requests waiting for a confirm.
func (self *Table) Pending() int {
	self.mut.Lock()
	defer self.mut.Unlock()
	return len(self.waiters)
}

// Timeouts returns how many delivery attempts expired since the Table was created.
func (self *Table) Timeouts() int64 {
	return self.timeouts.Load()
}

// Resends returns how many requests were resent following a timeout.
func (self *Table) Resends() int64 {
	return self.resends.Load()
}

// Dispatch delivers req and waits for the confirm accepted by match.
//
// Each delivery attempt is granted opts.Timeout; after a timeout req is resent while
// retries remain, otherwise Dispatch errors with ErrRequestTimeout.
// Dispatch fails immediately with ErrChannelClosed if the channel is not open,
// unless req is an OPEN_REQUEST.
func (self *Table) Dispatch(ctx context.Context, req event.Event, opts Options, match MatchFunc) (event.Event, error) {
	return self.Submit(ctx, req.Type, func() (event.Event, error) { return req, nil }, opts, match)
}

// BuildFunc returns the request a Table sends.
type BuildFunc func() (event.Event, error)

// Submit is like Dispatch, but the request of type reqType is obtained from build once
// its confirm slot is acquired. build is not called if Submit fails before that.
//
// Submit errors with ErrNotSent if the built request never reached the transport.
func (self *Table) Submit(ctx context.Context, reqType event.Type, build BuildFunc, opts Options, match MatchFunc) (event.Event, error) {
	var none event.Event
	opts = opts.Apply()
	err := opts.Check()
	if nil != err {
		return none, wrapError(err, "invalid Options")
	}
	if nil == match {
		return none, newError("nil MatchFunc")
	}
	if nil == build {
		return none, newError("nil BuildFunc")
	}
	confirmType := reqType.ConfirmType()
	if "" == confirmType {
		return none, newError("can not dispatch %s event", reqType)
	}
	if err = self.gate(reqType); nil != err {
		return none, err
	}
	if err = ctx.Err(); nil != err {
		return none, wrapError(err, "canceled before sending %s", reqType)
	}

	// wait for the confirmType slot
	slot := self.slot(confirmType)
	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return none, wrapError(ctx.Err(), "canceled while waiting %s slot", confirmType)
	}
	defer func() { <-slot }()

	req, err := build()
	if nil != err {
		return none, wrapError(err, "failed building %s", reqType)
	}
	if reqType != req.Type {
		return none, flagError(ErrNotSent, nil, "built %s, expected %s", req.Type, reqType)
	}

	log := observability.GetObservability(ctx).Log().With("request", req.Type, "eventId", req.Metadata.EventId)

	w := &waiter{eventId: req.Metadata.EventId, match: match, done: make(chan result, 1)}
	err = self.register(reqType, confirmType, w)
	if nil != err {
		return none, flagError(ErrNotSent, err, "%s not sent", req.Type)
	}
	defer self.release(confirmType, w)

	timer := time.NewTimer(opts.Timeout)
	defer timer.Stop()
	retries := opts.Retries
	for attempt := 0; ; attempt++ {
		log.Debug("delivering request", "attempt", attempt)
		err = self.deliver(ctx, req)
		if nil != err {
			err = flagError(ErrTransport, err, "failed delivering %s", req.Type)
			if 0 == attempt {
				return none, flagError(ErrNotSent, err, "%s not sent", req.Type)
			}
			return none, err
		}

		select {
		case r := <-w.done:
			return r.confirm, r.err

		case <-timer.C:
			self.timeouts.Add(1)
			// a confirm may have been accepted while the timer fired
			select {
			case r := <-w.done:
				return r.confirm, r.err
			default:
			}
			if retries > 0 {
				retries -= 1
				self.resends.Add(1)
				log.Debug("request timeout, resending", "retriesLeft", retries)
				timer.Reset(opts.Timeout)
				continue
			}
			log.Debug("request timeout, no retry left")
			return none, flagError(
				ErrRequestTimeout,
				nil,
				"no %s after %d attempt(s) of %v",
				confirmType,
				attempt+1,
				opts.Timeout,
			)

		case <-ctx.Done():
			return none, wrapError(ctx.Err(), "canceled while waiting %s", confirmType)
		}
	}
}

// Resolve passes confirm to the request waiting for its Type.
//
// It returns false if no request waits for confirm, so that replayed confirms are no-ops.
func (self *Table) Resolve(confirm event.Event) bool {
	self.mut.Lock()
	w := self.waiters[confirm.Type]
	self.mut.Unlock()
	if nil == w {
		return false
	}

	matched, err := w.match(confirm)
	if nil == err && !matched {
		return false
	}
	if !self.release(confirm.Type, w) {
		return false
	}
	if nil != err {
		return w.finish(result{err: wrapError(err, "rejected %s", confirm.Type)})
	}
	return w.finish(result{confirm: confirm})
}

// Reject fails the request answered by peer error Event errEvt.
//
// errEvt must be an {ACTION}_CONFIRM_ERROR whose RequestId is the pending request EventId.
func (self *Table) Reject(errEvt event.Event) bool {
	confirmType := event.ConfirmType(errEvt.Type.Action())
	self.mut.Lock()
	w := self.waiters[confirmType]
	self.mut.Unlock()
	if nil == w || w.eventId != errEvt.Metadata.RequestId {
		return false
	}
	if !self.release(confirmType, w) {
		return false
	}
	var msg string
	if nil != errEvt.Data {
		msg = errEvt.Data.Error
	}
	return w.finish(result{err: flagError(ErrPeer, nil, "peer failed processing request, %s", msg)})
}

func (self *Table) gate(reqType event.Type) error {
	self.mut.Lock()
	defer self.mut.Unlock()
	return self.gateLocked(reqType)
}

func (self *Table) gateLocked(reqType event.Type) error {
	if self.closed {
		return flagError(ErrChannelClosed, self.cause, "channel closed, can not send %s", reqType)
	}
	if !self.open && event.OpenRequest != reqType {
		return flagError(ErrChannelClosed, nil, "channel not open, can not send %s", reqType)
	}
	return nil
}

func (self *Table) slot(confirmType event.Type) chan struct{} {
	self.mut.Lock()
	defer self.mut.Unlock()
	slot, found := self.slots[confirmType]
	if !found {
		slot = make(chan struct{}, 1)
		self.slots[confirmType] = slot
	}
	return slot
}

func (self *Table) register(reqType event.Type, confirmType event.Type, w *waiter) error {
	self.mut.Lock()
	defer self.mut.Unlock()
	err := self.gateLocked(reqType)
	if nil != err {
		return err
	}
	self.waiters[confirmType] = w
	return nil
}

// release removes w if it is still the waiter of confirmType.
func (self *Table) release(confirmType event.Type, w *waiter) bool {
	self.mut.Lock()
	defer self.mut.Unlock()
	if self.waiters[confirmType] != w {
		return false
	}
	delete(self.waiters, confirmType)
	return true
}
