// Package channel implements the channel protocol engine.
//
// An Engine runs the OPEN, MESSAGE & CLOSE request/confirm handshakes, plus the
// declared extension actions, over a transport.Port. Each confirm carries a Receipt
// sealed with the channel shared key that binds it to the request it answers.
//
// An Engine processes inbound Events one at a time from its own queue; outbound
// operations may be called concurrently.
package channel

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"code.kerpass.org/channel/internal/observability"
	"code.kerpass.org/channel/pkg/dispatch"
	"code.kerpass.org/channel/pkg/event"
	"code.kerpass.org/channel/pkg/identity"
	"code.kerpass.org/channel/pkg/peer"
	"code.kerpass.org/channel/pkg/receipt"
	"code.kerpass.org/channel/pkg/transport"
)

// inboxSize bounds the inbound Events waiting for processing.
const inboxSize = 64

// Engine is one side of a channel.
type Engine struct {
	id        string
	typ       string
	identity  identity.Identity
	authority receipt.Authority
	port      transport.Port
	options   dispatch.Options
	strict    bool
	idle      time.Duration
	store     Store
	actions   map[string]actionSpec
	handlers  map[event.Type]handler
	validator event.Validator
	table     *dispatch.Table
	bus       *Bus

	inbox      chan event.Event
	stop       chan struct{}
	stopOnce   sync.Once
	unregister func()
	lastActive atomic.Int64

	mut       sync.Mutex
	state     State
	peer      *peer.Session
	entries   []Entry
	seen      map[string]struct{}
	responses map[string]event.Event
	nextId    string
	peerNext  string
}

// reaction holds what processing an inbound Event produced.
type reaction struct {
	reply *event.Event
	notes []Note
	save  bool
}

type handler func(ctx context.Context, evt event.Event) reaction

// New returns a running Engine configured by cfg.
//
// The Engine registers on cfg.Port and processes inbound Events until ctx is done
// or Stop is called.
func New(ctx context.Context, cfg Cfg) (*Engine, error) {
	self, err := newEngine(cfg)
	if nil != err {
		return nil, err
	}
	err = self.start(ctx)
	if nil != err {
		return nil, err
	}
	return self, nil
}

func newEngine(cfg Cfg) (*Engine, error) {
	if "" == cfg.ChannelId {
		cfg.ChannelId = uuid.NewString()
	}
	err := cfg.Check()
	if nil != err {
		return nil, wrapError(err, "invalid Cfg")
	}
	actions, err := declareActions(cfg.Actions)
	if nil != err {
		return nil, wrapError(err, "invalid Actions")
	}

	self := &Engine{
		id:        cfg.ChannelId,
		typ:       cfg.Type,
		identity:  cfg.Identity,
		authority: receipt.Authority{Identity: cfg.Identity},
		port:      cfg.Port,
		options:   cfg.Options,
		strict:    cfg.StrictChain,
		idle:      cfg.IdleTimeout,
		store:     cfg.Store,
		actions:   actions,
		bus:       NewBus(),
		inbox:     make(chan event.Event, inboxSize),
		stop:      make(chan struct{}),
		seen:      make(map[string]struct{}),
		responses: make(map[string]event.Event),
	}
	self.table, err = dispatch.New(self.deliver)
	if nil != err {
		return nil, wrapError(err, "failed creating dispatch Table")
	}
	self.handlers = self.buildHandlers()
	self.validator = event.Validator{ChannelId: self.id, Declared: self.declared}
	self.touch()
	return self, nil
}

// buildHandlers maps every declared Event Type to the function that processes it.
func (self *Engine) buildHandlers() map[event.Type]handler {
	rv := map[event.Type]handler{
		event.OpenRequest: self.onOpenRequest,
		event.OpenConfirm: self.onConfirm,
		event.ErrorType(event.ActionOpen, event.PhaseConfirm): self.onPeerError,
	}
	for name, spec := range self.actions {
		rv[event.RequestType(name)] = self.actionRequestHandler(spec)
		rv[event.ConfirmType(name)] = self.onConfirm
		rv[event.ErrorType(name, event.PhaseConfirm)] = self.onPeerError
	}
	return rv
}

func (self *Engine) declared(t event.Type) bool {
	_, found := self.handlers[t]
	return found
}

func (self *Engine) start(ctx context.Context) error {
	ctx = observability.WithAttrs(ctx, "channelId", self.id)
	unregister, err := self.port.Register(self.id, self.Receive)
	if nil != err {
		return wrapError(err, "failed registering channel on Port")
	}
	self.unregister = unregister
	go self.run(ctx)
	return nil
}

func (self *Engine) run(ctx context.Context) {
	var idle <-chan time.Time
	var timer *time.Timer
	if self.idle > 0 {
		timer = time.NewTimer(self.idle)
		defer timer.Stop()
		idle = timer.C
	}

	for {
		select {
		case evt := <-self.inbox:
			self.process(ctx, evt)
		case <-idle:
			remaining := self.idle - self.Idle()
			if remaining > 0 || self.table.Pending() > 0 {
				timer.Reset(max(remaining, self.idle/4))
				continue
			}
			observability.GetObservability(ctx).Log().Info("stopping idle channel", "state", self.State())
			self.Stop()
			return
		case <-self.stop:
			return
		case <-ctx.Done():
			self.Stop()
			return
		}
	}
}

// Stop detaches the Engine from its Port and rejects pending requests with
// dispatch.ErrChannelClosed. Stop does not run the CLOSE handshake.
func (self *Engine) Stop() {
	self.stopOnce.Do(func() {
		close(self.stop)
		if nil != self.unregister {
			self.unregister()
		}
		self.table.Close(flagError(ErrStopped, nil, "engine stopped"))
	})
}

// Receive queues inbound Event evt for processing.
// It is the transport.Handler the Engine registers on its Port.
func (self *Engine) Receive(ctx context.Context, evt event.Event) {
	select {
	case self.inbox <- evt:
	case <-self.stop:
	case <-ctx.Done():
	}
}

// Done returns a channel that is closed once the Engine is stopped.
func (self *Engine) Done() <-chan struct{} {
	return self.stop
}

// Idle returns how long ago the Engine last received or sent an Event.
func (self *Engine) Idle() time.Duration {
	return time.Since(time.Unix(0, self.lastActive.Load()))
}

func (self *Engine) touch() {
	self.lastActive.Store(time.Now().UnixNano())
}

// ChannelId returns the channel identifier.
func (self *Engine) ChannelId() string {
	return self.id
}

// Type returns the name of the channel transport binding.
func (self *Engine) Type() string {
	return self.typ
}

// State returns the current channel State.
func (self *Engine) State() State {
	self.mut.Lock()
	defer self.mut.Unlock()
	return self.state
}

// Peer returns the remote party Session, nil until the channel is opened.
func (self *Engine) Peer() *peer.Session {
	self.mut.Lock()
	defer self.mut.Unlock()
	return self.peer
}

// Log returns a copy of the channel event log.
func (self *Engine) Log() []Entry {
	self.mut.Lock()
	defer self.mut.Unlock()
	return slices.Clone(self.entries)
}

// Pending returns the number of requests waiting for a confirm.
func (self *Engine) Pending() int {
	return self.table.Pending()
}

// Subscribe calls fn with every Note published on topic, see Bus Subscribe.
func (self *Engine) Subscribe(topic string, fn Subscriber) func() {
	return self.bus.Subscribe(topic, fn)
}

// SubscribeAll subscribes fn to each of topics.
func (self *Engine) SubscribeAll(topics []string, fn Subscriber) func() {
	return self.bus.SubscribeAll(topics, fn)
}

func (self *Engine) deliver(ctx context.Context, evt event.Event) error {
	self.touch()
	return self.port.Deliver(ctx, evt)
}

func (self *Engine) deliverOrLog(ctx context.Context, evt event.Event) {
	err := self.deliver(ctx, evt)
	if nil != err {
		observability.GetObservability(ctx).Log().Error(
			"failed delivering event",
			"type", evt.Type,
			"eventId", evt.Metadata.EventId,
			"error", err,
		)
	}
}

// process runs the handler of inbound Event evt.
// Invalid Events are dropped, they may come from unrelated traffic sharing the transport.
func (self *Engine) process(ctx context.Context, evt event.Event) {
	err := self.validator.Check(evt)
	if nil != err {
		observability.GetObservability(ctx).Log().Debug("dropped invalid event", "type", evt.Type, "error", err)
		return
	}
	self.touch()

	replay, accepted := self.admit(ctx, evt)
	if nil != replay {
		self.deliverOrLog(ctx, *replay)
	}
	if !accepted {
		return
	}

	h := self.handlers[evt.Type]
	r := h(ctx, evt)
	if nil != r.reply {
		self.deliverOrLog(ctx, *r.reply)
	}
	for _, n := range r.notes {
		self.bus.Publish(ctx, n)
	}
	if r.save {
		self.autoSave(ctx)
	}
}

// admit appends evt to the event log unless it was already received, in which case
// it returns the response that was sent for it, if any.
func (self *Engine) admit(ctx context.Context, evt event.Event) (*event.Event, bool) {
	log := observability.GetObservability(ctx).Log()
	eventId := evt.Metadata.EventId

	self.mut.Lock()
	defer self.mut.Unlock()
	if _, dup := self.seen[eventId]; dup {
		log.Debug("duplicated event", "type", evt.Type, "eventId", eventId)
		if resp, found := self.responses[eventId]; found {
			return &resp, false
		}
		return nil, false
	}
	if "" != self.peerNext && eventId != self.peerNext {
		if self.strict {
			err := flagError(ErrChainBroken, nil, "expected event %s", self.peerNext)
			log.Info("dropped out of chain event", "type", evt.Type, "eventId", eventId, "error", err)
			return nil, false
		}
		log.Debug("event chain gap", "type", evt.Type, "eventId", eventId, "expected", self.peerNext)
	}

	self.seen[eventId] = struct{}{}
	if "" != evt.Metadata.NextEventId {
		self.peerNext = evt.Metadata.NextEventId
	}
	self.entries = append(self.entries, Entry{Event: evt, Inbound: true})
	return nil, true
}

func (self *Engine) onOpenRequest(ctx context.Context, req event.Event) reaction {
	inNote := Note{Event: req, Inbound: true}
	if nil == req.Data {
		return self.replyError(ctx, req, inNote, flagError(peer.ErrInvalidPeerInfo, nil, "OPEN_REQUEST without data"))
	}
	info := peer.Info{Identifier: req.Data.Identifier}
	if nil != req.Data.PublicKeys {
		info.PublicKeys = *req.Data.PublicKeys
	}

	self.mut.Lock()
	state, current := self.state, self.peer
	self.mut.Unlock()
	if !state.admits(event.ActionOpen) && !(Open == state && current.Same(info)) {
		return self.replyError(ctx, req, inNote, flagError(ErrInvalidState, nil, "can not open %s channel", state))
	}
	sess, err := peer.Establish(self.identity, info)
	if nil != err {
		return self.replyError(ctx, req, inNote, err)
	}
	rcpt, err := self.authority.NewReceipt(event.OpenConfirm, req, nil, self.localParty(), sess.Party())
	if nil != err {
		return self.replyError(ctx, req, inNote, err)
	}
	digest, err := self.authority.Seal(rcpt, sess.SharedKey())
	if nil != err {
		return self.replyError(ctx, req, inNote, err)
	}
	pk := self.identity.PublicKeys()
	data := &event.Data{Identifier: self.identity.Identifier(), PublicKeys: &pk, Receipt: digest}

	self.mut.Lock()
	// a peer that missed the OPEN_CONFIRM of an Open channel may open it again
	reopen := Open == self.state && self.peer.Same(info)
	if !reopen && Unopened != self.state {
		state := self.state
		self.mut.Unlock()
		return self.replyError(ctx, req, inNote, flagError(ErrInvalidState, nil, "can not open %s channel", state))
	}
	confirm, err := event.Create(event.OpenConfirm, self.nextMetadata(req), data, nil)
	if nil != err {
		self.mut.Unlock()
		return self.replyError(ctx, req, inNote, err)
	}
	if !reopen {
		self.state = Open
		self.peer = sess
		self.table.SetOpen(true)
	}
	self.record(req, confirm, &rcpt)
	self.mut.Unlock()

	log := observability.GetObservability(ctx).Log()
	if reopen {
		log.Info("channel reopened", "peer", sess.Identifier())
	} else {
		log.Info("channel opened", "peer", sess.Identifier(), "role", "responder")
	}
	return reaction{
		reply: &confirm,
		notes: []Note{inNote, {Event: confirm, Receipt: &rcpt}},
		save:  true,
	}
}

// actionRequestHandler returns the handler of spec requests, which all carry
// a digest protected with the channel shared key.
func (self *Engine) actionRequestHandler(spec actionSpec) handler {
	confirmType := event.ConfirmType(spec.name)
	return func(ctx context.Context, req event.Event) reaction {
		inNote := Note{Event: req, Inbound: true}

		self.mut.Lock()
		state, sess := self.state, self.peer
		self.mut.Unlock()
		if !state.admits(spec.name) || nil == sess {
			err := flagError(dispatch.ErrChannelClosed, nil, "can not accept %s on %s channel", req.Type, state)
			return self.replyError(ctx, req, inNote, err)
		}
		if 0 == len(req.Digest) {
			return self.replyError(ctx, req, inNote, newError("%s without digest", req.Type))
		}

		key := sess.SharedKey()
		var payload cbor.RawMessage
		err := self.authority.Unprotect(req.Digest, key, sess.PublicKeys().Signer, &payload)
		if nil != err {
			return self.replyError(ctx, req, inNote, wrapError(err, "failed opening %s", req.Type))
		}
		inNote.Payload = payload

		result, err := spec.onRequest(ctx, Request{Event: req, Payload: payload})
		if nil != err {
			return self.replyError(ctx, req, inNote, err)
		}
		var parties []receipt.Party
		if spec.withParties {
			parties = []receipt.Party{self.localParty(), sess.Party()}
		}
		rcpt, err := self.authority.NewReceipt(confirmType, req, result, parties...)
		if nil != err {
			return self.replyError(ctx, req, inNote, err)
		}
		digest, err := self.authority.Seal(rcpt, key)
		if nil != err {
			return self.replyError(ctx, req, inNote, err)
		}

		self.mut.Lock()
		confirm, err := event.Create(confirmType, self.nextMetadata(req), nil, digest)
		if nil != err {
			self.mut.Unlock()
			return self.replyError(ctx, req, inNote, err)
		}
		self.record(req, confirm, &rcpt)
		if spec.closes {
			self.state = Closed
		}
		self.mut.Unlock()

		if spec.closes {
			self.table.Close(nil)
			observability.GetObservability(ctx).Log().Info("channel closed", "role", "responder")
		}
		return reaction{
			reply: &confirm,
			notes: []Note{inNote, {Event: confirm, Receipt: &rcpt}},
			save:  spec.closes,
		}
	}
}

func (self *Engine) onConfirm(ctx context.Context, confirm event.Event) reaction {
	if !self.table.Resolve(confirm) {
		observability.GetObservability(ctx).Log().Debug(
			"ignored confirm",
			"type", confirm.Type,
			"requestId", confirm.Metadata.RequestId,
		)
	}
	return reaction{}
}

func (self *Engine) onPeerError(ctx context.Context, evt event.Event) reaction {
	var msg, code string
	if nil != evt.Data {
		msg, code = evt.Data.Error, evt.Data.Code
	}
	err := flagError(dispatch.ErrPeer, nil, "peer raised %s [%s] %s", evt.Type, code, msg)
	if !self.table.Reject(evt) {
		observability.GetObservability(ctx).Log().Debug("peer error without pending request", "type", evt.Type)
	}
	return reaction{notes: []Note{{Event: evt, Inbound: true, Err: err}}}
}

// replyError answers req with an {ACTION}_CONFIRM_ERROR Event so that the peer
// rejects its pending request without waiting for a timeout.
func (self *Engine) replyError(ctx context.Context, req event.Event, inNote Note, cause error) reaction {
	log := observability.GetObservability(ctx).Log()
	log.Info("failed processing request", "type", req.Type, "eventId", req.Metadata.EventId, "error", cause)

	data := &event.Data{Error: errorSummary(cause), Code: ErrorCode(cause)}
	errType := event.ErrorType(req.Type.Action(), event.PhaseConfirm)

	self.mut.Lock()
	errEvt, err := event.Create(errType, self.nextMetadata(req), data, nil)
	if nil == err {
		self.record(req, errEvt, nil)
	}
	self.mut.Unlock()
	if nil != err {
		log.Error("failed creating error event", "type", errType, "error", err)
		return reaction{notes: []Note{inNote}}
	}
	return reaction{reply: &errEvt, notes: []Note{inNote, {Event: errEvt, Err: cause}}}
}

// nextMetadata returns the Metadata of the next Event sent by the Engine, it continues
// the Engine nextEventId chain. req is the answered request, it may be empty.
// It must be called with mut locked.
func (self *Engine) nextMetadata(req event.Event) event.Metadata {
	md := event.Metadata{
		EventId:     self.nextId,
		ChannelId:   self.id,
		NextEventId: uuid.NewString(),
		RequestId:   req.Metadata.EventId,
		MessageId:   req.Metadata.MessageId,
	}
	if "" == md.EventId {
		md.EventId = uuid.NewString()
	}
	self.nextId = md.NextEventId
	return md
}

// record logs resp, the response sent to req, and caches it for duplicated req.
// It must be called with mut locked.
func (self *Engine) record(req event.Event, resp event.Event, rcpt *receipt.Receipt) {
	self.responses[req.Metadata.EventId] = resp
	self.entries = append(self.entries, Entry{Event: resp, Receipt: rcpt})
}

// attachReceipt sets the Receipt of the logged inbound confirm eventId.
// It must be called with mut locked.
func (self *Engine) attachReceipt(eventId string, rcpt receipt.Receipt) {
	for pos := len(self.entries) - 1; pos >= 0; pos-- {
		entry := &self.entries[pos]
		if entry.Inbound && eventId == entry.Event.Metadata.EventId {
			entry.Receipt = &rcpt
			return
		}
	}
}

func (self *Engine) localParty() receipt.Party {
	return receipt.Party{Identifier: self.identity.Identifier(), PublicKeys: self.identity.PublicKeys()}
}

// Acceptor returns a transport.AcceptFunc that creates a responder Engine for
// inbound OPEN_REQUEST Events addressed to unknown channels.
//
// The created Engines are configured by tmpl with the ChannelId of the OPEN_REQUEST,
// they run until ctx is done. onAccept may be nil.
func Acceptor(ctx context.Context, tmpl Cfg, onAccept func(eng *Engine)) transport.AcceptFunc {
	return func(_ context.Context, evt event.Event) error {
		if event.OpenRequest != evt.Type {
			return newError("can not accept channel with %s", evt.Type)
		}
		cfg := tmpl
		cfg.ChannelId = evt.Metadata.ChannelId
		eng, err := New(ctx, cfg)
		if nil != err {
			return err
		}
		observability.GetObservability(ctx).Log().Debug("accepted channel", "channelId", cfg.ChannelId)
		if nil != onAccept {
			onAccept(eng)
		}
		return nil
	}
}
