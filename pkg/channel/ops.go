package channel

import (
	"context"
	"errors"
	"slices"

	"github.com/google/uuid"

	"code.kerpass.org/channel/internal/observability"
	"code.kerpass.org/channel/pkg/dispatch"
	"code.kerpass.org/channel/pkg/event"
	"code.kerpass.org/channel/pkg/peer"
	"code.kerpass.org/channel/pkg/receipt"
)

// Open runs the OPEN handshake.
//
// Open sends the local identifier & public keys, and waits for an OPEN_CONFIRM whose
// Receipt verifies under the shared key derived from the responder public keys.
// The channel stays Unopened if Open fails.
func (self *Engine) Open(ctx context.Context, opts ...dispatch.Option) error {
	ctx = observability.WithAttrs(ctx, "channelId", self.id)
	pk := self.identity.PublicKeys()
	data := &event.Data{Identifier: self.identity.Identifier(), PublicKeys: &pk}

	if err := self.checkOpenable(); nil != err {
		return err
	}
	req := event.Event{Type: event.OpenRequest}
	build := func() (event.Event, error) {
		self.mut.Lock()
		defer self.mut.Unlock()
		err := self.checkOpenableLocked()
		if nil != err {
			return req, err
		}
		evt, err := self.newRequest(event.OpenRequest, data, nil, "")
		if nil != err {
			return req, err
		}
		req = evt
		return req, nil
	}

	var rcpt receipt.Receipt
	confirm, err := self.table.Submit(ctx, event.OpenRequest, self.publishing(ctx, build), self.options.Apply(opts...), func(confirm event.Event) (bool, error) {
		return self.acceptOpen(req, confirm, &rcpt)
	})
	if nil != err {
		if errors.Is(err, dispatch.ErrNotSent) {
			self.unchain(req)
		}
		self.fail(ctx, req, err)
		return err
	}

	observability.GetObservability(ctx).Log().Info("channel opened", "peer", self.Peer().Identifier(), "role", "requester")
	self.bus.Publish(ctx, Note{Event: confirm, Inbound: true, Receipt: &rcpt})
	self.autoSave(ctx)
	return nil
}

func (self *Engine) checkOpenable() error {
	self.mut.Lock()
	defer self.mut.Unlock()
	return self.checkOpenableLocked()
}

// checkOpenableLocked errors if the channel State does not admit OPEN.
// It must be called with mut locked.
func (self *Engine) checkOpenableLocked() error {
	state := self.state
	if state.admits(event.ActionOpen) {
		return nil
	}
	if Open == state {
		return flagError(ErrInvalidState, nil, "channel already open")
	}
	return flagError(dispatch.ErrChannelClosed, nil, "can not open %s channel", state)
}

// acceptOpen is the MatchFunc of OPEN requests.
func (self *Engine) acceptOpen(req event.Event, confirm event.Event, dst *receipt.Receipt) (bool, error) {
	if nil == confirm.Data {
		return false, flagError(peer.ErrInvalidPeerInfo, nil, "OPEN_CONFIRM without data")
	}
	info := peer.Info{Identifier: confirm.Data.Identifier}
	if nil != confirm.Data.PublicKeys {
		info.PublicKeys = *confirm.Data.PublicKeys
	}
	sess, err := peer.Establish(self.identity, info)
	if nil != err {
		return false, err
	}
	rcpt, err := self.authority.VerifyRequest(confirm.Data.Receipt, sess.SharedKey(), info.PublicKeys.Signer, req)
	if errors.Is(err, receipt.ErrReceiptMismatch) {
		return false, nil
	}
	if nil != err {
		return false, err
	}
	err = self.checkParties(rcpt, info)
	if nil != err {
		return false, err
	}

	self.mut.Lock()
	defer self.mut.Unlock()
	switch {
	case Open == self.state && self.peer.Same(info):
		// both parties opened simultaneously, the inbound OPEN_REQUEST was processed first
	case Unopened == self.state:
		self.state = Open
		self.peer = sess
		self.table.SetOpen(true)
	default:
		return false, flagError(ErrInvalidState, nil, "can not open %s channel", self.state)
	}
	self.attachReceipt(confirm.Metadata.EventId, rcpt)
	*dst = rcpt
	return true, nil
}

// Message sends msg protected with the channel shared key.
//
// Message returns the MESSAGE_CONFIRM Receipt, its Payload holds the Message the
// responder decrypted. It fails immediately with dispatch.ErrChannelClosed if the
// channel is not open.
func (self *Engine) Message(ctx context.Context, msg []byte, opts ...dispatch.Option) (receipt.Receipt, error) {
	return self.request(ctx, event.ActionMessage, Message{Body: msg}, opts)
}

// Request runs the handshake of extension action with the given payload.
// It returns the confirm Receipt, whose Payload holds the responder OnRequest result.
func (self *Engine) Request(ctx context.Context, action string, payload any, opts ...dispatch.Option) (receipt.Receipt, error) {
	if isCoreAction(action) {
		return receipt.Receipt{}, flagError(ErrUndeclaredAction, nil, "%s is not an extension action", action)
	}
	return self.request(ctx, action, payload, opts)
}

// Close runs the CLOSE handshake.
//
// If the CLOSE_CONFIRM does not arrive in time, the channel is closed anyway and
// Close returns the dispatch.ErrRequestTimeout error. Closing a Closed channel is a no-op.
func (self *Engine) Close(ctx context.Context, reason string, opts ...dispatch.Option) error {
	if Closed == self.State() {
		return nil
	}
	_, err := self.request(ctx, event.ActionClose, CloseRequest{Reason: reason}, opts)
	if nil != err {
		return err
	}
	self.table.Close(nil)
	observability.GetObservability(ctx).Log().Info("channel closed", "channelId", self.id, "role", "requester")
	self.autoSave(ctx)
	return nil
}

// closeOnTimeout closes the channel locally after an unconfirmed CLOSE request.
func (self *Engine) closeOnTimeout(ctx context.Context, cause error) {
	self.mut.Lock()
	if self.state.canMove(Closed) {
		self.state = Closed
	}
	self.mut.Unlock()
	self.table.Close(cause)
	observability.GetObservability(ctx).Log().Info("channel closed on timeout", "channelId", self.id)
	self.autoSave(ctx)
}

// request dispatches an action whose payload travels as a protected digest.
func (self *Engine) request(ctx context.Context, action string, payload any, opts []dispatch.Option) (receipt.Receipt, error) {
	var none receipt.Receipt
	ctx = observability.WithAttrs(ctx, "channelId", self.id)
	spec, found := self.actions[action]
	if !found {
		return none, flagError(ErrUndeclaredAction, nil, "action %s not declared", action)
	}

	self.mut.Lock()
	state, sess := self.state, self.peer
	self.mut.Unlock()
	if !state.admits(action) || nil == sess {
		return none, flagError(dispatch.ErrChannelClosed, nil, "can not send %s on %s channel", action, state)
	}
	digest, err := self.authority.Protect(payload, sess.SharedKey())
	if nil != err {
		return none, wrapError(err, "failed protecting %s payload", action)
	}
	var messageId string
	if event.ActionMessage == action {
		messageId = uuid.NewString()
	}

	req := event.Event{Type: event.RequestType(action)}
	build := func() (event.Event, error) {
		self.mut.Lock()
		defer self.mut.Unlock()
		if !self.state.admits(action) {
			return req, flagError(dispatch.ErrChannelClosed, nil, "can not send %s on %s channel", action, self.state)
		}
		evt, err := self.newRequest(req.Type, nil, digest, messageId)
		if nil != err {
			return req, err
		}
		req = evt
		return req, nil
	}

	var rcpt receipt.Receipt
	confirm, err := self.table.Submit(ctx, req.Type, self.publishing(ctx, build), self.options.Apply(opts...), func(confirm event.Event) (bool, error) {
		return self.acceptConfirm(spec, sess, req, confirm, &rcpt)
	})
	if nil != err {
		if errors.Is(err, dispatch.ErrNotSent) {
			self.unchain(req)
		}
		if spec.closes && errors.Is(err, dispatch.ErrRequestTimeout) {
			self.closeOnTimeout(ctx, err)
		}
		self.fail(ctx, req, err)
		return none, err
	}

	self.bus.Publish(ctx, Note{Event: confirm, Inbound: true, Receipt: &rcpt})
	return rcpt, nil
}

// newRequest returns a request Event that continues the Engine nextEventId chain and
// logs it. The chain is left unchanged if the Event can not be created.
// It must be called with mut locked.
func (self *Engine) newRequest(typ event.Type, data *event.Data, digest []byte, messageId string) (event.Event, error) {
	prev := self.nextId
	md := self.nextMetadata(event.Event{})
	md.MessageId = messageId
	req, err := event.Create(typ, md, data, digest)
	if nil != err {
		self.nextId = prev
		return req, wrapError(err, "failed creating %s", typ)
	}
	self.entries = append(self.entries, Entry{Event: req})
	return req, nil
}

// publishing returns a BuildFunc that publishes the request build returns.
func (self *Engine) publishing(ctx context.Context, build dispatch.BuildFunc) dispatch.BuildFunc {
	return func() (event.Event, error) {
		req, err := build()
		if nil == err {
			self.bus.Publish(ctx, Note{Event: req})
		}
		return req, err
	}
}

// unchain gives the EventId of req, which never reached the peer, to the next Event
// unless another Event already followed req.
func (self *Engine) unchain(req event.Event) {
	eventId := req.Metadata.EventId
	self.mut.Lock()
	defer self.mut.Unlock()
	if "" == eventId || self.nextId != req.Metadata.NextEventId {
		return
	}
	self.nextId = eventId
	for pos := len(self.entries) - 1; pos >= 0; pos-- {
		entry := self.entries[pos]
		if !entry.Inbound && eventId == entry.Event.Metadata.EventId {
			self.entries = slices.Delete(self.entries, pos, pos+1)
			return
		}
	}
}

// acceptConfirm is the MatchFunc of digest requests.
func (self *Engine) acceptConfirm(spec actionSpec, sess *peer.Session, req event.Event, confirm event.Event, dst *receipt.Receipt) (bool, error) {
	if 0 == len(confirm.Digest) {
		return false, flagError(receipt.ErrReceiptVerification, nil, "%s without digest", confirm.Type)
	}
	rcpt, err := self.authority.VerifyRequest(confirm.Digest, sess.SharedKey(), sess.PublicKeys().Signer, req)
	if errors.Is(err, receipt.ErrReceiptMismatch) {
		return false, nil
	}
	if nil != err {
		return false, err
	}
	if spec.withParties {
		err = self.checkParties(rcpt, sess.Info())
		if nil != err {
			return false, err
		}
	}

	self.mut.Lock()
	defer self.mut.Unlock()
	self.attachReceipt(confirm.Metadata.EventId, rcpt)
	if spec.closes && self.state.canMove(Closed) {
		self.state = Closed
	}
	*dst = rcpt
	return true, nil
}

// checkParties errors if rcpt does not list both the local party and remote.
func (self *Engine) checkParties(rcpt receipt.Receipt, remote peer.Info) error {
	local, found := rcpt.Party(self.identity.Identifier())
	if !found || !local.PublicKeys.Equal(self.identity.PublicKeys()) {
		return flagError(receipt.ErrReceiptVerification, nil, "receipt misses local party")
	}
	other, found := rcpt.Party(remote.Identifier)
	if !found || !other.PublicKeys.Equal(remote.PublicKeys) {
		return flagError(receipt.ErrReceiptVerification, nil, "receipt misses party %s", remote.Identifier)
	}
	return nil
}

// fail publishes a local {ACTION}_REQUEST_ERROR Event for the failure of req.
// The Event is not sent to the peer.
func (self *Engine) fail(ctx context.Context, req event.Event, cause error) {
	log := observability.GetObservability(ctx).Log()
	log.Info("request failed", "type", req.Type, "eventId", req.Metadata.EventId, "error", cause)

	errType := event.ErrorType(req.Type.Action(), event.PhaseRequest)
	md := event.Metadata{ChannelId: self.id, RequestId: req.Metadata.EventId, MessageId: req.Metadata.MessageId}
	data := &event.Data{Error: errorSummary(cause), Code: ErrorCode(cause)}
	errEvt, err := event.Create(errType, md, data, nil)
	if nil != err {
		log.Error("failed creating error event", "type", errType, "error", err)
		return
	}
	self.bus.Publish(ctx, Note{Event: errEvt, Err: cause})
}
