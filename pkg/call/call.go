// Package call adds CALL & HANGUP actions to channel Engines.
//
// A CALL request carries a media Offer, the responder Answerer decides if the call is
// accepted and returns the media Answer embedded in the CALL_CONFIRM Receipt.
// Media negotiation itself is opaque to this package.
package call

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"code.kerpass.org/channel/internal/observability"
	"code.kerpass.org/channel/pkg/channel"
	"code.kerpass.org/channel/pkg/dispatch"
	"code.kerpass.org/channel/pkg/event"
)

const (
	ActionCall   = "CALL"
	ActionHangup = "HANGUP"
)

// Offer is the payload of CALL requests.
type Offer struct {
	CallId string `json:"callId" cbor:"1,keyasint"`
	Media  string `json:"media,omitempty" cbor:"2,keyasint,omitempty"`
}

// Answer is the payload of CALL Receipts.
type Answer struct {
	CallId   string `json:"callId" cbor:"1,keyasint"`
	Accepted bool   `json:"accepted" cbor:"2,keyasint"`
	Media    string `json:"media,omitempty" cbor:"3,keyasint,omitempty"`
}

// HangupRequest is the payload of HANGUP requests.
type HangupRequest struct {
	CallId string `json:"callId" cbor:"1,keyasint"`
	Reason string `json:"reason,omitempty" cbor:"2,keyasint,omitempty"`
}

// Answerer decides on the responder side if an inbound call is accepted.
type Answerer func(ctx context.Context, offer Offer) (Answer, error)

// Line tracks the call of a single channel. A Line holds at most one active call.
//
// Both channel parties use their own Line, whose Actions must be declared in the
// channel.Cfg of their Engine.
type Line struct {
	answerer Answerer

	mut    sync.Mutex
	active string
}

// NewLine returns a Line that answers inbound calls with answerer.
// A nil answerer declines every call.
func NewLine(answerer Answerer) *Line {
	return &Line{answerer: answerer}
}

// Actions returns the CALL & HANGUP channel.Actions served by the Line.
func (self *Line) Actions() []channel.Action {
	return []channel.Action{
		{Name: ActionCall, OnRequest: self.onCall},
		{Name: ActionHangup, OnRequest: self.onHangup},
	}
}

// Active returns the CallId of the active call, or an empty string.
func (self *Line) Active() string {
	self.mut.Lock()
	defer self.mut.Unlock()
	return self.active
}

// Watch ends the active call when eng is closed, whether the CLOSE handshake completed
// or the channel was closed locally after a CLOSE timeout.
// It returns a function that stops watching.
func (self *Line) Watch(eng *channel.Engine) func() {
	closeError := string(event.ErrorType(event.ActionClose, event.PhaseRequest))
	topics := []string{string(event.CloseConfirm), closeError}
	return eng.SubscribeAll(topics, func(ctx context.Context, n channel.Note) {
		if closeError == string(n.Event.Type) && channel.Closed != eng.State() {
			return
		}
		self.mut.Lock()
		callId := self.active
		self.active = ""
		self.mut.Unlock()
		if "" != callId {
			observability.GetObservability(ctx).Log().Debug("call ended by channel close", "callId", callId)
		}
	})
}

// Call places a call with the given media offer on eng.
//
// It returns the peer Answer once the CALL_CONFIRM Receipt is verified, or an error
// wrapping ErrDeclined if the peer did not accept the call.
func (self *Line) Call(ctx context.Context, eng *channel.Engine, media string, opts ...dispatch.Option) (Answer, error) {
	var answer Answer
	offer := Offer{CallId: uuid.NewString(), Media: media}
	err := self.reserve(offer.CallId)
	if nil != err {
		return answer, err
	}

	rcpt, err := eng.Request(ctx, ActionCall, offer, opts...)
	if nil == err {
		err = rcpt.Decode(&answer)
	}
	switch {
	case nil != err:
	case offer.CallId != answer.CallId:
		err = newError("answer for call %s, expected %s", answer.CallId, offer.CallId)
	case !answer.Accepted:
		err = flagError(ErrDeclined, "call %s declined", offer.CallId)
	}
	if nil != err {
		self.release(offer.CallId)
		return answer, err
	}

	observability.GetObservability(ctx).Log().Info("call started", "channelId", eng.ChannelId(), "callId", offer.CallId)
	return answer, nil
}

// Hangup ends the active call. The call is ended locally even if the HANGUP times out.
func (self *Line) Hangup(ctx context.Context, eng *channel.Engine, reason string, opts ...dispatch.Option) error {
	callId := self.Active()
	if "" == callId {
		return flagError(ErrNoCall, "nothing to hang up")
	}
	_, err := eng.Request(ctx, ActionHangup, HangupRequest{CallId: callId, Reason: reason}, opts...)
	if nil == err || errors.Is(err, dispatch.ErrRequestTimeout) {
		self.release(callId)
	}
	if nil != err {
		return wrapError(err, "failed hanging up call %s", callId)
	}
	observability.GetObservability(ctx).Log().Info("call ended", "channelId", eng.ChannelId(), "callId", callId)
	return nil
}

func (self *Line) onCall(ctx context.Context, req channel.Request) (any, error) {
	var offer Offer
	err := req.Decode(&offer)
	if nil != err {
		return nil, err
	}
	if "" == offer.CallId {
		return nil, newError("offer without CallId")
	}

	answer := Answer{CallId: offer.CallId}
	if nil == self.answerer {
		return answer, nil
	}
	if err = self.reserve(offer.CallId); nil != err {
		return nil, err
	}
	answer, err = self.answerer(ctx, offer)
	answer.CallId = offer.CallId
	if nil != err || !answer.Accepted {
		self.release(offer.CallId)
	}
	if nil != err {
		return nil, wrapError(err, "failed answering call %s", offer.CallId)
	}
	return answer, nil
}

func (self *Line) onHangup(_ context.Context, req channel.Request) (any, error) {
	var hr HangupRequest
	err := req.Decode(&hr)
	if nil != err {
		return nil, err
	}
	if !self.release(hr.CallId) {
		return nil, flagError(ErrNoCall, "call %s is not active", hr.CallId)
	}
	return hr, nil
}

// reserve sets callId as the active call, it errors with ErrBusy if another call is active.
func (self *Line) reserve(callId string) error {
	self.mut.Lock()
	defer self.mut.Unlock()
	if "" != self.active {
		return flagError(ErrBusy, "call %s is active", self.active)
	}
	self.active = callId
	return nil
}

// release clears callId if it is the active call.
func (self *Line) release(callId string) bool {
	self.mut.Lock()
	defer self.mut.Unlock()
	if "" == callId || callId != self.active {
		return false
	}
	self.active = ""
	return true
}
