package channel

import (
	"context"

	"github.com/fxamacker/cbor/v2"

	"code.kerpass.org/channel/internal/observability"
	"code.kerpass.org/channel/pkg/event"
)

// Request is an inbound request handed to an Action.
type Request struct {
	// Event is the request Event.
	Event event.Event

	// Payload is the decrypted request payload.
	Payload cbor.RawMessage
}

// Decode unmarshals the Request Payload into v.
func (self Request) Decode(v any) error {
	if 0 == len(self.Payload) {
		return newError("empty %s payload", self.Event.Type)
	}
	err := cbor.Unmarshal(self.Payload, v)
	return wrapError(err, "failed decoding %s payload", self.Event.Type) // nil if err is nil
}

// RequestFunc processes a Request on the responder side.
// Its result is embedded in the Payload of the Receipt confirming the Request.
type RequestFunc func(ctx context.Context, req Request) (any, error)

// Action declares an extension request/confirm pair, eg CALL.
//
// Extension requests travel as digests protected with the channel shared key,
// exactly like MESSAGE requests.
type Action struct {
	// Name is the action name, eg CALL for CALL_REQUEST & CALL_CONFIRM.
	Name string

	// OnRequest runs on the responder when a request of the Action is accepted.
	OnRequest RequestFunc
}

// Check returns an error if the Action can not be declared.
func (self Action) Check() error {
	err := event.CheckAction(self.Name)
	if nil != err {
		return wrapError(err, "invalid action name")
	}
	if isCoreAction(self.Name) {
		return newError("action %s is builtin", self.Name)
	}
	if nil == self.OnRequest {
		return newError("action %s has nil OnRequest", self.Name)
	}
	return nil
}

// Message is the payload of MESSAGE requests. MESSAGE Receipts embed it,
// which lets the sender check what the responder decrypted.
type Message struct {
	Body []byte `json:"body" cbor:"1,keyasint"`
}

// CloseRequest is the payload of CLOSE requests.
type CloseRequest struct {
	Reason string `json:"reason,omitempty" cbor:"1,keyasint,omitempty"`
}

// actionSpec is the engine view of a declared action.
type actionSpec struct {
	name      string
	onRequest RequestFunc

	// withParties adds both channel parties to the action Receipts.
	withParties bool

	// closes moves the channel to Closed once the action is confirmed.
	closes bool
}

func echoMessage(_ context.Context, req Request) (any, error) {
	var msg Message
	err := req.Decode(&msg)
	if nil != err {
		return nil, err
	}
	return msg, nil
}

// acceptClose embeds the CloseRequest in the CLOSE Receipt.
func acceptClose(ctx context.Context, req Request) (any, error) {
	var cr CloseRequest
	err := req.Decode(&cr)
	if nil != err {
		return nil, err
	}
	observability.GetObservability(ctx).Log().Info("close requested", "reason", cr.Reason)
	return cr, nil
}

// declareActions returns the builtin MESSAGE & CLOSE actions plus the extension actions.
// OPEN is handled apart, its request carries plaintext data.
func declareActions(extensions []Action) (map[string]actionSpec, error) {
	rv := map[string]actionSpec{
		event.ActionMessage: {name: event.ActionMessage, onRequest: echoMessage},
		event.ActionClose:   {name: event.ActionClose, onRequest: acceptClose, withParties: true, closes: true},
	}
	for _, act := range extensions {
		err := act.Check()
		if nil != err {
			return nil, err
		}
		if _, dup := rv[act.Name]; dup {
			return nil, newError("action %s declared twice", act.Name)
		}
		rv[act.Name] = actionSpec{name: act.Name, onRequest: act.OnRequest}
	}
	return rv, nil
}
