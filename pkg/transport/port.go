// Package transport connects channel engines to the wire.
//
// A transport adapter implements Port: it delivers Events to the remote party and
// routes inbound Events to the Handler registered for their channelId.
package transport

import (
	"context"

	"code.kerpass.org/channel/internal/observability"
	"code.kerpass.org/channel/internal/utils"
	"code.kerpass.org/channel/pkg/event"
)

// Handler processes an inbound Event addressed to a channel.
type Handler func(ctx context.Context, evt event.Event)

// Port is the contract between a channel engine and a transport adapter.
type Port interface {
	// Deliver sends evt to the remote party.
	Deliver(ctx context.Context, evt event.Event) error

	// Register arranges for h to be called with every inbound Event addressed to channelId.
	// The returned function cancels the registration.
	Register(channelId string, h Handler) (func(), error)
}

// AcceptFunc is called by a Router for inbound Events addressed to an unknown channel.
// It normally creates a responder channel when evt is an OPEN_REQUEST, which
// registers itself on the Router before AcceptFunc returns.
type AcceptFunc func(ctx context.Context, evt event.Event) error

// Router maps channelIds to Handlers.
//
// A Router is owned by the transport adapter that created it, several channels
// sharing a connection share its Router.
type Router struct {
	handlers *utils.Registry[string, Handler]
	accept   AcceptFunc
}

// NewRouter returns an empty Router. accept may be nil.
func NewRouter(accept AcceptFunc) *Router {
	return &Router{handlers: utils.NewRegistry[string, Handler](), accept: accept}
}

// SetAccept replaces the Router AcceptFunc.
// It must be called before Events are routed.
func (self *Router) SetAccept(accept AcceptFunc) {
	self.accept = accept
}

// Register implements Port Register.
func (self *Router) Register(channelId string, h Handler) (func(), error) {
	if "" == channelId {
		return nil, newError("empty channelId")
	}
	if nil == h {
		return nil, newError("nil Handler")
	}
	err := utils.RegistrySet(self.handlers, channelId, h)
	if nil != err {
		return nil, wrapError(err, "failed registering channel %s", channelId)
	}
	return func() { utils.RegistryPop(self.handlers, channelId) }, nil
}

// Channels returns the number of registered channels.
func (self *Router) Channels() int {
	return utils.RegistryLen(self.handlers)
}

// Route passes evt to the Handler registered for its channelId.
//
// If no Handler is registered, the Router AcceptFunc gets a chance to create one.
// Route errors with ErrUnknownChannel if evt still can not be routed.
func (self *Router) Route(ctx context.Context, evt event.Event) error {
	channelId := evt.Metadata.ChannelId
	h, found := utils.RegistryGet(self.handlers, channelId)
	if !found && nil != self.accept {
		err := self.accept(ctx, evt)
		if nil != err {
			return flagError(ErrUnknownChannel, err, "failed accepting channel %s", channelId)
		}
		h, found = utils.RegistryGet(self.handlers, channelId)
	}
	if !found {
		return flagError(ErrUnknownChannel, nil, "no handler for channel %s", channelId)
	}
	h(ctx, evt)
	return nil
}

// routeOrLog routes evt and logs routing failures, unrelated traffic may share a transport.
func (self *Router) routeOrLog(ctx context.Context, evt event.Event) {
	err := self.Route(ctx, evt)
	if nil != err {
		observability.GetObservability(ctx).Log().Debug(
			"dropped inbound event",
			"type", evt.Type,
			"channelId", evt.Metadata.ChannelId,
			"error", err,
		)
	}
}
