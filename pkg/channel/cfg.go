package channel

import (
	"time"

	"code.kerpass.org/channel/pkg/dispatch"
	"code.kerpass.org/channel/pkg/identity"
	"code.kerpass.org/channel/pkg/transport"
)

// Cfg holds Engine configuration.
type Cfg struct {
	// ChannelId identifies the channel. The opener chooses it, a random one is
	// generated if it is empty.
	ChannelId string

	// Type names the transport binding that owns the channel, eg "websocket".
	Type string

	// Identity is the local party.
	Identity identity.Identity

	// Port connects the channel to its transport.
	Port transport.Port

	// Actions declares extension actions.
	Actions []Action

	// Options are the default timeout & retries of the channel requests.
	Options dispatch.Options

	// StrictChain drops inbound Events that do not follow the peer nextEventId chain.
	// Gaps are only logged when StrictChain is false.
	StrictChain bool

	// Store persists channel Snapshots after OPEN & CLOSE. It may be nil.
	Store Store

	// IdleTimeout stops the Engine once no Event was received or sent for that long
	// while no request is pending. Zero disables it.
	IdleTimeout time.Duration
}

// Check returns an error if the Cfg is invalid.
func (self Cfg) Check() error {
	if "" == self.ChannelId {
		return newError("empty ChannelId")
	}
	if nil == self.Identity {
		return newError("nil Identity")
	}
	if "" == self.Identity.Identifier() {
		return newError("Identity has empty Identifier")
	}
	err := self.Identity.PublicKeys().Check()
	if nil != err {
		return wrapError(err, "invalid Identity PublicKeys")
	}
	if nil == self.Port {
		return newError("nil Port")
	}
	if self.IdleTimeout < 0 {
		return newError("invalid IdleTimeout %v < 0", self.IdleTimeout)
	}
	err = self.Options.Check()
	if nil != err {
		return wrapError(err, "invalid Options")
	}
	for _, act := range self.Actions {
		err = act.Check()
		if nil != err {
			return err
		}
	}
	return nil
}
