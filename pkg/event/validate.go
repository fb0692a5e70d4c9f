package event

import (
	"github.com/google/uuid"
)

// Unmarshaler decodes wire data, transport.Serializer implementations satisfy it.
type Unmarshaler interface {
	Unmarshal(data []byte, v any) error
}

// Validator checks inbound Events before they are handed to a channel engine.
type Validator struct {
	// ChannelId is the identifier of the local channel.
	ChannelId string

	// Declared returns true if the channel declares Event Type t.
	// If nil, any well-formed Type is accepted.
	Declared func(t Type) bool
}

// Check returns an error wrapping ErrValidation if evt can not be processed by the local channel.
func (self Validator) Check(evt Event) error {
	err := evt.Check()
	if nil != err {
		return validationError(err, "malformed event")
	}
	if nil != self.Declared && !self.Declared(evt.Type) {
		return validationError(nil, "event type %s not declared by channel", evt.Type)
	}
	if "" != self.ChannelId && evt.Metadata.ChannelId != self.ChannelId {
		return validationError(nil, "event addressed to channel %s", evt.Metadata.ChannelId)
	}
	if _, err = uuid.Parse(evt.Metadata.EventId); nil != err {
		return validationError(err, "malformed eventId %q", evt.Metadata.EventId)
	}
	if "" != evt.Metadata.NextEventId {
		if _, err = uuid.Parse(evt.Metadata.NextEventId); nil != err {
			return validationError(err, "malformed nextEventId %q", evt.Metadata.NextEventId)
		}
	}
	return nil
}

// Decode unmarshals raw wire data using u and validates the resulting Event.
func (self Validator) Decode(raw []byte, u Unmarshaler) (Event, error) {
	var evt Event
	err := u.Unmarshal(raw, &evt)
	if nil != err {
		return Event{}, validationError(err, "failed decoding event")
	}
	err = self.Check(evt)
	if nil != err {
		return Event{}, err
	}
	return evt, nil
}
