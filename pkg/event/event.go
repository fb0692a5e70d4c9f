// Package event defines the protocol Events exchanged by channel peers.
//
// An Event carries exactly one of a plaintext Data payload or an opaque Digest
// (signed & encrypted bytes). Events travel unchanged over JSON and CBOR transports.
package event

import (
	"time"

	"github.com/google/uuid"

	"code.kerpass.org/channel/pkg/identity"
)

// now is replaced in tests.
var now = time.Now

// Metadata identifies an Event within a channel conversation.
type Metadata struct {
	// EventId is globally unique.
	EventId string `json:"eventId" cbor:"1,keyasint"`

	// ChannelId is the identifier of the channel the Event belongs to.
	ChannelId string `json:"channelId" cbor:"2,keyasint"`

	// NextEventId is the EventId of the next Event sent by the same party.
	NextEventId string `json:"nextEventId,omitempty" cbor:"3,keyasint,omitempty"`

	// MessageId identifies the application message carried by MESSAGE Events.
	MessageId string `json:"messageId,omitempty" cbor:"4,keyasint,omitempty"`

	// RequestId is the EventId of the request answered by confirm & error Events.
	RequestId string `json:"requestId,omitempty" cbor:"5,keyasint,omitempty"`
}

// Data is the plaintext payload of an Event.
type Data struct {
	Identifier string               `json:"identifier,omitempty" cbor:"1,keyasint,omitempty"`
	PublicKeys *identity.PublicKeys `json:"publicKeys,omitempty" cbor:"2,keyasint,omitempty"`
	Receipt    []byte               `json:"receipt,omitempty" cbor:"3,keyasint,omitempty"`
	Reason     string               `json:"reason,omitempty" cbor:"4,keyasint,omitempty"`
	Error      string               `json:"error,omitempty" cbor:"5,keyasint,omitempty"`
	Code       string               `json:"code,omitempty" cbor:"6,keyasint,omitempty"`
}

// Event is the unit of wire communication between channel peers.
type Event struct {
	Type      Type     `json:"type" cbor:"1,keyasint"`
	Timestamp int64    `json:"timestamp" cbor:"2,keyasint"` // UTC milliseconds
	Metadata  Metadata `json:"metadata" cbor:"3,keyasint"`
	Data      *Data    `json:"data,omitempty" cbor:"4,keyasint,omitempty"`
	Digest    []byte   `json:"digest,omitempty" cbor:"5,keyasint,omitempty"`
}

// Create returns a new Event of type typ.
//
// Create assigns the Event timestamp. It generates EventId & NextEventId unless md already
// holds them, which lets a caller continue an existing chain of events.
// It errors with ErrInvalidEventShape if typ is malformed or if not exactly one of data, digest is set.
func Create(typ Type, md Metadata, data *Data, digest []byte) (Event, error) {
	var evt Event
	err := typ.Check()
	if nil != err {
		return evt, err
	}
	if (nil == data) == (0 == len(digest)) {
		return evt, shapeError("%s event requires exactly one of data or digest", typ)
	}
	if "" == md.EventId {
		md.EventId = uuid.NewString()
	}
	if "" == md.NextEventId {
		md.NextEventId = uuid.NewString()
	}

	evt = Event{
		Type:      typ,
		Timestamp: now().UTC().UnixMilli(),
		Metadata:  md,
		Data:      data,
		Digest:    digest,
	}
	return evt, nil
}

// Check returns an error if the Event does not have a valid shape.
//
// Check allows Events to be validated by transport.SafeSerializer.
func (self Event) Check() error {
	err := self.Type.Check()
	if nil != err {
		return err
	}
	if (nil == self.Data) == (0 == len(self.Digest)) {
		return shapeError("%s event holds both or neither of data and digest", self.Type)
	}
	if self.Timestamp <= 0 {
		return shapeError("invalid timestamp %d", self.Timestamp)
	}
	if "" == self.Metadata.EventId {
		return shapeError("missing metadata.eventId")
	}
	if "" == self.Metadata.ChannelId {
		return shapeError("missing metadata.channelId")
	}
	return nil
}

// Time returns the Event timestamp as a time.Time.
func (self Event) Time() time.Time {
	return time.UnixMilli(self.Timestamp).UTC()
}
