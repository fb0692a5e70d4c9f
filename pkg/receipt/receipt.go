// Package receipt builds and verifies the signed, encrypted receipts that bind
// a confirm Event to the request it answers.
package receipt

import (
	"github.com/fxamacker/cbor/v2"

	"code.kerpass.org/channel/pkg/event"
	"code.kerpass.org/channel/pkg/identity"
)

// encMode produces the deterministic encoding that gets signed.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if nil != err {
		panic(err)
	}
}

// Party records who took part in an OPEN or CLOSE exchange.
type Party struct {
	Identifier string              `json:"identifier" cbor:"1,keyasint"`
	PublicKeys identity.PublicKeys `json:"publicKeys" cbor:"2,keyasint"`
}

// Receipt proves that a confirm answers a specific request.
type Receipt struct {
	// Type is the Type of the confirm Event carrying the Receipt.
	Type event.Type `json:"type" cbor:"1,keyasint"`

	// ChannelId is the identifier of the channel the request was sent on.
	ChannelId string `json:"channelId" cbor:"2,keyasint"`

	// EventId is the EventId of the answered request.
	EventId string `json:"eventId" cbor:"3,keyasint"`

	// Timestamp is the Receipt creation time in UTC milliseconds.
	Timestamp int64 `json:"timestamp" cbor:"4,keyasint"`

	// Hash is the digest of the answered request payload.
	Hash []byte `json:"hash" cbor:"5,keyasint"`

	// Payload holds action specific fields, eg the decrypted message for MESSAGE.
	Payload cbor.RawMessage `json:"payload,omitempty" cbor:"6,keyasint,omitempty"`

	// Parties holds both parties for OPEN & CLOSE receipts.
	Parties []Party `json:"parties,omitempty" cbor:"7,keyasint,omitempty"`
}

// Check returns an error if the Receipt misses binding fields.
func (self Receipt) Check() error {
	if self.Type.Phase() != event.PhaseConfirm {
		return newError("invalid receipt type %s", self.Type)
	}
	if "" == self.ChannelId {
		return newError("missing channelId")
	}
	if "" == self.EventId {
		return newError("missing eventId")
	}
	if 0 == len(self.Hash) {
		return newError("missing hash")
	}
	return nil
}

// Decode unmarshals the Receipt Payload into v.
func (self Receipt) Decode(v any) error {
	if 0 == len(self.Payload) {
		return newError("empty receipt payload")
	}
	err := cbor.Unmarshal(self.Payload, v)
	if nil != err {
		return newError("failed decoding receipt payload, got error %v", err)
	}
	return nil
}

// Party returns the Party entry with identifier id.
func (self Receipt) Party(id string) (Party, bool) {
	for _, p := range self.Parties {
		if id == p.Identifier {
			return p, true
		}
	}
	return Party{}, false
}

// Marshal returns the deterministic CBOR encoding of v.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}
