package transport

import (
	"encoding/json"

	"github.com/fxamacker/cbor/v2"

	"code.kerpass.org/channel/pkg/event"
)

// Serializer provides methods to Marshal/Unmarshal Events.
type Serializer interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONSerializer provides a Serializer that uses json Marshal/Unmarshal
type JSONSerializer struct{}

// Marshal wraps json.Marshal
func (self JSONSerializer) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal wraps json.Unmarshal
func (self JSONSerializer) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

var _ Serializer = JSONSerializer{}

// CBORSerializer provides a Serializer that uses default cbor Marshal/Unmarshal
type CBORSerializer struct{}

// Marshal wraps cbor.Marshal
func (self CBORSerializer) Marshal(v any) ([]byte, error) {
	return cbor.Marshal(v)
}

// Unmarshal wraps cbor.Unmarshal
func (self CBORSerializer) Unmarshal(data []byte, v any) error {
	return cbor.Unmarshal(data, v)
}

var _ Serializer = CBORSerializer{}

// Checker is an interface that provides a method Check to validate messages.
type Checker interface {
	Check() error
}

// A SafeSerializer wraps a Serializer ensuring that marshaled/unmarshaled messages are validated.
type SafeSerializer struct {
	Serializer
}

// WrapInSafeSerializer returns a SafeSerializer wrapping s.
func WrapInSafeSerializer(s Serializer) SafeSerializer {
	if c, isSafeSerializer := s.(SafeSerializer); isSafeSerializer {
		return c
	}
	return SafeSerializer{Serializer: s}
}

// Marshal validates v if it has a Check method, then marshals it using the wrapped Serializer.
func (self SafeSerializer) Marshal(v any) ([]byte, error) {
	if c, validate := v.(Checker); validate {
		err := c.Check()
		if nil != err {
			return nil, flagError(ErrValidation, err, "invalid message")
		}
	}

	srzmsg, err := self.Serializer.Marshal(v)
	if nil != err {
		return nil, flagError(ErrSerialization, err, "failed marshalling message")
	}
	return srzmsg, nil
}

// Unmarshal unmarshals data in v using the wrapped Serializer, then validates v if it
// has a Check method.
func (self SafeSerializer) Unmarshal(data []byte, v any) error {
	err := self.Serializer.Unmarshal(data, v)
	if nil != err {
		return flagError(ErrSerialization, err, "failed unmarshaling message")
	}

	if c, checkable := v.(Checker); checkable {
		err = c.Check()
		if nil != err {
			return flagError(ErrValidation, err, "invalid message")
		}
	}
	return nil
}

var _ Serializer = SafeSerializer{}
var _ event.Unmarshaler = SafeSerializer{}
var _ Checker = event.Event{}
