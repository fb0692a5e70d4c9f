package event

import (
	"regexp"
	"strings"
)

const (
	PhaseRequest = "REQUEST"
	PhaseConfirm = "CONFIRM"
	PhaseError   = "ERROR"
)

const (
	ActionOpen    = "OPEN"
	ActionMessage = "MESSAGE"
	ActionClose   = "CLOSE"
)

// Type tags an Event, it has form {ACTION}_{REQUEST|CONFIRM} or {ACTION}_{PHASE}_ERROR.
type Type string

const (
	OpenRequest    = Type("OPEN_REQUEST")
	OpenConfirm    = Type("OPEN_CONFIRM")
	MessageRequest = Type("MESSAGE_REQUEST")
	MessageConfirm = Type("MESSAGE_CONFIRM")
	CloseRequest   = Type("CLOSE_REQUEST")
	CloseConfirm   = Type("CLOSE_CONFIRM")
)

var (
	typeRe   = regexp.MustCompile(`^[A-Z][A-Z0-9]*(?:_[A-Z0-9]+)*_(?:REQUEST|CONFIRM|ERROR)$`)
	actionRe = regexp.MustCompile(`^[A-Z][A-Z0-9]*(?:_[A-Z0-9]+)*$`)
)

// RequestType returns the request Type of action.
func RequestType(action string) Type {
	return Type(action + "_" + PhaseRequest)
}

// ConfirmType returns the confirm Type of action.
func ConfirmType(action string) Type {
	return Type(action + "_" + PhaseConfirm)
}

// ErrorType returns the error Type raised while processing the phase of action.
func ErrorType(action string, phase string) Type {
	return Type(action + "_" + phase + "_" + PhaseError)
}

// CheckAction returns an error if action can not be used to build Event Types.
func CheckAction(action string) error {
	if !actionRe.MatchString(action) {
		return shapeError("invalid action name %q", action)
	}
	for _, phase := range []string{PhaseRequest, PhaseConfirm, PhaseError} {
		if strings.HasSuffix(action, "_"+phase) {
			return shapeError("action name %q ends with reserved suffix %s", action, phase)
		}
	}
	return nil
}

// Check returns an error if self does not follow the _REQUEST|_CONFIRM|_ERROR suffix convention.
func (self Type) Check() error {
	if !typeRe.MatchString(string(self)) {
		return shapeError("invalid event type %q", string(self))
	}
	return nil
}

// Phase returns PhaseRequest, PhaseConfirm or PhaseError.
func (self Type) Phase() string {
	s := string(self)
	switch {
	case strings.HasSuffix(s, "_"+PhaseError):
		return PhaseError
	case strings.HasSuffix(s, "_"+PhaseRequest):
		return PhaseRequest
	case strings.HasSuffix(s, "_"+PhaseConfirm):
		return PhaseConfirm
	}
	return ""
}

// IsRequest returns true if self ends with _REQUEST.
func (self Type) IsRequest() bool {
	return PhaseRequest == self.Phase()
}

// IsConfirm returns true if self ends with _CONFIRM.
func (self Type) IsConfirm() bool {
	return PhaseConfirm == self.Phase()
}

// IsError returns true if self ends with _ERROR.
func (self Type) IsError() bool {
	return PhaseError == self.Phase()
}

// Action returns the action of self, eg OPEN for OPEN_REQUEST or OPEN_CONFIRM_ERROR.
func (self Type) Action() string {
	s := string(self)
	s = strings.TrimSuffix(s, "_"+PhaseError)
	for _, phase := range []string{PhaseRequest, PhaseConfirm} {
		if a, found := strings.CutSuffix(s, "_"+phase); found {
			return a
		}
	}
	return s
}

// ErrorPhase returns the phase that failed for error Types, eg CONFIRM for OPEN_CONFIRM_ERROR.
// It returns an empty string if self is not an error Type or is a generic error.
func (self Type) ErrorPhase() string {
	s, found := strings.CutSuffix(string(self), "_"+PhaseError)
	if !found {
		return ""
	}
	for _, phase := range []string{PhaseRequest, PhaseConfirm} {
		if strings.HasSuffix(s, "_"+phase) {
			return phase
		}
	}
	return ""
}

// ConfirmType returns the confirm Type that answers request Type self.
// It returns an empty Type if self is not a request Type.
func (self Type) ConfirmType() Type {
	a, found := strings.CutSuffix(string(self), "_"+PhaseRequest)
	if !found {
		return ""
	}
	return ConfirmType(a)
}

// String implements fmt.Stringer.
func (self Type) String() string {
	return string(self)
}
