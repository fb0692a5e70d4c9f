package event

import (
	"errors"
	"testing"
)

func TestTypeCheck(t *testing.T) {
	testcases := []struct {
		typ   Type
		valid bool
	}{
		{typ: OpenRequest, valid: true},
		{typ: MessageConfirm, valid: true},
		{typ: "CALL_REQUEST", valid: true},
		{typ: "OPEN_CONFIRM_ERROR", valid: true},
		{typ: "ANY_ERROR", valid: true},
		{typ: "MEDIA_STREAM_REQUEST", valid: true},
		{typ: "open_request"},
		{typ: "OPEN"},
		{typ: "_REQUEST"},
		{typ: "OPEN_REPLY"},
		{typ: ""},
	}

	for _, tc := range testcases {
		t.Run(string(tc.typ), func(t *testing.T) {
			err := tc.typ.Check()
			if tc.valid && nil != err {
				t.Errorf("failed Check, got error %v", err)
			}
			if !tc.valid && !errors.Is(err, ErrInvalidEventShape) {
				t.Errorf("failed Check control, got error %v", err)
			}
		})
	}
}

func TestTypeParts(t *testing.T) {
	testcases := []struct {
		typ        Type
		action     string
		phase      string
		errPhase   string
		confirmTyp Type
	}{
		{typ: OpenRequest, action: "OPEN", phase: PhaseRequest, confirmTyp: OpenConfirm},
		{typ: CloseConfirm, action: "CLOSE", phase: PhaseConfirm},
		{typ: "MESSAGE_CONFIRM_ERROR", action: "MESSAGE", phase: PhaseError, errPhase: PhaseConfirm},
		{typ: "CALL_REQUEST_ERROR", action: "CALL", phase: PhaseError, errPhase: PhaseRequest},
		{typ: "MEDIA_STREAM_REQUEST", action: "MEDIA_STREAM", phase: PhaseRequest, confirmTyp: "MEDIA_STREAM_CONFIRM"},
		{typ: "ANY_ERROR", action: "ANY", phase: PhaseError},
	}

	for _, tc := range testcases {
		t.Run(string(tc.typ), func(t *testing.T) {
			if tc.action != tc.typ.Action() {
				t.Errorf("failed Action control, %s != %s", tc.typ.Action(), tc.action)
			}
			if tc.phase != tc.typ.Phase() {
				t.Errorf("failed Phase control, %s != %s", tc.typ.Phase(), tc.phase)
			}
			if tc.errPhase != tc.typ.ErrorPhase() {
				t.Errorf("failed ErrorPhase control, %s != %s", tc.typ.ErrorPhase(), tc.errPhase)
			}
			if tc.confirmTyp != tc.typ.ConfirmType() {
				t.Errorf("failed ConfirmType control, %s != %s", tc.typ.ConfirmType(), tc.confirmTyp)
			}
		})
	}
}

func TestTypeBuilders(t *testing.T) {
	if OpenRequest != RequestType(ActionOpen) {
		t.Errorf("failed RequestType control, got %s", RequestType(ActionOpen))
	}
	if MessageConfirm != ConfirmType(ActionMessage) {
		t.Errorf("failed ConfirmType control, got %s", ConfirmType(ActionMessage))
	}
	if "CLOSE_REQUEST_ERROR" != ErrorType(ActionClose, PhaseRequest) {
		t.Errorf("failed ErrorType control, got %s", ErrorType(ActionClose, PhaseRequest))
	}
}

func TestCheckAction(t *testing.T) {
	for _, action := range []string{"OPEN", "CALL", "MEDIA_STREAM"} {
		if err := CheckAction(action); nil != err {
			t.Errorf("failed CheckAction(%s), got error %v", action, err)
		}
	}
	for _, action := range []string{"", "call", "CALL_REQUEST", "HANGUP_ERROR", "1CALL"} {
		if err := CheckAction(action); nil == err {
			t.Errorf("failed CheckAction(%q) control, no error", action)
		}
	}
}
