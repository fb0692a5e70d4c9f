package channel

import (
	"fmt"

	"code.kerpass.org/channel/pkg/event"
)

// State is the lifecycle step of a channel. States only move forward.
type State int

const (
	Unopened State = iota
	Open
	Closed
	countState
)

// String implements fmt.Stringer.
func (self State) String() string {
	switch self {
	case Unopened:
		return "UNOPENED"
	case Open:
		return "OPEN"
	case Closed:
		return "CLOSED"
	}
	return fmt.Sprintf("State(%d)", int(self))
}

// anyAction matches extension actions in transition Allow lists.
const anyAction = "*"

// transition lists the actions a State admits and the States it may move to.
type transition struct {
	Allow []string
	Exit  []State
}

var transitions = [...]transition{
	Unopened: {Allow: []string{event.ActionOpen}, Exit: []State{Unopened, Open}},
	Open:     {Allow: []string{event.ActionMessage, event.ActionClose, anyAction}, Exit: []State{Open, Closed}},
	Closed:   {Exit: []State{Closed}},
}

// admits returns true if action may be requested or accepted in State self.
func (self State) admits(action string) bool {
	if self < 0 || self >= countState {
		return false
	}
	for _, allowed := range transitions[self].Allow {
		if allowed == action {
			return true
		}
		if anyAction == allowed && !isCoreAction(action) {
			return true
		}
	}
	return false
}

// canMove returns true if State self may be followed by next.
func (self State) canMove(next State) bool {
	if self < 0 || self >= countState {
		return false
	}
	for _, exit := range transitions[self].Exit {
		if exit == next {
			return true
		}
	}
	return false
}

func isCoreAction(action string) bool {
	switch action {
	case event.ActionOpen, event.ActionMessage, event.ActionClose:
		return true
	}
	return false
}
