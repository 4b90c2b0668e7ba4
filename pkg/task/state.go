// Copyright (C) 2026  Labcore Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package task implements the experiment task state machine and the runner
// that guarantees at most one task drives the instrument at a time.
package task

import (
	"fmt"
)

// State is a task lifecycle state.
type State int

const (
	Stopped State = iota
	Starting
	Running
	Pausing
	Paused
	Resuming
	Finishing
	Aborting
)

var stateNames = [...]string{
	Stopped:   "stopped",
	Starting:  "starting",
	Running:   "running",
	Pausing:   "pausing",
	Paused:    "paused",
	Resuming:  "resuming",
	Finishing: "finishing",
	Aborting:  "aborting",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(b []byte) error {
	for i, n := range stateNames {
		if n == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown task state %q", b)
}

// Event drives a transition. Start, Pause, Resume, Stop and Abort are
// commands; Ready, Paused and Done are raised by the executor.
type Event int

const (
	EventStart Event = iota
	EventReady
	EventPause
	EventPaused
	EventResume
	EventStop
	EventAbort
	EventDone
)

var eventNames = [...]string{
	EventStart:  "start",
	EventReady:  "ready",
	EventPause:  "pause",
	EventPaused: "paused",
	EventResume: "resume",
	EventStop:   "stop",
	EventAbort:  "abort",
	EventDone:   "done",
}

func (e Event) String() string {
	if e >= 0 && int(e) < len(eventNames) {
		return eventNames[e]
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// transitions is the complete edge set. Starting --done--> Stopped is the
// startup failure edge. Aborting accepts abort again so that a repeated
// abort request is acknowledged rather than rejected.
var transitions = map[State]map[Event]State{
	Stopped:   {EventStart: Starting},
	Starting:  {EventReady: Running, EventAbort: Aborting, EventDone: Stopped},
	Running:   {EventPause: Pausing, EventStop: Finishing, EventAbort: Aborting},
	Pausing:   {EventPaused: Paused, EventAbort: Aborting},
	Paused:    {EventResume: Resuming, EventStop: Finishing, EventAbort: Aborting},
	Resuming:  {EventReady: Running, EventAbort: Aborting},
	Finishing: {EventDone: Stopped, EventAbort: Aborting},
	Aborting:  {EventDone: Stopped, EventAbort: Aborting},
}

// Next returns the state reached from s on e, or false when s has no edge
// for e.
func Next(s State, e Event) (State, bool) {
	to, ok := transitions[s][e]
	return to, ok
}

// Accepts reports whether s has an edge for e.
func (s State) Accepts(e Event) bool {
	_, ok := transitions[s][e]
	return ok
}

// Active reports whether the task holds the instrument in this state.
func (s State) Active() bool {
	return s != Stopped
}
