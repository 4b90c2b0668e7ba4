package task

import (
	"encoding/json"
	"testing"
)

func TestTransitionTable(t *testing.T) {
	allowed := map[State]map[Event]State{
		Stopped:   {EventStart: Starting},
		Starting:  {EventReady: Running, EventAbort: Aborting, EventDone: Stopped},
		Running:   {EventPause: Pausing, EventStop: Finishing, EventAbort: Aborting},
		Pausing:   {EventPaused: Paused, EventAbort: Aborting},
		Paused:    {EventResume: Resuming, EventStop: Finishing, EventAbort: Aborting},
		Resuming:  {EventReady: Running, EventAbort: Aborting},
		Finishing: {EventDone: Stopped, EventAbort: Aborting},
		Aborting:  {EventDone: Stopped, EventAbort: Aborting},
	}

	for s := Stopped; s <= Aborting; s++ {
		for e := EventStart; e <= EventDone; e++ {
			to, ok := Next(s, e)
			want, wantOK := allowed[s][e]
			if ok != wantOK || to != want {
				t.Errorf("Next(%s, %s) = %s, %v; want %s, %v", s, e, to, ok, want, wantOK)
			}
		}
	}
}

func TestAbortReachableFromEveryActiveState(t *testing.T) {
	for s := Starting; s <= Aborting; s++ {
		if !s.Accepts(EventAbort) {
			t.Errorf("%s does not accept abort", s)
		}
	}
	if Stopped.Accepts(EventAbort) {
		t.Error("stopped accepts abort")
	}
}

func TestStateJSON(t *testing.T) {
	data, err := json.Marshal(struct {
		S State `json:"s"`
	}{Paused})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"s":"paused"}` {
		t.Errorf("json = %s", data)
	}

	var s State
	if err := s.UnmarshalText([]byte("finishing")); err != nil || s != Finishing {
		t.Errorf("UnmarshalText = %v, %v", s, err)
	}
	if err := s.UnmarshalText([]byte("bogus")); err == nil {
		t.Error("unknown state accepted")
	}
}
