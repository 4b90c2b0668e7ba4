package control

import (
	"context"
	"testing"
	"time"

	coreerrors "labcore/pkg/errors"
)

func sampleAt(base time.Time, ms int, errVal, out float64) Sample {
	return Sample{Error: errVal, Output: out, Time: base.Add(time.Duration(ms) * time.Millisecond)}
}

func TestSettleCheck(t *testing.T) {
	base := time.Now()
	c := &SettleCheck{Tolerance: 0.1, Dwell: 20 * time.Millisecond}
	steps := []struct {
		ms   int
		err  float64
		done bool
	}{
		{0, 0.05, false},
		{10, 0.05, false},
		{15, 0.5, false}, // leaves the band, dwell restarts
		{20, 0.0, false},
		{35, 0.0, false},
		{40, -0.09, true},
	}
	for _, s := range steps {
		done, err := c.Observe(context.Background(), sampleAt(base, s.ms, s.err, 0))
		if err != nil || done != s.done {
			t.Fatalf("at %dms: done=%v err=%v, want done=%v", s.ms, done, err, s.done)
		}
	}
}

func TestStableCheck(t *testing.T) {
	c := &StableCheck{Points: 4, Threshold: 0.01}
	base := time.Now()
	outputs := []float64{1, 2, 3, 4, 4.001, 4.0, 4.002, 4.001}
	var doneAt int = -1
	for i, o := range outputs {
		done, err := c.Observe(context.Background(), sampleAt(base, i, 0, o))
		if err != nil {
			t.Fatal(err)
		}
		if done {
			doneAt = i
			break
		}
	}
	if doneAt != 7 {
		t.Errorf("stable at sample %d, want 7", doneAt)
	}
}

func TestSignalCheckGrace(t *testing.T) {
	sum := 1.0
	c := &SignalCheck{
		Loop:  "focus",
		Read:  func(context.Context) (float64, error) { return sum, nil },
		Min:   0.5,
		Grace: 20 * time.Millisecond,
	}
	base := time.Now()
	ctx := context.Background()

	if _, err := c.Observe(ctx, sampleAt(base, 0, 0, 0)); err != nil {
		t.Fatal(err)
	}
	sum = 0.1
	if _, err := c.Observe(ctx, sampleAt(base, 10, 0, 0)); err != nil {
		t.Fatalf("within grace: %v", err)
	}
	sum = 0.9
	if _, err := c.Observe(ctx, sampleAt(base, 25, 0, 0)); err != nil {
		t.Fatalf("signal recovered: %v", err)
	}
	sum = 0.1
	c.Observe(ctx, sampleAt(base, 30, 0, 0))
	_, err := c.Observe(ctx, sampleAt(base, 60, 0, 0))
	if !coreerrors.Is(err, coreerrors.ErrSignalLost) {
		t.Fatalf("expected SIGNAL_LOST, got %v", err)
	}
}

func TestDeadlineCheck(t *testing.T) {
	c := &DeadlineCheck{Loop: "focus.search", Timeout: 10 * time.Millisecond}
	base := time.Now()
	if _, err := c.Observe(context.Background(), sampleAt(base, 0, 1, 0)); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Observe(context.Background(), sampleAt(base, 11, 1, 0)); !coreerrors.Is(err, coreerrors.ErrControlLoopFault) {
		t.Errorf("expected CONTROL_LOOP_FAULT, got %v", err)
	}
}
