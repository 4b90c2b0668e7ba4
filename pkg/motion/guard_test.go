package motion

import (
	"context"
	"testing"

	"labcore/pkg/device"
	"labcore/pkg/device/sim"
	"labcore/pkg/errors"
)

func TestMoveToBelowSafetyIssuesThreeOrderedMoves(t *testing.T) {
	stage := sim.NewStage(device.Position{X: 0, Y: 0, Z: 2})
	g := NewGuard("needle", stage, 10)

	if err := g.MoveTo(context.Background(), device.Position{X: 5, Y: 7, Z: 2}); err != nil {
		t.Fatalf("MoveTo: %v", err)
	}

	want := []device.Position{
		{X: 0, Y: 0, Z: 10},
		{X: 5, Y: 7, Z: 10},
		{X: 5, Y: 7, Z: 2},
	}
	got := stage.Moves()
	if len(got) != len(want) {
		t.Fatalf("moves = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("move %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestMoveToCases(t *testing.T) {
	tests := []struct {
		name   string
		start  device.Position
		target device.Position
		want   []device.Position
	}{
		{
			name:   "above safety skips retract",
			start:  device.Position{Z: 15},
			target: device.Position{X: 1, Y: 1, Z: 3},
			want:   []device.Position{{X: 1, Y: 1, Z: 15}, {X: 1, Y: 1, Z: 3}},
		},
		{
			name:   "target at travel height skips descend",
			start:  device.Position{Z: 15},
			target: device.Position{X: 1, Y: 1, Z: 15},
			want:   []device.Position{{X: 1, Y: 1, Z: 15}},
		},
		{
			name:   "aligned is a single vertical move",
			start:  device.Position{X: 4, Y: 4, Z: 2},
			target: device.Position{X: 4, Y: 4, Z: 0},
			want:   []device.Position{{X: 4, Y: 4, Z: 0}},
		},
		{
			name:   "no-op",
			start:  device.Position{X: 4, Y: 4, Z: 2},
			target: device.Position{X: 4, Y: 4, Z: 2},
			want:   nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stage := sim.NewStage(tt.start)
			g := NewGuard("stage", stage, 10)
			if err := g.MoveTo(context.Background(), tt.target); err != nil {
				t.Fatalf("MoveTo: %v", err)
			}
			got := stage.Moves()
			if len(got) != len(tt.want) {
				t.Fatalf("moves = %v, want %v", got, tt.want)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("move %d = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

type recordingObserver struct {
	axes []string
}

func (r *recordingObserver) SafetyViolation(axis string, err error) {
	r.axes = append(r.axes, axis)
}

func TestMoveLateralBelowSafetyRejected(t *testing.T) {
	stage := sim.NewStage(device.Position{Z: 1})
	g := NewGuard("needle", stage, 10)
	obs := &recordingObserver{}
	g.SetObserver(obs)

	err := g.MoveLateral(context.Background(), 3, 3)
	if !errors.Is(err, errors.ErrSafetyViolation) {
		t.Fatalf("err = %v, want SAFETY_VIOLATION", err)
	}
	if n := len(stage.Moves()); n != 0 {
		t.Errorf("stage received %d moves", n)
	}
	if len(obs.axes) != 1 || obs.axes[0] != "needle" {
		t.Errorf("observer = %v", obs.axes)
	}
}

func TestMoveLateralAboveSafety(t *testing.T) {
	stage := sim.NewStage(device.Position{Z: 12})
	g := NewGuard("stage", stage, 10)

	if err := g.MoveLateral(context.Background(), 3, 4); err != nil {
		t.Fatalf("MoveLateral: %v", err)
	}
	if got := stage.Moves(); len(got) != 1 || got[0] != (device.Position{X: 3, Y: 4, Z: 12}) {
		t.Errorf("moves = %v", got)
	}
}

func TestMoveVerticalAlwaysAllowed(t *testing.T) {
	stage := sim.NewStage(device.Position{X: 1, Y: 2, Z: 12})
	g := NewGuard("stage", stage, 10)

	if err := g.MoveVertical(context.Background(), 0); err != nil {
		t.Fatalf("MoveVertical: %v", err)
	}
	if got := stage.Moves(); len(got) != 1 || got[0] != (device.Position{X: 1, Y: 2, Z: 0}) {
		t.Errorf("moves = %v", got)
	}
}

// cancellingStage cancels the caller's context after its first move.
type cancellingStage struct {
	*sim.Stage
	cancel context.CancelFunc
}

func (s *cancellingStage) MoveAbs(ctx context.Context, target device.Position) error {
	err := s.Stage.MoveAbs(ctx, target)
	s.cancel()
	return err
}

func TestMoveToCancelledBetweenSubMoves(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stage := &cancellingStage{Stage: sim.NewStage(device.Position{Z: 0}), cancel: cancel}
	g := NewGuard("needle", stage, 10)

	err := g.MoveTo(ctx, device.Position{X: 5, Y: 5, Z: 0})
	if err != context.Canceled {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	got := stage.Moves()
	if len(got) != 1 || got[0] != (device.Position{Z: 10}) {
		t.Errorf("moves = %v, want only the retract", got)
	}
}

func TestMoveToStageFailure(t *testing.T) {
	stage := sim.NewStage(device.Position{Z: 20})
	stage.Fail(true)
	g := NewGuard("stage", stage, 10)

	if err := g.MoveTo(context.Background(), device.Position{X: 1}); err == nil {
		t.Fatal("expected error from failing stage")
	}
}
