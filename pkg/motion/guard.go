// Copyright (C) 2026  Labcore Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package motion keeps stages and the injection needle clear of physical
// obstacles. All lateral motion happens at or above the safety height.
package motion

import (
	"context"
	"fmt"
	"math"

	"labcore/pkg/device"
	"labcore/pkg/errors"
	"labcore/pkg/log"
)

// alignEpsilon is the lateral distance below which two positions count as
// laterally aligned.
const alignEpsilon = 1e-9

// Mover moves to an absolute position.
type Mover interface {
	MoveTo(ctx context.Context, target device.Position) error
}

// ViolationObserver is told about every rejected motion request.
type ViolationObserver interface {
	SafetyViolation(axis string, err error)
}

// Guard wraps a stage so that lateral moves never happen below the safety
// height.
type Guard struct {
	name         string
	stage        device.Stage
	safetyHeight float64
	observer     ViolationObserver
	log          *log.Logger
}

// NewGuard creates a guard for stage. name identifies the axis set in logs
// and metrics ("stage", "needle").
func NewGuard(name string, stage device.Stage, safetyHeight float64) *Guard {
	return &Guard{
		name:         name,
		stage:        stage,
		safetyHeight: safetyHeight,
		log:          log.GetLogger("motion." + name),
	}
}

// SetObserver installs the violation observer. It must be called before
// the guard is shared.
func (g *Guard) SetObserver(o ViolationObserver) {
	g.observer = o
}

// Name returns the axis set name.
func (g *Guard) Name() string { return g.name }

// SafetyHeight returns the vertical threshold.
func (g *Guard) SafetyHeight() float64 { return g.safetyHeight }

// Position returns the current stage position.
func (g *Guard) Position(ctx context.Context) (device.Position, error) {
	return g.stage.Position(ctx)
}

// MoveTo moves to target in up to three sub-moves: retract to the safety
// height when below it, move laterally, then descend to target.Z.
// Cancellation is honored between sub-moves only; a sub-move that has been
// dispatched always runs to completion.
func (g *Guard) MoveTo(ctx context.Context, target device.Position) error {
	cur, err := g.stage.Position(ctx)
	if err != nil {
		return errors.Wrap(err, errors.ErrRuntime, "read stage position").SetOp(g.name)
	}

	if aligned(cur, target) {
		if cur.Z == target.Z {
			return nil
		}
		return g.submove(ctx, "vertical", target)
	}

	height := math.Max(cur.Z, g.safetyHeight)
	if cur.Z < g.safetyHeight {
		if err := g.submove(ctx, "retract", device.Position{X: cur.X, Y: cur.Y, Z: g.safetyHeight}); err != nil {
			return err
		}
	}
	if err := g.submove(ctx, "lateral", device.Position{X: target.X, Y: target.Y, Z: height}); err != nil {
		return err
	}
	if target.Z == height {
		return nil
	}
	return g.submove(ctx, "descend", target)
}

// MoveLateral moves in x/y keeping the current z. It is rejected with
// SafetyViolation when the stage is below the safety height; no command is
// sent in that case.
func (g *Guard) MoveLateral(ctx context.Context, x, y float64) error {
	cur, err := g.stage.Position(ctx)
	if err != nil {
		return errors.Wrap(err, errors.ErrRuntime, "read stage position").SetOp(g.name)
	}
	if cur.Z < g.safetyHeight && !aligned(cur, device.Position{X: x, Y: y}) {
		err := errors.SafetyViolation(fmt.Sprintf(
			"lateral move to (%.3f, %.3f) at z=%.3f below safety height %.3f",
			x, y, cur.Z, g.safetyHeight)).SetOp(g.name)
		g.log.Warn("%v", err)
		if g.observer != nil {
			g.observer.SafetyViolation(g.name, err)
		}
		return err
	}
	return g.submove(ctx, "lateral", device.Position{X: x, Y: y, Z: cur.Z})
}

// MoveVertical moves z only. Vertical motion is always permitted.
func (g *Guard) MoveVertical(ctx context.Context, z float64) error {
	cur, err := g.stage.Position(ctx)
	if err != nil {
		return errors.Wrap(err, errors.ErrRuntime, "read stage position").SetOp(g.name)
	}
	return g.submove(ctx, "vertical", device.Position{X: cur.X, Y: cur.Y, Z: z})
}

// Abort stops the stage immediately.
func (g *Guard) Abort(ctx context.Context) error {
	return g.stage.Abort(context.WithoutCancel(ctx))
}

func (g *Guard) submove(ctx context.Context, kind string, to device.Position) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.log.Debug("%s move to %s", kind, to)
	if err := g.stage.MoveAbs(context.WithoutCancel(ctx), to); err != nil {
		return errors.Wrap(err, errors.ErrRuntime, kind+" move failed").
			SetOp(g.name).SetContext("target", to.String())
	}
	return nil
}

func aligned(a, b device.Position) bool {
	return math.Abs(a.X-b.X) < alignEpsilon && math.Abs(a.Y-b.Y) < alignEpsilon
}
