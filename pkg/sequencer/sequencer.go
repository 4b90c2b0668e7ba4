// Copyright (C) 2026  Labcore Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package sequencer

import (
	"context"
	"fmt"
	"time"

	"labcore/pkg/device"
	"labcore/pkg/errors"
	"labcore/pkg/experiment"
	"labcore/pkg/log"
	"labcore/pkg/motion"
)

// Focuser brings the sample into focus before an acquisition.
type Focuser interface {
	SearchFocus(ctx context.Context) error
}

// Fluidics runs an injection sub-sequence.
type Fluidics interface {
	RunSequence(ctx context.Context, phase string, seq *experiment.InjectionSequence) error
}

// Needle dips the injection needle into a probe and lifts it back out.
type Needle interface {
	MoveToProbe(ctx context.Context, n int) error
	Park(ctx context.Context) error
}

// Devices are the collaborators a sequencer drives. Stage is normally a
// motion.Guard. Focus, Needle and Fluidics are optional.
type Devices struct {
	Stage        motion.Mover
	Camera       device.Camera
	Light        device.LightSource
	FilterWheel  device.FilterWheel
	Piezo        device.Piezo
	Sink         device.DataSink
	Capabilities device.Capabilities
	Focus        Focuser
	Needle       Needle
	Fluidics     Fluidics
}

// Sequencer executes the units of one run.
type Sequencer struct {
	task  string
	plan  *experiment.Plan
	units []Unit
	dev   Devices
	log   *log.Logger
}

// New checks that the devices can execute units and that the plan only
// uses permitted lightsource/filter combinations. Nothing touches the
// hardware before New succeeds.
func New(task string, plan *experiment.Plan, units []Unit, dev Devices) (*Sequencer, error) {
	var imaging, injecting, dipping bool
	for _, u := range units {
		switch u.Kind {
		case UnitImaging:
			imaging = true
		case UnitInjection:
			injecting = true
			dipping = dipping || (u.Injection.Dip && u.Probe > 0)
		}
	}
	var missing []string
	if imaging {
		if plan == nil {
			return nil, errors.ConfigurationError("imaging units need a plan").SetTask(task)
		}
		if err := plan.CheckCapabilities(dev.Capabilities); err != nil {
			if ce, ok := errors.As(err); ok {
				ce.SetTask(task)
			}
			return nil, err
		}
		if dev.Stage == nil {
			missing = append(missing, device.NameStage)
		}
		if dev.Camera == nil {
			missing = append(missing, device.NameCamera)
		}
		if dev.Light == nil {
			missing = append(missing, device.NameLight)
		}
		if dev.Sink == nil {
			missing = append(missing, device.NameSink)
		}
		if dev.FilterWheel == nil && usesFilter(plan) {
			missing = append(missing, device.NameFilterWheel)
		}
	}
	if injecting && dev.Fluidics == nil {
		missing = append(missing, device.NameFlow, device.NameValves)
	}
	if dipping && dev.Needle == nil {
		missing = append(missing, device.NameNeedle)
	}
	if len(missing) > 0 {
		return nil, errors.DependencyUnavailable(task, missing)
	}
	return &Sequencer{
		task:  task,
		plan:  plan,
		units: units,
		dev:   dev,
		log:   log.GetLogger("sequencer." + task),
	}, nil
}

func usesFilter(p *experiment.Plan) bool {
	for _, s := range p.Steps() {
		if s.Filter != "" {
			return true
		}
	}
	return false
}

// Len returns the number of units.
func (s *Sequencer) Len() int { return len(s.units) }

// Unit returns unit i.
func (s *Sequencer) Unit(i int) Unit { return s.units[i] }

// Step executes unit index of run runID.
func (s *Sequencer) Step(ctx context.Context, runID string, index int) error {
	if index < 0 || index >= len(s.units) {
		return errors.RuntimeError(fmt.Sprintf("unit %d out of range (%d units)", index, len(s.units)))
	}
	u := s.units[index]
	s.log.Debug("unit %d/%d: %s", index+1, len(s.units), u)
	if u.Kind == UnitInjection {
		return s.inject(ctx, u)
	}
	return s.image(ctx, runID, u)
}

func (s *Sequencer) inject(ctx context.Context, u Unit) error {
	dip := u.Injection.Dip && u.Probe > 0 && s.dev.Needle != nil
	if dip {
		if err := s.dev.Needle.MoveToProbe(ctx, u.Probe); err != nil {
			return err
		}
	}
	err := s.dev.Fluidics.RunSequence(ctx, u.Injection.Phase, u.Injection.Sequence)
	if dip {
		if perr := s.dev.Needle.Park(context.WithoutCancel(ctx)); perr != nil {
			s.log.WithError(perr).Warn("needle park after %s", u)
			if err == nil {
				err = perr
			}
		}
	}
	return err
}

// image acquires every plan entry at one ROI. Cancellation is honoured
// between entries only; an entry in progress completes.
func (s *Sequencer) image(ctx context.Context, runID string, u Unit) error {
	if err := s.dev.Stage.MoveTo(ctx, u.ROI.Position); err != nil {
		return err
	}
	if s.dev.Focus != nil {
		if err := s.dev.Focus.SearchFocus(ctx); err != nil {
			return err
		}
	}
	hw := context.WithoutCancel(ctx)
	var z0 float64
	if s.dev.Piezo != nil {
		var err error
		if z0, err = s.dev.Piezo.Position(hw); err != nil {
			return hardwareError("piezo position", err)
		}
	}

	for i := 0; i < s.plan.Len(); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		meta := device.StackMeta{
			Task:     s.task,
			RunID:    runID,
			Cycle:    u.Cycle,
			ROI:      u.ROI.Name,
			Position: u.ROI.Position,
		}
		if err := s.acquire(hw, meta, s.plan.Step(i), z0); err != nil {
			if ce, ok := errors.As(err); ok {
				ce.SetContext("roi", u.ROI.Name).SetContext("entry", i+1)
			}
			return err
		}
	}

	if s.dev.Piezo != nil {
		if err := s.dev.Piezo.MoveTo(hw, z0); err != nil {
			return hardwareError("piezo return", err)
		}
	}
	return nil
}

// acquire takes one entry's z-stack with the light on only while frames
// are taken.
func (s *Sequencer) acquire(ctx context.Context, meta device.StackMeta, entry experiment.ImagingStep, z0 float64) (err error) {
	if entry.Filter != "" {
		if err := s.dev.FilterWheel.SetFilter(ctx, entry.Filter); err != nil {
			return hardwareError("filter", err)
		}
	}
	planes := entry.PlanePositions(z0)
	if err := s.dev.Camera.PrepareAcquisition(ctx, len(planes)); err != nil {
		return hardwareError("camera prepare", err)
	}
	defer func() {
		if serr := s.dev.Camera.StopAcquisition(ctx); serr != nil && err == nil {
			err = hardwareError("camera stop", serr)
		}
	}()

	if err := s.dev.Light.Enable(ctx, entry.Lightsource, entry.IntensityPercent); err != nil {
		return hardwareError("light", err)
	}
	lightOn := true
	defer func() {
		if lightOn {
			if oerr := s.dev.Light.Off(ctx); oerr != nil {
				s.log.WithError(oerr).Warn("light off")
			}
		}
	}()

	frames := make([]device.Frame, 0, len(planes))
	for _, z := range planes {
		if s.dev.Piezo != nil && (len(planes) > 1 || z != z0) {
			if err := s.dev.Piezo.MoveTo(ctx, z); err != nil {
				return hardwareError("piezo", err)
			}
		}
		f, err := s.dev.Camera.Snap(ctx)
		if err != nil {
			return hardwareError("snap", err)
		}
		frames = append(frames, f)
	}
	lightOn = false
	if err := s.dev.Light.Off(ctx); err != nil {
		return hardwareError("light off", err)
	}

	meta.Lightsource = entry.Lightsource
	meta.Intensity = entry.IntensityPercent
	meta.Filter = entry.Filter
	meta.Planes = planes
	meta.Time = time.Now()
	if err := s.dev.Sink.WriteStack(ctx, meta, frames); err != nil {
		return hardwareError("write stack", err)
	}
	return nil
}

func hardwareError(op string, err error) error {
	if _, ok := errors.As(err); ok {
		return err
	}
	return errors.Wrap(err, errors.ErrRuntime, op+" failed").SetOp(op)
}
