// Copyright (C) 2026  Labcore Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package procedures

import (
	"context"
	"fmt"

	"labcore/pkg/config"
	"labcore/pkg/errors"
	"labcore/pkg/experiment"
	"labcore/pkg/sequencer"
	"labcore/pkg/task"
)

// Task kinds.
const (
	KindScan     = "scan"
	KindFluidics = "fluidics"
	KindHiM      = "him"
)

// Campaign is the procedure behind every task kind. Documents are read
// from the library at each Startup, so edits apply from the next run.
type Campaign struct {
	kind      string
	section   config.TaskSection
	cycles    int
	autofocus bool
	env       *Env

	// per run, touched only by the executor goroutine
	seq      *sequencer.Sequencer
	fluidics *FluidicsController
}

// Kind returns the task kind.
func (c *Campaign) Kind() string { return c.kind }

func (c *Campaign) imaging() bool { return c.kind != KindFluidics }

// Startup loads the documents, checks them against the instrument and
// expands the run into units.
func (c *Campaign) Startup(ctx context.Context, run *task.Run) (int, error) {
	c.seq, c.fluidics = nil, nil

	var (
		plan *experiment.Plan
		rois []experiment.ROI
	)
	if c.imaging() {
		var err error
		if plan, err = c.env.Library.Plan(c.section.Plan); err != nil {
			return 0, err
		}
		list, err := c.env.Library.ROIs(c.section.ROIs)
		if err != nil {
			return 0, err
		}
		if rois, err = list.Select(c.section.ROIFilter); err != nil {
			return 0, err
		}
		if len(rois) == 0 {
			return 0, errors.ConfigurationError(fmt.Sprintf("no ROI of %s matches %q", list.Name(), c.section.ROIFilter))
		}
	}

	dev := c.devices()
	var cycles []sequencer.Cycle
	if c.kind == KindScan {
		cycles = sequencer.Repeat(c.cycles)
	} else {
		inj, err := c.env.Library.Injections(c.section.Injections)
		if err != nil {
			return 0, err
		}
		cycles = sequencer.ProbeCycles(inj)
		if c.env.Devices.Valves != nil && c.env.Devices.Flow != nil {
			c.fluidics = NewFluidicsController(fluidicsConfig(c.env.Instrument), c.env.Devices.Valves, c.env.Devices.Flow, inj.Buffers, c.env.LoopObserver)
			dev.Fluidics = c.fluidics
		}
	}

	seq, err := sequencer.New(run.Task, plan, sequencer.Schedule(cycles, rois), dev)
	if err != nil {
		return 0, err
	}
	c.seq = seq
	run.Log.Info("%s: %d units over %d cycles and %d ROIs", c.kind, seq.Len(), len(cycles), len(rois))
	return seq.Len(), nil
}

func (c *Campaign) devices() sequencer.Devices {
	d := c.env.Devices
	dev := sequencer.Devices{
		Camera:       d.Camera,
		Light:        d.Light,
		FilterWheel:  d.FilterWheel,
		Piezo:        d.Piezo,
		Sink:         d.Sink,
		Capabilities: d.Capabilities,
	}
	if c.env.Stage != nil {
		dev.Stage = c.env.Stage
	}
	if c.env.Rack != nil {
		dev.Needle = c.env.Rack
	}
	if c.autofocus && c.env.Focus != nil {
		dev.Focus = c.env.Focus
	}
	return dev
}

// Step runs one unit.
func (c *Campaign) Step(ctx context.Context, run *task.Run, index int) error {
	if c.seq == nil {
		return errors.RuntimeError("step before startup")
	}
	return c.seq.Step(ctx, run.ID, index)
}

// Pause leaves the instrument quiet between units: light off, no flow,
// needle out of the rack.
func (c *Campaign) Pause(ctx context.Context, run *task.Run) error {
	return c.release(ctx, run, c.env.Rack != nil)
}

// Resume has nothing to restore; the next unit moves where it needs to.
func (c *Campaign) Resume(ctx context.Context, run *task.Run) error {
	return nil
}

// Cleanup releases the devices. On a forced cleanup the needle is parked
// at the safety height.
func (c *Campaign) Cleanup(ctx context.Context, run *task.Run, forced bool) error {
	err := c.release(ctx, run, forced && c.env.Rack != nil)
	if d := c.env.Devices; d.Camera != nil && c.imaging() {
		if cerr := d.Camera.StopAcquisition(ctx); cerr != nil {
			run.Log.WithError(cerr).Warn("camera stop")
			if err == nil {
				err = cerr
			}
		}
	}
	c.seq, c.fluidics = nil, nil
	return err
}

// release turns the light off, stops the flow and optionally parks the
// needle. It returns the first failure and logs the others.
func (c *Campaign) release(ctx context.Context, run *task.Run, park bool) error {
	var first error
	keep := func(what string, err error) {
		if err == nil {
			return
		}
		run.Log.WithError(err).Warn("%s", what)
		if first == nil {
			first = err
		}
	}
	if l := c.env.Devices.Light; l != nil && c.imaging() {
		keep("light off", l.Off(ctx))
	}
	if c.fluidics != nil {
		keep("flow stop", c.fluidics.Stop(ctx))
	}
	if park {
		keep("needle park", c.env.Rack.Park(ctx))
	}
	return first
}
