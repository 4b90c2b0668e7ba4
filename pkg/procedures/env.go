// Package procedures implements the task kinds of the instrument: scan
// (repeated imaging of ROIs), fluidics (probe injections only) and him
// (hybridization, imaging and photobleaching per probe). Tasks are built
// from [task NAME] sections through a config.Registry.
package procedures

import (
	"labcore/pkg/config"
	"labcore/pkg/control"
	"labcore/pkg/device"
	"labcore/pkg/experiment"
	"labcore/pkg/log"
	"labcore/pkg/motion"
)

// Env is what every procedure shares: devices resolved at startup, the
// instrument configuration and the document library.
type Env struct {
	Devices    device.Set
	Instrument *config.Instrument
	Library    *experiment.Library

	// Derived from Devices and Instrument by NewEnv; nil when the
	// hardware is absent.
	Stage *motion.Guard
	Rack  *motion.ProbeRack
	Focus *control.FocusController

	LoopObserver control.Observer
}

// Observers receive control-loop and motion events of every procedure.
type Observers struct {
	Loop   control.Observer
	Motion motion.ViolationObserver
}

// NewEnv resolves the guards, the probe rack and the focus controller.
func NewEnv(inst *config.Instrument, devices device.Set, lib *experiment.Library, obs Observers) (*Env, error) {
	env := &Env{
		Devices:      devices,
		Instrument:   inst,
		Library:      lib,
		LoopObserver: obs.Loop,
	}
	logger := log.GetLogger("procedures")
	if devices.Stage != nil {
		env.Stage = motion.NewGuard(device.NameStage, devices.Stage, inst.Safety.SafetyHeight)
		if obs.Motion != nil {
			env.Stage.SetObserver(obs.Motion)
		}
	}
	if devices.Needle != nil && inst.ProbeRack.Grid != "" {
		needle := motion.NewGuard(device.NameNeedle, devices.Needle, inst.Safety.SafetyHeight)
		if obs.Motion != nil {
			needle.SetObserver(obs.Motion)
		}
		rack, err := motion.NewProbeRack(inst.ProbeRack, needle)
		if err != nil {
			return nil, err
		}
		env.Rack = rack
	}
	if devices.FocusSensor != nil && devices.Piezo != nil {
		focus, err := control.NewFocusController(FocusConfig(inst), devices.FocusSensor, devices.Piezo, obs.Loop)
		if err != nil {
			return nil, err
		}
		env.Focus = focus
	}
	logger.Debug("environment: devices %v, rack %v, focus %v", devices.Names(), env.Rack != nil, env.Focus != nil)
	return env, nil
}

// PIDConfig converts a [pid NAME] section.
func PIDConfig(sec config.PIDSection) control.PIDConfig {
	return control.PIDConfig{
		Kp:         sec.Kp,
		Ki:         sec.Ki,
		Kd:         sec.Kd,
		OutputMin:  sec.OutputMin,
		OutputMax:  sec.OutputMax,
		SampleTime: sec.SampleTime,
	}
}

// FocusConfig converts the [pid focus] and [focus] sections.
func FocusConfig(inst *config.Instrument) control.FocusConfig {
	f := inst.Focus
	return control.FocusConfig{
		PID:              PIDConfig(inst.FocusPID),
		Deadband:         f.Deadband,
		SearchMode:       f.SearchMode,
		Tolerance:        f.Tolerance,
		Dwell:            f.Dwell,
		StablePoints:     f.StablePoints,
		StableThreshold:  f.StableThreshold,
		SearchTimeout:    f.SearchTimeout,
		SignalMin:        f.SignalMin,
		SignalGrace:      f.SignalGrace,
		CalibrationRange: f.CalibrationRange,
		CalibrationStep:  f.CalibrationStep,
	}
}

// fluidicsConfig converts the [pid flow] and [fluidics] sections.
func fluidicsConfig(inst *config.Instrument) FluidicsConfig {
	return FluidicsConfig{
		PID:          PIDConfig(inst.FlowPID),
		Valve:        inst.Fluidics.Valve,
		VolumePeriod: inst.Fluidics.VolumePeriod,
	}
}
