package sim

import (
	"labcore/pkg/device"
)

// Instrument bundles one simulated device of every kind.
type Instrument struct {
	Stage       *Stage
	Needle      *Stage
	Piezo       *Piezo
	FocusSensor *FocusSensor
	Flow        *FlowBoard
	Valves      *Valves
	Camera      *Camera
	Light       *Light
	FilterWheel *FilterWheel
	Sink        *Sink
}

// Options sizes the simulated instrument.
type Options struct {
	PiezoMin, PiezoMax float64
	FocusSlope         float64
	FlowGain           float64
	MaxPressure        float64
	NeedleZ            float64
}

// DefaultOptions returns a plausible bench setup.
func DefaultOptions() Options {
	return Options{
		PiezoMin: 0, PiezoMax: 100,
		FocusSlope: 0.5,
		FlowGain:   2, MaxPressure: 15,
		NeedleZ: 30,
	}
}

// New creates a simulated instrument.
func New(opts Options) *Instrument {
	piezo := NewPiezo(opts.PiezoMin, opts.PiezoMax)
	return &Instrument{
		Stage:       NewStage(device.Position{}),
		Needle:      NewStage(device.Position{Z: opts.NeedleZ}),
		Piezo:       piezo,
		FocusSensor: NewFocusSensor(piezo, opts.FocusSlope),
		Flow:        NewFlowBoard(opts.FlowGain, opts.MaxPressure),
		Valves:      NewValves(),
		Camera:      NewCamera(),
		Light:       NewLight(),
		FilterWheel: NewFilterWheel(""),
		Sink:        NewSink(),
	}
}

// Set exposes the instrument as a device.Set with the given capabilities.
func (in *Instrument) Set(caps device.Capabilities) device.Set {
	return device.Set{
		Camera:       in.Camera,
		Stage:        in.Stage,
		Needle:       in.Needle,
		Piezo:        in.Piezo,
		FocusSensor:  in.FocusSensor,
		Flow:         in.Flow,
		Valves:       in.Valves,
		Light:        in.Light,
		FilterWheel:  in.FilterWheel,
		Capabilities: caps,
		Sink:         in.Sink,
	}
}
