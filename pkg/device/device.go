// Package device declares the capability interfaces the orchestration core
// drives. Concrete drivers live outside the core; pkg/device/sim provides
// simulated implementations.
//
// Every handle serializes its own hardware access, so methods may be called
// from a task step and a control loop concurrently.
package device

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Position is a stage coordinate in micrometers.
type Position struct {
	X, Y, Z float64
}

func (p Position) String() string {
	return fmt.Sprintf("(%.3f, %.3f, %.3f)", p.X, p.Y, p.Z)
}

// Frame is one camera image. The core never inspects pixels.
type Frame struct {
	Index  int
	Width  int
	Height int
	Pixels []uint16
}

// Camera acquires frames.
type Camera interface {
	PrepareAcquisition(ctx context.Context, frames int) error
	Snap(ctx context.Context) (Frame, error)
	StopAcquisition(ctx context.Context) error
}

// Stage is the motorized xyz stage or needle positioner.
type Stage interface {
	Position(ctx context.Context) (Position, error)
	MoveAbs(ctx context.Context, target Position) error
	Abort(ctx context.Context) error
}

// Piezo is the fine focus axis.
type Piezo interface {
	Position(ctx context.Context) (float64, error)
	MoveTo(ctx context.Context, z float64) error
	Range() (min, max float64)
}

// FocusSensor reads the focus offset signal (quadrant photodiode or
// reflected-beam centroid) and the total collected intensity.
type FocusSensor interface {
	ReadSignal(ctx context.Context) (float64, error)
	ReadSum(ctx context.Context) (float64, error)
}

// FlowBoard reads flow rate (µl/min) and commands pump pressure.
type FlowBoard interface {
	FlowRate(ctx context.Context) (float64, error)
	SetPressure(ctx context.Context, pressure float64) error
	PressureRange() (min, max float64)
}

// Valves selects buffer ports on rotary valves.
type Valves interface {
	SetPosition(ctx context.Context, valve string, pos int) error
	Position(ctx context.Context, valve string) (int, error)
	WaitForIdle(ctx context.Context) error
}

// LightSource drives the illumination lasers/LEDs.
type LightSource interface {
	Enable(ctx context.Context, id string, intensityPercent float64) error
	Off(ctx context.Context) error
}

// FilterWheel selects the emission filter.
type FilterWheel interface {
	SetFilter(ctx context.Context, name string) error
	Filter(ctx context.Context) (string, error)
}

// Capabilities are static instrument facts consulted before any hardware
// command is issued.
type Capabilities interface {
	HasTemperatureControl() bool
	AllowedLightsources(filter string) []string
}

// StackMeta describes one acquired z-stack.
type StackMeta struct {
	Task        string
	RunID       string
	Cycle       int
	ROI         string
	Position    Position
	Lightsource string
	Intensity   float64
	Filter      string
	Planes      []float64
	Time        time.Time
}

// DataSink persists acquired stacks.
type DataSink interface {
	WriteStack(ctx context.Context, meta StackMeta, frames []Frame) error
}

// Handle names used in task `requires` lists.
const (
	NameCamera       = "camera"
	NameStage        = "stage"
	NameNeedle       = "needle"
	NamePiezo        = "piezo"
	NameFocusSensor  = "focus_sensor"
	NameFlow         = "flow"
	NameValves       = "valves"
	NameLight        = "light"
	NameFilterWheel  = "filter_wheel"
	NameCapabilities = "capabilities"
	NameSink         = "sink"
)

// Set carries the handles resolved once at startup. Absent handles are nil.
type Set struct {
	Camera       Camera
	Stage        Stage
	Needle       Stage
	Piezo        Piezo
	FocusSensor  FocusSensor
	Flow         FlowBoard
	Valves       Valves
	Light        LightSource
	FilterWheel  FilterWheel
	Capabilities Capabilities
	Sink         DataSink
}

func (s Set) present() map[string]bool {
	return map[string]bool{
		NameCamera:       s.Camera != nil,
		NameStage:        s.Stage != nil,
		NameNeedle:       s.Needle != nil,
		NamePiezo:        s.Piezo != nil,
		NameFocusSensor:  s.FocusSensor != nil,
		NameFlow:         s.Flow != nil,
		NameValves:       s.Valves != nil,
		NameLight:        s.Light != nil,
		NameFilterWheel:  s.FilterWheel != nil,
		NameCapabilities: s.Capabilities != nil,
		NameSink:         s.Sink != nil,
	}
}

// Has reports whether the named handle is present.
func (s Set) Has(name string) bool {
	return s.present()[name]
}

// Missing returns the required names that are absent, sorted.
func (s Set) Missing(required []string) []string {
	present := s.present()
	var missing []string
	for _, name := range required {
		if !present[name] {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}

// Names returns the names of the present handles, sorted.
func (s Set) Names() []string {
	var names []string
	for name, ok := range s.present() {
		if ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// StaticCapabilities answers capability queries from configuration.
type StaticCapabilities struct {
	TemperatureControl bool
	// Allowed maps filter name to permitted lightsources. A filter absent
	// from the map permits nothing.
	Allowed map[string][]string
	// Unfiltered lists lightsources usable when no filter is selected.
	Unfiltered []string
}

// HasTemperatureControl implements Capabilities.
func (c StaticCapabilities) HasTemperatureControl() bool {
	return c.TemperatureControl
}

// AllowedLightsources implements Capabilities.
func (c StaticCapabilities) AllowedLightsources(filter string) []string {
	if filter == "" {
		return c.Unfiltered
	}
	return c.Allowed[filter]
}
