// Package sim provides thread-safe simulated instruments for `labcore serve
// --simulate` and for tests. Each device records the commands it received
// and can be told to fail.
package sim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"labcore/pkg/device"
)

// ErrInjected is returned by devices whose failure switch is set.
var ErrInjected = errors.New("sim: injected failure")

// fault is embedded by devices that support failure injection.
type fault struct {
	mu   sync.Mutex
	fail bool
}

// Fail makes subsequent calls return ErrInjected until cleared.
func (f *fault) Fail(on bool) {
	f.mu.Lock()
	f.fail = on
	f.mu.Unlock()
}

func (f *fault) check() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return ErrInjected
	}
	return nil
}

// sleep waits d unless ctx ends first.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stage is a simulated xyz stage.
type Stage struct {
	fault
	mu       sync.Mutex
	pos      device.Position
	moves    []device.Position
	MoveTime time.Duration
	aborted  int
}

// NewStage creates a stage at pos.
func NewStage(pos device.Position) *Stage {
	return &Stage{pos: pos}
}

// Position implements device.Stage.
func (s *Stage) Position(ctx context.Context) (device.Position, error) {
	if err := s.check(); err != nil {
		return device.Position{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos, nil
}

// MoveAbs implements device.Stage.
func (s *Stage) MoveAbs(ctx context.Context, target device.Position) error {
	if err := s.check(); err != nil {
		return err
	}
	if err := sleep(ctx, s.MoveTime); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pos = target
	s.moves = append(s.moves, target)
	return nil
}

// Abort implements device.Stage.
func (s *Stage) Abort(ctx context.Context) error {
	s.mu.Lock()
	s.aborted++
	s.mu.Unlock()
	return nil
}

// Moves returns the targets commanded so far.
func (s *Stage) Moves() []device.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]device.Position(nil), s.moves...)
}

// Aborts returns how many times Abort was called.
func (s *Stage) Aborts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

// Piezo is a simulated focus piezo.
type Piezo struct {
	fault
	mu       sync.Mutex
	z        float64
	min, max float64
	moves    int
}

// NewPiezo creates a piezo with travel [min, max] positioned mid-range.
func NewPiezo(min, max float64) *Piezo {
	return &Piezo{z: (min + max) / 2, min: min, max: max}
}

// Position implements device.Piezo.
func (p *Piezo) Position(ctx context.Context) (float64, error) {
	if err := p.check(); err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.z, nil
}

// MoveTo implements device.Piezo.
func (p *Piezo) MoveTo(ctx context.Context, z float64) error {
	if err := p.check(); err != nil {
		return err
	}
	if z < p.min || z > p.max {
		return fmt.Errorf("sim: piezo target %.3f outside [%.1f, %.1f]", z, p.min, p.max)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.z = z
	p.moves++
	return nil
}

// Range implements device.Piezo.
func (p *Piezo) Range() (float64, float64) {
	return p.min, p.max
}

// MoveCount returns how many moves were commanded.
func (p *Piezo) MoveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.moves
}

// FocusSensor models a reflected-beam sensor whose signal is linear in the
// distance between the piezo and the sample's focal plane.
type FocusSensor struct {
	fault
	mu     sync.Mutex
	piezo  *Piezo
	slope  float64
	offset float64
	plane  float64
	sum    float64
}

// NewFocusSensor couples a sensor to piezo with the given slope
// (signal units per µm). The focal plane starts at the piezo position.
func NewFocusSensor(piezo *Piezo, slope float64) *FocusSensor {
	z, _ := piezo.Position(context.Background())
	return &FocusSensor{piezo: piezo, slope: slope, plane: z, sum: 1}
}

// SetPlane moves the simulated sample's focal plane (drift).
func (f *FocusSensor) SetPlane(z float64) {
	f.mu.Lock()
	f.plane = z
	f.mu.Unlock()
}

// SetSum sets the total intensity; a low sum models a lost reflection.
func (f *FocusSensor) SetSum(sum float64) {
	f.mu.Lock()
	f.sum = sum
	f.mu.Unlock()
}

// ReadSignal implements device.FocusSensor.
func (f *FocusSensor) ReadSignal(ctx context.Context) (float64, error) {
	if err := f.check(); err != nil {
		return 0, err
	}
	z, err := f.piezo.Position(ctx)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offset + f.slope*(z-f.plane), nil
}

// ReadSum implements device.FocusSensor.
func (f *FocusSensor) ReadSum(ctx context.Context) (float64, error) {
	if err := f.check(); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sum, nil
}

// FlowBoard models a pressure-driven flow controller: flow = gain * pressure.
type FlowBoard struct {
	fault
	mu        sync.Mutex
	pressure  float64
	gain      float64
	max       float64
	commands  int
	pressures []float64
}

// NewFlowBoard creates a flow board with a maximum pressure.
func NewFlowBoard(gain, maxPressure float64) *FlowBoard {
	return &FlowBoard{gain: gain, max: maxPressure}
}

// FlowRate implements device.FlowBoard.
func (b *FlowBoard) FlowRate(ctx context.Context) (float64, error) {
	if err := b.check(); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gain * b.pressure, nil
}

// SetPressure implements device.FlowBoard.
func (b *FlowBoard) SetPressure(ctx context.Context, pressure float64) error {
	if err := b.check(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pressure = math.Max(0, math.Min(b.max, pressure))
	b.commands++
	b.pressures = append(b.pressures, b.pressure)
	return nil
}

// PressureRange implements device.FlowBoard.
func (b *FlowBoard) PressureRange() (float64, float64) {
	return 0, b.max
}

// Pressure returns the last commanded pressure.
func (b *FlowBoard) Pressure() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pressure
}

// Commands returns how many pressure commands were received.
func (b *FlowBoard) Commands() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.commands
}

// Valves simulates a bank of rotary valves.
type Valves struct {
	fault
	mu      sync.Mutex
	pos     map[string]int
	history []string
}

// NewValves creates valves all at position 1.
func NewValves() *Valves {
	return &Valves{pos: make(map[string]int)}
}

// SetPosition implements device.Valves.
func (v *Valves) SetPosition(ctx context.Context, valve string, pos int) error {
	if err := v.check(); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.pos[valve] = pos
	v.history = append(v.history, fmt.Sprintf("%s=%d", valve, pos))
	return nil
}

// Position implements device.Valves.
func (v *Valves) Position(ctx context.Context, valve string) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if p, ok := v.pos[valve]; ok {
		return p, nil
	}
	return 1, nil
}

// WaitForIdle implements device.Valves.
func (v *Valves) WaitForIdle(ctx context.Context) error {
	return v.check()
}

// History returns "valve=pos" for every command.
func (v *Valves) History() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.history...)
}

// Camera simulates a camera producing tiny frames.
type Camera struct {
	fault
	mu       sync.Mutex
	frames   int
	prepared int
	ExpTime  time.Duration
}

// NewCamera creates a camera.
func NewCamera() *Camera {
	return &Camera{}
}

// PrepareAcquisition implements device.Camera.
func (c *Camera) PrepareAcquisition(ctx context.Context, frames int) error {
	if err := c.check(); err != nil {
		return err
	}
	c.mu.Lock()
	c.prepared = frames
	c.mu.Unlock()
	return nil
}

// Snap implements device.Camera.
func (c *Camera) Snap(ctx context.Context) (device.Frame, error) {
	if err := c.check(); err != nil {
		return device.Frame{}, err
	}
	if err := sleep(ctx, c.ExpTime); err != nil {
		return device.Frame{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames++
	return device.Frame{Index: c.frames, Width: 4, Height: 4, Pixels: make([]uint16, 16)}, nil
}

// StopAcquisition implements device.Camera.
func (c *Camera) StopAcquisition(ctx context.Context) error {
	return nil
}

// Frames returns how many frames were taken.
func (c *Camera) Frames() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames
}

// Light simulates the illumination unit.
type Light struct {
	fault
	mu      sync.Mutex
	on      string
	history []string
}

// NewLight creates a light source with everything off.
func NewLight() *Light {
	return &Light{}
}

// Enable implements device.LightSource.
func (l *Light) Enable(ctx context.Context, id string, intensity float64) error {
	if err := l.check(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.on = id
	l.history = append(l.history, fmt.Sprintf("%s@%g", id, intensity))
	return nil
}

// Off implements device.LightSource.
func (l *Light) Off(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.on = ""
	return nil
}

// Active returns the enabled source, or "".
func (l *Light) Active() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.on
}

// History returns "id@intensity" for every Enable.
func (l *Light) History() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.history...)
}

// FilterWheel simulates an emission filter wheel.
type FilterWheel struct {
	fault
	mu     sync.Mutex
	filter string
}

// NewFilterWheel creates a wheel at filter.
func NewFilterWheel(filter string) *FilterWheel {
	return &FilterWheel{filter: filter}
}

// SetFilter implements device.FilterWheel.
func (w *FilterWheel) SetFilter(ctx context.Context, name string) error {
	if err := w.check(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.filter = name
	return nil
}

// Filter implements device.FilterWheel.
func (w *FilterWheel) Filter(ctx context.Context) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.filter, nil
}

// Sink records written stacks in memory.
type Sink struct {
	fault
	mu     sync.Mutex
	stacks []device.StackMeta
}

// NewSink creates an empty sink.
func NewSink() *Sink {
	return &Sink{}
}

// WriteStack implements device.DataSink.
func (s *Sink) WriteStack(ctx context.Context, meta device.StackMeta, frames []device.Frame) error {
	if err := s.check(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stacks = append(s.stacks, meta)
	return nil
}

// Stacks returns the metadata of every written stack.
func (s *Sink) Stacks() []device.StackMeta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]device.StackMeta(nil), s.stacks...)
}
