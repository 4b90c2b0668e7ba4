package control

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"labcore/pkg/device"
	"labcore/pkg/errors"
	"labcore/pkg/log"
)

// FocusConfig tunes focus stabilization.
type FocusConfig struct {
	PID PIDConfig

	// Corrections smaller than Deadband (µm) are not commanded.
	Deadband float64

	// SearchMode selects how a bounded search decides it has converged:
	// "settle" (tolerance band + dwell) or "stable" (flat output trend).
	SearchMode      string
	Tolerance       float64
	Dwell           time.Duration
	StablePoints    int
	StableThreshold float64
	SearchTimeout   time.Duration

	// A sensor sum below SignalMin for longer than SignalGrace means the
	// reflection was lost. Zero disables the check.
	SignalMin   float64
	SignalGrace time.Duration

	CalibrationRange float64
	CalibrationStep  float64
}

// Calibration is the linear sensor response measured by Calibrate.
type Calibration struct {
	Slope     float64 // signal units per µm
	Intercept float64
	Setpoint  float64 // signal at the calibrated position
	Z         float64
	Time      time.Time
}

// Calibrate ramps the piezo across span centered on its current position,
// fits the sensor response and returns the piezo to where it started. The
// setpoint is the signal read there. The piezo is returned to its start on
// every error path too.
func Calibrate(ctx context.Context, sensor device.FocusSensor, piezo device.Piezo, span, step float64) (cal Calibration, err error) {
	if span <= 0 || step <= 0 || step > span {
		return Calibration{}, errors.ConfigurationError(fmt.Sprintf("invalid calibration range %g step %g", span, step))
	}
	z0, err := piezo.Position(ctx)
	if err != nil {
		return Calibration{}, errors.ControlLoopFault("calibration", err)
	}
	moved := false
	defer func() {
		if err == nil || !moved {
			return
		}
		if rerr := piezo.MoveTo(context.WithoutCancel(ctx), z0); rerr != nil {
			log.GetLogger("focus").WithError(rerr).Error("piezo not returned to %.3f after failed calibration", z0)
		}
	}()

	lo, hi := piezo.Range()
	n := int(math.Round(span/step)) + 1
	var zs, signals []float64
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return Calibration{}, err
		}
		z := z0 - span/2 + float64(i)*step
		if z < lo || z > hi {
			continue
		}
		moved = true
		if err := piezo.MoveTo(ctx, z); err != nil {
			return Calibration{}, errors.ControlLoopFault("calibration", err)
		}
		v, err := sensor.ReadSignal(ctx)
		if err != nil {
			return Calibration{}, errors.ControlLoopFault("calibration", err)
		}
		zs = append(zs, z)
		signals = append(signals, v)
	}
	if err := piezo.MoveTo(ctx, z0); err != nil {
		return Calibration{}, errors.ControlLoopFault("calibration", err)
	}
	moved = false
	if len(zs) < 2 {
		return Calibration{}, errors.ControlLoopFault("calibration", fmt.Errorf("piezo at %.2f leaves no room to ramp", z0))
	}
	intercept, slope := stat.LinearRegression(zs, signals, nil, false)
	if math.Abs(slope) < 1e-9 {
		return Calibration{}, errors.ControlLoopFault("calibration", fmt.Errorf("sensor does not respond to piezo motion"))
	}
	sp, err := sensor.ReadSignal(ctx)
	if err != nil {
		return Calibration{}, errors.ControlLoopFault("calibration", err)
	}
	return Calibration{Slope: slope, Intercept: intercept, Setpoint: sp, Z: z0, Time: time.Now()}, nil
}

// piezoActuator converts PID output into a piezo position relative to the
// position held when the loop started.
type piezoActuator struct {
	loop     string
	piezo    device.Piezo
	slope    float64
	deadband float64
	min, max float64
	z0       float64
}

func (a *piezoActuator) Apply(ctx context.Context, out float64) error {
	target := a.z0 + out/a.slope
	if target <= a.min+1 || target >= a.max-1 {
		return errors.ControlLoopFault(a.loop, fmt.Errorf("piezo target out of range: %.3f not in (%.1f, %.1f)", target, a.min+1, a.max-1)).
			SetContext("target", target)
	}
	cur, err := a.piezo.Position(ctx)
	if err != nil {
		return err
	}
	if math.Abs(target-cur) < a.deadband {
		return nil
	}
	return a.piezo.MoveTo(ctx, target)
}

// FocusStatus is a non-blocking snapshot of the focus controller.
type FocusStatus struct {
	Calibrated  bool    `json:"calibrated"`
	Calibrating bool    `json:"calibrating"`
	Running     bool    `json:"running"`
	Setpoint    float64 `json:"setpoint"`
	Slope       float64 `json:"slope"`
	LastOutput  float64 `json:"last_output"`
	LastError   float64 `json:"last_error"`
	Outcome     string  `json:"outcome"`
	Fault       string  `json:"fault,omitempty"`
}

// FocusController owns focus calibration and the loops acting on the piezo.
// At most one loop runs at a time: either the continuous stabilization
// started by command or a bounded search.
type FocusController struct {
	cfg      FocusConfig
	sensor   device.FocusSensor
	piezo    device.Piezo
	observer Observer
	log      *log.Logger

	mu          sync.Mutex
	cal         *Calibration
	calibrating bool
	loop        *Worker
	last        *Worker
}

// NewFocusController validates cfg and creates a controller.
func NewFocusController(cfg FocusConfig, sensor device.FocusSensor, piezo device.Piezo, observer Observer) (*FocusController, error) {
	if err := cfg.PID.Validate(); err != nil {
		return nil, err
	}
	if cfg.SearchMode == "" {
		cfg.SearchMode = "settle"
	}
	if cfg.SearchMode != "settle" && cfg.SearchMode != "stable" {
		return nil, errors.ConfigurationError("focus search mode must be settle or stable")
	}
	return &FocusController{
		cfg:      cfg,
		sensor:   sensor,
		piezo:    piezo,
		observer: observer,
		log:      log.GetLogger("focus"),
	}, nil
}

// Calibrate measures the sensor response. A running loop blocks
// calibration, and loops cannot start while it ramps the piezo.
func (f *FocusController) Calibrate(ctx context.Context) (Calibration, error) {
	f.mu.Lock()
	if f.calibrating {
		f.mu.Unlock()
		return Calibration{}, errors.RuntimeError("focus calibration already running")
	}
	if f.loop != nil && !isDone(f.loop) {
		f.mu.Unlock()
		return Calibration{}, errors.RuntimeError("cannot calibrate while a focus loop runs")
	}
	f.calibrating = true
	f.mu.Unlock()

	cal, err := Calibrate(ctx, f.sensor, f.piezo, f.cfg.CalibrationRange, f.cfg.CalibrationStep)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calibrating = false
	if err != nil {
		return Calibration{}, err
	}
	f.cal = &cal
	f.log.WithFields(log.Fields{"slope": cal.Slope, "setpoint": cal.Setpoint}).Info("calibrated")
	return cal, nil
}

// Calibration returns the current calibration, if any.
func (f *FocusController) Calibration() (Calibration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cal == nil {
		return Calibration{}, false
	}
	return *f.cal, true
}

func isDone(w *Worker) bool {
	select {
	case <-w.Done():
		return true
	default:
		return false
	}
}

// newLoop builds a loop; caller holds f.mu.
func (f *FocusController) newLoop(ctx context.Context, name string, checks ...Check) (*Worker, error) {
	if f.calibrating {
		return nil, errors.RuntimeError("focus calibration in progress")
	}
	if f.cal == nil {
		return nil, errors.New(errors.ErrStartupFailed, "focus is not calibrated")
	}
	if f.loop != nil && !isDone(f.loop) {
		return nil, errors.RuntimeError("a focus loop already drives the piezo")
	}
	cfg := f.cfg.PID
	cfg.Setpoint = f.cal.Setpoint
	pid, err := NewPIDController(cfg)
	if err != nil {
		return nil, err
	}
	z0, err := f.piezo.Position(ctx)
	if err != nil {
		return nil, errors.ControlLoopFault(name, err)
	}
	lo, hi := f.piezo.Range()
	act := &piezoActuator{loop: name, piezo: f.piezo, slope: f.cal.Slope, deadband: f.cfg.Deadband, min: lo, max: hi, z0: z0}
	if f.cfg.SignalMin > 0 {
		checks = append([]Check{&SignalCheck{Loop: name, Read: f.sensor.ReadSum, Min: f.cfg.SignalMin, Grace: f.cfg.SignalGrace}}, checks...)
	}
	return NewWorker(name, pid, SensorFunc(f.sensor.ReadSignal), act, WithChecks(checks...), WithObserver(f.observer)), nil
}

// Start launches continuous stabilization, which persists until Stop or
// until ctx ends.
func (f *FocusController) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, err := f.newLoop(ctx, "focus")
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		return err
	}
	f.loop, f.last = w, w
	f.log.Info("stabilization started")
	return nil
}

// Stop ends continuous stabilization and returns the loop's error.
func (f *FocusController) Stop() error {
	f.mu.Lock()
	w := f.loop
	f.loop = nil
	f.mu.Unlock()
	if w == nil {
		return nil
	}
	err := w.StopAndWait()
	f.log.Info("stabilization stopped")
	return err
}

// Running reports whether a loop currently drives the piezo.
func (f *FocusController) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loop != nil && !isDone(f.loop)
}

// SearchFocus runs a bounded loop until focus converges. It returns
// SignalLost or ControlLoopFault on failure and ctx.Err() if cancelled.
func (f *FocusController) SearchFocus(ctx context.Context) error {
	var conv Check
	if f.cfg.SearchMode == "stable" {
		conv = &StableCheck{Points: f.cfg.StablePoints, Threshold: f.cfg.StableThreshold}
	} else {
		conv = &SettleCheck{Tolerance: f.cfg.Tolerance, Dwell: f.cfg.Dwell}
	}
	checks := []Check{conv}
	if f.cfg.SearchTimeout > 0 {
		checks = append(checks, &DeadlineCheck{Loop: "focus.search", Timeout: f.cfg.SearchTimeout})
	}

	f.mu.Lock()
	w, err := f.newLoop(ctx, "focus.search", checks...)
	if err == nil {
		err = w.Start(ctx)
	}
	if err != nil {
		f.mu.Unlock()
		return err
	}
	f.loop, f.last = w, w
	f.mu.Unlock()

	err = w.Wait()
	f.mu.Lock()
	if f.loop == w {
		f.loop = nil
	}
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if w.Outcome() == OutcomeCancelled {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return errors.RuntimeError("focus search stopped before converging")
	}
	return nil
}

// Status returns a snapshot without waiting for the loop.
func (f *FocusController) Status() FocusStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := FocusStatus{Outcome: OutcomeCancelled.String(), Calibrating: f.calibrating}
	if f.cal != nil {
		st.Calibrated = true
		st.Setpoint = f.cal.Setpoint
		st.Slope = f.cal.Slope
	}
	if w := f.last; w != nil {
		st.Running = f.loop == w && !isDone(w)
		st.LastOutput = w.LastOutput()
		st.LastError = w.LastError()
		st.Outcome = w.Outcome().String()
		if err := w.Err(); err != nil {
			st.Fault = err.Error()
		}
	}
	return st
}
