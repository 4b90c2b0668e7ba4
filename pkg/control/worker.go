// Copyright (C) 2026  Labcore Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package control

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	"labcore/pkg/errors"
	"labcore/pkg/log"
)

// Sensor produces one measurement per loop iteration.
type Sensor interface {
	Read(ctx context.Context) (float64, error)
}

// SensorFunc adapts a function to Sensor.
type SensorFunc func(ctx context.Context) (float64, error)

// Read implements Sensor.
func (f SensorFunc) Read(ctx context.Context) (float64, error) { return f(ctx) }

// Actuator applies a controller output.
type Actuator interface {
	Apply(ctx context.Context, output float64) error
}

// ActuatorFunc adapts a function to Actuator.
type ActuatorFunc func(ctx context.Context, output float64) error

// Apply implements Actuator.
func (f ActuatorFunc) Apply(ctx context.Context, output float64) error { return f(ctx, output) }

// Sample is one completed loop iteration.
type Sample struct {
	Measurement float64
	Output      float64
	Error       float64
	Time        time.Time
}

// Check inspects every sample of a bounded loop. Returning done stops the
// loop successfully; returning an error stops it with that error.
type Check interface {
	Observe(ctx context.Context, s Sample) (done bool, err error)
}

// Outcome is how a loop ended.
type Outcome int

const (
	OutcomeRunning Outcome = iota
	OutcomeCompleted
	OutcomeCancelled
	OutcomeFaulted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRunning:
		return "running"
	case OutcomeCompleted:
		return "completed"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Observer receives loop samples and the final outcome. Calls come from the
// loop goroutine and must not block.
type Observer interface {
	LoopSample(loop string, s Sample)
	LoopStopped(loop string, outcome Outcome, err error)
}

// Option configures a Worker.
type Option func(*Worker)

// WithPeriod overrides the sampling period (default: the PID sample time).
func WithPeriod(d time.Duration) Option {
	return func(w *Worker) { w.period = d }
}

// WithTrigger makes the loop event-driven: one iteration per receive.
// Closing the channel stops the loop.
func WithTrigger(ch <-chan struct{}) Option {
	return func(w *Worker) { w.trigger = ch }
}

// WithChecks adds bounded-loop checks, evaluated in order.
func WithChecks(checks ...Check) Option {
	return func(w *Worker) { w.checks = append(w.checks, checks...) }
}

// WithObserver attaches an observer.
func WithObserver(o Observer) Option {
	return func(w *Worker) { w.observer = o }
}

// Worker runs sample -> compute -> actuate on its own goroutine until
// stopped, until a check completes it, or until the sensor or actuator
// fails. It never retries a failed hardware call.
type Worker struct {
	name     string
	pid      *PIDController
	sensor   Sensor
	actuator Actuator
	period   time.Duration
	trigger  <-chan struct{}
	checks   []Check
	observer Observer
	log      *log.Logger

	started    atomic.Bool
	cancelled  atomic.Bool
	lastOutput atomic.Uint64
	lastError  atomic.Uint64
	samples    atomic.Int64

	cancel context.CancelFunc
	wg     conc.WaitGroup
	done   chan struct{}

	mu      sync.Mutex
	outcome Outcome
	err     error
}

// NewWorker creates a loop; it does nothing until Start.
func NewWorker(name string, pid *PIDController, sensor Sensor, actuator Actuator, opts ...Option) *Worker {
	w := &Worker{
		name:     name,
		pid:      pid,
		sensor:   sensor,
		actuator: actuator,
		period:   pid.Config().SampleTime,
		log:      log.GetLogger("loop." + name),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.period <= 0 {
		w.period = pid.Config().SampleTime
	}
	return w
}

// Name returns the loop name.
func (w *Worker) Name() string { return w.name }

// Controller returns the loop's PID controller.
func (w *Worker) Controller() *PIDController { return w.pid }

// Start launches the loop goroutine. Cancelling ctx stops the loop like Stop.
func (w *Worker) Start(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return errors.RuntimeError("control loop " + w.name + " already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()
	if w.cancelled.Load() {
		cancel()
	}
	w.wg.Go(func() { w.run(ctx) })
	go func() {
		if r := w.wg.WaitAndRecover(); r != nil {
			w.finish(OutcomeFaulted, errors.ControlLoopFault(w.name, r.AsError()))
		}
		cancel()
		close(w.done)
	}()
	w.log.Debug("started, period %v", w.period)
	return nil
}

// Stop requests cancellation; the loop observes it at its next sampling
// boundary. Stop does not wait; use Wait or Done.
func (w *Worker) Stop() {
	if !w.cancelled.CompareAndSwap(false, true) {
		return
	}
	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Cancelled reports whether Stop was called.
func (w *Worker) Cancelled() bool { return w.cancelled.Load() }

// Done is closed once the loop goroutine has exited.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Wait blocks until the loop exits and returns its error: nil when it was
// stopped or a check completed it.
func (w *Worker) Wait() error {
	<-w.done
	return w.Err()
}

// StopAndWait stops the loop and waits for it.
func (w *Worker) StopAndWait() error {
	w.Stop()
	if !w.started.Load() {
		return nil
	}
	return w.Wait()
}

// Err returns the error that stopped the loop, if any.
func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Outcome reports how the loop ended, or OutcomeRunning.
func (w *Worker) Outcome() Outcome {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.outcome
}

// LastOutput returns the most recent controller output without blocking.
func (w *Worker) LastOutput() float64 { return math.Float64frombits(w.lastOutput.Load()) }

// LastError returns the most recent setpoint-measurement difference.
func (w *Worker) LastError() float64 { return math.Float64frombits(w.lastError.Load()) }

// Samples returns how many iterations completed.
func (w *Worker) Samples() int64 { return w.samples.Load() }

func (w *Worker) finish(outcome Outcome, err error) {
	w.mu.Lock()
	if w.outcome != OutcomeRunning {
		w.mu.Unlock()
		return
	}
	w.outcome = outcome
	w.err = err
	w.mu.Unlock()

	entry := w.log.WithField("samples", w.samples.Load())
	if err != nil {
		entry.WithError(err).Warn("stopped: %s", outcome)
	} else {
		entry.Debug("stopped: %s", outcome)
	}
	if w.observer != nil {
		w.observer.LoopStopped(w.name, outcome, err)
	}
}

func (w *Worker) run(ctx context.Context) {
	var tick <-chan time.Time
	if w.trigger == nil {
		t := time.NewTicker(w.period)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			w.finish(OutcomeCancelled, nil)
			return
		case <-tick:
		case _, ok := <-w.trigger:
			if !ok {
				w.finish(OutcomeCancelled, nil)
				return
			}
		}
		if w.cancelled.Load() {
			w.finish(OutcomeCancelled, nil)
			return
		}
		done, err := w.iterate(ctx)
		if err != nil {
			w.finish(OutcomeFaulted, err)
			return
		}
		if done {
			w.finish(OutcomeCompleted, nil)
			return
		}
	}
}

// iterate runs one sample. Hardware calls use a context detached from
// cancellation so a command is never interrupted halfway.
func (w *Worker) iterate(ctx context.Context) (bool, error) {
	hw := context.WithoutCancel(ctx)
	m, err := w.sensor.Read(hw)
	if err != nil {
		return false, errors.ControlLoopFault(w.name, err).SetContext("stage", "sensor")
	}
	out := w.pid.Compute(m)
	if err := w.actuator.Apply(hw, out); err != nil {
		if errors.IsControlLoop(err) {
			return false, err
		}
		return false, errors.ControlLoopFault(w.name, err).SetContext("stage", "actuator")
	}
	s := Sample{Measurement: m, Output: out, Error: w.pid.Setpoint() - m, Time: time.Now()}
	w.lastOutput.Store(math.Float64bits(out))
	w.lastError.Store(math.Float64bits(s.Error))
	w.samples.Add(1)
	if w.observer != nil {
		w.observer.LoopSample(w.name, s)
	}
	for _, c := range w.checks {
		done, err := c.Observe(hw, s)
		if err != nil {
			return false, err
		}
		if done {
			return true, nil
		}
	}
	return false, nil
}
