package control

import (
	"context"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"labcore/pkg/errors"
)

// SettleCheck completes a loop once |error| stays within Tolerance for Dwell.
type SettleCheck struct {
	Tolerance float64
	Dwell     time.Duration

	inside time.Time
}

// Observe implements Check.
func (c *SettleCheck) Observe(_ context.Context, s Sample) (bool, error) {
	if math.Abs(s.Error) > c.Tolerance {
		c.inside = time.Time{}
		return false, nil
	}
	if c.inside.IsZero() {
		c.inside = s.Time
	}
	return s.Time.Sub(c.inside) >= c.Dwell, nil
}

// StableCheck completes a loop once the linear trend of the last Points
// outputs is flatter than Threshold (output units per sample).
type StableCheck struct {
	Points    int
	Threshold float64

	outputs []float64
	xs      []float64
}

// Observe implements Check.
func (c *StableCheck) Observe(_ context.Context, s Sample) (bool, error) {
	if c.Points < 2 {
		return false, errors.ConfigurationError("stable check needs at least 2 points")
	}
	c.outputs = append(c.outputs, s.Output)
	if len(c.outputs) > c.Points {
		c.outputs = c.outputs[len(c.outputs)-c.Points:]
	}
	if len(c.outputs) < c.Points {
		return false, nil
	}
	if len(c.xs) != c.Points {
		c.xs = make([]float64, c.Points)
		for i := range c.xs {
			c.xs[i] = float64(i)
		}
	}
	_, slope := stat.LinearRegression(c.xs, c.outputs, nil, false)
	return math.Abs(slope) < c.Threshold, nil
}

// SignalCheck fails a loop with SignalLost once the validity reading stays
// outside [Min, Max] for longer than Grace. A zero Max means unbounded.
type SignalCheck struct {
	Loop  string
	Read  SensorFunc
	Min   float64
	Max   float64
	Grace time.Duration

	outside time.Time
}

// Observe implements Check.
func (c *SignalCheck) Observe(ctx context.Context, s Sample) (bool, error) {
	v, err := c.Read(ctx)
	if err != nil {
		return false, errors.ControlLoopFault(c.Loop, err).SetContext("stage", "signal")
	}
	if v >= c.Min && (c.Max == 0 || v <= c.Max) {
		c.outside = time.Time{}
		return false, nil
	}
	if c.outside.IsZero() {
		c.outside = s.Time
	}
	if s.Time.Sub(c.outside) > c.Grace {
		return false, errors.SignalLost(c.Loop, v)
	}
	return false, nil
}

// DeadlineCheck fails a bounded loop that has not completed by Timeout
// after its first sample.
type DeadlineCheck struct {
	Loop    string
	Timeout time.Duration

	first time.Time
}

// Observe implements Check.
func (c *DeadlineCheck) Observe(_ context.Context, s Sample) (bool, error) {
	if c.first.IsZero() {
		c.first = s.Time
	}
	if s.Time.Sub(c.first) > c.Timeout {
		return false, errors.ControlLoopFault(c.Loop, fmt.Errorf("not settled after %v", c.Timeout))
	}
	return false, nil
}
