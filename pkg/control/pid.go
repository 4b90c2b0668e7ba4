// Closed-loop control primitives for focus and flow regulation
//
// Copyright (C) 2026  Labcore Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package control

import (
	"fmt"
	"math"
	"sync"
	"time"

	"labcore/pkg/errors"
)

// PIDConfig holds gains, setpoint and output limits.
type PIDConfig struct {
	Kp, Ki, Kd float64
	Setpoint   float64
	OutputMin  float64
	OutputMax  float64
	SampleTime time.Duration
}

// Validate checks the limits and sample time.
func (c PIDConfig) Validate() error {
	if c.OutputMin > c.OutputMax {
		return errors.ConfigurationError(fmt.Sprintf("pid output_min %g above output_max %g", c.OutputMin, c.OutputMax))
	}
	if c.SampleTime <= 0 {
		return errors.ConfigurationError("pid sample_time must be positive")
	}
	for _, g := range []float64{c.Kp, c.Ki, c.Kd} {
		if math.IsNaN(g) || math.IsInf(g, 0) {
			return errors.ConfigurationError("pid gains must be finite")
		}
	}
	return nil
}

// PIDController computes a clamped PID output with integral anti-windup.
// It is safe for concurrent use.
type PIDController struct {
	mu        sync.Mutex
	cfg       PIDConfig
	integral  float64
	prevError float64
	primed    bool
}

// NewPIDController creates a controller in its reset state.
func NewPIDController(cfg PIDConfig) (*PIDController, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &PIDController{cfg: cfg}, nil
}

// Compute feeds one measurement taken SampleTime after the previous one and
// returns the output clamped to [OutputMin, OutputMax]. While the unclamped
// output is outside that range the integral keeps its previous value.
func (c *PIDController) Compute(measurement float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	dt := c.cfg.SampleTime.Seconds()
	e := c.cfg.Setpoint - measurement

	integral := c.integral + e*dt
	var deriv float64
	if c.primed {
		deriv = (e - c.prevError) / dt
	}

	co := c.cfg.Kp*e + c.cfg.Ki*integral + c.cfg.Kd*deriv
	bounded := math.Max(c.cfg.OutputMin, math.Min(c.cfg.OutputMax, co))

	c.prevError = e
	c.primed = true
	// Only update integral if output wasn't bounded
	if co == bounded {
		c.integral = integral
	}
	return bounded
}

// Reset clears the integral and derivative history.
func (c *PIDController) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.integral = 0
	c.prevError = 0
	c.primed = false
}

// SetSetpoint changes the target without resetting history.
func (c *PIDController) SetSetpoint(sp float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.Setpoint = sp
}

// Setpoint returns the current target.
func (c *PIDController) Setpoint() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Setpoint
}

// Integral returns the integral accumulator.
func (c *PIDController) Integral() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.integral
}

// Config returns a copy of the configuration.
func (c *PIDController) Config() PIDConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}
