package control

import (
	"math"
	"testing"
	"time"
)

func mustPID(t *testing.T, cfg PIDConfig) *PIDController {
	t.Helper()
	c, err := NewPIDController(cfg)
	if err != nil {
		t.Fatalf("NewPIDController: %v", err)
	}
	return c
}

func TestPIDProportionalAtSetpoint(t *testing.T) {
	c := mustPID(t, PIDConfig{Kp: 1, Setpoint: 10, OutputMin: -5, OutputMax: 5, SampleTime: 100 * time.Millisecond})
	if out := c.Compute(10); out != 0 {
		t.Errorf("output = %v, want 0", out)
	}
}

func TestPIDOutputClamped(t *testing.T) {
	c := mustPID(t, PIDConfig{Kp: 2, Setpoint: 10, OutputMin: -1, OutputMax: 3, SampleTime: time.Second})
	tests := []struct {
		measurement float64
		want        float64
	}{
		{9, 2},
		{0, 3},
		{20, -1},
	}
	for _, tt := range tests {
		if got := c.Compute(tt.measurement); got != tt.want {
			t.Errorf("Compute(%v) = %v, want %v", tt.measurement, got, tt.want)
		}
	}
}

func TestPIDAntiWindup(t *testing.T) {
	c := mustPID(t, PIDConfig{Kp: 1, Ki: 1, Setpoint: 1, OutputMin: 0, OutputMax: 2, SampleTime: time.Second})

	// In range: integral accumulates.
	c.Compute(0.5)
	before := c.Integral()
	if before != 0.5 {
		t.Fatalf("integral after unsaturated sample = %v, want 0.5", before)
	}

	// Unclamped output 1*91 + 1*(0.5+91) far above 2.
	c.SetSetpoint(100)
	out := c.Compute(9)
	if out != 2 {
		t.Errorf("output = %v, want clamped 2", out)
	}
	if got := c.Integral(); got != before {
		t.Errorf("integral = %v, want unchanged %v", got, before)
	}
}

func TestPIDIntegralAndDerivative(t *testing.T) {
	c := mustPID(t, PIDConfig{Ki: 1, Setpoint: 1, OutputMin: -10, OutputMax: 10, SampleTime: 100 * time.Millisecond})
	if out := c.Compute(0); math.Abs(out-0.1) > 1e-12 {
		t.Errorf("first output = %v, want 0.1", out)
	}
	if out := c.Compute(0); math.Abs(out-0.2) > 1e-12 {
		t.Errorf("second output = %v, want 0.2", out)
	}

	d := mustPID(t, PIDConfig{Kd: 1, Setpoint: 0, OutputMin: -100, OutputMax: 100, SampleTime: 100 * time.Millisecond})
	if out := d.Compute(1); out != 0 {
		t.Errorf("derivative on first sample = %v, want 0", out)
	}
	// error -1 -> -2 over 0.1 s
	if out := d.Compute(2); math.Abs(out+10) > 1e-9 {
		t.Errorf("derivative output = %v, want -10", out)
	}
	d.Reset()
	if out := d.Compute(5); out != 0 {
		t.Errorf("derivative after reset = %v, want 0", out)
	}
}

func TestPIDConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  PIDConfig
	}{
		{"inverted range", PIDConfig{OutputMin: 1, OutputMax: 0, SampleTime: time.Second}},
		{"zero sample time", PIDConfig{OutputMax: 1}},
		{"nan gain", PIDConfig{Kp: math.NaN(), OutputMax: 1, SampleTime: time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewPIDController(tt.cfg); err == nil {
				t.Error("expected configuration error")
			}
		})
	}
}
