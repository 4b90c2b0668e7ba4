package control

import (
	"context"
	"time"

	"labcore/pkg/device"
	"labcore/pkg/errors"
)

// NewFlowRegulator builds a loop holding board's flow rate at flowrate
// (µl/min) by commanding pressure. The PID output range is the pressure
// range.
func NewFlowRegulator(cfg PIDConfig, board device.FlowBoard, flowrate float64, opts ...Option) (*Worker, error) {
	cfg.Setpoint = flowrate
	pid, err := NewPIDController(cfg)
	if err != nil {
		return nil, err
	}
	return NewWorker("flow", pid, SensorFunc(board.FlowRate), ActuatorFunc(board.SetPressure), opts...), nil
}

// MeasureVolume integrates the flow rate every period until target µl have
// passed, and returns the integrated volume. On cancellation it returns the
// volume so far with ctx.Err().
func MeasureVolume(ctx context.Context, board device.FlowBoard, target float64, period time.Duration, progress func(volume float64)) (float64, error) {
	if target <= 0 {
		return 0, nil
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	var total float64
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		case now := <-ticker.C:
			rate, err := board.FlowRate(context.WithoutCancel(ctx))
			if err != nil {
				return total, errors.ControlLoopFault("volume", err)
			}
			total += rate * now.Sub(last).Seconds() / 60
			last = now
			if progress != nil {
				progress(total)
			}
			if total >= target {
				return total, nil
			}
		}
	}
}
