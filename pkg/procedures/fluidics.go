package procedures

import (
	"context"
	"fmt"
	"sync"
	"time"

	"labcore/pkg/control"
	"labcore/pkg/device"
	"labcore/pkg/errors"
	"labcore/pkg/experiment"
	"labcore/pkg/log"
)

// FluidicsConfig tunes injections.
type FluidicsConfig struct {
	PID          control.PIDConfig
	Valve        string
	VolumePeriod time.Duration
}

// FluidicsController runs injection sequences: it selects the product's
// valve port, regulates the flow rate and integrates the injected volume.
// A fault of the regulation loop ends the injection with that fault.
type FluidicsController struct {
	cfg      FluidicsConfig
	valves   device.Valves
	board    device.FlowBoard
	buffers  map[string]int
	observer control.Observer
	log      *log.Logger

	mu      sync.Mutex
	current *control.Worker
}

// NewFluidicsController creates a controller serving the products listed
// in buffers.
func NewFluidicsController(cfg FluidicsConfig, valves device.Valves, board device.FlowBoard, buffers map[string]int, observer control.Observer) *FluidicsController {
	if cfg.Valve == "" {
		cfg.Valve = "buffer"
	}
	if cfg.VolumePeriod <= 0 {
		cfg.VolumePeriod = 100 * time.Millisecond
	}
	return &FluidicsController{
		cfg:      cfg,
		valves:   valves,
		board:    board,
		buffers:  buffers,
		observer: observer,
		log:      log.GetLogger("fluidics"),
	}
}

// RunSequence executes seq step by step. Cancellation stops the running
// injection and is returned as ctx.Err().
func (f *FluidicsController) RunSequence(ctx context.Context, phase string, seq *experiment.InjectionSequence) error {
	for i, s := range seq.Steps() {
		if err := ctx.Err(); err != nil {
			return err
		}
		entry := f.log.WithFields(log.Fields{"phase": phase, "step": i + 1})
		entry.Info("%s", s)
		var err error
		if s.Op == experiment.OpIncubate {
			err = incubate(ctx, s.IncubationTime())
		} else {
			err = f.inject(ctx, s)
		}
		if err != nil {
			if ce, ok := errors.As(err); ok {
				ce.SetContext("phase", phase).SetContext("injection_step", i+1)
			}
			return err
		}
	}
	return nil
}

func incubate(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *FluidicsController) inject(ctx context.Context, s experiment.InjectionStep) error {
	port, ok := f.buffers[s.Product]
	if !ok {
		return errors.ConfigurationError(fmt.Sprintf("no buffer port for product %q", s.Product))
	}
	hw := context.WithoutCancel(ctx)
	if err := f.valves.SetPosition(hw, f.cfg.Valve, port); err != nil {
		return errors.Wrap(err, errors.ErrRuntime, "valve").SetOp("valve")
	}
	if err := f.valves.WaitForIdle(hw); err != nil {
		return errors.Wrap(err, errors.ErrRuntime, "valve").SetOp("valve")
	}

	reg, err := control.NewFlowRegulator(f.cfg.PID, f.board, s.Flowrate, control.WithObserver(f.observer))
	if err != nil {
		return err
	}
	mctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := reg.Start(mctx); err != nil {
		return err
	}
	f.setCurrent(reg)
	go func() {
		select {
		case <-reg.Done():
			cancel()
		case <-mctx.Done():
		}
	}()

	volume, merr := control.MeasureVolume(mctx, f.board, s.Volume, f.cfg.VolumePeriod, nil)
	rerr := reg.StopAndWait()
	f.setCurrent(nil)
	if zerr := f.zero(hw); zerr != nil {
		f.log.WithError(zerr).Warn("pressure release")
	}

	switch {
	case rerr != nil:
		return rerr
	case ctx.Err() != nil:
		return ctx.Err()
	case merr != nil:
		return merr
	}
	f.log.Debug("injected %.1fµl of %s", volume, s.Product)
	return nil
}

func (f *FluidicsController) setCurrent(w *control.Worker) {
	f.mu.Lock()
	f.current = w
	f.mu.Unlock()
}

func (f *FluidicsController) zero(ctx context.Context) error {
	lo, _ := f.board.PressureRange()
	return f.board.SetPressure(ctx, lo)
}

// Stop ends a running injection and releases the pressure.
func (f *FluidicsController) Stop(ctx context.Context) error {
	f.mu.Lock()
	w := f.current
	f.mu.Unlock()
	if w != nil {
		if err := w.StopAndWait(); err != nil {
			f.log.WithError(err).Warn("flow loop")
		}
	}
	return f.zero(ctx)
}
