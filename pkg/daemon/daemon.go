// Copyright (C) 2026  Labcore Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package daemon assembles the labcore service: instrument configuration,
// devices, task runner, run journal, metrics and the command server.
package daemon

import (
	"context"
	"fmt"

	"github.com/sourcegraph/conc"

	"labcore/pkg/api"
	"labcore/pkg/config"
	"labcore/pkg/device"
	"labcore/pkg/device/sim"
	coreerrors "labcore/pkg/errors"
	"labcore/pkg/experiment"
	"labcore/pkg/journal"
	"labcore/pkg/log"
	"labcore/pkg/metrics"
	"labcore/pkg/procedures"
	"labcore/pkg/settings"
	"labcore/pkg/task"
)

// Daemon is a configured, not yet running, labcore service.
type Daemon struct {
	settings *settings.Settings
	log      *log.Logger

	Instrument *config.Instrument
	Sim        *sim.Instrument // nil unless simulating
	Devices    device.Set
	Library    *experiment.Library
	Runner     *task.Runner
	Env        *procedures.Env
	Journal    *journal.Journal // nil when disabled
	Metrics    *metrics.Metrics

	api     *api.Server
	metrics *metrics.Server // nil when disabled
}

// New loads the instrument configuration and builds every component. The
// tasks of the configuration are registered; those whose devices are
// missing are registered as not loadable.
func New(s *settings.Settings) (d *Daemon, err error) {
	d = &Daemon{
		settings: s,
		log:      log.GetLogger("daemon"),
		Metrics:  metrics.New(),
	}

	if d.Instrument, err = config.LoadInstrument(s.Instrument.Config); err != nil {
		return nil, err
	}

	caps := device.StaticCapabilities{
		TemperatureControl: d.Instrument.Optics.TemperatureControl,
		Allowed:            d.Instrument.Optics.Allowed,
		Unfiltered:         d.Instrument.Optics.Lightsources,
	}
	if s.Instrument.Simulate {
		opts := sim.DefaultOptions()
		if f := d.Instrument.Focus; f.PiezoMax > f.PiezoMin {
			opts.PiezoMin, opts.PiezoMax = f.PiezoMin, f.PiezoMax
		}
		d.Sim = sim.New(opts)
		d.Devices = d.Sim.Set(caps)
		d.log.Info("running against the simulated instrument")
	} else {
		// no hardware drivers are linked in; tasks register as not loadable
		d.Devices = device.Set{Capabilities: caps}
		d.log.Warn("no device drivers configured; only capability checks are available")
	}

	d.Library = experiment.NewLibrary(s.Plans.Dir)
	d.Env, err = procedures.NewEnv(d.Instrument, d.Devices, d.Library, procedures.Observers{
		Loop:   d.Metrics,
		Motion: d.Metrics,
	})
	if err != nil {
		return nil, err
	}

	d.Runner = task.NewRunner(d.Devices)
	if s.Journal.Path != "" {
		if d.Journal, err = journal.Open(s.Journal.Path); err != nil {
			return nil, err
		}
		d.Runner.Observe(d.Journal)
	}
	jr := d.Journal
	defer func() {
		if err != nil && jr != nil {
			jr.Close()
		}
	}()
	d.Runner.Observe(d.Metrics)

	tasks, err := procedures.RegisterAll(d.Runner, d.Instrument.Raw, d.Env)
	if err != nil {
		return nil, err
	}
	if uerr := d.Instrument.Raw.CheckUnused(); uerr != nil {
		return nil, coreerrors.Wrap(uerr, coreerrors.ErrConfiguration, "invalid instrument configuration").
			SetContext("path", s.Instrument.Config)
	}
	for _, t := range tasks {
		d.Metrics.SetTaskState(t.Name(), t.State())
		if !t.Loadable() {
			d.log.WithField("task", t.Name()).Warn("not loadable, missing %v", t.Status().Missing)
		}
	}

	cfg := api.Config{Addr: s.Server.ListenAddr(), Runner: d.Runner}
	if d.Journal != nil {
		cfg.History = d.Journal
	}
	if d.Env.Focus != nil {
		cfg.Focus = d.Env.Focus
	}
	d.api = api.New(cfg)
	d.Runner.Observe(d.api)

	if s.Metrics.Addr != "" {
		cfg := metrics.DefaultServerConfig()
		cfg.Addr = s.Metrics.Addr
		cfg.Username, cfg.Password = s.Metrics.Username, s.Metrics.Password
		cfg.Ready = d.ready
		d.metrics = metrics.NewServer(d.Metrics, cfg)
	}

	d.log.WithFields(log.Fields{"tasks": len(tasks), "devices": d.Devices.Names()}).Info("daemon configured")
	return d, nil
}

// APIAddr returns the command server address, the bound one once running.
func (d *Daemon) APIAddr() string {
	return d.api.Addr()
}

// Ready reports whether the command server accepts requests.
func (d *Daemon) Ready() bool {
	return d.api.Running()
}

func (d *Daemon) ready() error {
	if !d.api.Running() {
		return fmt.Errorf("command server not listening")
	}
	return nil
}

// Run serves until ctx ends or a server fails, then aborts the active task,
// stops the servers and closes the journal.
func (d *Daemon) Run(ctx context.Context) error {
	serverErr := make(chan error, 2)
	var servers conc.WaitGroup
	servers.Go(func() {
		if err := d.api.Start(); err != nil {
			serverErr <- err
		}
	})
	if d.metrics != nil {
		servers.Go(func() {
			if err := d.metrics.Start(); err != nil {
				serverErr <- err
			}
		})
	}

	if d.settings.Plans.Watch {
		if err := d.Library.Watch(ctx, nil); err != nil {
			d.log.WithError(err).Warn("plan directory not watched")
		}
	}

	var runErr error
	select {
	case <-ctx.Done():
		d.log.Info("shutting down")
	case runErr = <-serverErr:
		d.log.WithError(runErr).Error("server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), d.settings.Server.ShutdownTimeout)
	defer cancel()

	if err := d.Runner.Shutdown(shutdownCtx); err != nil {
		d.log.WithError(err).Warn("runner shutdown")
	}
	if d.Env.Focus != nil {
		if err := d.Env.Focus.Stop(); err != nil {
			d.log.WithError(err).Warn("focus stop")
		}
	}
	if err := d.api.Stop(shutdownCtx); err != nil {
		d.log.WithError(err).Warn("command server shutdown")
	}
	if d.metrics != nil {
		if err := d.metrics.Shutdown(shutdownCtx); err != nil {
			d.log.WithError(err).Warn("metrics server shutdown")
		}
	}
	servers.Wait()

	if d.Journal != nil {
		if err := d.Journal.Close(); err != nil {
			d.log.WithError(err).Warn("journal close")
		}
	}
	d.log.Info("shutdown complete")
	return runErr
}
