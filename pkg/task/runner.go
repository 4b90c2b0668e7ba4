// Copyright (C) 2026  Labcore Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package task

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"labcore/pkg/device"
	"labcore/pkg/errors"
	"labcore/pkg/log"
)

// Runner owns the task registry and enforces that at most one task is
// outside Stopped. Lock order is Runner.mu, then Task.mu.
type Runner struct {
	devices device.Set
	disp    *dispatcher
	log     *log.Logger

	mu    sync.Mutex
	tasks map[string]*Task
}

// NewRunner creates a runner that checks task dependencies against
// devices.
func NewRunner(devices device.Set) *Runner {
	return &Runner{
		devices: devices,
		disp:    newDispatcher(),
		log:     log.GetLogger("runner"),
		tasks:   make(map[string]*Task),
	}
}

// Observe adds an observer for the notices of every task.
func (r *Runner) Observe(o Observer) {
	r.disp.add(o)
}

// Register adds a task. A task whose required devices are absent is kept
// but marked non-loadable; only a duplicate name is an error.
func (r *Runner) Register(name, kind string, proc Procedure, requires []string) (*Task, error) {
	if name == "" {
		return nil, errors.ConfigurationError("task name is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[name]; ok {
		return nil, errors.ConfigurationError(fmt.Sprintf("task %q registered twice", name))
	}
	missing := r.devices.Missing(requires)
	t := newTask(name, kind, proc, requires, missing, r.disp.publish)
	r.tasks[name] = t
	if len(missing) > 0 {
		r.log.WithError(errors.DependencyUnavailable(name, missing)).Warn("task %s registered as not loadable", name)
	} else {
		r.log.Info("registered task %s (%s)", name, kind)
	}
	return t, nil
}

// activeLocked returns the task outside Stopped, if any.
func (r *Runner) activeLocked() *Task {
	for _, t := range r.tasks {
		if t.State().Active() {
			return t
		}
	}
	return nil
}

// Active returns the name of the active task, or "".
func (r *Runner) Active() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t := r.activeLocked(); t != nil {
		return t.name
	}
	return ""
}

func (r *Runner) lookupLocked(name string) (*Task, error) {
	t, ok := r.tasks[name]
	if !ok {
		return nil, errors.UnknownTask(name)
	}
	return t, nil
}

// Start begins a fresh run of the named task.
func (r *Runner) Start(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, err := r.lookupLocked(name)
	if err != nil {
		return err
	}
	if active := r.activeLocked(); active != nil {
		return errors.AlreadyActive(name, active.name)
	}
	if !t.Loadable() {
		return errors.NotLoadable(name, t.missing)
	}
	return t.start()
}

// Pause requests a pause at the next step boundary.
func (r *Runner) Pause(name string) error { return r.command(name, EventPause) }

// Resume continues a paused task.
func (r *Runner) Resume(name string) error { return r.command(name, EventResume) }

// Stop requests a normal finish at the next step boundary.
func (r *Runner) Stop(name string) error { return r.command(name, EventStop) }

// Abort skips the remaining steps and cancels the in-flight one.
func (r *Runner) Abort(name string) error { return r.command(name, EventAbort) }

func (r *Runner) command(name string, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, err := r.lookupLocked(name)
	if err != nil {
		return err
	}
	active := r.activeLocked()
	if active != nil && active != t {
		// t is Stopped, so the event is also an invalid transition.
		ne := errors.NotActive(name, e.String(), active.name)
		ne.Err = errors.InvalidTransition(name, Stopped.String(), e.String())
		return ne
	}
	if err := t.command(e); err != nil {
		return err
	}
	r.log.Info("%s %s", e, name)
	return nil
}

// Status returns the named task's current status without waiting for the
// executor.
func (r *Runner) Status(name string) (Status, error) {
	r.mu.Lock()
	t, ok := r.tasks[name]
	r.mu.Unlock()
	if !ok {
		return Status{}, errors.UnknownTask(name)
	}
	return t.Status(), nil
}

// Statuses returns the status of every task, sorted by name.
func (r *Runner) Statuses() []Status {
	r.mu.Lock()
	out := make([]Status, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t.Status())
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Task returns the named task.
func (r *Runner) Task(name string) (*Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[name]
	return t, ok
}

// Wait blocks until the named task's current run reaches Stopped and
// observers have received every notice of that run.
func (r *Runner) Wait(ctx context.Context, name string) (Status, error) {
	t, ok := r.Task(name)
	if !ok {
		return Status{}, errors.UnknownTask(name)
	}
	select {
	case <-t.Done():
	case <-ctx.Done():
		return t.Status(), ctx.Err()
	}
	if err := r.disp.flush(ctx); err != nil {
		return t.Status(), err
	}
	return t.Status(), nil
}

// Shutdown aborts the active task, waits for it to stop and flushes
// pending notices.
func (r *Runner) Shutdown(ctx context.Context) error {
	if name := r.Active(); name != "" {
		if err := r.Abort(name); err != nil && !errors.Is(err, errors.ErrInvalidTransition) {
			r.log.WithError(err).Warn("abort on shutdown")
		}
		if _, err := r.Wait(ctx, name); err != nil {
			return err
		}
	}
	r.disp.close()
	return nil
}
