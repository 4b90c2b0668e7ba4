// Copyright (C) 2026  Labcore Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package task

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"labcore/pkg/errors"
	"labcore/pkg/log"
)

// Procedure is the experiment-specific part of a task. The hooks are
// called from the task's executor goroutine, one at a time.
type Procedure interface {
	// Startup prepares devices and checks preconditions. It returns the
	// number of steps of this run. It is called once per run.
	Startup(ctx context.Context, run *Run) (steps int, err error)

	// Step executes step index. ctx is cancelled when the run is aborted;
	// a step should finish its current acquisition and return.
	Step(ctx context.Context, run *Run, index int) error

	// Cleanup releases devices. forced is set when the run was aborted.
	// It is called exactly once per run that passed Startup.
	Cleanup(ctx context.Context, run *Run, forced bool) error
}

// Pauser is implemented by procedures that need to act on pause and
// resume, e.g. to park a stage or restart focus stabilization.
type Pauser interface {
	Pause(ctx context.Context, run *Run) error
	Resume(ctx context.Context, run *Run) error
}

// Run identifies one pass of a task from Start to Stopped.
type Run struct {
	ID      string
	Task    string
	Started time.Time
	Log     *log.Logger
}

// Status is a snapshot of a task, always current when returned.
type Status struct {
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	State     State     `json:"state"`
	Cursor    int       `json:"cursor"`
	Steps     int       `json:"steps"`
	Loadable  bool      `json:"loadable"`
	Missing   []string  `json:"missing,omitempty"`
	RunID     string    `json:"run_id,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Task couples a Procedure with the lifecycle state machine.
type Task struct {
	name     string
	kind     string
	proc     Procedure
	requires []string
	missing  []string
	notify   func(Notice)
	log      *log.Logger

	mu      sync.Mutex
	state   State
	cursor  int
	steps   int
	run     *Run
	cancel  context.CancelFunc
	lastErr error
	wake    chan struct{}
	done    chan struct{}

	status atomic.Pointer[Status]
}

func newTask(name, kind string, proc Procedure, requires, missing []string, notify func(Notice)) *Task {
	t := &Task{
		name:     name,
		kind:     kind,
		proc:     proc,
		requires: requires,
		missing:  missing,
		notify:   notify,
		log:      log.GetLogger("task." + name),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	close(t.done)
	t.publishLocked()
	return t
}

// Name returns the task name.
func (t *Task) Name() string { return t.name }

// Kind returns the procedure kind, e.g. "scan".
func (t *Task) Kind() string { return t.kind }

// Loadable reports whether all dependencies were present at registration.
func (t *Task) Loadable() bool { return len(t.missing) == 0 }

// Status returns the current snapshot without blocking on the executor.
func (t *Task) Status() Status {
	return *t.status.Load()
}

// State returns the current state.
func (t *Task) State() State {
	return t.status.Load().State
}

// Done is closed when the current run has reached Stopped. For a task
// that never ran it is already closed.
func (t *Task) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

func (t *Task) publishLocked() {
	s := &Status{
		Name:      t.name,
		Kind:      t.kind,
		State:     t.state,
		Cursor:    t.cursor,
		Steps:     t.steps,
		Loadable:  len(t.missing) == 0,
		Missing:   t.missing,
		UpdatedAt: time.Now(),
	}
	if t.run != nil {
		s.RunID = t.run.ID
	}
	if t.lastErr != nil {
		s.LastError = t.lastErr.Error()
	}
	t.status.Store(s)
}

func (t *Task) notice(n Notice) {
	n.Task = t.name
	n.Time = time.Now()
	n.Cursor = t.cursor
	n.Steps = t.steps
	if t.run != nil {
		n.RunID = t.run.ID
	}
	if t.notify != nil {
		t.notify(n)
	}
}

// fireLocked applies e, or returns InvalidTransition with the state
// unchanged.
func (t *Task) fireLocked(e Event) error {
	return t.transitionLocked(e, nil)
}

// transitionLocked applies e and attaches cause to the notice.
func (t *Task) transitionLocked(e Event, cause error) error {
	to, ok := Next(t.state, e)
	if !ok {
		return errors.InvalidTransition(t.name, t.state.String(), e.String())
	}
	from := t.state
	t.state = to
	t.publishLocked()
	t.notice(Notice{Kind: NoticeTransition, From: from, To: to, Event: e, Err: cause})
	t.log.Debug("%s --%s--> %s", from, e, to)
	return nil
}

func (t *Task) signal() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// start begins a fresh run. The caller (the runner) has already checked
// that no other task is active.
func (t *Task) start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.state.Accepts(EventStart) {
		return errors.InvalidTransition(t.name, t.state.String(), EventStart.String())
	}
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	t.run = &Run{
		ID:      id,
		Task:    t.name,
		Started: time.Now(),
		Log:     t.log.With(log.Fields{"run_id": id}),
	}
	t.cursor = 0
	t.steps = 0
	t.lastErr = nil
	t.cancel = cancel
	t.done = make(chan struct{})
	_ = t.fireLocked(EventStart)

	run, done := t.run, t.done
	var wg conc.WaitGroup
	wg.Go(func() { t.execute(ctx, run) })
	go func() {
		if r := wg.WaitAndRecover(); r != nil {
			t.recovered(run, errors.FromPanic(r.Value))
		}
		cancel()
		close(done)
	}()
	run.Log.Info("started")
	return nil
}

// command applies a user command: pause, resume, stop or abort.
func (t *Task) command(e Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.fireLocked(e); err != nil {
		return err
	}
	if e == EventAbort && t.cancel != nil {
		t.cancel()
	}
	t.signal()
	return nil
}

// execute is the executor goroutine of one run.
func (t *Task) execute(ctx context.Context, run *Run) {
	steps, err := t.startup(ctx, run)

	t.mu.Lock()
	if err != nil {
		serr := errors.StartupFailed(t.name, err)
		t.lastErr = serr
		run.Log.WithError(err).Error("startup failed")
		// Starting and Aborting both lead to Stopped on done; cleanup is
		// skipped because startup did not complete.
		_ = t.transitionLocked(EventDone, serr)
		t.mu.Unlock()
		return
	}
	t.steps = steps
	if t.state == Starting {
		_ = t.fireLocked(EventReady)
	} else {
		t.publishLocked()
	}
	t.mu.Unlock()

	for {
		t.mu.Lock()
		state := t.state
		switch state {
		case Running:
			if t.cursor >= t.steps {
				_ = t.fireLocked(EventStop)
				t.mu.Unlock()
				continue
			}
			index := t.cursor
			t.mu.Unlock()
			t.runStep(ctx, run, index)

		case Pausing:
			t.mu.Unlock()
			perr := t.pauseHook(ctx, run, true)
			t.mu.Lock()
			if perr != nil {
				run.Log.WithError(perr).Warn("pause hook failed")
			}
			if t.state == Pausing {
				_ = t.fireLocked(EventPaused)
				run.Log.Info("paused at step %d", t.cursor)
			}
			t.mu.Unlock()

		case Paused:
			t.mu.Unlock()
			<-t.wake

		case Resuming:
			t.mu.Unlock()
			rerr := t.pauseHook(ctx, run, false)
			t.mu.Lock()
			if t.state == Resuming {
				if rerr != nil {
					t.escalateLocked(run, rerr)
				} else {
					_ = t.fireLocked(EventReady)
					run.Log.Info("resumed at step %d", t.cursor)
				}
			}
			t.mu.Unlock()

		case Finishing, Aborting:
			t.mu.Unlock()
			t.finish(ctx, run)
			return

		default:
			t.mu.Unlock()
			return
		}
	}
}

func (t *Task) startup(ctx context.Context, run *Run) (steps int, err error) {
	defer errors.Recover(&err)
	return t.proc.Startup(ctx, run)
}

func (t *Task) runStep(ctx context.Context, run *Run, index int) {
	begin := time.Now()
	err := func() (err error) {
		defer errors.Recover(&err)
		return t.proc.Step(ctx, run, index)
	}()
	elapsed := time.Since(begin)

	t.mu.Lock()
	defer t.mu.Unlock()
	if err == nil {
		t.cursor = index + 1
		t.publishLocked()
		t.notice(Notice{Kind: NoticeStep, Step: index, Duration: elapsed})
		run.Log.Debug("step %d done in %v", index, elapsed)
		return
	}
	t.notice(Notice{Kind: NoticeStep, Step: index, Duration: elapsed, Err: err})
	if t.state == Aborting {
		run.Log.WithError(err).Debug("step %d interrupted by abort", index)
		return
	}
	t.escalateLocked(run, err)
}

// escalateLocked turns a failure during a run into an abort of that run.
func (t *Task) escalateLocked(run *Run, err error) {
	t.lastErr = err
	run.Log.WithError(err).WithField("step", t.cursor).Error("aborting run")
	if ferr := t.transitionLocked(EventAbort, err); ferr != nil {
		run.Log.WithError(ferr).Error("escalation rejected")
		return
	}
	if t.cancel != nil {
		t.cancel()
	}
}

func (t *Task) pauseHook(ctx context.Context, run *Run, pause bool) (err error) {
	p, ok := t.proc.(Pauser)
	if !ok {
		return nil
	}
	defer errors.Recover(&err)
	if pause {
		return p.Pause(ctx, run)
	}
	return p.Resume(ctx, run)
}

// finish runs cleanup exactly once and moves to Stopped whatever the
// cleanup outcome.
func (t *Task) finish(ctx context.Context, run *Run) {
	t.mu.Lock()
	forced := t.state == Aborting
	step := t.cursor
	t.mu.Unlock()

	cerr := func() (err error) {
		defer errors.Recover(&err)
		return t.proc.Cleanup(context.WithoutCancel(ctx), run, forced)
	}()

	t.mu.Lock()
	defer t.mu.Unlock()
	// an abort may have arrived while a normal cleanup was running
	forcedNow := t.state == Aborting
	if cerr != nil {
		cerr = errors.CleanupFailed(t.name, forced, cerr)
		t.lastErr = cerr
	}
	t.notice(Notice{Kind: NoticeCleanup, Forced: forced, Err: cerr})

	outcome := "ok"
	if cerr != nil {
		outcome = cerr.Error()
	}
	entry := run.Log.WithFields(log.Fields{
		"task":    t.name,
		"step":    step,
		"cleanup": outcome,
		"elapsed": time.Since(run.Started).Round(time.Millisecond).String(),
	})
	switch {
	case forcedNow:
		entry.Warn("aborted")
	case cerr != nil:
		entry.Error("finished with cleanup failure")
	default:
		entry.Info("finished")
	}
	_ = t.transitionLocked(EventDone, cerr)
}

// recovered handles a panic that escaped the executor's own guards.
func (t *Task) recovered(run *Run, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.run != run || t.state == Stopped {
		return
	}
	t.lastErr = err
	run.Log.WithError(err).Error("executor panicked")
	from := t.state
	t.state = Stopped
	t.publishLocked()
	t.notice(Notice{Kind: NoticeTransition, From: from, To: Stopped, Event: EventDone, Err: err})
}
