package task

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/gomega"

	"labcore/pkg/control"
	"labcore/pkg/device"
	"labcore/pkg/device/sim"
	"labcore/pkg/errors"
)

// fakeProc is a scripted procedure. When gate is set, every step waits for
// one receive from it (or for the run to be aborted).
type fakeProc struct {
	steps      int
	gate       chan struct{}
	startErr   error
	stepErr    map[int]error
	cleanupErr error
	panicStep  int

	mu       sync.Mutex
	calls    []string
	cleanups []bool
}

func (p *fakeProc) record(s string) {
	p.mu.Lock()
	p.calls = append(p.calls, s)
	p.mu.Unlock()
}

func (p *fakeProc) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *fakeProc) Cleanups() []bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]bool(nil), p.cleanups...)
}

func (p *fakeProc) Startup(ctx context.Context, run *Run) (int, error) {
	p.record("startup")
	return p.steps, p.startErr
}

func (p *fakeProc) Step(ctx context.Context, run *Run, index int) error {
	p.record(fmt.Sprintf("step %d", index))
	if p.panicStep > 0 && index == p.panicStep-1 {
		panic("step exploded")
	}
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return p.stepErr[index]
}

func (p *fakeProc) Cleanup(ctx context.Context, run *Run, forced bool) error {
	p.record(fmt.Sprintf("cleanup forced=%v", forced))
	p.mu.Lock()
	p.cleanups = append(p.cleanups, forced)
	p.mu.Unlock()
	return p.cleanupErr
}

// transitionLog records the target state of every transition notice.
type transitionLog struct {
	mu     sync.Mutex
	states []State
}

func (r *transitionLog) TaskNotice(n Notice) {
	if n.Kind != NoticeTransition {
		return
	}
	r.mu.Lock()
	r.states = append(r.states, n.To)
	r.mu.Unlock()
}

func (r *transitionLog) States() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func newTestRunner(t *testing.T) (*Runner, *transitionLog) {
	t.Helper()
	r := NewRunner(sim.New(sim.DefaultOptions()).Set(nil))
	rec := &transitionLog{}
	r.Observe(rec)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
	})
	return r, rec
}

func stateOf(r *Runner, name string) func() State {
	return func() State {
		s, _ := r.Status(name)
		return s.State
	}
}

func TestStartTwiceIsAlreadyActive(t *testing.T) {
	g := NewWithT(t)
	r, _ := newTestRunner(t)
	proc := &fakeProc{steps: 2, gate: make(chan struct{})}
	_, err := r.Register("Scan", "scan", proc, nil)
	g.Expect(err).NotTo(HaveOccurred())

	g.Expect(r.Start("Scan")).To(Succeed())
	err = r.Start("Scan")
	g.Expect(errors.Is(err, errors.ErrAlreadyActive)).To(BeTrue(), "got %v", err)

	g.Expect(r.Abort("Scan")).To(Succeed())
	g.Eventually(stateOf(r, "Scan")).Should(Equal(Stopped))
}

func TestCommandsOnStoppedAreInvalidTransitions(t *testing.T) {
	r, _ := newTestRunner(t)
	if _, err := r.Register("Scan", "scan", &fakeProc{steps: 1}, nil); err != nil {
		t.Fatal(err)
	}
	commands := map[string]func(string) error{
		"pause":  r.Pause,
		"resume": r.Resume,
		"stop":   r.Stop,
		"abort":  r.Abort,
	}
	for name, cmd := range commands {
		err := cmd("Scan")
		if !errors.Is(err, errors.ErrInvalidTransition) {
			t.Errorf("%s: err = %v, want INVALID_TRANSITION", name, err)
		}
		if s, _ := r.Status("Scan"); s.State != Stopped {
			t.Errorf("%s changed state to %s", name, s.State)
		}
	}
}

func TestPauseResumeScenario(t *testing.T) {
	g := NewWithT(t)
	r, rec := newTestRunner(t)
	proc := &fakeProc{steps: 3, gate: make(chan struct{})}
	_, _ = r.Register("Scan", "scan", proc, nil)

	g.Expect(r.Start("Scan")).To(Succeed())
	g.Eventually(proc.Calls).Should(ContainElement("step 0"))

	// pause while step 0 is in flight; it takes effect after the step
	g.Expect(r.Pause("Scan")).To(Succeed())
	g.Expect(stateOf(r, "Scan")()).To(Equal(Pausing))
	proc.gate <- struct{}{}

	g.Eventually(stateOf(r, "Scan")).Should(Equal(Paused))
	st, _ := r.Status("Scan")
	g.Expect(st.Cursor).To(Equal(1))
	g.Consistently(proc.Calls, 50*time.Millisecond).Should(HaveLen(2))

	g.Expect(r.Resume("Scan")).To(Succeed())
	proc.gate <- struct{}{}
	proc.gate <- struct{}{}

	g.Eventually(stateOf(r, "Scan")).Should(Equal(Stopped))
	st, _ = r.Status("Scan")
	g.Expect(st.Cursor).To(Equal(3))
	g.Expect(st.Steps).To(Equal(3))
	g.Expect(proc.Cleanups()).To(Equal([]bool{false}))

	g.Eventually(rec.States).Should(Equal([]State{
		Starting, Running, Pausing, Paused,
		Resuming, Running, Finishing, Stopped,
	}))
}

func TestStopTakesEffectAtStepBoundary(t *testing.T) {
	g := NewWithT(t)
	r, _ := newTestRunner(t)
	proc := &fakeProc{steps: 5, gate: make(chan struct{})}
	_, _ = r.Register("Scan", "scan", proc, nil)

	g.Expect(r.Start("Scan")).To(Succeed())
	g.Eventually(proc.Calls).Should(ContainElement("step 0"))
	g.Expect(r.Stop("Scan")).To(Succeed())
	g.Expect(stateOf(r, "Scan")()).To(Equal(Finishing))
	proc.gate <- struct{}{}

	g.Eventually(stateOf(r, "Scan")).Should(Equal(Stopped))
	st, _ := r.Status("Scan")
	g.Expect(st.Cursor).To(Equal(1))
	g.Expect(proc.Calls()).To(Equal([]string{"startup", "step 0", "cleanup forced=false"}))
}

// flowProc starts a flow regulation loop in its first step and then waits
// for the injected volume, which never arrives.
type flowProc struct {
	board *sim.FlowBoard

	mu       sync.Mutex
	worker   *control.Worker
	forced   []bool
	inFlight chan struct{}
}

func (p *flowProc) Startup(ctx context.Context, run *Run) (int, error) { return 3, nil }

func (p *flowProc) Step(ctx context.Context, run *Run, index int) error {
	w, err := control.NewFlowRegulator(control.PIDConfig{
		Ki: 1, OutputMin: 0, OutputMax: 15, SampleTime: 10 * time.Millisecond,
	}, p.board, 50)
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	p.worker = w
	p.mu.Unlock()
	close(p.inFlight)
	<-ctx.Done()
	return w.StopAndWait()
}

func (p *flowProc) Cleanup(ctx context.Context, run *Run, forced bool) error {
	p.mu.Lock()
	p.forced = append(p.forced, forced)
	p.mu.Unlock()
	return p.board.SetPressure(ctx, 0)
}

func (p *flowProc) Worker() *control.Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.worker
}

func TestAbortCancelsFlowLoopAndForcesCleanup(t *testing.T) {
	g := NewWithT(t)
	r, _ := newTestRunner(t)
	proc := &flowProc{board: sim.NewFlowBoard(2, 15), inFlight: make(chan struct{})}
	_, _ = r.Register("Fluidics", "fluidics", proc, []string{device.NameFlow})

	g.Expect(r.Start("Fluidics")).To(Succeed())
	g.Eventually(proc.inFlight).Should(BeClosed())
	w := proc.Worker()
	g.Consistently(w.Done(), 30*time.Millisecond).ShouldNot(BeClosed())

	g.Expect(r.Abort("Fluidics")).To(Succeed())
	// one sample period plus scheduling slack
	g.Eventually(w.Done(), 50*time.Millisecond, time.Millisecond).Should(BeClosed())
	g.Expect(w.Outcome()).To(Equal(control.OutcomeCancelled))

	g.Eventually(stateOf(r, "Fluidics")).Should(Equal(Stopped))
	proc.mu.Lock()
	defer proc.mu.Unlock()
	g.Expect(proc.forced).To(Equal([]bool{true}))
}

func TestStartupFailureNeverRuns(t *testing.T) {
	g := NewWithT(t)
	r, rec := newTestRunner(t)
	proc := &fakeProc{steps: 3, startErr: stderrors.New("camera cold")}
	_, _ = r.Register("Scan", "scan", proc, nil)

	g.Expect(r.Start("Scan")).To(Succeed())
	g.Eventually(stateOf(r, "Scan")).Should(Equal(Stopped))

	st, _ := r.Status("Scan")
	g.Expect(st.LastError).To(ContainSubstring("STARTUP_FAILED"))
	g.Expect(proc.Calls()).To(Equal([]string{"startup"}))
	g.Eventually(rec.States).Should(Equal([]State{Starting, Stopped}))
}

func TestCleanupFailureStillStops(t *testing.T) {
	g := NewWithT(t)
	r, _ := newTestRunner(t)
	proc := &fakeProc{steps: 1, cleanupErr: stderrors.New("valve stuck")}
	_, _ = r.Register("Scan", "scan", proc, nil)

	g.Expect(r.Start("Scan")).To(Succeed())
	g.Eventually(stateOf(r, "Scan")).Should(Equal(Stopped))
	st, _ := r.Status("Scan")
	g.Expect(st.LastError).To(ContainSubstring("CLEANUP_FAILED"))

	// the runner is usable again
	g.Expect(r.Start("Scan")).To(Succeed())
	g.Eventually(stateOf(r, "Scan")).Should(Equal(Stopped))
}

func TestStepFaultEscalatesToAbort(t *testing.T) {
	g := NewWithT(t)
	r, _ := newTestRunner(t)
	proc := &fakeProc{steps: 3, stepErr: map[int]error{
		1: errors.ControlLoopFault("flow", stderrors.New("sensor timeout")),
	}}
	_, _ = r.Register("Scan", "scan", proc, nil)

	g.Expect(r.Start("Scan")).To(Succeed())
	g.Eventually(stateOf(r, "Scan")).Should(Equal(Stopped))

	st, _ := r.Status("Scan")
	g.Expect(st.Cursor).To(Equal(1))
	g.Expect(st.LastError).To(ContainSubstring("CONTROL_LOOP_FAULT"))
	g.Expect(proc.Calls()).To(Equal([]string{"startup", "step 0", "step 1", "cleanup forced=true"}))
}

func TestStepPanicIsContained(t *testing.T) {
	g := NewWithT(t)
	r, _ := newTestRunner(t)
	proc := &fakeProc{steps: 3, panicStep: 2}
	_, _ = r.Register("Scan", "scan", proc, nil)

	g.Expect(r.Start("Scan")).To(Succeed())
	g.Eventually(stateOf(r, "Scan")).Should(Equal(Stopped))
	st, _ := r.Status("Scan")
	g.Expect(st.LastError).To(ContainSubstring("step exploded"))
	g.Expect(proc.Cleanups()).To(Equal([]bool{true}))
}

func TestFreshStartResetsCursor(t *testing.T) {
	g := NewWithT(t)
	r, _ := newTestRunner(t)
	proc := &fakeProc{steps: 2}
	_, _ = r.Register("Scan", "scan", proc, nil)

	g.Expect(r.Start("Scan")).To(Succeed())
	st, err := r.Wait(context.Background(), "Scan")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(st.Cursor).To(Equal(2))
	firstRun := st.RunID

	proc.gate = make(chan struct{})
	g.Expect(r.Start("Scan")).To(Succeed())
	st, _ = r.Status("Scan")
	g.Expect(st.Cursor).To(Equal(0))
	g.Expect(st.RunID).NotTo(Equal(firstRun))
	g.Expect(r.Abort("Scan")).To(Succeed())
	g.Eventually(stateOf(r, "Scan")).Should(Equal(Stopped))
}

func TestNotLoadableAndRegistrationErrors(t *testing.T) {
	r := NewRunner(device.Set{Stage: sim.NewStage(device.Position{})})
	defer func() { _ = r.Shutdown(context.Background()) }()

	task, err := r.Register("HiM", "him", &fakeProc{}, []string{device.NameStage, device.NameValves, device.NameCamera})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if task.Loadable() {
		t.Error("task with missing devices is loadable")
	}
	st, _ := r.Status("HiM")
	if st.Loadable || len(st.Missing) != 2 || st.Missing[0] != device.NameCamera {
		t.Errorf("status = %+v", st)
	}
	if err := r.Start("HiM"); !errors.Is(err, errors.ErrNotLoadable) {
		t.Errorf("Start err = %v, want NOT_LOADABLE", err)
	}

	if _, err := r.Register("HiM", "him", &fakeProc{}, nil); !errors.Is(err, errors.ErrConfiguration) {
		t.Errorf("duplicate err = %v", err)
	}
	if err := r.Start("Nope"); !errors.Is(err, errors.ErrUnknownTask) {
		t.Errorf("unknown err = %v", err)
	}
	if _, err := r.Status("Nope"); !errors.Is(err, errors.ErrUnknownTask) {
		t.Errorf("unknown status err = %v", err)
	}
}

func TestCommandToInactiveTask(t *testing.T) {
	g := NewWithT(t)
	r, _ := newTestRunner(t)
	a := &fakeProc{steps: 1, gate: make(chan struct{})}
	_, _ = r.Register("A", "scan", a, nil)
	_, _ = r.Register("B", "scan", &fakeProc{steps: 1}, nil)

	g.Expect(r.Start("A")).To(Succeed())
	err := r.Pause("B")
	g.Expect(errors.Is(err, errors.ErrNotActive)).To(BeTrue(), "got %v", err)
	g.Expect(errors.Is(err, errors.ErrInvalidTransition)).To(BeTrue())
	g.Expect(errors.Is(r.Start("B"), errors.ErrAlreadyActive)).To(BeTrue())
	g.Expect(r.Active()).To(Equal("A"))

	a.gate <- struct{}{}
	g.Eventually(r.Active).Should(BeEmpty())
}

func TestConcurrentStartsAdmitOne(t *testing.T) {
	g := NewWithT(t)
	r, _ := newTestRunner(t)
	gate := make(chan struct{})
	for i := 0; i < 8; i++ {
		_, _ = r.Register(fmt.Sprintf("T%d", i), "scan", &fakeProc{steps: 1, gate: gate}, nil)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	started := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if r.Start(fmt.Sprintf("T%d", i)) == nil {
				mu.Lock()
				started++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	g.Expect(started).To(Equal(1))

	active := r.Active()
	g.Expect(active).NotTo(BeEmpty())
	g.Expect(r.Abort(active)).To(Succeed())
	g.Eventually(r.Active).Should(BeEmpty())
}

func TestStatusesSorted(t *testing.T) {
	r, _ := newTestRunner(t)
	for _, n := range []string{"b", "c", "a"} {
		_, _ = r.Register(n, "scan", &fakeProc{}, nil)
	}
	st := r.Statuses()
	if len(st) != 3 || st[0].Name != "a" || st[2].Name != "c" {
		t.Errorf("statuses = %+v", st)
	}
}

func TestWaitReturnsAfterObserversCaughtUp(t *testing.T) {
	g := NewWithT(t)
	r, rec := newTestRunner(t)
	// a slow observer lags the task by several notices
	r.Observe(ObserverFunc(func(Notice) { time.Sleep(20 * time.Millisecond) }))
	_, err := r.Register("Scan", "scan", &fakeProc{steps: 3}, nil)
	g.Expect(err).NotTo(HaveOccurred())

	g.Expect(r.Start("Scan")).To(Succeed())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := r.Wait(ctx, "Scan")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(st.State).To(Equal(Stopped))

	states := rec.States()
	g.Expect(states).NotTo(BeEmpty())
	g.Expect(states[len(states)-1]).To(Equal(Stopped))
}
