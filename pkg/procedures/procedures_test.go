package procedures

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/gomega"

	"labcore/pkg/config"
	"labcore/pkg/device"
	"labcore/pkg/device/sim"
	coreerrors "labcore/pkg/errors"
	"labcore/pkg/experiment"
	"labcore/pkg/task"
)

const testInstrument = `
[safety]
safety_height: 20

[pid flow]
kp: 0.5
ki: 25
output_max: 15
sample_time: 0.005

[fluidics]
valve: main
volume_period: 0.005

[probe_rack]
grid: cartesian
pitch_x: 9
dip_z: 2

[lightsources]
names: 488, 640

[filter red]
allowed: 640

[task Scan]
type: scan
plan: plan.yaml
rois: rois.yaml
cycles: 2

[task Wash]
type: fluidics
injections: injections.yaml

[task HiM]
type: HIM
plan: plan.yaml
rois: rois.yaml
roi_filter: ROI_00[12]
injections: injections.yaml
`

const testPlanDoc = `
- {lightsource: "488", intensity_percent: 40}
- {lightsource: "640", intensity_percent: 30, filter: red}
`

const testROIDoc = `
name: slide
rois:
  - {name: ROI_001, position: {x: 0, y: 0, z: 0}}
  - {name: ROI_002, position: {x: 100, y: 0, z: 0}}
  - {name: ROI_003, position: {x: 100, y: 100, z: 0}}
`

const testInjectionsDoc = `
buffers: {wash: 1, imaging: 2, ssc: 3}
probes: {1: RT1, 2: RT2}
hybridization:
  - {op: inject, product: ssc, volume: 0.02, flowrate: 20}
  - {op: incubate, duration: 0.01}
photobleaching:
  - {op: inject, product: wash, volume: 0.02, flowrate: 20}
`

type fixture struct {
	in     *sim.Instrument
	cfg    *config.Config
	env    *Env
	runner *task.Runner
}

func newFixture(t *testing.T, injections string) *fixture {
	t.Helper()
	dir := t.TempDir()
	for name, data := range map[string]string{
		"plan.yaml":       testPlanDoc,
		"rois.yaml":       testROIDoc,
		"injections.yaml": injections,
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(data), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	cfg, err := config.LoadString(testInstrument)
	if err != nil {
		t.Fatal(err)
	}
	inst, err := config.ParseInstrument(cfg)
	if err != nil {
		t.Fatal(err)
	}
	in := sim.New(sim.DefaultOptions())
	caps := device.StaticCapabilities{Allowed: inst.Optics.Allowed, Unfiltered: []string{"488"}}
	devices := in.Set(caps)
	env, err := NewEnv(inst, devices, experiment.NewLibrary(dir), Observers{})
	if err != nil {
		t.Fatal(err)
	}
	runner := task.NewRunner(devices)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		runner.Shutdown(ctx)
	})
	return &fixture{in: in, cfg: cfg, env: env, runner: runner}
}

func (f *fixture) wait(t *testing.T, name string) task.Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	st, err := f.runner.Wait(ctx, name)
	if err != nil {
		t.Fatalf("wait %s: %v", name, err)
	}
	return st
}

func TestRegistryBuildsDefinitions(t *testing.T) {
	g := NewWithT(t)
	f := newFixture(t, testInjectionsDoc)

	defs, err := NewRegistry(f.env).Load(f.cfg)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(defs).To(HaveLen(3))

	g.Expect(defs[0].Name).To(Equal("Scan"))
	g.Expect(defs[0].Kind).To(Equal(KindScan))
	g.Expect(defs[0].Procedure.cycles).To(Equal(2))
	g.Expect(defs[1].Requires).To(Equal([]string{device.NameFlow, device.NameValves}))
	g.Expect(defs[2].Kind).To(Equal(KindHiM))
	g.Expect(defs[2].Requires).To(ContainElement(device.NameNeedle))
	g.Expect(f.cfg.CheckUnused()).To(Succeed())
}

func TestRegistryRejectsIncompleteSections(t *testing.T) {
	for _, tc := range []struct {
		name, section string
	}{
		{"scan without plan", "[task S]\ntype: scan\nrois: r.yaml\n"},
		{"scan without rois", "[task S]\ntype: scan\nplan: p.yaml\n"},
		{"him without injections", "[task H]\ntype: him\nplan: p.yaml\nrois: r.yaml\n"},
		{"zero cycles", "[task S]\ntype: scan\nplan: p.yaml\nrois: r.yaml\ncycles: 0\n"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := config.LoadString(tc.section)
			if err != nil {
				t.Fatal(err)
			}
			if _, err := NewRegistry(&Env{}).Load(cfg); err == nil {
				t.Error("section accepted")
			}
		})
	}
}

func TestScanRunsEveryROIEachCycle(t *testing.T) {
	g := NewWithT(t)
	f := newFixture(t, testInjectionsDoc)
	_, err := RegisterAll(f.runner, f.cfg, f.env)
	g.Expect(err).NotTo(HaveOccurred())

	g.Expect(f.runner.Start("Scan")).To(Succeed())
	st := f.wait(t, "Scan")

	g.Expect(st.State).To(Equal(task.Stopped))
	g.Expect(st.LastError).To(BeEmpty())
	g.Expect(st.Steps).To(Equal(6))
	g.Expect(st.Cursor).To(Equal(6))

	stacks := f.in.Sink.Stacks()
	g.Expect(stacks).To(HaveLen(12))
	g.Expect(stacks[0].ROI).To(Equal("ROI_001"))
	g.Expect(stacks[11].ROI).To(Equal("ROI_003"))
	g.Expect(stacks[11].Cycle).To(Equal(1))
	g.Expect(f.in.Light.Active()).To(BeEmpty())
}

func TestHiMBracketsImagingWithInjections(t *testing.T) {
	g := NewWithT(t)
	f := newFixture(t, testInjectionsDoc)
	_, err := RegisterAll(f.runner, f.cfg, f.env)
	g.Expect(err).NotTo(HaveOccurred())

	g.Expect(f.runner.Start("HiM")).To(Succeed())
	st := f.wait(t, "HiM")

	g.Expect(st.LastError).To(BeEmpty())
	// per probe: hybridization, ROI_001, ROI_002, photobleaching
	g.Expect(st.Steps).To(Equal(8))
	g.Expect(st.Cursor).To(Equal(8))
	g.Expect(f.in.Sink.Stacks()).To(HaveLen(8))
	g.Expect(f.in.Valves.History()).To(Equal([]string{"main=3", "main=1", "main=3", "main=1"}))
	g.Expect(f.in.Flow.Pressure()).To(Equal(0.0))

	// the needle dips once per probe and is parked after each hybridization
	var dips int
	for _, m := range f.in.Needle.Moves() {
		if m.Z == 2 {
			dips++
		}
	}
	g.Expect(dips).To(Equal(2))
	pos, _ := f.in.Needle.Position(context.Background())
	g.Expect(pos.Z).To(Equal(20.0))
}

func TestAbortDuringInjectionForcesCleanup(t *testing.T) {
	g := NewWithT(t)
	slow := `
buffers: {ssc: 3}
probes: {1: RT1}
hybridization:
  - {op: inject, product: ssc, volume: 0.02, flowrate: 20}
  - {op: incubate, duration: 60}
`
	f := newFixture(t, slow)
	_, err := RegisterAll(f.runner, f.cfg, f.env)
	g.Expect(err).NotTo(HaveOccurred())

	g.Expect(f.runner.Start("Wash")).To(Succeed())
	g.Eventually(f.in.Valves.History).Should(HaveLen(1))
	g.Expect(f.runner.Abort("Wash")).To(Succeed())

	st := f.wait(t, "Wash")
	g.Expect(st.State).To(Equal(task.Stopped))
	g.Expect(st.Cursor).To(Equal(0))
	g.Expect(f.in.Flow.Pressure()).To(Equal(0.0))
	pos, _ := f.in.Needle.Position(context.Background())
	g.Expect(pos.Z).To(Equal(20.0))
}

// blindFlowBoard loses its flow sensor but still accepts pressure.
type blindFlowBoard struct {
	*sim.FlowBoard
}

func (blindFlowBoard) FlowRate(context.Context) (float64, error) {
	return 0, sim.ErrInjected
}

func TestFlowFaultEscalatesToAbort(t *testing.T) {
	g := NewWithT(t)
	f := newFixture(t, testInjectionsDoc)
	f.env.Devices.Flow = blindFlowBoard{f.in.Flow}
	_, err := RegisterAll(f.runner, f.cfg, f.env)
	g.Expect(err).NotTo(HaveOccurred())

	g.Expect(f.runner.Start("Wash")).To(Succeed())
	st := f.wait(t, "Wash")

	g.Expect(st.State).To(Equal(task.Stopped))
	g.Expect(st.Cursor).To(Equal(0))
	g.Expect(st.LastError).To(ContainSubstring("CONTROL_LOOP_FAULT"))
	g.Expect(f.in.Flow.Pressure()).To(Equal(0.0))
}

func TestForbiddenPlanFailsStartup(t *testing.T) {
	g := NewWithT(t)
	f := newFixture(t, testInjectionsDoc)
	f.env.Devices.Capabilities = device.StaticCapabilities{Unfiltered: []string{"488"}}
	_, err := RegisterAll(f.runner, f.cfg, f.env)
	g.Expect(err).NotTo(HaveOccurred())

	g.Expect(f.runner.Start("Scan")).To(Succeed())
	st := f.wait(t, "Scan")
	g.Expect(st.LastError).To(ContainSubstring("FORBIDDEN_COMBINATION"))
	g.Expect(st.Steps).To(Equal(0))
	g.Expect(f.in.Stage.Moves()).To(BeEmpty())
}

func TestFluidicsControllerIncubationHonoursCancel(t *testing.T) {
	in := sim.New(sim.DefaultOptions())
	fc := NewFluidicsController(FluidicsConfig{}, in.Valves, in.Flow, map[string]int{}, nil)
	seq, err := (&experiment.SequenceBuilder{}).Incubate(time.Minute).Build()
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	begin := time.Now()
	err = fc.RunSequence(ctx, "hybridization", seq)
	if err != context.DeadlineExceeded {
		t.Fatalf("err = %v", err)
	}
	if time.Since(begin) > time.Second {
		t.Error("incubation ignored cancellation")
	}
}

func TestFluidicsControllerUnknownProduct(t *testing.T) {
	in := sim.New(sim.DefaultOptions())
	fc := NewFluidicsController(FluidicsConfig{}, in.Valves, in.Flow, map[string]int{"wash": 1}, nil)
	seq, _ := (&experiment.SequenceBuilder{}).Inject("ethanol", 1, 10).Build()
	err := fc.RunSequence(context.Background(), "hybridization", seq)
	if !coreerrors.Is(err, coreerrors.ErrConfiguration) {
		t.Fatalf("expected CONFIGURATION, got %v", err)
	}
	if len(in.Valves.History()) != 0 {
		t.Error("valve moved for an unknown product")
	}
}
