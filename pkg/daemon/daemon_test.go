package daemon

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/gomega"

	"labcore/pkg/api"
	coreerrors "labcore/pkg/errors"
	"labcore/pkg/journal"
	"labcore/pkg/settings"
	"labcore/pkg/task"
)

const testInstrument = `
[safety]
safety_height: 20

[lightsources]
names: 488, 640

[filter red]
allowed: 640

[task Scan]
type: scan
plan: plan.yaml
rois: rois.yaml
cycles: 1
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
`

func testSettings(t *testing.T, simulate bool) *settings.Settings {
	t.Helper()
	dir := t.TempDir()
	plans := filepath.Join(dir, "plans")
	if err := os.MkdirAll(plans, 0o755); err != nil {
		t.Fatal(err)
	}
	for name, data := range map[string]string{
		filepath.Join(dir, "instrument.cfg"): testInstrument,
		filepath.Join(plans, "plan.yaml"):    testPlanDoc,
		filepath.Join(plans, "rois.yaml"):    testROIDoc,
	} {
		if err := os.WriteFile(name, []byte(data), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	s := settings.Default()
	s.Server.Addr = "127.0.0.1:0"
	s.Server.ShutdownTimeout = 5 * time.Second
	s.Metrics.Addr = "127.0.0.1:0"
	s.Journal.Path = filepath.Join(dir, "journal.db")
	s.Instrument.Config = filepath.Join(dir, "instrument.cfg")
	s.Instrument.Simulate = simulate
	s.Plans.Dir = plans
	return s
}

func runDaemon(t *testing.T, d *Daemon) (stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	NewWithT(t).Eventually(d.Ready, 5*time.Second, 10*time.Millisecond).Should(BeTrue())

	stopped := false
	stop = func() error {
		if stopped {
			return nil
		}
		stopped = true
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(10 * time.Second):
			return fmt.Errorf("daemon did not stop")
		}
	}
	t.Cleanup(func() { stop() })
	return stop
}

func TestSimulatedScanEndToEnd(t *testing.T) {
	g := NewWithT(t)
	d, err := New(testSettings(t, true))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(d.Sim).NotTo(BeNil())
	stop := runDaemon(t, d)

	client := api.NewClient(d.APIAddr())
	ctx := context.Background()

	st, err := client.Start(ctx, "Scan")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(st.RunID).NotTo(BeEmpty())

	g.Eventually(func() task.State {
		st, _ := client.Status(ctx, "Scan")
		return st.State
	}, 10*time.Second, 20*time.Millisecond).Should(Equal(task.Stopped))

	st, err = client.Status(ctx, "Scan")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(st.LastError).To(BeEmpty())
	g.Expect(st.Cursor).To(Equal(st.Steps))
	g.Expect(d.Sim.Sink.Stacks()).To(HaveLen(4))

	g.Eventually(func() []journal.Run {
		runs, _ := client.History(ctx, "Scan", 10)
		return runs
	}, 5*time.Second, 20*time.Millisecond).Should(ContainElement(And(
		HaveField("ID", st.RunID),
		HaveField("Status", journal.StatusCompleted),
	)))

	g.Expect(stop()).To(Succeed())
	g.Expect(d.Ready()).To(BeFalse())
}

func TestMetricsEndpointFollowsRuns(t *testing.T) {
	g := NewWithT(t)
	d, err := New(testSettings(t, true))
	g.Expect(err).NotTo(HaveOccurred())
	runDaemon(t, d)

	g.Eventually(d.metrics.Running, 5*time.Second, 10*time.Millisecond).Should(BeTrue())
	ready, err := http.Get("http://" + d.metrics.Addr() + "/ready")
	g.Expect(err).NotTo(HaveOccurred())
	ready.Body.Close()
	g.Expect(ready.StatusCode).To(Equal(http.StatusOK))

	g.Expect(d.Runner.Start("Scan")).To(Succeed())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = d.Runner.Wait(ctx, "Scan")
	g.Expect(err).NotTo(HaveOccurred())

	scrape := func() string {
		resp, err := http.Get("http://" + d.metrics.Addr() + "/metrics")
		if err != nil {
			return ""
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return string(body)
	}
	// observers are notified asynchronously
	g.Eventually(scrape, 5*time.Second, 20*time.Millisecond).Should(And(
		ContainSubstring(`labcore_task_state{state="stopped",task="Scan"} 1`),
		ContainSubstring(`labcore_task_runs_finished_total{from="finishing",task="Scan"} 1`),
	))
}

func TestWithoutDriversTasksAreNotLoadable(t *testing.T) {
	g := NewWithT(t)
	d, err := New(testSettings(t, false))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(d.Sim).To(BeNil())
	defer d.Journal.Close()

	st, err := d.Runner.Status("Scan")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(st.Loadable).To(BeFalse())
	g.Expect(st.Missing).NotTo(BeEmpty())

	err = d.Runner.Start("Scan")
	g.Expect(coreerrors.Is(err, coreerrors.ErrNotLoadable)).To(BeTrue())
}

func TestNewRejectsBadInstrument(t *testing.T) {
	s := testSettings(t, true)

	t.Run("missing file", func(t *testing.T) {
		bad := *s
		bad.Instrument.Config = filepath.Join(t.TempDir(), "absent.cfg")
		if _, err := New(&bad); err == nil {
			t.Error("missing instrument file accepted")
		}
	})

	t.Run("unused option", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "instrument.cfg")
		if err := os.WriteFile(file, []byte(testInstrument+"\n[task Scan2]\ntype: scan\nplan: plan.yaml\nrois: rois.yaml\ncycels: 2\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		bad := *s
		bad.Instrument.Config = file
		bad.Journal.Path = ""
		if _, err := New(&bad); err == nil {
			t.Error("misspelled option accepted")
		}
	})

	t.Run("unused option with journal", func(t *testing.T) {
		g := NewWithT(t)
		file := filepath.Join(t.TempDir(), "instrument.cfg")
		g.Expect(os.WriteFile(file, []byte(testInstrument+"\n[task Scan2]\ntype: scan\nplan: plan.yaml\nrois: rois.yaml\ncycels: 2\n"), 0o644)).To(Succeed())
		bad := *s
		bad.Instrument.Config = file
		bad.Journal.Path = filepath.Join(t.TempDir(), "journal.db")

		d, err := New(&bad)
		g.Expect(d).To(BeNil())
		g.Expect(coreerrors.Is(err, coreerrors.ErrConfiguration)).To(BeTrue())
		g.Expect(err.Error()).To(ContainSubstring("cycels"))
	})
}
