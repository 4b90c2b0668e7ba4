// Prometheus collectors for the labcore daemon
//
// Metrics observes the task runner, the control loops and the motion
// guards and keeps:
// - task state and transitions
// - step durations and cleanup outcomes
// - control loop output, error and stop outcomes
// - rejected motion requests
//
// Copyright (C) 2026  Labcore Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"labcore/pkg/control"
	"labcore/pkg/task"
)

const namespace = "labcore"

// Metrics holds every labcore collector on a private registry.
type Metrics struct {
	// Task metrics
	TaskState    *prometheus.GaugeVec
	Transitions  *prometheus.CounterVec
	StepDuration *prometheus.HistogramVec
	Cleanups     *prometheus.CounterVec
	RunsFinished *prometheus.CounterVec

	// Control loop metrics
	LoopOutput *prometheus.GaugeVec
	LoopError  *prometheus.GaugeVec
	LoopStops  *prometheus.CounterVec

	// Motion metrics
	SafetyViolations *prometheus.CounterVec

	startTime time.Time
	registry  *prometheus.Registry
}

// New creates the collectors and registers them, together with the Go
// runtime and process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		startTime: time.Now(),
		registry:  prometheus.NewRegistry(),
	}

	m.TaskState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "task_state",
		Help:      "1 for the current state of each task, 0 otherwise",
	}, []string{"task", "state"})
	m.Transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "task_transitions_total",
		Help:      "Task state transitions",
	}, []string{"task", "from", "to"})
	m.StepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "task_step_duration_seconds",
		Help:      "Time spent executing one task step",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
	}, []string{"task"})
	m.Cleanups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "task_cleanups_total",
		Help:      "Task cleanups by outcome",
	}, []string{"task", "forced", "result"})
	m.RunsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "task_runs_finished_total",
		Help:      "Task runs that returned to stopped, by the state they left",
	}, []string{"task", "from"})

	m.LoopOutput = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "loop_output",
		Help:      "Last output of a control loop",
	}, []string{"loop"})
	m.LoopError = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "loop_error",
		Help:      "Last setpoint error of a control loop",
	}, []string{"loop"})
	m.LoopStops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "loop_stops_total",
		Help:      "Control loop terminations by outcome",
	}, []string{"loop", "outcome"})

	m.SafetyViolations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "safety_violations_total",
		Help:      "Motion requests rejected by a safety guard",
	}, []string{"axis"})

	m.registry.MustRegister(
		m.TaskState, m.Transitions, m.StepDuration, m.Cleanups, m.RunsFinished,
		m.LoopOutput, m.LoopError, m.LoopStops,
		m.SafetyViolations,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the daemon started",
		}, func() float64 { return time.Since(m.startTime).Seconds() }),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// TaskNotice implements task.Observer.
func (m *Metrics) TaskNotice(n task.Notice) {
	switch n.Kind {
	case task.NoticeTransition:
		m.Transitions.WithLabelValues(n.Task, n.From.String(), n.To.String()).Inc()
		m.setState(n.Task, n.To)
		if n.To == task.Stopped && n.From != task.Stopped {
			m.RunsFinished.WithLabelValues(n.Task, n.From.String()).Inc()
		}
	case task.NoticeStep:
		m.StepDuration.WithLabelValues(n.Task).Observe(n.Duration.Seconds())
	case task.NoticeCleanup:
		result := "ok"
		if n.Err != nil {
			result = "failed"
		}
		m.Cleanups.WithLabelValues(n.Task, strconv.FormatBool(n.Forced), result).Inc()
	}
}

// SetTaskState publishes the state of a task that has not produced a
// transition yet, so every registered task shows up.
func (m *Metrics) SetTaskState(name string, s task.State) {
	m.setState(name, s)
}

func (m *Metrics) setState(name string, current task.State) {
	for s := task.Stopped; s <= task.Aborting; s++ {
		v := 0.0
		if s == current {
			v = 1
		}
		m.TaskState.WithLabelValues(name, s.String()).Set(v)
	}
}

// LoopSample implements control.Observer.
func (m *Metrics) LoopSample(loop string, s control.Sample) {
	m.LoopOutput.WithLabelValues(loop).Set(s.Output)
	m.LoopError.WithLabelValues(loop).Set(s.Error)
}

// LoopStopped implements control.Observer.
func (m *Metrics) LoopStopped(loop string, outcome control.Outcome, err error) {
	m.LoopStops.WithLabelValues(loop, outcome.String()).Inc()
}

// SafetyViolation implements motion.ViolationObserver.
func (m *Metrics) SafetyViolation(axis string, err error) {
	m.SafetyViolations.WithLabelValues(axis).Inc()
}
