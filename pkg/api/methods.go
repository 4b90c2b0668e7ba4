package api

import (
	"context"
	"fmt"
	"time"

	"labcore/pkg/errors"
	"labcore/pkg/task"
)

// TaskEvent is the payload of notify_task_state.
type TaskEvent struct {
	Task     string  `json:"task"`
	RunID    string  `json:"run_id,omitempty"`
	Kind     string  `json:"kind"`
	State    string  `json:"state"`
	From     string  `json:"from,omitempty"`
	Event    string  `json:"event,omitempty"`
	Step     int     `json:"step"`
	Duration float64 `json:"duration,omitempty"`
	Cursor   int     `json:"cursor"`
	Steps    int     `json:"steps"`
	Forced   bool    `json:"forced,omitempty"`
	Error    string  `json:"error,omitempty"`
	Time     float64 `json:"time"`
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func noticeEvent(n task.Notice) TaskEvent {
	ev := TaskEvent{
		Task:   n.Task,
		RunID:  n.RunID,
		Kind:   string(n.Kind),
		Step:   n.Step,
		Cursor: n.Cursor,
		Steps:  n.Steps,
		Time:   unixSeconds(n.Time),
	}
	switch n.Kind {
	case task.NoticeTransition:
		ev.State = n.To.String()
		ev.From = n.From.String()
		ev.Event = n.Event.String()
	case task.NoticeStep:
		ev.Duration = n.Duration.Seconds()
	case task.NoticeCleanup:
		ev.Forced = n.Forced
	}
	if n.Err != nil {
		ev.Error = n.Err.Error()
	}
	return ev
}

func snapshotEvent(st task.Status) TaskEvent {
	return TaskEvent{
		Task:   st.Name,
		RunID:  st.RunID,
		Kind:   "snapshot",
		State:  st.State.String(),
		Cursor: st.Cursor,
		Steps:  st.Steps,
		Error:  st.LastError,
		Time:   unixSeconds(st.UpdatedAt),
	}
}

// TaskNotice implements task.Observer by broadcasting notify_task_state.
func (s *Server) TaskNotice(n task.Notice) {
	s.broadcast(jsonRPCNotification{
		JSONRPC: "2.0",
		Method:  "notify_task_state",
		Params:  []any{noticeEvent(n)},
	})
}

func (s *Server) dispatchMethod(ctx context.Context, method string, params map[string]any) (any, error) {
	switch method {
	case "server.info":
		return s.methodServerInfo()
	case "task.list":
		return s.runner.Statuses(), nil
	case "task.status":
		name, err := stringParam(params, "name", true)
		if err != nil {
			return nil, err
		}
		return s.runner.Status(name)
	case "task.start":
		return s.command(params, s.runner.Start)
	case "task.pause":
		return s.command(params, s.runner.Pause)
	case "task.resume":
		return s.command(params, s.runner.Resume)
	case "task.stop":
		return s.command(params, s.runner.Stop)
	case "task.abort":
		return s.command(params, s.runner.Abort)
	case "task.history":
		return s.methodHistory(ctx, params)
	case "task.events":
		return s.methodEvents(ctx, params)
	case "task.totals":
		return s.methodTotals(ctx, params)
	case "focus.calibrate":
		if s.focus == nil {
			return nil, errFocusUnavailable()
		}
		return s.focus.Calibrate(ctx)
	case "focus.start":
		if s.focus == nil {
			return nil, errFocusUnavailable()
		}
		// the loop outlives the request
		if err := s.focus.Start(s.ctx); err != nil {
			return nil, err
		}
		return s.focus.Status(), nil
	case "focus.stop":
		if s.focus == nil {
			return nil, errFocusUnavailable()
		}
		err := s.focus.Stop()
		return s.focus.Status(), err
	case "focus.status":
		if s.focus == nil {
			return nil, errFocusUnavailable()
		}
		return s.focus.Status(), nil
	default:
		return nil, &methodNotFound{method}
	}
}

func errFocusUnavailable() error {
	return errors.DependencyUnavailable("", []string{"focus"}).SetOp("focus")
}

// command runs a runner command and answers with the task status that
// follows it.
func (s *Server) command(params map[string]any, fn func(string) error) (any, error) {
	name, err := stringParam(params, "name", true)
	if err != nil {
		return nil, err
	}
	if err := fn(name); err != nil {
		return nil, err
	}
	return s.runner.Status(name)
}

func (s *Server) methodServerInfo() (any, error) {
	active := ""
	tasks := 0
	if s.runner != nil {
		active = s.runner.Active()
		tasks = len(s.runner.Statuses())
	}
	return map[string]any{
		"version":           Version,
		"state":             "ready",
		"active_task":       active,
		"tasks":             tasks,
		"uptime":            time.Since(s.startTime).Seconds(),
		"websocket_clients": s.ClientCount(),
		"history":           s.history != nil,
		"focus":             s.focus != nil,
	}, nil
}

func (s *Server) requireHistory() error {
	if s.history == nil {
		return errors.DependencyUnavailable("", []string{"journal"}).SetOp("history")
	}
	return nil
}

func (s *Server) methodHistory(ctx context.Context, params map[string]any) (any, error) {
	if err := s.requireHistory(); err != nil {
		return nil, err
	}
	name, err := stringParam(params, "name", false)
	if err != nil {
		return nil, err
	}
	limit, err := intParam(params, "limit", 50)
	if err != nil {
		return nil, err
	}
	runs, err := s.history.Runs(ctx, name, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrRuntime, "history query failed")
	}
	return map[string]any{"runs": runs, "count": len(runs)}, nil
}

func (s *Server) methodEvents(ctx context.Context, params map[string]any) (any, error) {
	if err := s.requireHistory(); err != nil {
		return nil, err
	}
	runID, err := stringParam(params, "run_id", true)
	if err != nil {
		return nil, err
	}
	events, err := s.history.Events(ctx, runID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrRuntime, "history query failed")
	}
	return map[string]any{"run_id": runID, "events": events}, nil
}

func (s *Server) methodTotals(ctx context.Context, params map[string]any) (any, error) {
	if err := s.requireHistory(); err != nil {
		return nil, err
	}
	name, err := stringParam(params, "name", false)
	if err != nil {
		return nil, err
	}
	totals, err := s.history.Totals(ctx, name)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrRuntime, "history query failed")
	}
	return totals, nil
}

// Parameter helpers

type invalidParams struct {
	msg string
}

func (e *invalidParams) Error() string { return e.msg }

type methodNotFound struct {
	method string
}

func (e *methodNotFound) Error() string { return "method not found: " + e.method }

func stringParam(params map[string]any, key string, required bool) (string, error) {
	v, ok := params[key]
	if !ok || v == nil {
		if required {
			return "", &invalidParams{fmt.Sprintf("missing parameter %q", key)}
		}
		return "", nil
	}
	s, ok := v.(string)
	if !ok || (required && s == "") {
		return "", &invalidParams{fmt.Sprintf("parameter %q must be a non-empty string", key)}
	}
	return s, nil
}

func intParam(params map[string]any, key string, def int) (int, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return def, nil
	}
	// JSON numbers decode as float64
	f, ok := v.(float64)
	if !ok || f != float64(int(f)) || f < 0 {
		return 0, &invalidParams{fmt.Sprintf("parameter %q must be a non-negative integer", key)}
	}
	return int(f), nil
}
