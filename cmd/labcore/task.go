package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"labcore/pkg/api"
	"labcore/pkg/task"
)

type taskCall func(c *api.Client, ctx context.Context, name string) (task.Status, error)

// taskCommands builds the start/pause/resume/stop/abort commands.
func taskCommands() []*cobra.Command {
	specs := []struct {
		use, short string
		call       taskCall
	}{
		{"start", "Start a task", (*api.Client).Start},
		{"pause", "Pause the active task at the next step boundary", (*api.Client).Pause},
		{"resume", "Resume a paused task", (*api.Client).Resume},
		{"stop", "Stop a task after its current step and clean up", (*api.Client).Stop},
		{"abort", "Abort a task immediately and force its cleanup", (*api.Client).Abort},
	}
	cmds := make([]*cobra.Command, 0, len(specs))
	for _, s := range specs {
		call := s.call
		cmds = append(cmds, &cobra.Command{
			Use:   s.use + " TASK",
			Short: s.short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				st, err := call(newClient(), cmd.Context(), args[0])
				if err != nil {
					return err
				}
				printStatus(cmd.OutOrStdout(), st)
				return nil
			},
		})
	}
	return cmds
}

var statusCmd = &cobra.Command{
	Use:   "status [TASK]",
	Short: "Show task states",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

var historyCmd = &cobra.Command{
	Use:   "history [TASK]",
	Short: "Show recent task runs",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHistory,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow task notices until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runWatch,
}

var historyLimit int

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "maximum number of runs")
}

func newClient() *api.Client {
	return api.NewClient(current.Server.Addr)
}

func printStatus(w io.Writer, st task.Status) {
	state := st.State.String()
	fmt.Fprintf(w, "%s %s", st.Name, stateStyle(state).Render(state))
	if st.Steps > 0 {
		fmt.Fprintf(w, " %d/%d", st.Cursor, st.Steps)
	}
	if st.RunID != "" {
		fmt.Fprintf(w, " %s", dimStyle.Render(st.RunID))
	}
	fmt.Fprintln(w)
	if st.LastError != "" {
		fmt.Fprintf(w, "  %s %s\n", errorStyle.Render("last error:"), st.LastError)
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	c := newClient()
	var sts []task.Status
	if len(args) == 1 {
		st, err := c.Status(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		sts = []task.Status{st}
	} else {
		var err error
		if sts, err = c.Statuses(cmd.Context()); err != nil {
			return err
		}
	}

	w := cmd.OutOrStdout()
	if len(sts) == 0 {
		fmt.Fprintln(w, "No tasks configured")
		return nil
	}
	t := &table{header: []string{"TASK", "KIND", "STATE", "PROGRESS", "LOADABLE", "LAST ERROR"}}
	for _, st := range sts {
		state := st.State.String()
		loadable := okStyle.Render("yes")
		if !st.Loadable {
			loadable = warnStyle.Render(fmt.Sprintf("no %v", st.Missing))
		}
		progress := "-"
		if st.Steps > 0 {
			progress = fmt.Sprintf("%d/%d", st.Cursor, st.Steps)
		}
		t.add(st.Name, st.Kind, stateStyle(state).Render(state), progress, loadable, truncate(st.LastError, 50))
	}
	t.render(w)
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	name := ""
	if len(args) == 1 {
		name = args[0]
	}
	runs, err := newClient().History(cmd.Context(), name, historyLimit)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded")
		return nil
	}
	t := &table{header: []string{"RUN", "TASK", "STATUS", "STEPS", "STARTED", "DURATION", "ERROR"}}
	for _, r := range runs {
		t.add(
			truncate(r.ID, 12),
			r.Task,
			stateStyle(r.Status).Render(r.Status),
			fmt.Sprintf("%d/%d", r.Cursor, r.Steps),
			r.StartedAt.Local().Format(time.DateTime),
			r.Duration().Round(time.Second).String(),
			truncate(r.Error, 40),
		)
	}
	t.render(w)
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w := cmd.OutOrStdout()
	err := newClient().Watch(ctx, func(ev api.TaskEvent) {
		fmt.Fprintln(w, formatEvent(ev))
	})
	if err == context.Canceled {
		return nil
	}
	return err
}

func formatEvent(ev api.TaskEvent) string {
	ts := time.Unix(0, int64(ev.Time*1e9)).Local().Format("15:04:05.000")
	line := fmt.Sprintf("%s %-8s %-10s ", dimStyle.Render(ts), ev.Task, ev.Kind)
	switch ev.Kind {
	case "transition":
		line += fmt.Sprintf("%s -> %s (%s)", ev.From, stateStyle(ev.State).Render(ev.State), ev.Event)
	case "step":
		line += fmt.Sprintf("step %d/%d in %s", ev.Cursor, ev.Steps, time.Duration(ev.Duration*float64(time.Second)).Round(time.Millisecond))
	case "cleanup":
		line += "forced=" + strconv.FormatBool(ev.Forced)
	default:
		line += stateStyle(ev.State).Render(ev.State)
		if ev.Steps > 0 {
			line += fmt.Sprintf(" %d/%d", ev.Cursor, ev.Steps)
		}
	}
	if ev.Error != "" {
		line += " " + errorStyle.Render(ev.Error)
	}
	return line
}
