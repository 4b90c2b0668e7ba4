package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"labcore/pkg/daemon"
	"labcore/pkg/log"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the labcore daemon",
	Long: `Run the labcore daemon: load the instrument configuration, register its
tasks and serve the JSON-RPC command interface until interrupted. On
SIGINT or SIGTERM the active task is aborted and cleaned up before exit.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("instrument", "", "instrument configuration file (instrument.config)")
	serveCmd.Flags().String("plans", "", "plan, ROI and injection directory (plans.dir)")
	serveCmd.Flags().Bool("simulate", false, "run against the simulated instrument (instrument.simulate)")
	serveCmd.Flags().String("metrics", "", "Prometheus listen address, empty to disable (metrics.addr)")
	serveCmd.Flags().String("journal", "", "run history database (journal.path)")
}

func runServe(cmd *cobra.Command, args []string) error {
	s := current
	if s.Logging.File != "" {
		w, closer, err := log.OpenFileOutput(s.Logging.Rotation(), s.Logging.Console)
		if err != nil {
			return err
		}
		defer closer.Close()
		opts := s.Logging.LogOptions()
		opts.Output = w
		log.Configure(opts)
	}

	d, err := daemon.New(s)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.GetLogger("labcore").WithFields(log.Fields{
		"server":     s.Server.Addr,
		"metrics":    s.Metrics.Addr,
		"instrument": s.Instrument.Config,
		"simulate":   s.Instrument.Simulate,
	}).Info("starting daemon")
	return d.Run(ctx)
}
