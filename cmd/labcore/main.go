// labcore runs the experiment orchestration daemon and drives it from the
// command line.
//
// Usage:
//
//	labcore serve [--instrument FILE] [--plans DIR] [--simulate]
//	labcore start|pause|resume|stop|abort TASK
//	labcore status [TASK]
//	labcore history [TASK] [--limit N]
//	labcore watch
//	labcore mosaic --corner X,Y,Z --corner X,Y,Z --spacing D
//	labcore validate --kind plan|injections|rois|instrument FILE...
//
// Settings are read from settings.yaml in $XDG_CONFIG_HOME/labcore or the
// working directory, then from LABCORE_* environment variables
// (LABCORE_SERVER_ADDR for server.addr), then from flags.
//
// Examples:
//
//	# Run against the simulated instrument
//	labcore serve --instrument instrument.cfg --simulate
//
//	# Start the Scan task on a daemon listening elsewhere
//	labcore --server 10.0.0.5:7125 start Scan
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"labcore/pkg/log"
	"labcore/pkg/settings"
)

var rootCmd = &cobra.Command{
	Use:   "labcore",
	Short: "Experiment orchestration for automated microscopes",
	Long: `labcore runs imaging and fluidics tasks on an automated microscope.
The serve command starts the daemon; every other command talks to a running
daemon over its JSON-RPC interface.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadSettings,
}

var (
	cfgFile string
	readErr error
	current *settings.Settings
)

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "settings file (default is $XDG_CONFIG_HOME/labcore/settings.yaml)")
	rootCmd.PersistentFlags().String("server", settings.Default().Server.Addr, "command server address")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(taskCommands()...)
	rootCmd.AddCommand(statusCmd, historyCmd, watchCmd)
	rootCmd.AddCommand(mosaicCmd, validateCmd)
}

func initConfig() {
	// Defaults first so every key is known without a settings file
	settings.SetDefaults()
	bindFlags()

	readErr = nil
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("settings")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(settings.ConfigDir())
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("LABCORE")
	// LABCORE_LOGGING_LEVEL for logging.level
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// a missing default file is fine, a missing explicit one is not
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || cfgFile != "" {
			readErr = err
		}
	}
}

// bindFlags maps flags onto settings keys.
func bindFlags() {
	_ = viper.BindPFlag("server.addr", rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("instrument.config", serveCmd.Flags().Lookup("instrument"))
	_ = viper.BindPFlag("plans.dir", serveCmd.Flags().Lookup("plans"))
	_ = viper.BindPFlag("instrument.simulate", serveCmd.Flags().Lookup("simulate"))
	_ = viper.BindPFlag("metrics.addr", serveCmd.Flags().Lookup("metrics"))
	_ = viper.BindPFlag("journal.path", serveCmd.Flags().Lookup("journal"))
}

func loadSettings(cmd *cobra.Command, args []string) error {
	if readErr != nil {
		return fmt.Errorf("read settings: %w", readErr)
	}
	s, err := settings.Load()
	if err != nil {
		return err
	}
	current = s
	log.Configure(s.Logging.LogOptions())
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("error:"), err)
		os.Exit(1)
	}
}
