// Package settings holds the daemon settings of labcore: where to listen,
// where the instrument configuration and plan documents live, how to log.
// Values come from a YAML file, LABCORE_* environment variables and
// command line flags, merged by viper.
package settings

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"labcore/pkg/log"
)

// Settings is the daemon configuration.
type Settings struct {
	Server     ServerSettings     `mapstructure:"server"`
	Metrics    MetricsSettings    `mapstructure:"metrics"`
	Logging    LoggingSettings    `mapstructure:"logging"`
	Journal    JournalSettings    `mapstructure:"journal"`
	Instrument InstrumentSettings `mapstructure:"instrument"`
	Plans      PlansSettings      `mapstructure:"plans"`
}

// ServerSettings configures the command server.
type ServerSettings struct {
	// Addr is the JSON-RPC address, host:port or an http(s) URL; client
	// commands connect to it and the daemon listens on its host:port
	Addr string `mapstructure:"addr"`
	// ShutdownTimeout bounds the graceful shutdown of the daemon
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ListenAddr returns the host:port part of Addr.
func (s ServerSettings) ListenAddr() string {
	if i := strings.Index(s.Addr, "://"); i >= 0 {
		return strings.TrimSuffix(s.Addr[i+3:], "/")
	}
	return s.Addr
}

// MetricsSettings configures the Prometheus endpoint. An empty Addr
// disables it.
type MetricsSettings struct {
	Addr     string `mapstructure:"addr"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// LoggingSettings controls the log sink.
type LoggingSettings struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Caller bool   `mapstructure:"caller"`
	// File enables size based rotation into this file
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	// Console keeps writing to stderr when File is set
	Console bool `mapstructure:"console"`
}

// JournalSettings locates the run history database. An empty Path
// disables the journal.
type JournalSettings struct {
	Path string `mapstructure:"path"`
}

// InstrumentSettings selects the hardware.
type InstrumentSettings struct {
	// Config is the instrument configuration file
	Config string `mapstructure:"config"`
	// Simulate runs against the simulated devices
	Simulate bool `mapstructure:"simulate"`
}

// PlansSettings locates plan, ROI and injection documents.
type PlansSettings struct {
	Dir   string `mapstructure:"dir"`
	Watch bool   `mapstructure:"watch"`
}

// Default returns the built-in settings.
func Default() *Settings {
	return &Settings{
		Server: ServerSettings{
			Addr:            "127.0.0.1:7125",
			ShutdownTimeout: 30 * time.Second,
		},
		Metrics: MetricsSettings{
			Addr: ":9100",
		},
		Logging: LoggingSettings{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 5,
			Console:    true,
		},
		Journal: JournalSettings{
			Path: filepath.Join(DataDir(), "journal.db"),
		},
		Instrument: InstrumentSettings{
			Config:   "instrument.cfg",
			Simulate: false,
		},
		Plans: PlansSettings{
			Dir:   "plans",
			Watch: true,
		},
	}
}

// SetDefaults registers the defaults with viper so that every key is known
// even without a settings file.
func SetDefaults() {
	d := Default()

	viper.SetDefault("server.addr", d.Server.Addr)
	viper.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	viper.SetDefault("metrics.addr", d.Metrics.Addr)
	viper.SetDefault("metrics.username", d.Metrics.Username)
	viper.SetDefault("metrics.password", d.Metrics.Password)

	viper.SetDefault("logging.level", d.Logging.Level)
	viper.SetDefault("logging.format", d.Logging.Format)
	viper.SetDefault("logging.caller", d.Logging.Caller)
	viper.SetDefault("logging.file", d.Logging.File)
	viper.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	viper.SetDefault("logging.console", d.Logging.Console)

	viper.SetDefault("journal.path", d.Journal.Path)

	viper.SetDefault("instrument.config", d.Instrument.Config)
	viper.SetDefault("instrument.simulate", d.Instrument.Simulate)

	viper.SetDefault("plans.dir", d.Plans.Dir)
	viper.SetDefault("plans.watch", d.Plans.Watch)
}

// Load unmarshals the current viper state and validates it.
func Load() (*Settings, error) {
	var s Settings
	if err := viper.Unmarshal(&s); err != nil {
		return nil, err
	}
	if errs := s.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return &s, nil
}

// DataDir returns the directory for labcore state files.
func DataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "labcore")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".labcore"
	}
	return filepath.Join(home, ".local", "share", "labcore")
}

// ConfigDir returns the directory searched for settings.yaml.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "labcore")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".labcore"
	}
	return filepath.Join(home, ".config", "labcore")
}

// LogOptions converts the logging settings for log.Configure.
func (l LoggingSettings) LogOptions() log.Options {
	return log.Options{Level: l.Level, Format: l.Format, Caller: l.Caller}
}

// Rotation returns the log file rotation settings.
func (l LoggingSettings) Rotation() log.RotationConfig {
	return log.RotationConfig{Filename: l.File, MaxSizeMB: l.MaxSizeMB, MaxBackups: l.MaxBackups}
}
