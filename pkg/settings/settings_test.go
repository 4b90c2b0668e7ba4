package settings

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestDefault(t *testing.T) {
	s := Default()

	if s.Server.Addr != "127.0.0.1:7125" {
		t.Errorf("Server.Addr = %q", s.Server.Addr)
	}
	if s.Metrics.Addr != ":9100" {
		t.Errorf("Metrics.Addr = %q", s.Metrics.Addr)
	}
	if s.Logging.Level != "info" || s.Logging.Format != "text" {
		t.Errorf("Logging = %+v", s.Logging)
	}
	if !strings.HasSuffix(s.Journal.Path, "journal.db") {
		t.Errorf("Journal.Path = %q", s.Journal.Path)
	}
	if !s.Plans.Watch {
		t.Error("Plans.Watch should be true by default")
	}
	if errs := s.Validate(); len(errs) > 0 {
		t.Errorf("defaults do not validate: %v", ValidationErrors(errs))
	}
}

func TestLoadMergesFileAndEnvironment(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	dir := t.TempDir()
	file := filepath.Join(dir, "settings.yaml")
	data := `
server:
  addr: 0.0.0.0:8000
logging:
  level: debug
  file: /tmp/labcore.log
instrument:
  simulate: true
plans:
  dir: /data/plans
  watch: false
`
	if err := os.WriteFile(file, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LABCORE_METRICS_ADDR", "127.0.0.1:9200")

	SetDefaults()
	viper.SetConfigFile(file)
	viper.SetEnvPrefix("LABCORE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		t.Fatal(err)
	}

	s, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if s.Server.Addr != "0.0.0.0:8000" {
		t.Errorf("Server.Addr = %q", s.Server.Addr)
	}
	if s.Server.ShutdownTimeout != 30*time.Second {
		t.Errorf("ShutdownTimeout = %v", s.Server.ShutdownTimeout)
	}
	if s.Metrics.Addr != "127.0.0.1:9200" {
		t.Errorf("Metrics.Addr = %q, want the environment value", s.Metrics.Addr)
	}
	if s.Logging.Level != "debug" || s.Logging.MaxSizeMB != 10 {
		t.Errorf("Logging = %+v", s.Logging)
	}
	if !s.Instrument.Simulate || s.Plans.Dir != "/data/plans" || s.Plans.Watch {
		t.Errorf("Instrument = %+v, Plans = %+v", s.Instrument, s.Plans)
	}

	rot := s.Logging.Rotation()
	if rot.Filename != "/tmp/labcore.log" || rot.MaxBackups != 5 {
		t.Errorf("Rotation = %+v", rot)
	}
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	SetDefaults()
	viper.Set("logging.level", "verbose")
	viper.Set("server.addr", "localhost")

	_, err := Load()
	verrs, ok := err.(ValidationErrors)
	if !ok {
		t.Fatalf("expected ValidationErrors, got %v", err)
	}
	if len(verrs) != 2 {
		t.Errorf("got %d errors: %v", len(verrs), verrs)
	}
	if !strings.Contains(err.Error(), "2 validation errors") {
		t.Errorf("message = %q", err.Error())
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Settings)
		field  string
	}{
		{"empty server addr", func(s *Settings) { s.Server.Addr = "" }, "server.addr"},
		{"server url scheme", func(s *Settings) { s.Server.Addr = "ftp://127.0.0.1:7125" }, "server.addr"},
		{"server url without port", func(s *Settings) { s.Server.Addr = "http://localhost" }, "server.addr"},
		{"server url with path", func(s *Settings) { s.Server.Addr = "http://localhost:7125/rpc" }, "server.addr"},
		{"zero shutdown timeout", func(s *Settings) { s.Server.ShutdownTimeout = 0 }, "server.shutdown_timeout"},
		{"bad metrics addr", func(s *Settings) { s.Metrics.Addr = "9100" }, "metrics.addr"},
		{"username without password", func(s *Settings) { s.Metrics.Username = "admin" }, "metrics.username"},
		{"bad format", func(s *Settings) { s.Logging.Format = "xml" }, "logging.format"},
		{"rotation size", func(s *Settings) { s.Logging.File = "x.log"; s.Logging.MaxSizeMB = 0 }, "logging.max_size_mb"},
		{"no instrument", func(s *Settings) { s.Instrument.Config = "" }, "instrument.config"},
		{"no plans dir", func(s *Settings) { s.Plans.Dir = "" }, "plans.dir"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Default()
			tt.modify(s)
			errs := s.Validate()
			if len(errs) != 1 {
				t.Fatalf("got %d errors: %v", len(errs), ValidationErrors(errs))
			}
			if errs[0].Field != tt.field {
				t.Errorf("field = %q, want %q", errs[0].Field, tt.field)
			}
		})
	}

	s := Default()
	s.Metrics.Addr = ""
	if errs := s.Validate(); len(errs) != 0 {
		t.Errorf("disabled metrics should validate: %v", ValidationErrors(errs))
	}
}

func TestDirsFollowXDG(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/xdg/data")
	t.Setenv("XDG_CONFIG_HOME", "/xdg/config")
	if got := DataDir(); got != filepath.Join("/xdg/data", "labcore") {
		t.Errorf("DataDir = %q", got)
	}
	if got := ConfigDir(); got != filepath.Join("/xdg/config", "labcore") {
		t.Errorf("ConfigDir = %q", got)
	}
}

func TestServerAddrForms(t *testing.T) {
	tests := []struct {
		addr   string
		listen string
	}{
		{"127.0.0.1:7125", "127.0.0.1:7125"},
		{"http://127.0.0.1:45055", "127.0.0.1:45055"},
		{"https://lab.local:7125/", "lab.local:7125"},
	}
	for _, tt := range tests {
		s := Default()
		s.Server.Addr = tt.addr
		if errs := s.Validate(); len(errs) != 0 {
			t.Errorf("%q rejected: %v", tt.addr, ValidationErrors(errs))
		}
		if got := s.Server.ListenAddr(); got != tt.listen {
			t.Errorf("ListenAddr(%q) = %q, want %q", tt.addr, got, tt.listen)
		}
	}
}
