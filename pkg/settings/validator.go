package settings

import (
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"
)

// ValidationError is a single invalid setting.
type ValidationError struct {
	Field   string // e.g. "logging.level"
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the accepted logging.level values.
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidLogFormats returns the accepted logging.format values.
func ValidLogFormats() []string {
	return []string{"text", "json"}
}

// Validate returns every invalid setting.
func (s *Settings) Validate() []ValidationError {
	var errs []ValidationError

	if err := validServerAddr(s.Server.Addr); err != "" {
		errs = append(errs, ValidationError{"server.addr", s.Server.Addr, err})
	}
	if s.Server.ShutdownTimeout <= 0 {
		errs = append(errs, ValidationError{"server.shutdown_timeout", s.Server.ShutdownTimeout, "must be positive"})
	}

	if s.Metrics.Addr != "" {
		if err := validAddr(s.Metrics.Addr); err != "" {
			errs = append(errs, ValidationError{"metrics.addr", s.Metrics.Addr, err})
		}
	}
	if (s.Metrics.Username == "") != (s.Metrics.Password == "") {
		errs = append(errs, ValidationError{"metrics.username", s.Metrics.Username, "username and password must be set together"})
	}

	if !slices.Contains(ValidLogLevels(), strings.ToLower(s.Logging.Level)) {
		errs = append(errs, ValidationError{"logging.level", s.Logging.Level, fmt.Sprintf("must be one of %v", ValidLogLevels())})
	}
	if !slices.Contains(ValidLogFormats(), strings.ToLower(s.Logging.Format)) {
		errs = append(errs, ValidationError{"logging.format", s.Logging.Format, fmt.Sprintf("must be one of %v", ValidLogFormats())})
	}
	if s.Logging.File != "" {
		if s.Logging.MaxSizeMB < 1 {
			errs = append(errs, ValidationError{"logging.max_size_mb", s.Logging.MaxSizeMB, "must be at least 1"})
		}
		if s.Logging.MaxBackups < 0 {
			errs = append(errs, ValidationError{"logging.max_backups", s.Logging.MaxBackups, "must not be negative"})
		}
	}

	if s.Instrument.Config == "" {
		errs = append(errs, ValidationError{"instrument.config", s.Instrument.Config, "must not be empty"})
	}
	if s.Plans.Dir == "" {
		errs = append(errs, ValidationError{"plans.dir", s.Plans.Dir, "must not be empty"})
	}

	return errs
}

// validServerAddr accepts host:port or an http(s) URL naming one.
func validServerAddr(addr string) string {
	if !strings.Contains(addr, "://") {
		return validAddr(addr)
	}
	u, err := url.Parse(addr)
	if err != nil {
		return "must be host:port or an http URL"
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "URL scheme must be http or https"
	}
	if u.Path != "" && u.Path != "/" {
		return "URL must not have a path"
	}
	return validAddr(u.Host)
}

func validAddr(addr string) string {
	if addr == "" {
		return "must not be empty"
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return "must be host:port"
	}
	return ""
}
