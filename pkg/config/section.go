package config

import (
	"strconv"
	"strings"
	"sync"
	"time"
)

// Section provides access to one config section with access tracking.
type Section struct {
	name    string
	options map[string]string

	mu       sync.Mutex
	accessed map[string]struct{}
}

func newSection(name string, options map[string]string) *Section {
	opts := make(map[string]string, len(options))
	for k, v := range options {
		opts[strings.ToLower(k)] = v
	}
	return &Section{
		name:     name,
		options:  opts,
		accessed: make(map[string]struct{}),
	}
}

// GetName returns the section name.
func (s *Section) GetName() string {
	return s.name
}

// Suffix returns the part of the name after prefix, e.g. "Scan" for
// [task Scan] with prefix "task ".
func (s *Section) Suffix(prefix string) string {
	return strings.TrimSpace(strings.TrimPrefix(s.name, prefix))
}

// HasOption checks if an option exists in this section.
func (s *Section) HasOption(option string) bool {
	_, ok := s.options[strings.ToLower(option)]
	return ok
}

// GetUnusedOptions returns the options that were never read.
func (s *Section) GetUnusedOptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []string
	for opt := range s.options {
		if _, ok := s.accessed[opt]; !ok {
			result = append(result, opt)
		}
	}
	return result
}

// lookup marks the option accessed and returns its raw value.
func (s *Section) lookup(option string) (string, bool) {
	key := strings.ToLower(option)
	s.mu.Lock()
	s.accessed[key] = struct{}{}
	s.mu.Unlock()
	v, ok := s.options[key]
	return strings.TrimSpace(v), ok
}

// getParsed implements the shared "value, fallback or missing" logic of the
// typed getters.
func getParsed[T any](s *Section, option, expected string, parse func(string) (T, error), fallback []T) (T, error) {
	var zero T
	v, ok := s.lookup(option)
	if !ok {
		if len(fallback) > 0 {
			return fallback[0], nil
		}
		return zero, ErrMissingOption(s.name, option)
	}
	out, err := parse(v)
	if err != nil {
		return zero, ErrInvalidValue(s.name, option, v, expected)
	}
	return out, nil
}

// Get returns a string option value.
func (s *Section) Get(option string, fallback ...string) (string, error) {
	return getParsed(s, option, "string", func(v string) (string, error) { return v, nil }, fallback)
}

// GetInt returns an integer option value.
func (s *Section) GetInt(option string, fallback ...int) (int, error) {
	return getParsed(s, option, "integer", strconv.Atoi, fallback)
}

// GetFloat returns a float64 option value.
func (s *Section) GetFloat(option string, fallback ...float64) (float64, error) {
	return getParsed(s, option, "float", func(v string) (float64, error) {
		return strconv.ParseFloat(v, 64)
	}, fallback)
}

// GetBool returns a boolean option value.
// Accepts: 1, true, yes, on (true) and 0, false, no, off (false).
func (s *Section) GetBool(option string, fallback ...bool) (bool, error) {
	return getParsed(s, option, "boolean (true/false/yes/no/on/off/1/0)", parseBool, fallback)
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return false, strconv.ErrSyntax
}

// GetDuration returns a duration option. Plain numbers are seconds,
// otherwise Go duration syntax ("250ms") is accepted.
func (s *Section) GetDuration(option string, fallback ...time.Duration) (time.Duration, error) {
	return getParsed(s, option, "duration", parseDuration, fallback)
}

func parseDuration(v string) (time.Duration, error) {
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(f * float64(time.Second)), nil
	}
	return time.ParseDuration(v)
}

// FloatBounds specifies bounds for GetFloatWithBounds.
type FloatBounds struct {
	MinVal *float64 // minimum value (>=)
	MaxVal *float64 // maximum value (<=)
	Above  *float64 // must be above this value (>)
	Below  *float64 // must be below this value (<)
}

// Min, Max, Above and Below build single-sided bounds.
func Min(v float64) FloatBounds   { return FloatBounds{MinVal: &v} }
func Max(v float64) FloatBounds   { return FloatBounds{MaxVal: &v} }
func Above(v float64) FloatBounds { return FloatBounds{Above: &v} }
func Below(v float64) FloatBounds { return FloatBounds{Below: &v} }

// Range builds an inclusive [lo, hi] bound.
func Range(lo, hi float64) FloatBounds { return FloatBounds{MinVal: &lo, MaxVal: &hi} }

func fmtFloat(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

// GetFloatWithBounds returns a float64 option value with bounds checking.
func (s *Section) GetFloatWithBounds(option string, b FloatBounds, fallback ...float64) (float64, error) {
	v, err := s.GetFloat(option, fallback...)
	if err != nil {
		return 0, err
	}
	switch {
	case b.MinVal != nil && v < *b.MinVal:
		return 0, ErrOutOfRange(s.name, option, v, "must have minimum of "+fmtFloat(*b.MinVal))
	case b.MaxVal != nil && v > *b.MaxVal:
		return 0, ErrOutOfRange(s.name, option, v, "must have maximum of "+fmtFloat(*b.MaxVal))
	case b.Above != nil && v <= *b.Above:
		return 0, ErrOutOfRange(s.name, option, v, "must be above "+fmtFloat(*b.Above))
	case b.Below != nil && v >= *b.Below:
		return 0, ErrOutOfRange(s.name, option, v, "must be below "+fmtFloat(*b.Below))
	}
	return v, nil
}

// GetIntWithBounds returns an integer option value within [minVal, maxVal].
func (s *Section) GetIntWithBounds(option string, minVal, maxVal int, fallback ...int) (int, error) {
	v, err := s.GetInt(option, fallback...)
	if err != nil {
		return 0, err
	}
	if v < minVal {
		return 0, ErrOutOfRange(s.name, option, float64(v), "must have minimum of "+strconv.Itoa(minVal))
	}
	if v > maxVal {
		return 0, ErrOutOfRange(s.name, option, float64(v), "must have maximum of "+strconv.Itoa(maxVal))
	}
	return v, nil
}

// GetChoice returns a string option that must be one of the valid choices.
func (s *Section) GetChoice(option string, choices []string, fallback ...string) (string, error) {
	v, err := s.Get(option, fallback...)
	if err != nil {
		return "", err
	}
	for _, c := range choices {
		if strings.EqualFold(v, c) {
			return c, nil
		}
	}
	return "", ErrInvalidChoice(s.name, option, v, choices)
}

// GetList returns a list of strings split by sep, empty items dropped.
func (s *Section) GetList(option string, sep string, fallback ...[]string) ([]string, error) {
	return getParsed(s, option, "list", func(v string) ([]string, error) {
		return splitList(v, sep), nil
	}, fallback)
}

// GetFloatList returns a list of floats split by sep.
func (s *Section) GetFloatList(option string, sep string, fallback ...[]float64) ([]float64, error) {
	return getParsed(s, option, "list of floats", func(v string) ([]float64, error) {
		parts := splitList(v, sep)
		result := make([]float64, 0, len(parts))
		for _, p := range parts {
			f, err := strconv.ParseFloat(p, 64)
			if err != nil {
				return nil, err
			}
			result = append(result, f)
		}
		return result, nil
	}, fallback)
}

func splitList(v, sep string) []string {
	result := []string{}
	for _, p := range strings.Split(v, sep) {
		if p = strings.TrimSpace(p); p != "" {
			result = append(result, p)
		}
	}
	return result
}
