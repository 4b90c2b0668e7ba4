package experiment

import (
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"labcore/pkg/errors"
)

// Injection step operations.
const (
	OpInject   = "inject"
	OpIncubate = "incubate"
)

// InjectionStep is either an injection of volume µl of product at flowrate
// µl/min, or an incubation of Duration seconds.
type InjectionStep struct {
	Op       string  `yaml:"op"`
	Product  string  `yaml:"product,omitempty"`
	Volume   float64 `yaml:"volume,omitempty"`
	Flowrate float64 `yaml:"flowrate,omitempty"`
	Duration float64 `yaml:"duration,omitempty"`
}

// Inject builds an injection step.
func Inject(product string, volume, flowrate float64) InjectionStep {
	return InjectionStep{Op: OpInject, Product: product, Volume: volume, Flowrate: flowrate}
}

// Incubate builds an incubation step.
func Incubate(d time.Duration) InjectionStep {
	return InjectionStep{Op: OpIncubate, Duration: d.Seconds()}
}

// IncubationTime returns Duration as a time.Duration.
func (s InjectionStep) IncubationTime() time.Duration {
	return time.Duration(s.Duration * float64(time.Second))
}

func (s InjectionStep) String() string {
	if s.Op == OpIncubate {
		return fmt.Sprintf("incubate %gs", s.Duration)
	}
	return fmt.Sprintf("inject %s %gµl @ %gµl/min", s.Product, s.Volume, s.Flowrate)
}

func (s InjectionStep) validate(i int) error {
	switch s.Op {
	case OpInject:
		if s.Product == "" {
			return errors.ConfigurationError(fmt.Sprintf("injection step %d: product is required", i+1))
		}
		if s.Volume <= 0 {
			return errors.ConfigurationError(fmt.Sprintf("injection step %d: volume must be > 0", i+1))
		}
		if s.Flowrate <= 0 {
			return errors.ConfigurationError(fmt.Sprintf("injection step %d: flowrate must be > 0", i+1))
		}
	case OpIncubate:
		if s.Duration < 0 {
			return errors.ConfigurationError(fmt.Sprintf("injection step %d: duration must be >= 0", i+1))
		}
	default:
		return errors.ConfigurationError(fmt.Sprintf("injection step %d: unknown op %q", i+1, s.Op))
	}
	return nil
}

// InjectionSequence is an ordered, immutable list of injection steps.
// Sequences are grown with a SequenceBuilder, never edited in place.
type InjectionSequence struct {
	steps []InjectionStep
}

// Len returns the number of steps.
func (q *InjectionSequence) Len() int {
	if q == nil {
		return 0
	}
	return len(q.steps)
}

// Step returns step i.
func (q *InjectionSequence) Step(i int) InjectionStep { return q.steps[i] }

// Steps returns a copy of the steps.
func (q *InjectionSequence) Steps() []InjectionStep {
	if q == nil {
		return nil
	}
	return slices.Clone(q.steps)
}

// Products returns the distinct injected products in first-use order.
func (q *InjectionSequence) Products() []string {
	var out []string
	for _, s := range q.Steps() {
		if s.Op == OpInject && !slices.Contains(out, s.Product) {
			out = append(out, s.Product)
		}
	}
	return out
}

// MarshalYAML writes the sequence as a plain list.
func (q *InjectionSequence) MarshalYAML() (interface{}, error) {
	return q.steps, nil
}

// UnmarshalYAML reads and validates a list of steps.
func (q *InjectionSequence) UnmarshalYAML(node *yaml.Node) error {
	var steps []InjectionStep
	if err := node.Decode(&steps); err != nil {
		return err
	}
	b := &SequenceBuilder{}
	for _, s := range steps {
		b.Append(s)
	}
	seq, err := b.Build()
	if err != nil {
		return err
	}
	*q = *seq
	return nil
}

// SequenceBuilder accumulates steps at the end of a sequence.
type SequenceBuilder struct {
	steps []InjectionStep
}

// Append adds a step at the end.
func (b *SequenceBuilder) Append(s InjectionStep) *SequenceBuilder {
	s.Op = strings.ToLower(s.Op)
	b.steps = append(b.steps, s)
	return b
}

// Inject appends an injection.
func (b *SequenceBuilder) Inject(product string, volume, flowrate float64) *SequenceBuilder {
	return b.Append(Inject(product, volume, flowrate))
}

// Incubate appends an incubation.
func (b *SequenceBuilder) Incubate(d time.Duration) *SequenceBuilder {
	return b.Append(Incubate(d))
}

// Build validates the steps and returns an immutable sequence. The builder
// may keep growing afterwards without affecting it.
func (b *SequenceBuilder) Build() (*InjectionSequence, error) {
	for i, s := range b.steps {
		if err := s.validate(i); err != nil {
			return nil, err
		}
	}
	return &InjectionSequence{steps: slices.Clone(b.steps)}, nil
}

// ParseInjectionSequence reads a YAML list of injection steps.
func ParseInjectionSequence(data []byte) (*InjectionSequence, error) {
	var q InjectionSequence
	if err := yaml.Unmarshal(data, &q); err != nil {
		if _, ok := errors.As(err); ok {
			return nil, err
		}
		return nil, errors.Wrap(err, errors.ErrConfiguration, "parse injection sequence")
	}
	return &q, nil
}

// Injections is the fluidics document of a Hi-M campaign: which valve
// serves each product, which probe sits at each rack position, and the
// sequences run per probe.
type Injections struct {
	Buffers        map[string]int     `yaml:"buffers"`
	Probes         map[int]string     `yaml:"probes"`
	Hybridization  *InjectionSequence `yaml:"hybridization"`
	Photobleaching *InjectionSequence `yaml:"photobleaching"`
}

// ParseInjections reads and validates an injections document.
func ParseInjections(data []byte) (*Injections, error) {
	var inj Injections
	if err := yaml.Unmarshal(data, &inj); err != nil {
		if _, ok := errors.As(err); ok {
			return nil, err
		}
		return nil, errors.Wrap(err, errors.ErrConfiguration, "parse injections")
	}
	if err := inj.Validate(); err != nil {
		return nil, err
	}
	return &inj, nil
}

// LoadInjections reads an injections file.
func LoadInjections(path string) (*Injections, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrConfiguration, "read injections")
	}
	inj, err := ParseInjections(data)
	if ce, ok := errors.As(err); ok {
		ce.SetContext("file", path)
	}
	return inj, err
}

// Validate checks that every injected product has a valve and that at
// least one probe is listed.
func (inj *Injections) Validate() error {
	if len(inj.Probes) == 0 {
		return errors.ConfigurationError("injections: at least one probe is required")
	}
	for name, seq := range map[string]*InjectionSequence{
		"hybridization":  inj.Hybridization,
		"photobleaching": inj.Photobleaching,
	} {
		for _, p := range seq.Products() {
			if _, ok := inj.Buffers[p]; !ok {
				return errors.ConfigurationError(fmt.Sprintf("injections: %s uses product %q missing from buffers", name, p))
			}
		}
	}
	return nil
}

// Valve returns the valve position serving product.
func (inj *Injections) Valve(product string) (int, bool) {
	v, ok := inj.Buffers[product]
	return v, ok
}

// ProbePositions returns the rack positions holding a probe, ascending.
func (inj *Injections) ProbePositions() []int {
	out := make([]int, 0, len(inj.Probes))
	for pos := range inj.Probes {
		out = append(out, pos)
	}
	sort.Ints(out)
	return out
}
