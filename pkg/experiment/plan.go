// Package experiment holds the immutable documents a task runs from:
// imaging plans, injection sequences and ROI lists. Documents are read from
// YAML and validated once; validation failures carry the CONFIGURATION code.
package experiment

import (
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"labcore/pkg/device"
	"labcore/pkg/errors"
)

// ZStack describes the planes acquired for one imaging step.
type ZStack struct {
	Planes   int     `yaml:"planes"`
	Spacing  float64 `yaml:"spacing"`
	Centered bool    `yaml:"centered"`
}

// Start returns the z of the first plane given the current focus position.
// A centered stack is placed symmetrically around current.
func (z ZStack) Start(current float64) float64 {
	if !z.Centered {
		return current
	}
	if z.Planes%2 == 0 {
		return current - float64(z.Planes/2)*z.Spacing
	}
	return current - float64((z.Planes-1)/2)*z.Spacing
}

// Positions returns the z of every plane, bottom to top.
func (z ZStack) Positions(current float64) []float64 {
	n := max(z.Planes, 1)
	start := z.Start(current)
	out := make([]float64, n)
	for i := range out {
		out[i] = start + float64(i)*z.Spacing
	}
	return out
}

// ImagingStep is one entry of an imaging plan.
type ImagingStep struct {
	Lightsource      string  `yaml:"lightsource"`
	IntensityPercent float64 `yaml:"intensity_percent"`
	Filter           string  `yaml:"filter,omitempty"`
	ZStack           *ZStack `yaml:"z_stack,omitempty"`
}

// Planes returns the number of frames the step acquires.
func (s ImagingStep) Planes() int {
	if s.ZStack == nil {
		return 1
	}
	return max(s.ZStack.Planes, 1)
}

// PlanePositions returns the z of every plane for the given focus position.
func (s ImagingStep) PlanePositions(current float64) []float64 {
	if s.ZStack == nil {
		return []float64{current}
	}
	return s.ZStack.Positions(current)
}

func (s ImagingStep) validate(i int) error {
	if s.Lightsource == "" {
		return errors.ConfigurationError(fmt.Sprintf("plan step %d: lightsource is required", i+1))
	}
	if s.IntensityPercent < 0 || s.IntensityPercent > 100 {
		return errors.ConfigurationError(fmt.Sprintf("plan step %d: intensity_percent %g outside 0..100", i+1, s.IntensityPercent))
	}
	if z := s.ZStack; z != nil {
		if z.Planes < 1 {
			return errors.ConfigurationError(fmt.Sprintf("plan step %d: z_stack planes must be >= 1", i+1))
		}
		if z.Planes > 1 && z.Spacing <= 0 {
			return errors.ConfigurationError(fmt.Sprintf("plan step %d: z_stack spacing must be > 0", i+1))
		}
	}
	return nil
}

// Plan is an ordered, immutable list of imaging steps.
type Plan struct {
	name  string
	steps []ImagingStep
}

// NewPlan validates steps and returns a plan holding a private copy.
func NewPlan(name string, steps []ImagingStep) (*Plan, error) {
	if len(steps) == 0 {
		return nil, errors.ConfigurationError(fmt.Sprintf("plan %q has no steps", name))
	}
	p := &Plan{name: name, steps: make([]ImagingStep, len(steps))}
	for i, s := range steps {
		if err := s.validate(i); err != nil {
			if ce, ok := errors.As(err); ok {
				ce.SetContext("plan", name)
			}
			return nil, err
		}
		if s.ZStack != nil {
			z := *s.ZStack
			s.ZStack = &z
		}
		p.steps[i] = s
	}
	return p, nil
}

// ParsePlan reads a plan from YAML: a sequence of step mappings.
func ParsePlan(name string, data []byte) (*Plan, error) {
	var steps []ImagingStep
	if err := yaml.Unmarshal(data, &steps); err != nil {
		return nil, errors.Wrap(err, errors.ErrConfiguration, fmt.Sprintf("parse plan %q", name))
	}
	return NewPlan(name, steps)
}

// LoadPlan reads a plan file.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrConfiguration, "read plan")
	}
	return ParsePlan(path, data)
}

// Name returns the plan name.
func (p *Plan) Name() string { return p.name }

// Len returns the number of steps.
func (p *Plan) Len() int { return len(p.steps) }

// Step returns step i. Z-stack specs are shared read-only.
func (p *Plan) Step(i int) ImagingStep { return p.steps[i] }

// Steps returns a copy of the steps.
func (p *Plan) Steps() []ImagingStep { return slices.Clone(p.steps) }

// Frames returns the number of frames one pass over the plan acquires.
func (p *Plan) Frames() int {
	n := 0
	for _, s := range p.steps {
		n += s.Planes()
	}
	return n
}

// MarshalYAML writes the plan back in its file form.
func (p *Plan) MarshalYAML() (interface{}, error) {
	return p.steps, nil
}

// CheckCapabilities rejects lightsource/filter combinations the instrument
// forbids. It must be called before any hardware command is issued.
func (p *Plan) CheckCapabilities(caps device.Capabilities) error {
	if caps == nil {
		return nil
	}
	for i, s := range p.steps {
		if !slices.Contains(caps.AllowedLightsources(s.Filter), s.Lightsource) {
			return errors.ForbiddenCombination(s.Lightsource, s.Filter).
				SetContext("plan", p.name).SetContext("step", i+1)
		}
	}
	return nil
}
