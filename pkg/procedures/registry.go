package procedures

import (
	"slices"
	"sort"

	"labcore/pkg/config"
	"labcore/pkg/device"
	"labcore/pkg/task"
)

// Definition is a task built from a [task NAME] section, ready to be
// registered with a runner.
type Definition struct {
	Name      string
	Kind      string
	Requires  []string
	Procedure *Campaign
}

var baseRequires = map[string][]string{
	KindScan:     {device.NameCamera, device.NameStage, device.NameLight, device.NameCapabilities, device.NameSink},
	KindFluidics: {device.NameValves, device.NameFlow},
	KindHiM: {
		device.NameCamera, device.NameStage, device.NameLight, device.NameCapabilities, device.NameSink,
		device.NameValves, device.NameFlow, device.NameNeedle,
	},
}

// NewRegistry returns the registry of the built-in task kinds.
func NewRegistry(env *Env) *config.Registry[Definition] {
	r := config.NewRegistry[Definition]("task ", "type")
	for _, kind := range []string{KindScan, KindFluidics, KindHiM} {
		r.Register(kind, factory(kind, env))
	}
	return r
}

func factory(kind string, env *Env) config.Factory[Definition] {
	return func(name string, sec *config.Section) (Definition, error) {
		ts, err := config.ParseTaskSection(name, sec)
		if err != nil {
			return Definition{}, err
		}
		c := &Campaign{kind: kind, section: ts, cycles: 1, env: env}

		if kind == KindScan {
			if c.cycles, err = sec.GetIntWithBounds("cycles", 1, 100000, 1); err != nil {
				return Definition{}, err
			}
		}
		if c.imaging() {
			if ts.Plan == "" {
				return Definition{}, config.ErrMissingOption(sec.GetName(), "plan")
			}
			if ts.ROIs == "" {
				return Definition{}, config.ErrMissingOption(sec.GetName(), "rois")
			}
			if c.autofocus, err = sec.GetBool("autofocus", false); err != nil {
				return Definition{}, err
			}
		}
		if kind != KindScan && ts.Injections == "" {
			return Definition{}, config.ErrMissingOption(sec.GetName(), "injections")
		}

		requires := slices.Clone(baseRequires[kind])
		if c.autofocus {
			requires = append(requires, device.NamePiezo, device.NameFocusSensor)
		}
		for _, r := range ts.Requires {
			if !slices.Contains(requires, r) {
				requires = append(requires, r)
			}
		}
		sort.Strings(requires)
		return Definition{Name: name, Kind: kind, Requires: requires, Procedure: c}, nil
	}
}

// RegisterAll builds every [task NAME] section of cfg and registers the
// tasks with runner. Tasks whose devices are missing are registered as not
// loadable.
func RegisterAll(runner *task.Runner, cfg *config.Config, env *Env) ([]*task.Task, error) {
	defs, err := NewRegistry(env).Load(cfg)
	if err != nil {
		return nil, err
	}
	tasks := make([]*task.Task, 0, len(defs))
	for _, d := range defs {
		t, err := runner.Register(d.Name, d.Kind, d.Procedure, d.Requires)
		if err != nil {
			return tasks, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}
