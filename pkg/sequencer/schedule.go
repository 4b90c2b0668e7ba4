// Package sequencer expands a campaign into the ordered units a task
// executes, one unit per state-machine step, and runs them against the
// instrument.
//
// Ordering is cycles (probes) outermost, ROIs in the middle and plan
// entries innermost. A unit is either one ROI's complete multi-channel
// acquisition or one injection sub-sequence bracketing a cycle's imaging.
package sequencer

import (
	"fmt"

	"labcore/pkg/experiment"
)

// UnitKind tells what a unit does.
type UnitKind int

const (
	UnitInjection UnitKind = iota
	UnitImaging
)

func (k UnitKind) String() string {
	if k == UnitInjection {
		return "injection"
	}
	return "imaging"
}

// Injection phases used by Hi-M campaigns.
const (
	PhaseHybridization  = "hybridization"
	PhasePhotobleaching = "photobleaching"
)

// Injection is an injection sub-sequence run as one unit.
type Injection struct {
	Phase    string
	Sequence *experiment.InjectionSequence

	// Dip moves the needle into the cycle's probe before injecting.
	Dip bool
}

func (inj *Injection) empty() bool {
	return inj == nil || inj.Sequence.Len() == 0
}

// Cycle is one pass over the ROIs, optionally bracketed by injections.
type Cycle struct {
	Label  string
	Probe  int // rack position, 0 when the cycle uses no probe
	Before *Injection
	After  *Injection
}

// Unit is one step of a run.
type Unit struct {
	Kind      UnitKind
	Cycle     int
	Label     string
	Probe     int
	Injection *Injection
	ROI       experiment.ROI
}

func (u Unit) String() string {
	if u.Kind == UnitInjection {
		return fmt.Sprintf("%s %s", u.Injection.Phase, u.Label)
	}
	return fmt.Sprintf("%s %s", u.ROI.Name, u.Label)
}

// Schedule flattens cycles and ROIs into units. Empty injections produce no
// unit; a cycle without ROIs still runs its injections.
func Schedule(cycles []Cycle, rois []experiment.ROI) []Unit {
	var units []Unit
	for i, c := range cycles {
		if !c.Before.empty() {
			units = append(units, Unit{Kind: UnitInjection, Cycle: i, Label: c.Label, Probe: c.Probe, Injection: c.Before})
		}
		for _, roi := range rois {
			units = append(units, Unit{Kind: UnitImaging, Cycle: i, Label: c.Label, Probe: c.Probe, ROI: roi})
		}
		if !c.After.empty() {
			units = append(units, Unit{Kind: UnitInjection, Cycle: i, Label: c.Label, Probe: c.Probe, Injection: c.After})
		}
	}
	return units
}

// Repeat returns n plain imaging cycles labelled "cycle 1".."cycle n".
func Repeat(n int) []Cycle {
	cycles := make([]Cycle, n)
	for i := range cycles {
		cycles[i] = Cycle{Label: fmt.Sprintf("cycle %d", i+1)}
	}
	return cycles
}

// ProbeCycles builds one cycle per probe of a Hi-M injections document:
// hybridization with the needle dipped in the probe, then imaging, then
// photobleaching.
func ProbeCycles(inj *experiment.Injections) []Cycle {
	positions := inj.ProbePositions()
	cycles := make([]Cycle, 0, len(positions))
	for _, pos := range positions {
		c := Cycle{Label: fmt.Sprintf("probe %d (%s)", pos, inj.Probes[pos]), Probe: pos}
		if inj.Hybridization.Len() > 0 {
			c.Before = &Injection{Phase: PhaseHybridization, Sequence: inj.Hybridization, Dip: true}
		}
		if inj.Photobleaching.Len() > 0 {
			c.After = &Injection{Phase: PhasePhotobleaching, Sequence: inj.Photobleaching}
		}
		cycles = append(cycles, c)
	}
	return cycles
}
