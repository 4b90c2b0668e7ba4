package config

import (
	"sort"
	"strings"
	"time"
)

// PIDSection holds the gains of one [pid NAME] section.
type PIDSection struct {
	Kp, Ki, Kd           float64
	OutputMin, OutputMax float64
	SampleTime           time.Duration
}

// SafetySection is the [safety] section.
type SafetySection struct {
	SafetyHeight float64
}

// FocusSection is the [focus] section.
type FocusSection struct {
	PiezoMin, PiezoMax float64
	Deadband           float64
	SearchMode         string
	StablePoints       int
	StableThreshold    float64
	SignalMin          float64
	SignalGrace        time.Duration
	Tolerance          float64
	Dwell              time.Duration
	SearchTimeout      time.Duration
	CalibrationRange   float64
	CalibrationStep    float64
}

// ProbeRackSection is the [probe_rack] section.
type ProbeRackSection struct {
	Grid             string
	NumX, NumY       int
	PitchX, PitchY   float64
	NumR, NumPhi     int
	DeltaR, DeltaPhi float64
	OriginX, OriginY float64
	DipZ             float64
}

// FluidicsSection is the [fluidics] section.
type FluidicsSection struct {
	Valve        string
	VolumePeriod time.Duration
}

// OpticsSection collects [lightsources] and every [filter NAME].
type OpticsSection struct {
	Lightsources       []string
	TemperatureControl bool
	// Allowed maps a filter name to the lightsources usable with it.
	Allowed map[string][]string
}

// Instrument is the validated instrument configuration.
type Instrument struct {
	Safety    SafetySection
	FocusPID  PIDSection
	FlowPID   PIDSection
	Focus     FocusSection
	ProbeRack ProbeRackSection
	Fluidics  FluidicsSection
	Optics    OpticsSection

	// Raw keeps the parsed file for task sections and unused-option checks.
	Raw *Config
}

// TaskSection holds the options common to every [task NAME] section.
type TaskSection struct {
	Name       string
	Type       string
	Plan       string
	Injections string
	ROIs       string
	ROIFilter  string
	Requires   []string
}

// LoadInstrument reads and validates an instrument configuration file.
// Errors carry the CONFIGURATION code.
func LoadInstrument(path string) (*Instrument, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, asConfigurationError(path, err)
	}
	inst, err := ParseInstrument(cfg)
	return inst, asConfigurationError(path, err)
}

// ParseInstrument validates the fixed sections of cfg.
func ParseInstrument(cfg *Config) (*Instrument, error) {
	inst := &Instrument{Raw: cfg}
	var err error

	safety, err := cfg.GetSection("safety")
	if err != nil {
		return nil, err
	}
	if inst.Safety.SafetyHeight, err = safety.GetFloat("safety_height"); err != nil {
		return nil, err
	}

	if inst.FocusPID, err = parsePID(cfg, "pid focus", PIDSection{OutputMin: -10, OutputMax: 10, SampleTime: 100 * time.Millisecond}); err != nil {
		return nil, err
	}
	if inst.FlowPID, err = parsePID(cfg, "pid flow", PIDSection{OutputMin: 0, OutputMax: 15, SampleTime: 100 * time.Millisecond}); err != nil {
		return nil, err
	}
	if inst.Focus, err = parseFocus(cfg.GetSectionOptional("focus")); err != nil {
		return nil, err
	}
	if sec := cfg.GetSectionOptional("probe_rack"); sec != nil {
		if inst.ProbeRack, err = parseProbeRack(sec); err != nil {
			return nil, err
		}
	}
	if inst.Fluidics, err = parseFluidics(cfg.GetSectionOptional("fluidics")); err != nil {
		return nil, err
	}
	if inst.Optics, err = parseOptics(cfg); err != nil {
		return nil, err
	}
	return inst, nil
}

func parsePID(cfg *Config, name string, def PIDSection) (PIDSection, error) {
	sec := cfg.GetSectionOptional(name)
	if sec == nil {
		return def, nil
	}
	var p PIDSection
	var err error
	if p.Kp, err = sec.GetFloat("kp"); err != nil {
		return p, err
	}
	if p.Ki, err = sec.GetFloat("ki", 0); err != nil {
		return p, err
	}
	if p.Kd, err = sec.GetFloat("kd", 0); err != nil {
		return p, err
	}
	if p.OutputMin, err = sec.GetFloat("output_min", def.OutputMin); err != nil {
		return p, err
	}
	if p.OutputMax, err = sec.GetFloatWithBounds("output_max", Above(p.OutputMin), def.OutputMax); err != nil {
		return p, err
	}
	if p.SampleTime, err = sec.GetDuration("sample_time", def.SampleTime); err != nil {
		return p, err
	}
	if p.SampleTime <= 0 {
		return p, ErrOutOfRange(name, "sample_time", p.SampleTime.Seconds(), "must be above 0")
	}
	return p, nil
}

func parseFocus(sec *Section) (FocusSection, error) {
	f := FocusSection{
		PiezoMin: 0, PiezoMax: 100, Deadband: 0.1, SearchMode: "settle",
		StablePoints: 10, StableThreshold: 0.01,
		SignalGrace: time.Second, Tolerance: 0.05, Dwell: 500 * time.Millisecond,
		SearchTimeout: 30 * time.Second, CalibrationRange: 2, CalibrationStep: 0.1,
	}
	if sec == nil {
		return f, nil
	}
	var err error
	if f.PiezoMin, err = sec.GetFloat("piezo_min", f.PiezoMin); err != nil {
		return f, err
	}
	if f.PiezoMax, err = sec.GetFloatWithBounds("piezo_max", Above(f.PiezoMin+2), f.PiezoMax); err != nil {
		return f, err
	}
	if f.Deadband, err = sec.GetFloatWithBounds("deadband", Min(0), f.Deadband); err != nil {
		return f, err
	}
	if f.SearchMode, err = sec.GetChoice("search_mode", []string{"settle", "stable"}, "settle"); err != nil {
		return f, err
	}
	if f.StablePoints, err = sec.GetIntWithBounds("stable_points", 2, 1000, f.StablePoints); err != nil {
		return f, err
	}
	if f.StableThreshold, err = sec.GetFloatWithBounds("stable_threshold", Above(0), f.StableThreshold); err != nil {
		return f, err
	}
	if f.SignalMin, err = sec.GetFloat("signal_min", f.SignalMin); err != nil {
		return f, err
	}
	if f.SignalGrace, err = sec.GetDuration("signal_grace", f.SignalGrace); err != nil {
		return f, err
	}
	if f.Tolerance, err = sec.GetFloatWithBounds("tolerance", Above(0), f.Tolerance); err != nil {
		return f, err
	}
	if f.Dwell, err = sec.GetDuration("dwell", f.Dwell); err != nil {
		return f, err
	}
	if f.SearchTimeout, err = sec.GetDuration("search_timeout", f.SearchTimeout); err != nil {
		return f, err
	}
	if f.CalibrationRange, err = sec.GetFloatWithBounds("calibration_range", Above(0), f.CalibrationRange); err != nil {
		return f, err
	}
	if f.CalibrationStep, err = sec.GetFloatWithBounds("calibration_step", Range(0.001, f.CalibrationRange), f.CalibrationStep); err != nil {
		return f, err
	}
	return f, nil
}

func parseProbeRack(sec *Section) (ProbeRackSection, error) {
	var r ProbeRackSection
	var err error
	if r.Grid, err = sec.GetChoice("grid", []string{"cartesian", "polar"}, "cartesian"); err != nil {
		return r, err
	}
	if r.Grid == "cartesian" {
		if r.NumX, err = sec.GetIntWithBounds("num_x", 1, 100, 10); err != nil {
			return r, err
		}
		if r.NumY, err = sec.GetIntWithBounds("num_y", 1, 100, 10); err != nil {
			return r, err
		}
		if r.PitchX, err = sec.GetFloat("pitch_x"); err != nil {
			return r, err
		}
		if r.PitchY, err = sec.GetFloat("pitch_y", r.PitchX); err != nil {
			return r, err
		}
	} else {
		if r.NumR, err = sec.GetIntWithBounds("num_r", 1, 100, 3); err != nil {
			return r, err
		}
		if r.NumPhi, err = sec.GetIntWithBounds("num_phi", 1, 360, 36); err != nil {
			return r, err
		}
		if r.DeltaR, err = sec.GetFloat("delta_r"); err != nil {
			return r, err
		}
		if r.DeltaPhi, err = sec.GetFloat("delta_phi", 360/float64(r.NumPhi)); err != nil {
			return r, err
		}
	}
	if r.OriginX, err = sec.GetFloat("origin_x", 0); err != nil {
		return r, err
	}
	if r.OriginY, err = sec.GetFloat("origin_y", 0); err != nil {
		return r, err
	}
	if r.DipZ, err = sec.GetFloat("dip_z"); err != nil {
		return r, err
	}
	return r, nil
}

func parseFluidics(sec *Section) (FluidicsSection, error) {
	f := FluidicsSection{Valve: "buffer", VolumePeriod: 100 * time.Millisecond}
	if sec == nil {
		return f, nil
	}
	var err error
	if f.Valve, err = sec.Get("valve", f.Valve); err != nil {
		return f, err
	}
	if f.VolumePeriod, err = sec.GetDuration("volume_period", f.VolumePeriod); err != nil {
		return f, err
	}
	if f.VolumePeriod <= 0 {
		return f, ErrOutOfRange(sec.GetName(), "volume_period", f.VolumePeriod.Seconds(), "must be above 0")
	}
	return f, nil
}

func parseOptics(cfg *Config) (OpticsSection, error) {
	o := OpticsSection{Allowed: make(map[string][]string)}
	if sec := cfg.GetSectionOptional("lightsources"); sec != nil {
		var err error
		if o.Lightsources, err = sec.GetList("names", ","); err != nil {
			return o, err
		}
		if o.TemperatureControl, err = sec.GetBool("temperature_control", false); err != nil {
			return o, err
		}
	}
	known := make(map[string]bool, len(o.Lightsources))
	for _, ls := range o.Lightsources {
		known[ls] = true
	}
	for _, sec := range cfg.GetPrefixSections("filter ") {
		allowed, err := sec.GetList("allowed", ",")
		if err != nil {
			return o, err
		}
		for _, ls := range allowed {
			if !known[ls] {
				return o, ErrInvalidValue(sec.GetName(), "allowed", ls, "a name from [lightsources]")
			}
		}
		o.Allowed[sec.Suffix("filter ")] = allowed
	}
	return o, nil
}

// FilterNames returns the configured filter names, sorted.
func (o OpticsSection) FilterNames() []string {
	names := make([]string, 0, len(o.Allowed))
	for n := range o.Allowed {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ParseTaskSection reads the options shared by all task kinds.
func ParseTaskSection(name string, sec *Section) (TaskSection, error) {
	t := TaskSection{Name: name}
	var err error
	if t.Type, err = sec.Get("type"); err != nil {
		return t, err
	}
	t.Type = strings.ToLower(t.Type)
	if t.Plan, err = sec.Get("plan", ""); err != nil {
		return t, err
	}
	if t.Injections, err = sec.Get("injections", ""); err != nil {
		return t, err
	}
	if t.ROIs, err = sec.Get("rois", ""); err != nil {
		return t, err
	}
	if t.ROIFilter, err = sec.Get("roi_filter", "*"); err != nil {
		return t, err
	}
	if t.Requires, err = sec.GetList("requires", ",", nil); err != nil {
		return t, err
	}
	return t, nil
}
