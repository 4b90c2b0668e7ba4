package motion

import (
	"context"
	"fmt"
	"sync"

	"labcore/pkg/config"
	"labcore/pkg/device"
	"labcore/pkg/errors"
)

// Grid layouts of the probe rack.
const (
	GridCartesian = "cartesian"
	GridPolar     = "polar"
)

// GridIndex is a probe's position on the rack grid: (ix, iy) for cartesian
// racks, (ir, iphi) for polar ones.
type GridIndex struct {
	A, B int
}

// ProbeRack maps 1-based probe numbers to needle coordinates and moves the
// needle there through a Guard.
//
// Cartesian racks are filled column by column in serpentine order: probe 1
// is (0, 0), y runs up in even columns and down in odd ones. Polar racks
// vary the radius fastest: probe 1 is (0, 0), probe 2 (1, 0), and so on.
type ProbeRack struct {
	cfg   config.ProbeRackSection
	guard *Guard

	mu      sync.RWMutex
	originX float64
	originY float64
}

// NewProbeRack creates a rack from its configuration. The configured origin
// is used until SetOrigin is called.
func NewProbeRack(cfg config.ProbeRackSection, guard *Guard) (*ProbeRack, error) {
	switch cfg.Grid {
	case GridCartesian:
		if cfg.NumX <= 0 || cfg.NumY <= 0 {
			return nil, errors.ConfigurationError("probe rack needs num_x and num_y > 0")
		}
	case GridPolar:
		if cfg.NumR <= 0 || cfg.NumPhi <= 0 {
			return nil, errors.ConfigurationError("probe rack needs num_r and num_phi > 0")
		}
	default:
		return nil, errors.ConfigurationError(fmt.Sprintf("unknown probe rack grid %q", cfg.Grid))
	}
	return &ProbeRack{
		cfg:     cfg,
		guard:   guard,
		originX: cfg.OriginX,
		originY: cfg.OriginY,
	}, nil
}

// Capacity returns the number of probe positions.
func (r *ProbeRack) Capacity() int {
	if r.cfg.Grid == GridPolar {
		return r.cfg.NumR * r.cfg.NumPhi
	}
	return r.cfg.NumX * r.cfg.NumY
}

// Index returns the grid index of probe n.
func (r *ProbeRack) Index(n int) (GridIndex, error) {
	if n < 1 || n > r.Capacity() {
		return GridIndex{}, errors.ConfigurationError(fmt.Sprintf("probe %d outside rack (1..%d)", n, r.Capacity()))
	}
	k := n - 1
	if r.cfg.Grid == GridPolar {
		return GridIndex{A: k % r.cfg.NumR, B: k / r.cfg.NumR}, nil
	}
	ix, iy := k/r.cfg.NumY, k%r.cfg.NumY
	if ix%2 == 1 {
		iy = r.cfg.NumY - 1 - iy
	}
	return GridIndex{A: ix, B: iy}, nil
}

// SetOrigin places probe 1 at (x, y).
func (r *ProbeRack) SetOrigin(x, y float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.originX, r.originY = x, y
}

// Origin returns the position of probe 1.
func (r *ProbeRack) Origin() (x, y float64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.originX, r.originY
}

// Target returns the needle position for probe n at dip depth. For polar
// racks X is the radius and Y the angle in degrees, as the rotary stage
// expects them.
func (r *ProbeRack) Target(n int) (device.Position, error) {
	idx, err := r.Index(n)
	if err != nil {
		return device.Position{}, err
	}
	ox, oy := r.Origin()
	if r.cfg.Grid == GridPolar {
		return device.Position{
			X: float64(idx.A)*r.cfg.DeltaR + ox,
			Y: float64(idx.B)*r.cfg.DeltaPhi + oy,
			Z: r.cfg.DipZ,
		}, nil
	}
	return device.Position{
		X: float64(idx.A)*r.cfg.PitchX + ox,
		Y: float64(idx.B)*r.cfg.PitchY + oy,
		Z: r.cfg.DipZ,
	}, nil
}

// MoveToProbe dips the needle into probe n.
func (r *ProbeRack) MoveToProbe(ctx context.Context, n int) error {
	target, err := r.Target(n)
	if err != nil {
		return err
	}
	return r.guard.MoveTo(ctx, target)
}

// Park lifts the needle to the safety height above its current position.
func (r *ProbeRack) Park(ctx context.Context) error {
	return r.guard.MoveVertical(ctx, r.guard.SafetyHeight())
}
