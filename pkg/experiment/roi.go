package experiment

import (
	"fmt"
	"math"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"

	"labcore/pkg/device"
	"labcore/pkg/errors"
)

const roiPrefix = "ROI_"

// ROI is a named stage position.
type ROI struct {
	Name     string          `yaml:"name"`
	Position device.Position `yaml:"position"`
}

// ROIList is an ordered set of ROIs. Names are assigned automatically as
// ROI_001, ROI_002, ...; a number is never handed out twice, even after
// the ROI holding it was deleted.
type ROIList struct {
	mu   sync.RWMutex
	name string
	rois []ROI
	next int
}

// NewROIList creates an empty list.
func NewROIList(name string) *ROIList {
	return &ROIList{name: name, next: 1}
}

// Name returns the list name.
func (l *ROIList) Name() string { return l.name }

// Add appends a ROI at pos and returns its generated name.
func (l *ROIList) Add(pos device.Position) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	name := fmt.Sprintf("%s%03d", roiPrefix, l.next)
	l.next++
	l.rois = append(l.rois, ROI{Name: name, Position: pos})
	return name
}

// Delete removes the named ROI.
func (l *ROIList) Delete(name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := slices.IndexFunc(l.rois, func(r ROI) bool { return r.Name == name })
	if i < 0 {
		return errors.ConfigurationError(fmt.Sprintf("ROI %q not found", name))
	}
	l.rois = slices.Delete(l.rois, i, i+1)
	return nil
}

// Get returns the named ROI.
func (l *ROIList) Get(name string) (ROI, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, r := range l.rois {
		if r.Name == name {
			return r, true
		}
	}
	return ROI{}, false
}

// Len returns the number of ROIs.
func (l *ROIList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.rois)
}

// Items returns the ROIs in order.
func (l *ROIList) Items() []ROI {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.rois)
}

// Select returns the ROIs whose names match a glob pattern such as
// "ROI_00?" or "*". An empty pattern selects everything.
func (l *ROIList) Select(pattern string) ([]ROI, error) {
	if pattern == "" || pattern == "*" {
		return l.Items(), nil
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrConfiguration, fmt.Sprintf("invalid ROI pattern %q", pattern))
	}
	var out []ROI
	for _, r := range l.Items() {
		if g.Match(r.Name) {
			out = append(out, r)
		}
	}
	return out, nil
}

// Mosaic fills the bounding rectangle of corners with a serpentine grid of
// ROIs spaced by spacing, starting at the minimum corner. All tiles take
// the z of the first corner. It returns the names of the added ROIs.
func (l *ROIList) Mosaic(corners []device.Position, spacing float64) ([]string, error) {
	if len(corners) < 2 {
		return nil, errors.ConfigurationError("mosaic needs at least 2 corners")
	}
	if spacing <= 0 {
		return nil, errors.ConfigurationError("mosaic spacing must be > 0")
	}
	xmin, xmax := corners[0].X, corners[0].X
	ymin, ymax := corners[0].Y, corners[0].Y
	for _, c := range corners[1:] {
		xmin, xmax = math.Min(xmin, c.X), math.Max(xmax, c.X)
		ymin, ymax = math.Min(ymin, c.Y), math.Max(ymax, c.Y)
	}
	nx := tiles(xmax-xmin, spacing)
	ny := tiles(ymax-ymin, spacing)

	var names []string
	for _, idx := range SerpentineGrid(nx, ny) {
		names = append(names, l.Add(device.Position{
			X: xmin + float64(idx[0])*spacing,
			Y: ymin + float64(idx[1])*spacing,
			Z: corners[0].Z,
		}))
	}
	return names, nil
}

// CenteredMosaic adds an nx by ny serpentine grid centered on center.
func (l *ROIList) CenteredMosaic(center device.Position, nx, ny int, spacing float64) ([]string, error) {
	if nx < 1 || ny < 1 {
		return nil, errors.ConfigurationError("mosaic size must be at least 1x1")
	}
	if spacing <= 0 {
		return nil, errors.ConfigurationError("mosaic spacing must be > 0")
	}
	x0 := center.X - spacing*float64(nx-1)/2
	y0 := center.Y - spacing*float64(ny-1)/2
	var names []string
	for _, idx := range SerpentineGrid(nx, ny) {
		names = append(names, l.Add(device.Position{
			X: x0 + float64(idx[0])*spacing,
			Y: y0 + float64(idx[1])*spacing,
			Z: center.Z,
		}))
	}
	return names, nil
}

// tiles is the number of grid points covering width at spacing, both
// edges included. The epsilon keeps exact multiples from gaining a tile.
func tiles(width, spacing float64) int {
	return int(math.Ceil(width/spacing-1e-9)) + 1
}

// SerpentineGrid returns nx*ny grid indices row by row in y, with x
// running forward on even rows and backward on odd ones.
func SerpentineGrid(nx, ny int) [][2]int {
	out := make([][2]int, 0, nx*ny)
	for iy := 0; iy < ny; iy++ {
		for k := 0; k < nx; k++ {
			ix := k
			if iy%2 == 1 {
				ix = nx - 1 - k
			}
			out = append(out, [2]int{ix, iy})
		}
	}
	return out
}

type roiFile struct {
	Name string `yaml:"name"`
	ROIs []ROI  `yaml:"rois"`
}

// MarshalYAML writes the list as {name, rois}.
func (l *ROIList) MarshalYAML() (interface{}, error) {
	return roiFile{Name: l.name, ROIs: l.Items()}, nil
}

// ParseROIList reads a ROI list. Numbering resumes after the highest
// ROI_NNN present.
func ParseROIList(data []byte) (*ROIList, error) {
	var f roiFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, errors.ErrConfiguration, "parse ROI list")
	}
	l := NewROIList(f.Name)
	seen := make(map[string]bool, len(f.ROIs))
	for _, r := range f.ROIs {
		if r.Name == "" {
			return nil, errors.ConfigurationError("ROI without name")
		}
		if seen[r.Name] {
			return nil, errors.ConfigurationError(fmt.Sprintf("duplicate ROI %q", r.Name))
		}
		seen[r.Name] = true
		if n, err := strconv.Atoi(strings.TrimPrefix(r.Name, roiPrefix)); err == nil && n >= l.next {
			l.next = n + 1
		}
		l.rois = append(l.rois, r)
	}
	return l, nil
}

// LoadROIList reads a ROI list file.
func LoadROIList(path string) (*ROIList, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrConfiguration, "read ROI list")
	}
	return ParseROIList(data)
}

// Save writes the list to path.
func (l *ROIList) Save(path string) error {
	data, err := yaml.Marshal(l)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
