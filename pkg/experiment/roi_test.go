package experiment

import (
	"path/filepath"
	"testing"

	"labcore/pkg/device"
)

func TestROINamingNeverReuses(t *testing.T) {
	l := NewROIList("slide")
	a := l.Add(device.Position{X: 1})
	b := l.Add(device.Position{X: 2})
	if a != "ROI_001" || b != "ROI_002" {
		t.Fatalf("names = %s, %s", a, b)
	}
	if err := l.Delete(b); err != nil {
		t.Fatal(err)
	}
	if c := l.Add(device.Position{X: 3}); c != "ROI_003" {
		t.Errorf("after delete got %s, want ROI_003", c)
	}
	if err := l.Delete("ROI_999"); err == nil {
		t.Error("deleting unknown ROI should fail")
	}
	if l.Len() != 2 {
		t.Errorf("len = %d", l.Len())
	}
}

func TestMosaicFiveByFive(t *testing.T) {
	l := NewROIList("mosaic")
	names, err := l.Mosaic([]device.Position{{X: 0, Y: 0}, {X: 100, Y: 100}}, 25)
	if err != nil {
		t.Fatalf("Mosaic: %v", err)
	}
	if len(names) != 25 {
		t.Fatalf("got %d ROIs, want 25", len(names))
	}

	xs := map[float64]int{}
	ys := map[float64]int{}
	for _, r := range l.Items() {
		xs[r.Position.X]++
		ys[r.Position.Y]++
	}
	for _, v := range []float64{0, 25, 50, 75, 100} {
		if xs[v] != 5 || ys[v] != 5 {
			t.Errorf("coordinate %v: %d xs, %d ys, want 5 each", v, xs[v], ys[v])
		}
	}

	items := l.Items()
	if items[0].Position != (device.Position{X: 0, Y: 0}) {
		t.Errorf("first tile = %v", items[0].Position)
	}
	// second row runs backward
	if items[5].Position != (device.Position{X: 100, Y: 25}) {
		t.Errorf("tile 6 = %v", items[5].Position)
	}
}

func TestMosaicRoundsUp(t *testing.T) {
	l := NewROIList("m")
	names, err := l.Mosaic([]device.Position{{X: 10, Y: 0, Z: 3}, {X: 0, Y: 30}, {X: 5, Y: 5}}, 20)
	if err != nil {
		t.Fatal(err)
	}
	// width 10 -> 2 tiles, height 30 -> 3 tiles
	if len(names) != 6 {
		t.Errorf("got %d tiles, want 6", len(names))
	}
	for _, r := range l.Items() {
		if r.Position.Z != 3 {
			t.Errorf("tile z = %v, want first corner z", r.Position.Z)
		}
	}
}

func TestMosaicRejects(t *testing.T) {
	l := NewROIList("m")
	if _, err := l.Mosaic([]device.Position{{}}, 10); err == nil {
		t.Error("single corner accepted")
	}
	if _, err := l.Mosaic([]device.Position{{}, {X: 1}}, 0); err == nil {
		t.Error("zero spacing accepted")
	}
}

func TestCenteredMosaic(t *testing.T) {
	l := NewROIList("c")
	if _, err := l.CenteredMosaic(device.Position{X: 50, Y: 50}, 3, 2, 10); err != nil {
		t.Fatal(err)
	}
	items := l.Items()
	if len(items) != 6 {
		t.Fatalf("len = %d", len(items))
	}
	if items[0].Position.X != 40 || items[0].Position.Y != 45 {
		t.Errorf("first = %v", items[0].Position)
	}
}

func TestSelect(t *testing.T) {
	l := NewROIList("s")
	for i := 0; i < 12; i++ {
		l.Add(device.Position{X: float64(i)})
	}
	got, err := l.Select("ROI_00?")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 9 {
		t.Errorf("ROI_00? matched %d, want 9", len(got))
	}
	all, _ := l.Select("*")
	if len(all) != 12 {
		t.Errorf("* matched %d", len(all))
	}
	if _, err := l.Select("ROI_[0"); err == nil {
		t.Error("bad pattern accepted")
	}
}

func TestROIListSaveLoad(t *testing.T) {
	l := NewROIList("saved")
	l.Add(device.Position{X: 1, Y: 2, Z: 3})
	l.Add(device.Position{X: 4, Y: 5, Z: 6})
	l.Add(device.Position{X: 7, Y: 8, Z: 9})
	_ = l.Delete("ROI_003")

	path := filepath.Join(t.TempDir(), "rois.yaml")
	if err := l.Save(path); err != nil {
		t.Fatal(err)
	}
	back, err := LoadROIList(path)
	if err != nil {
		t.Fatal(err)
	}
	if back.Name() != "saved" || back.Len() != 2 {
		t.Fatalf("loaded %s with %d ROIs", back.Name(), back.Len())
	}
	if r, ok := back.Get("ROI_002"); !ok || r.Position != (device.Position{X: 4, Y: 5, Z: 6}) {
		t.Errorf("ROI_002 = %+v, %v", r, ok)
	}
	if n := back.Add(device.Position{}); n != "ROI_003" {
		t.Errorf("numbering resumed at %s", n)
	}
}
