package experiment

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/gomega"
)

func TestLibraryCachesAndReloads(t *testing.T) {
	g := NewWithT(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "scan.yaml")
	g.Expect(os.WriteFile(path, []byte("- {lightsource: a, intensity_percent: 10}\n"), 0o644)).To(Succeed())

	lib := NewLibrary(dir)
	p1, err := lib.Plan("scan.yaml")
	g.Expect(err).NotTo(HaveOccurred())
	p2, _ := lib.Plan("scan.yaml")
	g.Expect(p2).To(BeIdenticalTo(p1))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changed := make(chan string, 4)
	g.Expect(lib.Watch(ctx, func(p string) { changed <- p })).To(Succeed())

	g.Expect(os.WriteFile(path, []byte("- {lightsource: b, intensity_percent: 20}\n- {lightsource: c, intensity_percent: 30}\n"), 0o644)).To(Succeed())
	g.Eventually(changed, 2*time.Second).Should(Receive(Equal(path)))

	p3, err := lib.Plan("scan.yaml")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(p3.Len()).To(Equal(2))
	g.Expect(p1.Len()).To(Equal(1))
}

func TestLibraryMissingFile(t *testing.T) {
	lib := NewLibrary(t.TempDir())
	if _, err := lib.Plan("nope.yaml"); err == nil {
		t.Error("missing plan accepted")
	}
	if _, err := lib.Injections("nope.yaml"); err == nil {
		t.Error("missing injections accepted")
	}
	if _, err := lib.ROIs("nope.yaml"); err == nil {
		t.Error("missing ROI list accepted")
	}
}
