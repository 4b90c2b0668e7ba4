package experiment

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"labcore/pkg/log"
)

// Library resolves document names against a directory and caches parsed
// documents until the file changes. A run takes its documents from the
// library at Start, so edits apply from the next run on.
type Library struct {
	dir string
	log *log.Logger

	mu         sync.Mutex
	plans      map[string]*Plan
	injections map[string]*Injections
	rois       map[string]*ROIList
}

// NewLibrary creates a library rooted at dir. Absolute names bypass dir.
func NewLibrary(dir string) *Library {
	return &Library{
		dir:        dir,
		log:        log.GetLogger("library"),
		plans:      make(map[string]*Plan),
		injections: make(map[string]*Injections),
		rois:       make(map[string]*ROIList),
	}
}

// Dir returns the library directory.
func (lib *Library) Dir() string { return lib.dir }

// Path resolves name to a file path.
func (lib *Library) Path(name string) string {
	if filepath.IsAbs(name) || lib.dir == "" {
		return filepath.Clean(name)
	}
	return filepath.Join(lib.dir, name)
}

// Plan returns the parsed plan file name.
func (lib *Library) Plan(name string) (*Plan, error) {
	return cached(lib, lib.plans, name, LoadPlan)
}

// Injections returns the parsed injections file name.
func (lib *Library) Injections(name string) (*Injections, error) {
	return cached(lib, lib.injections, name, LoadInjections)
}

// ROIs returns the parsed ROI list file name. The list is shared; callers
// that add ROIs must load their own copy with LoadROIList.
func (lib *Library) ROIs(name string) (*ROIList, error) {
	return cached(lib, lib.rois, name, LoadROIList)
}

func cached[T any](lib *Library, cache map[string]T, name string, load func(string) (T, error)) (T, error) {
	path := lib.Path(name)
	lib.mu.Lock()
	defer lib.mu.Unlock()
	if v, ok := cache[path]; ok {
		return v, nil
	}
	v, err := load(path)
	if err != nil {
		var zero T
		return zero, err
	}
	cache[path] = v
	return v, nil
}

// Invalidate drops cached documents read from path.
func (lib *Library) Invalidate(path string) {
	path = filepath.Clean(path)
	lib.mu.Lock()
	defer lib.mu.Unlock()
	delete(lib.plans, path)
	delete(lib.injections, path)
	delete(lib.rois, path)
}

// Watch invalidates cached documents when files in the library directory
// change, until ctx is done. onChange, if set, is called with every
// changed path after invalidation. Events are debounced because editors
// write files in several steps.
func (lib *Library) Watch(ctx context.Context, onChange func(path string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(lib.dir); err != nil {
		_ = watcher.Close()
		return err
	}

	go func() {
		defer func() { _ = watcher.Close() }()

		debounce := time.NewTimer(time.Hour)
		debounce.Stop()
		pending := make(map[string]struct{})

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				pending[filepath.Clean(event.Name)] = struct{}{}
				debounce.Reset(50 * time.Millisecond)

			case <-debounce.C:
				for path := range pending {
					lib.Invalidate(path)
					lib.log.Info("document changed: %s", path)
					if onChange != nil {
						onChange(path)
					}
				}
				pending = make(map[string]struct{})

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				lib.log.Warn("watch %s: %v", lib.dir, err)
			}
		}
	}()
	return nil
}
