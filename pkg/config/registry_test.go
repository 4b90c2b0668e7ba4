package config

import (
	"errors"
	"strings"
	"testing"
)

type builtTask struct {
	name, kind string
}

func newTaskRegistry() *Registry[builtTask] {
	r := NewRegistry[builtTask]("task ", "type")
	r.Register("scan", func(name string, sec *Section) (builtTask, error) {
		return builtTask{name, "scan"}, nil
	})
	r.Register("him", func(name string, sec *Section) (builtTask, error) {
		if _, err := sec.Get("injections"); err != nil {
			return builtTask{}, err
		}
		return builtTask{name, "him"}, nil
	})
	return r
}

func TestRegistryLoadInFileOrder(t *testing.T) {
	cfg, _ := LoadString(`
[task Scan]
type: scan
[safety]
safety_height: 1
[task HiM]
type: HIM
injections: inj.yaml
`)
	tasks, err := newTaskRegistry().Load(cfg)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("got %d tasks", len(tasks))
	}
	if tasks[0] != (builtTask{"Scan", "scan"}) || tasks[1] != (builtTask{"HiM", "him"}) {
		t.Errorf("tasks = %+v", tasks)
	}
}

func TestRegistryUnknownKind(t *testing.T) {
	cfg, _ := LoadString("[task X]\ntype: sorting\n")
	_, err := newTaskRegistry().Load(cfg)
	var ce *ConfigError
	if !errors.As(err, &ce) || ce.Option != "type" {
		t.Fatalf("expected ConfigError on type, got %v", err)
	}
}

func TestRegistryFactoryError(t *testing.T) {
	cfg, _ := LoadString("[task HiM]\ntype: him\n")
	_, err := newTaskRegistry().Load(cfg)
	if err == nil || !strings.Contains(err.Error(), "[task HiM]") {
		t.Fatalf("expected wrapped factory error, got %v", err)
	}
}

func TestRegistryKinds(t *testing.T) {
	if got := strings.Join(newTaskRegistry().Kinds(), ","); got != "him,scan" {
		t.Errorf("Kinds = %s", got)
	}
}
