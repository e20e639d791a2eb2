package memory

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/harvest-engineering/harvest-executor/internal/config"
)

var testRepo = config.RepoRef{Owner: "acme", Name: "webapp", Branch: "main"}

func TestEnsureSeeded_Once(t *testing.T) {
	s := NewStore(t.TempDir())

	seeded, err := s.EnsureSeeded(testRepo)
	if err != nil {
		t.Fatalf("EnsureSeeded() error = %v", err)
	}
	if !seeded {
		t.Fatal("first call should seed")
	}

	seeded, err = s.EnsureSeeded(testRepo)
	if err != nil {
		t.Fatalf("EnsureSeeded() second call error = %v", err)
	}
	if seeded {
		t.Error("second call must not seed again")
	}

	entities, err := s.Query(testRepo, Filter{})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	names := make(map[string]bool)
	for _, e := range entities {
		names[e.Name] = true
	}
	for _, want := range []string{"HarvestSession", "EnvironmentConfig", "GitWorkflow"} {
		if !names[want] {
			t.Errorf("seed entity %q missing", want)
		}
	}

	rels, err := s.Relations(testRepo)
	if err != nil {
		t.Fatalf("Relations() error = %v", err)
	}
	if len(rels) == 0 {
		t.Error("seed relations missing")
	}
}

func TestEnsureSeeded_ConcurrentSeedsOnce(t *testing.T) {
	s := NewStore(t.TempDir())

	var wg sync.WaitGroup
	var mu sync.Mutex
	seededCount := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seeded, err := s.EnsureSeeded(testRepo)
			if err != nil {
				t.Errorf("EnsureSeeded() error = %v", err)
				return
			}
			if seeded {
				mu.Lock()
				seededCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if seededCount != 1 {
		t.Errorf("seed happened %d times, want exactly 1", seededCount)
	}
}

func TestEnsureSeeded_PerRepoIsolation(t *testing.T) {
	s := NewStore(t.TempDir())
	other := config.RepoRef{Owner: "acme", Name: "api", Branch: "main"}

	if _, err := s.EnsureSeeded(testRepo); err != nil {
		t.Fatal(err)
	}
	seeded, err := s.EnsureSeeded(other)
	if err != nil {
		t.Fatal(err)
	}
	if !seeded {
		t.Error("a different repository must get its own seed")
	}
}

func TestAppendObservation_MergedOnRead(t *testing.T) {
	s := NewStore(t.TempDir())
	if _, err := s.EnsureSeeded(testRepo); err != nil {
		t.Fatal(err)
	}

	if err := s.AppendObservation(testRepo, "GitWorkflow", "Feature branches are named harvest/<topic>"); err != nil {
		t.Fatalf("AppendObservation() error = %v", err)
	}

	entities, err := s.Query(testRepo, Filter{NamePattern: "GitWorkflow"})
	if err != nil {
		t.Fatal(err)
	}
	if len(entities) != 1 {
		t.Fatalf("got %d entities, want 1", len(entities))
	}
	obs := entities[0].Observations
	if obs[len(obs)-1] != "Feature branches are named harvest/<topic>" {
		t.Errorf("appended observation not last, got %q", obs[len(obs)-1])
	}
	if entities[0].EntityType != "convention" {
		t.Errorf("entity type lost on merge: %q", entities[0].EntityType)
	}
}

func TestAppendObservation_NeverRewrites(t *testing.T) {
	s := NewStore(t.TempDir())
	if _, err := s.EnsureSeeded(testRepo); err != nil {
		t.Fatal(err)
	}
	path, err := s.Path(testRepo)
	if err != nil {
		t.Fatal(err)
	}
	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.AppendObservation(testRepo, "HarvestSession", SupersededMarker+" sessions no longer cap at one hour"); err != nil {
		t.Fatal(err)
	}

	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(after), string(before)) {
		t.Error("append rewrote existing records")
	}
	if lines := strings.Count(string(after), "\n"); lines != strings.Count(string(before), "\n")+1 {
		t.Errorf("append added %d lines, want 1", lines-strings.Count(string(before), "\n"))
	}
}

func TestQuery_Filters(t *testing.T) {
	s := NewStore(t.TempDir())
	if _, err := s.EnsureSeeded(testRepo); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"by type", Filter{EntityType: "convention"}, []string{"GitWorkflow"}},
		{"by pattern", Filter{NamePattern: "*Config"}, []string{"EnvironmentConfig"}},
		{"type and pattern", Filter{EntityType: "process", NamePattern: "Harvest*"}, []string{"HarvestSession"}},
		{"no match", Filter{EntityType: "missing"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Query(testRepo, tt.filter)
			if err != nil {
				t.Fatal(err)
			}
			var names []string
			for _, e := range got {
				names = append(names, e.Name)
			}
			if len(names) != len(tt.want) {
				t.Fatalf("got %v, want %v", names, tt.want)
			}
			for i := range names {
				if names[i] != tt.want[i] {
					t.Errorf("got %v, want %v", names, tt.want)
				}
			}
		})
	}
}

func TestQuery_MissingStoreIsEmpty(t *testing.T) {
	s := NewStore(t.TempDir())

	entities, err := s.Query(testRepo, Filter{})
	if err != nil {
		t.Fatalf("Query() on missing store error = %v", err)
	}
	if len(entities) != 0 {
		t.Errorf("got %d entities, want 0", len(entities))
	}
}

func TestStore_MalformedLineSkipped(t *testing.T) {
	s := NewStore(t.TempDir())
	if _, err := s.EnsureSeeded(testRepo); err != nil {
		t.Fatal(err)
	}
	path, _ := s.Path(testRepo)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("{not json\n")
	f.Close()

	entities, err := s.Query(testRepo, Filter{})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(entities) != 3 {
		t.Errorf("got %d entities, want 3 despite malformed line", len(entities))
	}
}

func TestPath_RejectsTraversal(t *testing.T) {
	base := t.TempDir()
	s := NewStore(base)

	p, err := s.Path(config.RepoRef{Owner: "..", Name: "etc"})
	if err != nil {
		return
	}
	rel, relErr := filepath.Rel(base, p)
	if relErr != nil || strings.HasPrefix(rel, "..") {
		t.Errorf("path %q escapes base %q", p, base)
	}
}
