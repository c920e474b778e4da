package groundtruth

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/iishyfishyy/fewshot/internal/classify"
)

func preds(pairs ...string) []classify.Prediction {
	var out []classify.Prediction
	for i := 0; i < len(pairs); i += 2 {
		out = append(out, classify.Prediction{Ref: pairs[i], Label: pairs[i+1]})
	}
	return out
}

func TestStoreOverrides(t *testing.T) {
	s := NewStore()
	s.Seed(preds("a.png", "cat", "b.png", "dog", "c.png", classify.Unknown), Source{Run: "r1", Cell: "k"})

	s.Set("b.png", "cat")
	s.Set("c.png", "dog")
	s.Set("a.png", "cat") // same as seed: no override

	if got, _ := s.Label("b.png"); got != "cat" {
		t.Errorf("Label(b.png) = %q, want cat", got)
	}
	if _, ok := s.Label("zzz.png"); ok {
		t.Error("Label(zzz.png) should be missing")
	}
	want := Labels{"b.png": "cat", "c.png": "dog"}
	if got := s.Overrides(); !reflect.DeepEqual(got, want) {
		t.Errorf("Overrides() = %v, want %v", got, want)
	}

	// reverting removes the override
	s.Set("c.png", classify.Unknown)
	if _, ok := s.Overrides()["c.png"]; ok {
		t.Error("reverted override still present")
	}

	diff := s.Diff(preds("a.png", "cat", "b.png", "dog", "c.png", "cat", "new.png", "dog"))
	wantDiff := []Change{
		{Ref: "b.png", Predicted: "dog", Truth: "cat"},
		{Ref: "c.png", Predicted: "cat", Truth: classify.Unknown},
	}
	if !reflect.DeepEqual(diff, wantDiff) {
		t.Errorf("Diff() = %+v, want %+v", diff, wantDiff)
	}
}

func TestSeedDropsOverrides(t *testing.T) {
	s := NewStore()
	s.Seed(preds("a.png", "cat"), Source{})
	s.Set("a.png", "dog")
	s.Seed(preds("a.png", "cat"), Source{})
	if len(s.Overrides()) != 0 {
		t.Errorf("Overrides() after reseed = %v", s.Overrides())
	}
}

func TestWriteAndLoadFile(t *testing.T) {
	s := NewStore()
	s.Seed(preds("a.png", "cat", "b.png", "dog"), Source{Run: "run-1", Cell: "resnet50_shots-5_thr-0.70"})
	s.Set("b.png", "cat")

	path := filepath.Join(t.TempDir(), FileName)
	if err := s.WriteJSON(path); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !reflect.DeepEqual(loaded.Labels(), s.Labels()) {
		t.Errorf("Labels() = %v, want %v", loaded.Labels(), s.Labels())
	}
	if loaded.Source.Cell != "resnet50_shots-5_thr-0.70" {
		t.Errorf("Source = %+v", loaded.Source)
	}
}

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadFolderLayout(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "cat", "a.png"))
	touch(t, filepath.Join(dir, "dog", "b.jpg"))
	touch(t, filepath.Join(dir, "unknown", "c.png"))
	touch(t, filepath.Join(dir, "dog", ".hidden.png"))
	touch(t, filepath.Join(dir, "README.txt"))

	s, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	want := Labels{"a.png": "cat", "b.jpg": "dog", "c.png": classify.Unknown}
	if got := s.Labels(); !reflect.DeepEqual(got, want) {
		t.Errorf("Labels() = %v, want %v", got, want)
	}
	if got := s.Labels().Refs(); !reflect.DeepEqual(got, []string{"a.png", "b.jpg", "c.png"}) {
		t.Errorf("Refs() = %v", got)
	}
}

func TestClassesIncludesEmptyFolders(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "cat", "a.png"))
	touch(t, filepath.Join(dir, "unknown", "b.png"))
	touch(t, filepath.Join(dir, FileName))
	for _, d := range []string{"eel", ".tmp-draft"} {
		if err := os.MkdirAll(filepath.Join(dir, d), 0755); err != nil {
			t.Fatal(err)
		}
	}

	got, err := Classes(dir)
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"cat", "eel"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Classes() = %v, want %v", got, want)
	}
}

func TestLoadDraftShowsMovesAsOverrides(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "cat", "a.png"))
	touch(t, filepath.Join(dir, "dog", "b.png"))

	seed := NewStore()
	seed.Seed(preds("a.png", "cat", "b.png", "dog"), Source{Cell: "k"})
	if err := seed.WriteJSON(filepath.Join(dir, FileName)); err != nil {
		t.Fatal(err)
	}

	if err := Move(dir, "b.png", "dog", "cat"); err != nil {
		t.Fatalf("Move() error = %v", err)
	}

	s, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if got := s.Overrides(); !reflect.DeepEqual(got, Labels{"b.png": "cat"}) {
		t.Errorf("Overrides() = %v", got)
	}
	if s.Source.Cell != "k" {
		t.Errorf("Source lost: %+v", s.Source)
	}

	if err := Move(dir, "missing.png", "dog", "cat"); err == nil {
		t.Error("Move() of missing image should fail")
	}
}

func TestLoadRejectsDuplicateNames(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "cat", "a.png"))
	touch(t, filepath.Join(dir, "dog", "a.png"))
	if _, err := Load(dir); err == nil {
		t.Fatal("expected error for image filed twice")
	}
}

func TestLoadEmptyDir(t *testing.T) {
	if _, err := Load(t.TempDir()); err == nil {
		t.Fatal("expected error for empty ground truth directory")
	}
}
