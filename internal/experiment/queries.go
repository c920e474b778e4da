package experiment

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/iishyfishyy/fewshot/internal/support"
)

// Query is one image of the query set. Ref is the file name, which must be
// unique across the set because ground truth is keyed by it.
type Query struct {
	Ref  string `json:"ref"`
	Path string `json:"path"`
}

// LoadQueries lists every image under dir, recursively, sorted by Ref.
// Hidden files and directories are skipped.
func LoadQueries(dir string) ([]Query, error) {
	seen := make(map[string]string)
	var out []Query

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if path != dir && strings.HasPrefix(name, ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !support.IsImage(name) {
			return nil
		}
		if prev, ok := seen[name]; ok {
			return fmt.Errorf("duplicate query image name %q: %s and %s", name, prev, path)
		}
		seen[name] = path
		out = append(out, Query{Ref: name, Path: path})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load query set: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("query set %s has no images", dir)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Ref < out[j].Ref })
	return out, nil
}
