// Package support reads the per-class support set and hands out deterministic
// shot tiers: the first N images of each class, in file-name order.
package support

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Mode selects how shot tiers are read from disk.
type Mode string

const (
	// Flat derives every tier from <root>/<class>/ by taking the first N images.
	Flat Mode = "flat"
	// Tiered reads pre-materialised <root>/shot_<N>/<class>/ folders verbatim.
	Tiered Mode = "tiered"

	tierPrefix = "shot_"

	// ManifestFileName sits next to materialised tiers and records how many
	// images each class had in the source set.
	ManifestFileName = "support.json"
)

// ErrEmptySupportSet is returned when the support directory holds no class with images.
var ErrEmptySupportSet = errors.New("support set has no classes")

// InsufficientSupportError reports that a class cannot supply a shot tier.
type InsufficientSupportError struct {
	Class     string
	Available int
	Requested int
}

func (e *InsufficientSupportError) Error() string {
	return fmt.Sprintf("insufficient support for class %q: %d images available, %d requested", e.Class, e.Available, e.Requested)
}

// Image is one support image. Ref does not depend on the tier folder it was read
// from, so embeddings are shared between tiers.
type Image struct {
	Ref  string
	Path string
}

// Store is a read-only view of a support directory.
type Store struct {
	root string
	mode Mode

	// flat: class -> sorted file names
	flat map[string][]string
	// tiered: shots -> class -> sorted file names
	tiers map[int]map[string][]string
	// tiered: class -> image count of the set the tiers were cut from
	supply map[string]int

	classes []string
}

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case Flat, Tiered:
		return Mode(s), nil
	case "":
		return Flat, nil
	default:
		return "", fmt.Errorf("unknown support mode %q", s)
	}
}

// Open scans root once. Hidden files and directories are ignored.
func Open(root string, mode Mode) (*Store, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to open support set: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("support set %s is not a directory", root)
	}

	s := &Store{root: root, mode: mode}
	switch mode {
	case Flat:
		s.flat, err = scanClasses(root)
		if err != nil {
			return nil, err
		}
		for class := range s.flat {
			s.classes = append(s.classes, class)
		}
	case Tiered:
		if err := s.scanTiers(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown support mode %q", mode)
	}

	if len(s.classes) == 0 {
		return nil, fmt.Errorf("%s: %w", root, ErrEmptySupportSet)
	}
	sort.Strings(s.classes)
	return s, nil
}

func (s *Store) scanTiers() error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("failed to read support set: %w", err)
	}

	s.tiers = make(map[int]map[string][]string)
	seen := make(map[string]bool)

	m, err := readManifest(filepath.Join(s.root, ManifestFileName))
	if err != nil {
		return err
	}
	s.supply = m.Classes
	for class := range m.Classes {
		seen[class] = true
		s.classes = append(s.classes, class)
	}

	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), tierPrefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(e.Name(), tierPrefix))
		if err != nil || n < 1 {
			continue
		}
		classes, err := scanClasses(filepath.Join(s.root, e.Name()))
		if err != nil {
			return err
		}
		s.tiers[n] = classes
		for class := range classes {
			if !seen[class] {
				seen[class] = true
				s.classes = append(s.classes, class)
			}
		}
	}
	return nil
}

// Root returns the support directory.
func (s *Store) Root() string { return s.root }

// Mode returns how tiers are read.
func (s *Store) Mode() Mode { return s.mode }

// Classes returns the class identifiers, sorted.
func (s *Store) Classes() []string {
	out := make([]string, len(s.classes))
	copy(out, s.classes)
	return out
}

// Available returns how many images a class can supply. In tiered mode this is
// the count recorded when the tiers were materialised, or the size of its
// largest tier folder when that is bigger.
func (s *Store) Available(class string) int {
	if s.mode == Flat {
		return len(s.flat[class])
	}
	best := s.supply[class]
	for _, classes := range s.tiers {
		best = max(best, len(classes[class]))
	}
	return best
}

// ImagesFor returns the first shots images of class. It never returns fewer
// than requested.
func (s *Store) ImagesFor(class string, shots int) ([]Image, error) {
	if shots < 1 {
		return nil, fmt.Errorf("shot count must be at least 1, got %d", shots)
	}

	dir, names := s.source(class, shots)
	if len(names) < shots {
		available := len(names)
		// a class short of the tier reports its whole supply; a tier that
		// simply was not materialised reports what its folder holds
		if s.mode == Tiered && s.Available(class) < shots {
			available = s.Available(class)
		}
		return nil, &InsufficientSupportError{Class: class, Available: available, Requested: shots}
	}

	out := make([]Image, shots)
	for i, name := range names[:shots] {
		out[i] = Image{
			Ref:  path.Join("support", class, name),
			Path: filepath.Join(dir, name),
		}
	}
	return out, nil
}

func (s *Store) source(class string, shots int) (string, []string) {
	if s.mode == Flat {
		return filepath.Join(s.root, class), s.flat[class]
	}
	return filepath.Join(s.root, tierPrefix+strconv.Itoa(shots), class), s.tiers[shots][class]
}

// Feasible lists the classes that cannot supply a shots-image tier. An empty
// result means the tier can be built.
func (s *Store) Feasible(shots int) []*InsufficientSupportError {
	var out []*InsufficientSupportError
	for _, class := range s.classes {
		_, err := s.ImagesFor(class, shots)
		var insufficient *InsufficientSupportError
		if errors.As(err, &insufficient) {
			out = append(out, insufficient)
		}
	}
	return out
}

// Materialize copies each tier into dest/shot_<N>/<class>/ so that a later run
// can read it in Tiered mode. Existing shot_<N> folders are replaced. Classes
// that cannot supply a tier are skipped and reported in the returned error;
// everything else is still written, along with a support.json manifest.
func (s *Store) Materialize(dest string, tiers []int) error {
	if s.mode == Tiered && filepath.Clean(dest) == filepath.Clean(s.root) {
		return fmt.Errorf("cannot materialise tiers over their own source %s", dest)
	}
	if err := os.MkdirAll(dest, 0755); err != nil {
		return fmt.Errorf("failed to create tier directory: %w", err)
	}

	m := manifest{Source: s.root, Classes: make(map[string]int, len(s.classes))}
	for _, class := range s.classes {
		m.Classes[class] = s.Available(class)
	}
	if err := writeManifest(filepath.Join(dest, ManifestFileName), m); err != nil {
		return err
	}

	var errs []error
	for _, shots := range tiers {
		tierDir := filepath.Join(dest, tierPrefix+strconv.Itoa(shots))
		if err := os.RemoveAll(tierDir); err != nil {
			return fmt.Errorf("failed to clear %s: %w", tierDir, err)
		}
		for _, class := range s.classes {
			images, err := s.ImagesFor(class, shots)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			dir := filepath.Join(tierDir, class)
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("failed to create tier directory: %w", err)
			}
			for _, img := range images {
				if err := CopyFile(img.Path, filepath.Join(dir, filepath.Base(img.Path))); err != nil {
					return err
				}
			}
		}
	}
	return errors.Join(errs...)
}

type manifest struct {
	Source  string         `json:"source"`
	Classes map[string]int `json:"classes"`
}

// readManifest returns an empty manifest when the file does not exist, so
// hand-made tier folders still open.
func readManifest(path string) (manifest, error) {
	var m manifest
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return m, fmt.Errorf("failed to read support manifest: %w", err)
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("failed to parse support manifest %s: %w", path, err)
	}
	return m, nil
}

func writeManifest(path string, m manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal support manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write support manifest: %w", err)
	}
	return nil
}

func scanClasses(root string) (map[string][]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", root, err)
	}

	classes := make(map[string][]string)
	for _, e := range entries {
		if !e.IsDir() || isHidden(e.Name()) || strings.HasPrefix(e.Name(), tierPrefix) {
			continue
		}
		names, err := ImageFiles(filepath.Join(root, e.Name()))
		if err != nil {
			return nil, err
		}
		if len(names) > 0 {
			classes[e.Name()] = names
		}
	}
	return classes, nil
}

// ImageFiles lists the image file names directly inside dir, sorted.
func ImageFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || isHidden(e.Name()) || !IsImage(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// IsImage reports whether name has a supported image extension.
func IsImage(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png", ".jpg", ".jpeg", ".gif":
		return true
	default:
		return false
	}
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

// CopyFile copies src to dst and keeps the modification time, so cached
// embeddings of the source stay valid for the copy.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return err
	}

	info, err := in.Stat()
	if err != nil {
		return err
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}
