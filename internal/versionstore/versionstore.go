// Package versionstore persists and recovers the latest-known-good image
// tags per tracked image across supervisor restarts.
package versionstore

import (
	"fmt"
	"os"

	"github.com/Will-Luck/fblaster/internal/imageref"
	"github.com/moby/sys/atomicwriter"
	"gopkg.in/yaml.v3"
)

// ErrInvalidVersionFile is wrapped by every malformed version store.
var ErrInvalidVersionFile = fmt.Errorf("invalid version store")

// entry is the on-disk shape of one version store record.
type entry struct {
	Registry string `yaml:"registry"`
	Image    string `yaml:"image"`
	Tag      string `yaml:"tag"`
}

// Load reads the version store at path. A missing file is not an error: it
// returns (nil, false, nil), signalling callers to fall back to the
// manifest's own tags.
func Load(path string) ([]imageref.Ref, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%w: read %s: %v", ErrInvalidVersionFile, path, err)
	}

	var entries []entry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, false, fmt.Errorf("%w: parse %s: %v", ErrInvalidVersionFile, path, err)
	}

	refs := make([]imageref.Ref, len(entries))
	for i, e := range entries {
		if e.Registry == "" || e.Image == "" || e.Tag == "" {
			return nil, false, fmt.Errorf("%w: %s entry %d missing registry/image/tag", ErrInvalidVersionFile, path, i)
		}
		refs[i] = imageref.Ref{Registry: e.Registry, Image: e.Image, Tag: e.Tag}
	}
	return refs, true, nil
}

// Reconcile replaces each initial ref's tag with the loaded tag when
// (registry, image) matches. It never introduces tracked images beyond
// initial.
func Reconcile(initial, loaded []imageref.Ref) []imageref.Ref {
	byKey := make(map[string]imageref.Ref, len(loaded))
	for _, r := range loaded {
		byKey[r.Key()] = r
	}

	out := make([]imageref.Ref, len(initial))
	for i, r := range initial {
		if found, ok := byKey[r.Key()]; ok {
			out[i] = imageref.Ref{Registry: r.Registry, Image: r.Image, Tag: found.Tag}
		} else {
			out[i] = r
		}
	}
	return out
}

// Save atomically writes refs to path, one entry per tracked image.
func Save(path string, refs []imageref.Ref) error {
	entries := make([]entry, len(refs))
	for i, r := range refs {
		entries[i] = entry{Registry: r.Registry, Image: r.Image, Tag: r.Tag}
	}
	data, err := yaml.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal version store: %w", err)
	}
	return atomicwriter.WriteFile(path, data, 0o644)
}
