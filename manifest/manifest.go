// Package manifest handles reforge.toml runtime configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Manifest represents a reforge.toml runtime configuration.
type Manifest struct {
	Tiering     Tiering     `toml:"tiering"`
	Rejit       Rejit       `toml:"rejit"`
	Persistence Persistence `toml:"persistence"`

	// Dir is the directory containing the reforge.toml file (set at load time).
	Dir string `toml:"-"`
}

// Tiering tunes the tiered-compilation policy.
type Tiering struct {
	// CallCountThreshold is the invocation count that marks a method hot.
	CallCountThreshold uint32 `toml:"call-count-threshold"`
	// WorkQuantumMS bounds one background callback's time slice, in
	// milliseconds.
	WorkQuantumMS int `toml:"work-quantum-ms"`
}

// Rejit tunes the recompilation coordinator.
type Rejit struct {
	// EntryWaitMS is the interval at which a thread waiting for another
	// thread's in-progress compilation re-checks for a published entry,
	// in milliseconds.
	EntryWaitMS int `toml:"entry-wait-ms"`
}

// Persistence configures the promotion profile store.
type Persistence struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Default returns a manifest with all tunables at their built-in values.
func Default() *Manifest {
	return &Manifest{
		Tiering: Tiering{
			CallCountThreshold: 30,
			WorkQuantumMS:      50,
		},
		Rejit: Rejit{
			EntryWaitMS: 50,
		},
		Persistence: Persistence{
			Path: "reforge-profile.db",
		},
	}
}

// Load parses a reforge.toml file from the given directory. A missing file
// is not an error: the defaults are returned.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, "reforge.toml")
	m := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		m.Dir, err = filepath.Abs(dir)
		if err != nil {
			return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
		}
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	// Defaults for values the file zeroed or omitted.
	if m.Tiering.CallCountThreshold == 0 {
		m.Tiering.CallCountThreshold = 30
	}
	if m.Tiering.WorkQuantumMS <= 0 {
		m.Tiering.WorkQuantumMS = 50
	}
	if m.Rejit.EntryWaitMS <= 0 {
		m.Rejit.EntryWaitMS = 50
	}

	return m, nil
}

// FindAndLoad walks up from startDir to find a reforge.toml file, then loads
// and returns the manifest. Returns the defaults if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, "reforge.toml")
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return Load(startDir)
		}
		dir = parent
	}
}

// WorkQuantum returns the tiering work quantum as a duration.
func (m *Manifest) WorkQuantum() time.Duration {
	return time.Duration(m.Tiering.WorkQuantumMS) * time.Millisecond
}

// EntryWait returns the rejit entry-wait interval as a duration.
func (m *Manifest) EntryWait() time.Duration {
	return time.Duration(m.Rejit.EntryWaitMS) * time.Millisecond
}

// ProfilePath returns the absolute path of the promotion profile database,
// or "" when persistence is disabled.
func (m *Manifest) ProfilePath() string {
	if !m.Persistence.Enabled {
		return ""
	}
	if filepath.IsAbs(m.Persistence.Path) {
		return m.Persistence.Path
	}
	return filepath.Join(m.Dir, m.Persistence.Path)
}
