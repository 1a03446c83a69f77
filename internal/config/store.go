package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// Store owns the parameter file of one project. Stages read and mutate the
// Config it holds; nothing reaches disk until Persist.
type Store struct {
	path string
	cfg  Config
	meta toml.MetaData
}

// Load reads path strictly: unknown keys are rejected and the result must
// pass Validate.
func Load(path string) (*Store, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	cfg := Default()
	meta, err := toml.Decode(string(raw), &cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: config parse failed (%s): %v", ErrInvalid, path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("%w: unknown keys in %s: %s", ErrInvalid, path, strings.Join(keys, ", "))
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validate failed (%s): %w", path, err)
	}
	return &Store{path: path, cfg: cfg, meta: meta}, nil
}

// NewStore wraps an in-memory config that will be persisted to path.
func NewStore(path string, cfg Config) *Store {
	return &Store{path: path, cfg: cfg}
}

func (s *Store) Path() string { return s.path }

// Config returns the live config. Mutations are visible to later readers
// and are written by the next Persist.
func (s *Store) Config() *Config { return &s.cfg }

// Defined reports whether the loaded file set the key, e.g.
// Defined("clean", "noise").
func (s *Store) Defined(key ...string) bool {
	return s.meta.IsDefined(key...)
}

// Persist writes the config in one step: a temp file in the same directory
// renamed over the original.
func (s *Store) Persist() error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(s.cfg); err != nil {
		return fmt.Errorf("config encode failed: %w", err)
	}
	dir, base := filepath.Split(s.path)
	if dir == "" {
		dir = "."
	}
	tmp, err := os.CreateTemp(dir, "."+base+".tmp-*")
	if err != nil {
		return fmt.Errorf("config persist failed (%s): %w", s.path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("config persist failed (%s): %w", s.path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("config persist failed (%s): %w", s.path, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("config persist failed (%s): %w", s.path, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("config persist failed (%s): %w", s.path, err)
	}
	return nil
}

// BackupPath is the snapshot written after a successful stage.
func (s *Store) BackupPath() string {
	dir, base := filepath.Split(s.path)
	return filepath.Join(dir, "backup."+base)
}

// Backup copies the file as it is on disk into BackupPath.
func (s *Store) Backup() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("config backup failed (%s): %w", s.path, err)
	}
	if err := os.WriteFile(s.BackupPath(), raw, 0o644); err != nil {
		return fmt.Errorf("config backup failed (%s): %w", s.BackupPath(), err)
	}
	return nil
}

// Diff compares the file on disk with its backup. A missing backup yields
// no changes.
func (s *Store) Diff() ([]Change, error) {
	if _, err := os.Stat(s.BackupPath()); os.IsNotExist(err) {
		return nil, nil
	}
	return DiffFiles(s.BackupPath(), s.path)
}
