// Package backup keeps generations of the live files an update replaces so
// that they can be restored later.
package backup

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/renameio"
	"github.com/lxc/incus/v6/shared/revert"
	"golang.org/x/sys/unix"

	"github.com/rexos/rexos-updated/api/updates"
	"github.com/rexos/rexos-updated/internal/util"
)

const (
	// ManifestName is the name of the manifest stored in each generation.
	ManifestName = "backup-manifest.json"

	filesDir        = "files"
	timestampFormat = "20060102-150405.000000000"
)

// Manifest describes what a backup generation holds.
type Manifest struct {
	Timestamp       time.Time `json:"timestamp"`
	Version         string    `json:"version"`
	PreviousVersion string    `json:"previous_version"`

	// Files lists the paths, relative to the root, captured in the generation.
	Files []string `json:"files"`

	// Created lists the paths that didn't exist when the backup was taken.
	Created []string `json:"created"`
}

// Generation is a single backup on disk.
type Generation struct {
	Name     string   `json:"name"`
	Path     string   `json:"-"`
	Manifest Manifest `json:"manifest"`
}

// Store manages a ring of backup generations under a directory.
type Store struct {
	dir         string
	generations int
}

// NewStore returns a Store keeping up to generations backups in dir.
func NewStore(dir string, generations int) *Store {
	if generations < 1 {
		generations = 1
	}

	return &Store{dir: dir, generations: generations}
}

// Dir returns the directory holding the generations.
func (s *Store) Dir() string {
	return s.dir
}

// Create captures the current content of paths under root into a new
// generation made ahead of installing version, then prunes old generations.
func (s *Store) Create(root string, version string, previousVersion string, paths []string) (*Generation, error) {
	now := time.Now().UTC()
	name := now.Format(timestampFormat) + "-" + strings.ReplaceAll(version, "/", "_")
	genPath := filepath.Join(s.dir, name)

	err := os.MkdirAll(genPath, 0o700)
	if err != nil {
		return nil, err
	}

	reverter := revert.New()
	defer reverter.Fail()

	reverter.Add(func() { _ = os.RemoveAll(genPath) })

	manifest := Manifest{
		Timestamp:       now,
		Version:         version,
		PreviousVersion: previousVersion,
		Files:           []string{},
		Created:         []string{},
	}

	seen := map[string]bool{}

	for _, p := range paths {
		rel := updates.CleanPath(p)
		if rel == "" || seen[rel] {
			continue
		}

		seen[rel] = true

		live := filepath.Join(root, rel)

		info, err := os.Lstat(live)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				manifest.Created = append(manifest.Created, rel)
				manifest.Created = append(manifest.Created, missingParents(root, rel, seen)...)

				continue
			}

			return nil, err
		}

		if info.IsDir() {
			err = captureTree(root, rel, filepath.Join(genPath, filesDir), seen, &manifest)
			if err != nil {
				return nil, err
			}

			continue
		}

		err = util.CopyFile(live, filepath.Join(genPath, filesDir, rel))
		if err != nil {
			return nil, fmt.Errorf("failed to back up %q: %w", rel, err)
		}

		manifest.Files = append(manifest.Files, rel)
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBackupManifest, err)
	}

	err = renameio.WriteFile(filepath.Join(genPath, ManifestName), data, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBackupManifest, err)
	}

	slog.Info("Backup created", "generation", name, "files", len(manifest.Files), "created", len(manifest.Created))

	reverter.Success()

	err = s.prune()
	if err != nil {
		slog.Warn("Failed to prune old backups", "err", err)
	}

	return &Generation{Name: name, Path: genPath, Manifest: manifest}, nil
}

// List returns the valid generations, oldest first.
func (s *Store) List() ([]Generation, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []Generation{}, nil
		}

		return nil, err
	}

	ret := []Generation{}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		gen, err := s.load(entry.Name())
		if err != nil {
			slog.Warn("Skipping unreadable backup", "generation", entry.Name(), "err", err)

			continue
		}

		ret = append(ret, *gen)
	}

	slices.SortFunc(ret, func(a Generation, b Generation) int {
		return a.Manifest.Timestamp.Compare(b.Manifest.Timestamp)
	})

	return ret, nil
}

// Latest returns the most recent generation.
func (s *Store) Latest() (*Generation, error) {
	gens, err := s.List()
	if err != nil {
		return nil, err
	}

	if len(gens) == 0 {
		return nil, ErrNoBackup
	}

	return &gens[len(gens)-1], nil
}

// Restore copies every file recorded in the generation back under root and
// deletes the paths the update had created.
func (s *Store) Restore(root string, gen *Generation) error {
	if gen == nil {
		return ErrNoBackup
	}

	for _, rel := range gen.Manifest.Files {
		err := util.CopyFile(filepath.Join(gen.Path, filesDir, rel), filepath.Join(root, rel))
		if err != nil {
			return fmt.Errorf("failed to restore %q: %w", rel, err)
		}
	}

	// Children go before the directories holding them.
	created := slices.Clone(gen.Manifest.Created)
	slices.SortFunc(created, func(a string, b string) int {
		depth := strings.Count(b, "/") - strings.Count(a, "/")
		if depth != 0 {
			return depth
		}

		return strings.Compare(b, a)
	})

	for _, rel := range created {
		err := os.Remove(filepath.Join(root, rel))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			if errors.Is(err, unix.ENOTEMPTY) || errors.Is(err, unix.EEXIST) {
				slog.Warn("Keeping non-empty directory", "path", rel)

				continue
			}

			return fmt.Errorf("failed to remove %q: %w", rel, err)
		}
	}

	slog.Info("Backup restored", "generation", gen.Name, "version", gen.Manifest.PreviousVersion)

	return nil
}

// captureTree copies the directory rel and everything below it into dest.
// Directories are recorded before their content so a restore recreates them
// first.
func captureTree(root string, rel string, dest string, seen map[string]bool, manifest *Manifest) error {
	return filepath.WalkDir(filepath.Join(root, rel), func(walked string, _ fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		sub, err := filepath.Rel(root, walked)
		if err != nil {
			return err
		}

		sub = filepath.ToSlash(sub)
		if sub != rel && seen[sub] {
			return nil
		}

		seen[sub] = true

		err = util.CopyFile(walked, filepath.Join(dest, sub))
		if err != nil {
			return fmt.Errorf("failed to back up %q: %w", sub, err)
		}

		manifest.Files = append(manifest.Files, sub)

		return nil
	})
}

// missingParents returns the parent directories of rel that don't exist
// under root and weren't recorded yet.
func missingParents(root string, rel string, seen map[string]bool) []string {
	ret := []string{}

	for parent := path.Dir(rel); parent != "." && parent != "/"; parent = path.Dir(parent) {
		if seen[parent] || util.PathExists(filepath.Join(root, parent)) {
			break
		}

		seen[parent] = true
		ret = append(ret, parent)
	}

	return ret
}

// Delete removes a generation.
func (s *Store) Delete(gen *Generation) error {
	if gen == nil {
		return ErrNoBackup
	}

	return os.RemoveAll(gen.Path)
}

func (s *Store) load(name string) (*Generation, error) {
	genPath := filepath.Join(s.dir, name)

	data, err := os.ReadFile(filepath.Join(genPath, ManifestName)) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBackupManifest, err)
	}

	gen := &Generation{Name: name, Path: genPath}

	err = json.Unmarshal(data, &gen.Manifest)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBackupManifest, err)
	}

	// Never follow paths that would leave the root.
	for _, rel := range slices.Concat(gen.Manifest.Files, gen.Manifest.Created) {
		if !updates.IsSafePath(rel) {
			return nil, fmt.Errorf("%w: unsafe path %q", ErrBackupManifest, rel)
		}
	}

	return gen, nil
}

// prune drops the oldest generations beyond the ring size.
func (s *Store) prune() error {
	gens, err := s.List()
	if err != nil {
		return err
	}

	for len(gens) > s.generations {
		slog.Info("Removing old backup", "generation", gens[0].Name)

		err = os.RemoveAll(gens[0].Path)
		if err != nil {
			return err
		}

		gens = gens[1:]
	}

	return nil
}
