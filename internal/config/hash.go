package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// ChecksumFile is the manifest name written next to the config file.
const ChecksumFile = ".checksums"

const manifestVersion = 1

// ErrNoChecksums means the config directory has no manifest yet.
var ErrNoChecksums = errors.New("checksums file not found (run 'cobalt config lock')")

// MismatchError reports a locked file whose contents changed.
type MismatchError struct {
	File     string
	Expected string
	Actual   string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%s changed since 'cobalt config lock' (expected %.12s, got %.12s)",
		e.File, e.Expected, e.Actual)
}

// LockedFile is one entry of a lock report.
type LockedFile struct {
	Filename string
	Path     string
	Exists   bool
	Hash     string
}

// LockReport describes what Lock hashed and whether the manifest was written.
type LockReport struct {
	ConfigDir    string
	ChecksumPath string
	Written      bool
	Files        []LockedFile
}

// HashFile returns the hex BLAKE3-256 digest of a file.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", filepath.Base(path), err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Lock hashes files in configDir and, unless dryRun, writes the manifest.
// Missing files are reported and left out of the manifest.
func Lock(configDir string, files []string, dryRun bool) (*LockReport, error) {
	manifest := ChecksumManifest{
		Version:     manifestVersion,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Hashes:      make(map[string]string, len(files)),
	}
	report := &LockReport{
		ConfigDir:    configDir,
		ChecksumPath: filepath.Join(configDir, ChecksumFile),
	}

	for _, name := range files {
		entry := LockedFile{Filename: name, Path: filepath.Join(configDir, name)}
		if _, err := os.Stat(entry.Path); errors.Is(err, os.ErrNotExist) {
			report.Files = append(report.Files, entry)
			continue
		}
		hash, err := HashFile(entry.Path)
		if err != nil {
			return nil, err
		}
		entry.Exists, entry.Hash = true, hash
		manifest.Hashes[name] = hash
		report.Files = append(report.Files, entry)
	}

	if dryRun {
		return report, nil
	}

	data, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("marshal checksums: %w", err)
	}
	if err := os.WriteFile(report.ChecksumPath, data, 0o600); err != nil {
		return nil, fmt.Errorf("write checksums: %w", err)
	}
	report.Written = true
	return report, nil
}

// ReadManifest loads the manifest from configDir.
func ReadManifest(configDir string) (*ChecksumManifest, error) {
	data, err := os.ReadFile(filepath.Join(configDir, ChecksumFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoChecksums
	}
	if err != nil {
		return nil, fmt.Errorf("read checksums: %w", err)
	}

	var m ChecksumManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse checksums: %w", err)
	}
	if m.Version != manifestVersion {
		return nil, fmt.Errorf("unsupported checksums version: %d", m.Version)
	}
	return &m, nil
}

// Verify requires every listed file to be in the manifest and every manifest
// entry to match the file on disk.
func Verify(configDir string, files []string) error {
	m, err := ReadManifest(configDir)
	if err != nil {
		return err
	}
	for _, name := range files {
		if _, ok := m.Hashes[name]; !ok {
			return fmt.Errorf("%s has no hash in checksums (run 'cobalt config lock')", name)
		}
	}
	for _, name := range slices.Sorted(maps.Keys(m.Hashes)) {
		actual, err := HashFile(filepath.Join(configDir, name))
		if err != nil {
			return err
		}
		if actual != m.Hashes[name] {
			return &MismatchError{File: name, Expected: m.Hashes[name], Actual: actual}
		}
	}
	return nil
}

// verifyIfLocked enforces the manifest only when one exists.
func verifyIfLocked(configPath string) error {
	err := Verify(filepath.Dir(configPath), []string{filepath.Base(configPath)})
	if errors.Is(err, ErrNoChecksums) {
		return nil
	}
	return err
}
