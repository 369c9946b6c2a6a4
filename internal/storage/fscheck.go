package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNetworkFilesystem rejects a state path whose locking SQLite cannot trust.
var ErrNetworkFilesystem = errors.New("state database is on a network filesystem")

var networkFilesystems = map[string]bool{
	"afpfs":  true,
	"cifs":   true,
	"nfs":    true,
	"smbfs":  true,
	"smb2":   true,
	"webdav": true,
	"fuse":   true, // sshfs, glusterfs and friends
}

// Filesystem describes where a state path would live.
type Filesystem struct {
	// Probed is the nearest existing ancestor of the requested path.
	Probed  string
	Type    string
	Network bool
}

// InspectFilesystem reports the filesystem a database at path would be created
// on. The path itself need not exist yet.
func InspectFilesystem(path string) (*Filesystem, error) {
	return inspectWith(path, detectFilesystemType)
}

func inspectWith(path string, detect func(string) (string, error)) (*Filesystem, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	probed, err := nearestExistingPath(path)
	if err != nil {
		return nil, fmt.Errorf("resolve database path %q: %w", path, err)
	}
	fsType, err := detect(probed)
	if err != nil {
		return nil, fmt.Errorf("detect filesystem for %q: %w", probed, err)
	}
	fsType = strings.ToLower(strings.TrimSpace(fsType))
	return &Filesystem{Probed: probed, Type: fsType, Network: networkFilesystems[fsType]}, nil
}

func validateSQLiteFilesystem(path string) error {
	return validateWith(path, detectFilesystemType)
}

func validateWith(path string, detect func(string) (string, error)) error {
	fs, err := inspectWith(path, detect)
	if err != nil {
		return err
	}
	if fs.Network {
		return fmt.Errorf("%w: %q is on %s; point state.path at local disk, not the shared VM image mount",
			ErrNetworkFilesystem, path, fs.Type)
	}
	return nil
}

func nearestExistingPath(path string) (string, error) {
	candidate, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}
	for {
		_, err := os.Stat(candidate)
		switch {
		case err == nil:
			return candidate, nil
		case !errors.Is(err, os.ErrNotExist):
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}
		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing parent for %q", path)
		}
		candidate = parent
	}
}
