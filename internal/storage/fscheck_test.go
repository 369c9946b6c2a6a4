package storage

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixed(fsType string) func(string) (string, error) {
	return func(string) (string, error) { return fsType, nil }
}

func TestValidateFilesystem(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		fsType  string
		wantErr bool
	}{
		{"ext4", "ext4", false},
		{"xfs", "xfs", false},
		{"unknown magic", "0x1234", false},
		{"nfs image mount", "nfs", true},
		{"smbfs uppercase", "SMBFS", true},
		{"fuse", "fuse", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := validateWith(filepath.Join(t.TempDir(), "cobalt.db"), fixed(tt.fsType))
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrNetworkFilesystem)
			assert.Contains(t, err.Error(), "state.path")
		})
	}
}

func TestInspectProbesNearestExistingParent(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	var probed string
	fs, err := inspectWith(filepath.Join(root, "a", "b", "cobalt.db"), func(p string) (string, error) {
		probed = p
		return " EXT4 ", nil
	})
	require.NoError(t, err)
	assert.Equal(t, root, probed)
	assert.Equal(t, root, fs.Probed)
	assert.Equal(t, "ext4", fs.Type)
	assert.False(t, fs.Network)
}

func TestInspectDetectorError(t *testing.T) {
	t.Parallel()

	_, err := inspectWith(t.TempDir(), func(string) (string, error) { return "", errors.New("statfs failed") })
	assert.ErrorContains(t, err, "statfs failed")

	_, err = InspectFilesystem("")
	assert.Error(t, err)
}
