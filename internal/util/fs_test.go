package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Fisher - Losing It (Extended Mix)", "Fisher - Losing It (Extended Mix)"},
		{`AC/DC: Back*In?Black`, "AC DC Back In Black"},
		{"Mix <live> | 2024", "Mix live 2024"},
		{"  spaced    out  ", "spaced out"},
		{"trailing dots...", "trailing dots"},
		{`\/:*?"<>|`, "untitled"},
		{"", "untitled"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeFilename(tt.in), "input %q", tt.in)
	}
}

func TestEnsureDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b", "c")
	require.NoError(t, EnsureDir(dir))
	fi, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, fi.IsDir())

	assert.Error(t, EnsureDir(""))
}

func TestRemoveIfExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file.txt")
	require.NoError(t, RemoveIfExists(path)) // missing is fine

	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	require.NoError(t, RemoveIfExists(path))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
