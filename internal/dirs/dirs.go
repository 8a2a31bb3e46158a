// Package dirs resolves the application's on-disk layout. Tool
// binaries and caches live under ~/.dropcrate; final media lands in
// the user-chosen inbox directory.
package dirs

import (
	"errors"
	"os"
	"path/filepath"
)

const appDirName = ".dropcrate"

// Base returns the application state root, ~/.dropcrate.
func Base() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, appDirName), nil
}

// BinDir holds provisioned tool binaries (the extractor or its
// launcher).
func BinDir() (string, error) {
	base, err := Base()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "bin"), nil
}

// CacheDir holds lookup caches (acoustid.json).
func CacheDir() (string, error) {
	base, err := Base()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "cache"), nil
}

// ConfigDir is where an optional config file is searched.
func ConfigDir() (string, error) {
	return Base()
}

// DefaultInboxDir is the fallback output directory when INBOX_DIR and
// --inbox are both unset.
func DefaultInboxDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "Music", "dropcrate"), nil
}

// Ensure creates the directory if it doesn't exist.
func Ensure(path string) error {
	if path == "" {
		return errors.New("empty path")
	}
	return os.MkdirAll(path, 0o755)
}

// EnsureAll ensures the bin and cache directories exist.
func EnsureAll() error {
	for _, f := range []func() (string, error){BinDir, CacheDir} {
		p, err := f()
		if err != nil {
			return err
		}
		if err := Ensure(p); err != nil {
			return err
		}
	}
	return nil
}
