package util

import (
	"errors"
	"os"
	"strings"
)

// EnsureDir creates the directory path if it does not exist.
func EnsureDir(path string) error {
	if path == "" {
		return errors.New("empty path")
	}
	return os.MkdirAll(path, 0o755)
}

// RemoveIfExists deletes the file if present.
func RemoveIfExists(path string) error {
	if _, err := os.Stat(path); err == nil {
		return os.Remove(path)
	} else if os.IsNotExist(err) {
		return nil
	} else {
		return err
	}
}

// SanitizeFilename makes a string safe as a cross-platform basename:
// characters forbidden on Windows become spaces, whitespace runs
// collapse, and trailing dots/spaces are stripped.
func SanitizeFilename(s string) string {
	const forbidden = `\/:*?"<>|`
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if strings.ContainsRune(forbidden, r) {
			b.WriteByte(' ')
			continue
		}
		b.WriteRune(r)
	}
	s = strings.Join(strings.Fields(b.String()), " ")
	s = strings.TrimRight(s, ". ")
	if s == "" {
		return "untitled"
	}
	return s
}
