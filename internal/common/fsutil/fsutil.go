package fsutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// GGUFExt is the only model file extension llama-server accepts here.
const GGUFExt = ".gguf"

// ExpandHome expands a leading '~' to the user's home directory.
func ExpandHome(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	// ~/models/generation
	return filepath.Join(home, strings.TrimPrefix(path, "~/")), nil
}

// PathExists checks if the given path exists.
func PathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil || !errors.Is(err, os.ErrNotExist)
}

// IsRegularFile reports whether path exists and is not a directory.
func IsRegularFile(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}

// IsGGUF reports whether the path carries the .gguf suffix (case-insensitive).
func IsGGUF(path string) bool {
	return strings.EqualFold(filepath.Ext(path), GGUFExt)
}

// ModelName strips the directory and the .gguf suffix from a path.
func ModelName(path string) string {
	base := filepath.Base(path)
	if IsGGUF(base) {
		return base[:len(base)-len(GGUFExt)]
	}
	return base
}

// EnsureDir creates dir and its parents with 0o755.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return nil
}
