package abi

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// ErrNotFound is returned by FindFile when no file with the name exists under root.
var ErrNotFound = errors.New("file not found")

// FindFile walks root depth-first in lexical order and returns the path of the
// first regular file named name. A missing root yields ErrNotFound.
// Unreadable subdirectories are skipped.
func FindFile(root, name string) (string, error) {
	if _, err := os.Stat(root); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", err
	}
	var found string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() && path != root {
				return fs.SkipDir
			}
			return err
		}
		if !d.IsDir() && d.Name() == name {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", ErrNotFound
	}
	return found, nil
}
