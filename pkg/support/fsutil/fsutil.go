// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fsutil contains utilities for working with dataset and checkpoint directories over an afero.Fs.
package fsutil

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// DefaultImageExtensions are the file extensions (lower-case, with the dot) accepted as images
// when a source doesn't configure its own.
var DefaultImageExtensions = []string{".jpg", ".jpeg", ".png"}

// FileExists returns whether the file or directory exists in fs, or an error if something went wrong
// in the filesystem.
func FileExists(fs afero.Fs, path string) (bool, error) {
	_, err := fs.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, errors.Wrapf(err, "failed to FileExists(%q)", path)
}

// DirExists returns whether path exists and is a directory.
// It returns an error if path exists but is a normal file.
func DirExists(fs afero.Fs, path string) (bool, error) {
	fi, err := fs.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, errors.Wrapf(err, "failed to stat %q", path)
	}
	if !fi.IsDir() {
		return false, errors.Errorf("path %q exists but it's a normal file, not a directory", path)
	}
	return true, nil
}

// EnsureDir creates dir (and parents) with perm if it doesn't exist yet.
func EnsureDir(fs afero.Fs, dir string, perm os.FileMode) error {
	exists, err := DirExists(fs, dir)
	if err != nil || exists {
		return err
	}
	if err = fs.MkdirAll(dir, perm); err != nil {
		return errors.Wrapf(err, "trying to create dir %q", dir)
	}
	return nil
}

// ReplaceTildeInDir replaces a leading "~" by the user's home directory. Returns dir if it doesn't start with "~".
//
// It returns an error if `dir` names an unknown user (e.g: `~unknown/...`).
func ReplaceTildeInDir(dir string) (string, error) {
	if !strings.HasPrefix(dir, "~") {
		return dir, nil
	}
	userName, rest, _ := strings.Cut(dir[1:], "/")
	var (
		usr *user.User
		err error
	)
	if userName == "" {
		usr, err = user.Current()
	} else {
		usr, err = user.Lookup(userName)
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to lookup home directory for user in path %q", dir)
	}
	return filepath.Join(usr.HomeDir, rest), nil
}

// HasExtension reports whether name ends with one of the extensions, compared case-insensitively.
// If extensions is empty, DefaultImageExtensions is used.
func HasExtension(name string, extensions []string) bool {
	if len(extensions) == 0 {
		extensions = DefaultImageExtensions
	}
	ext := strings.ToLower(filepath.Ext(name))
	for _, candidate := range extensions {
		if ext == strings.ToLower(candidate) {
			return true
		}
	}
	return false
}

// Stem returns the file base name without its extension.
func Stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
