// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sources

import (
	"path/filepath"

	"github.com/mifugocare/herdml/pkg/support/fsutil"
	"github.com/spf13/afero"
)

// lister enumerates image files under a directory lazily, reading one directory at a time.
// Entries are visited in lexical order, depth first, so enumeration is deterministic.
type lister struct {
	fs         afero.Fs
	extensions []string
	recursive  bool
	stats      *Stats

	pending []string // Directories not read yet.
	files   []string // Files read but not yielded yet.
}

func newLister(fs afero.Fs, dir string, extensions []string, recursive bool, stats *Stats) *lister {
	return &lister{
		fs:         fs,
		extensions: extensions,
		recursive:  recursive,
		stats:      stats,
		pending:    []string{dir},
	}
}

// next returns the next image path, or false when there are no more.
func (l *lister) next() (string, bool) {
	for len(l.files) == 0 {
		if len(l.pending) == 0 {
			return "", false
		}
		dir := l.pending[0]
		l.pending = l.pending[1:]
		entries, err := afero.ReadDir(l.fs, dir)
		if err != nil {
			l.stats.warnf("failed to read directory %q, skipping: %v", dir, err)
			continue
		}
		var subDirs []string
		for _, entry := range entries {
			path := filepath.Join(dir, entry.Name())
			if entry.IsDir() {
				if l.recursive {
					subDirs = append(subDirs, path)
				}
				continue
			}
			if !fsutil.HasExtension(entry.Name(), l.extensions) {
				l.stats.Skipped++
				continue
			}
			l.files = append(l.files, path)
		}
		l.pending = append(subDirs, l.pending...)
	}
	path := l.files[0]
	l.files = l.files[1:]
	return path, true
}
