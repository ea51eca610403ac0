// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sources

import (
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// directoryAdapter handles KindDirectory: every sub-directory of a split is a class folder.
type directoryAdapter struct {
	*baseAdapter
	started   bool
	splits    []string
	classDirs []string
	current   *lister
	class     string
}

func newDirectoryAdapter(base *baseAdapter) *directoryAdapter {
	return &directoryAdapter{baseAdapter: base}
}

// Next implements Adapter.
func (a *directoryAdapter) Next() (RawRecord, bool) {
	if !a.started {
		a.started = true
		a.splits = a.existingSplitDirs()
	}
	for a.err == nil {
		if a.current != nil {
			if path, ok := a.current.next(); ok {
				return a.record(path, DirectoryClass{Name: a.class}), true
			}
			a.current = nil
		}
		if len(a.classDirs) > 0 {
			dir := a.classDirs[0]
			a.classDirs = a.classDirs[1:]
			a.class = filepath.Base(dir)
			a.current = newLister(a.fs, dir, a.decl.Extensions, true, &a.stats)
			continue
		}
		if len(a.splits) == 0 {
			break
		}
		split := a.splits[0]
		a.splits = a.splits[1:]
		entries, err := afero.ReadDir(a.fs, split)
		if err != nil {
			a.err = errors.Wrapf(err, "source %q: failed to list class directories in %q", a.decl.Name, split)
			break
		}
		for _, entry := range entries {
			if entry.IsDir() {
				a.classDirs = append(a.classDirs, filepath.Join(split, entry.Name()))
			} else {
				// Images outside a class folder carry no directory evidence.
				a.stats.Skipped++
			}
		}
	}
	return RawRecord{}, false
}
