// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sources

// folderAdapter handles KindFolder: every image of the source has the declared class.
type folderAdapter struct {
	*baseAdapter
	started bool
	splits  []string
	current *lister
}

func newFolderAdapter(base *baseAdapter) *folderAdapter {
	return &folderAdapter{baseAdapter: base}
}

// Next implements Adapter.
func (a *folderAdapter) Next() (RawRecord, bool) {
	if !a.started {
		a.started = true
		a.splits = a.existingSplitDirs()
	}
	for {
		if a.current != nil {
			if path, ok := a.current.next(); ok {
				return a.record(path, FolderConvention{Class: a.decl.Class}), true
			}
			a.current = nil
		}
		if len(a.splits) == 0 {
			return RawRecord{}, false
		}
		a.current = newLister(a.fs, a.splits[0], a.decl.Extensions, false, &a.stats)
		a.splits = a.splits[1:]
	}
}
