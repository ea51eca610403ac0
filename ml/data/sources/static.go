// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sources

// staticAdapter yields a fixed list of records.
type staticAdapter struct {
	*baseAdapter
	records []RawRecord
}

// NewStatic returns an Adapter that yields the given records, with Source set to name.
// It's useful for records produced elsewhere, e.g. an index built by another tool.
func NewStatic(name string, records ...RawRecord) Adapter {
	return &staticAdapter{
		baseAdapter: &baseAdapter{
			decl:  Declaration{Name: name},
			stats: Stats{Source: name},
		},
		records: records,
	}
}

// Next implements Adapter.
func (a *staticAdapter) Next() (RawRecord, bool) {
	if len(a.records) == 0 {
		return RawRecord{}, false
	}
	rec := a.records[0]
	a.records = a.records[1:]
	if rec.Evidence != nil {
		a.stats.Kind = rec.Evidence.Kind()
	}
	return a.record(rec.ImagePath, rec.Evidence), true
}
