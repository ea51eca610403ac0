// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sources

import (
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/mifugocare/herdml/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// multiLabelAdapter handles KindMultiLabel: each split has a CSV label file with a filename column
// followed by one-hot class columns. Label files are parsed one split at a time.
type multiLabelAdapter struct {
	*baseAdapter
	started bool
	splits  []string

	// Rows of the current split.
	splitDir    string
	df          dataframe.DataFrame
	filenameIdx int
	columns     []string // Trimmed names of the class columns.
	columnIdx   []int    // Position of each class column in df.
	row, numRow int
}

func newMultiLabelAdapter(base *baseAdapter) *multiLabelAdapter {
	return &multiLabelAdapter{baseAdapter: base}
}

// Next implements Adapter.
func (a *multiLabelAdapter) Next() (RawRecord, bool) {
	if !a.started {
		a.started = true
		a.splits = a.existingSplitDirs()
	}
	for {
		for a.row < a.numRow {
			row := a.row
			a.row++
			filename := strings.TrimSpace(a.df.Elem(row, a.filenameIdx).String())
			imagePath := filepath.Join(a.splitDir, filename)
			exists, err := fsutil.FileExists(a.fs, imagePath)
			if err != nil || !exists {
				klog.V(1).Infof("source %q: image %q listed in label file not found, skipping", a.decl.Name, imagePath)
				a.stats.Skipped++
				continue
			}
			evidence := MultiLabelRow{
				Columns:  a.columns,
				Positive: make([]bool, len(a.columns)),
			}
			for i, col := range a.columnIdx {
				evidence.Positive[i] = isPositive(a.df.Elem(row, col).String())
			}
			return a.record(imagePath, evidence), true
		}
		if len(a.splits) == 0 {
			return RawRecord{}, false
		}
		split := a.splits[0]
		a.splits = a.splits[1:]
		if err := a.openSplit(split); err != nil {
			a.stats.warnf("skipping split %q: %v", split, err)
		}
	}
}

// openSplit parses the label file of the split directory.
func (a *multiLabelAdapter) openSplit(splitDir string) error {
	a.row, a.numRow = 0, 0
	labelPath := filepath.Join(splitDir, a.decl.LabelFile)
	f, err := a.fs.Open(labelPath)
	if err != nil {
		return errors.Wrapf(err, "failed to open label file")
	}
	defer func() { _ = f.Close() }()
	df := dataframe.ReadCSV(f,
		dataframe.HasHeader(true),
		dataframe.DetectTypes(false),
		dataframe.DefaultType(series.String))
	if df.Err != nil {
		return errors.Wrapf(df.Err, "failed to parse label file %q", labelPath)
	}

	a.filenameIdx = -1
	a.columns, a.columnIdx = nil, nil
	for idx, name := range df.Names() {
		name = strings.TrimSpace(name)
		if strings.EqualFold(name, a.decl.FilenameColumn) {
			a.filenameIdx = idx
			continue
		}
		a.columns = append(a.columns, name)
		a.columnIdx = append(a.columnIdx, idx)
	}
	if a.filenameIdx < 0 {
		return errors.Errorf("label file %q has no %q column", labelPath, a.decl.FilenameColumn)
	}
	a.splitDir = splitDir
	a.df = df
	a.numRow = df.Nrow()
	return nil
}

// isPositive reports whether a one-hot cell is set. Anything that doesn't parse as 1 is not.
func isPositive(cell string) bool {
	v, err := strconv.ParseFloat(strings.TrimSpace(cell), 64)
	return err == nil && v == 1
}
