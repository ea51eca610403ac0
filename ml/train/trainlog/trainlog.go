// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package trainlog keeps the append-only log of a training run: one CSV row per completed epoch.
package trainlog

import (
	"bytes"
	"cmp"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/gocarina/gocsv"
	"github.com/mifugocare/herdml/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// DefaultFileName of the training log within the checkpoint directory.
const DefaultFileName = "training_log.csv"

// TimeLayout of Row.Timestamp.
const TimeLayout = "2006-01-02T15:04:05Z07:00"

// Row of the training log, one per completed epoch.
type Row struct {
	Epoch              int     `csv:"epoch"`
	TrainLoss          float64 `csv:"train_loss"`
	TrainAccuracy      float64 `csv:"train_accuracy"`
	ValidationLoss     float64 `csv:"validation_loss"`
	ValidationAccuracy float64 `csv:"validation_accuracy"`
	LearningRate       float64 `csv:"learning_rate"`

	// Improved is true if the epoch improved the tracked metric and its checkpoint was saved.
	Improved bool `csv:"improved"`

	RunID     string `csv:"run_id"`
	Timestamp string `csv:"timestamp"`
}

// Log appends rows to a CSV file. It is safe for concurrent use.
type Log struct {
	mu   sync.Mutex
	fs   afero.Fs
	path string
}

// Open the training log at path, creating its directory if needed. The file itself is only created
// by the first Append.
func Open(fs afero.Fs, path string) (*Log, error) {
	if path == "" {
		return nil, errors.New("training log path is empty")
	}
	if err := fsutil.EnsureDir(fs, filepath.Dir(path), 0770); err != nil {
		return nil, errors.WithMessagef(err, "training log %q", path)
	}
	return &Log{fs: fs, path: path}, nil
}

// Path of the log file.
func (l *Log) Path() string {
	return l.path
}

// Append rows to the log. The CSV header is written only when the file is empty.
func (l *Log) Append(rows ...Row) error {
	if len(rows) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := l.fs.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0660)
	if err != nil {
		return errors.Wrapf(err, "failed to open training log %q", l.path)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to stat training log %q", l.path)
	}
	var buf bytes.Buffer
	if info.Size() == 0 {
		err = gocsv.Marshal(&rows, &buf)
	} else {
		err = gocsv.MarshalWithoutHeaders(&rows, &buf)
	}
	if err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to encode training log rows")
	}
	if _, err = f.Write(buf.Bytes()); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to write training log %q", l.path)
	}
	return errors.Wrapf(f.Close(), "failed to close training log %q", l.path)
}

// Read all rows of the training log at path. A missing file yields no rows.
func Read(fs afero.Fs, path string) ([]Row, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to read training log %q", path)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var rows []Row
	if err = gocsv.UnmarshalBytes(data, &rows); err != nil {
		return nil, errors.Wrapf(err, "failed to parse training log %q", path)
	}
	return rows, nil
}

// LatestPerEpoch returns one row per epoch, sorted by epoch. When a resumed run repeated an epoch,
// the row appended last wins.
func LatestPerEpoch(rows []Row) []Row {
	index := make(map[int]int, len(rows))
	latest := make([]Row, 0, len(rows))
	for _, r := range rows {
		if i, found := index[r.Epoch]; found {
			latest[i] = r
			continue
		}
		index[r.Epoch] = len(latest)
		latest = append(latest, r)
	}
	slices.SortStableFunc(latest, func(a, b Row) int { return cmp.Compare(a.Epoch, b.Epoch) })
	return latest
}
