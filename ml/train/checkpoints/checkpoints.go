// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoints persists the best model state of a training run.
//
// The main object is the Store, created by calling Build, followed by the various options and finally
// Config.Done. Store.Save replaces the checkpoint atomically: the new checkpoint is fully written to a
// temporary file in the same directory and then renamed over the previous one, so a crash at any point
// leaves either the old or the new checkpoint, never a partial one.
//
// Example:
//
//	store, err := checkpoints.Build(afero.NewOsFs()).Dir(*flagCheckpoint).Done()
//	if err != nil { … }
//	if cp, err := store.Load(); err == nil {
//		// Resume from cp.Epoch.
//	}
//	…
//	err = store.Save(&checkpoints.Checkpoint{Epoch: epoch, MetricName: "accuracy", MetricValue: acc, ModelState: state})
package checkpoints

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mifugocare/herdml/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"k8s.io/klog/v2"
)

var (
	// DirPermMode is the default directory creation permission (before umask) used.
	DirPermMode = os.FileMode(0770)

	// FilePermMode is the permission of checkpoint files (before umask).
	FilePermMode = os.FileMode(0660)

	// ErrNotFound is returned by Store.Load when no checkpoint was saved yet.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrWriteFailure is matched by the errors of Store.Save.
	ErrWriteFailure = errors.New("checkpoint write failure")
)

// DefaultFileName of the checkpoint within its directory.
const DefaultFileName = "best_checkpoint.json"

// tempMarker separates the checkpoint file name from the random suffix of temporary files.
const tempMarker = ".tmp-"

// Checkpoint is the persisted state of a model plus the metric that justified saving it.
type Checkpoint struct {
	// Epoch (1-based) at which the model state was captured.
	Epoch int `json:"epoch"`

	MetricName  string  `json:"metric_name"`
	MetricValue float64 `json:"metric_value"`

	// LearningRate in use when the checkpoint was saved, used when resuming.
	LearningRate float64 `json:"learning_rate,omitempty"`

	// RunID of the training run that saved the checkpoint.
	RunID   string    `json:"run_id,omitempty"`
	SavedAt time.Time `json:"saved_at"`

	// StateSHA256 is the hex encoded hash of ModelState, verified by Load.
	StateSHA256 string `json:"state_sha256"`

	// ModelState is the opaque serialized model.
	ModelState []byte `json:"model_state"`
}

// String implements fmt.Stringer.
func (cp *Checkpoint) String() string {
	return fmt.Sprintf("checkpoint(epoch=%d, %s=%.4f)", cp.Epoch, cp.MetricName, cp.MetricValue)
}

// WriteError is returned by Store.Save. It matches ErrWriteFailure.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("%v: %q: %v", ErrWriteFailure, e.Path, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrWriteFailure) true.
func (e *WriteError) Is(target error) bool {
	return target == ErrWriteFailure
}

// Config for the checkpoints Store to be created. This is created with Build and
// configured with the various methods. Once finished, call Done.
type Config struct {
	fs       afero.Fs
	err      error
	dir      string
	fileName string
}

// Build a configuration for a checkpoints.Store over the given filesystem. After configuring the
// Config object returned, call `Done` to get the configured Store.
func Build(fs afero.Fs) *Config {
	return &Config{fs: fs, fileName: DefaultFileName}
}

func (c *Config) setError(err error) {
	if c.err == nil {
		c.err = err
	}
}

// Dir sets the directory where to save / load the checkpoint. It is created if it doesn't exist.
//
// It must be set before building the Store.
func (c *Config) Dir(dir string) *Config {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		c.setError(err)
		return c
	}
	c.dir = dir
	if err = fsutil.EnsureDir(c.fs, dir, DirPermMode); err != nil {
		c.setError(err)
	}
	return c
}

// FileName sets the name of the checkpoint file within the directory. The default is DefaultFileName.
func (c *Config) FileName(name string) *Config {
	if name == "" || strings.ContainsRune(name, filepath.Separator) {
		c.setError(errors.Errorf("invalid checkpoint file name %q", name))
		return c
	}
	c.fileName = name
	return c
}

// Done creates a Store with the current configuration. It returns an error if
// the configuration is invalid, or if it's missing information.
//
// Temporary files left behind by an interrupted Save are removed.
func (c *Config) Done() (*Store, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.dir == "" {
		return nil, errors.Errorf("directory for checkpoints not configured or empty")
	}
	s := &Store{
		fs:   c.fs,
		dir:  c.dir,
		path: filepath.Join(c.dir, c.fileName),
	}
	if err := s.removeStaleTempFiles(); err != nil {
		return nil, err
	}
	return s, nil
}

// Store saves and loads the checkpoint of a directory. It is safe for concurrent use.
type Store struct {
	fs   afero.Fs
	dir  string
	path string
	mu   sync.Mutex
}

// String implements fmt.Stringer.
func (s *Store) String() string {
	return fmt.Sprintf("checkpoints.Store(%q)", s.path)
}

// Dir returns the checkpoint directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the path of the checkpoint file.
func (s *Store) Path() string {
	return s.path
}

// Fs returns the filesystem of the store.
func (s *Store) Fs() afero.Fs {
	return s.fs
}

func (s *Store) removeStaleTempFiles() error {
	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return errors.Wrapf(err, "%s: failed to list directory", s)
	}
	prefix := filepath.Base(s.path) + tempMarker
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		stale := filepath.Join(s.dir, entry.Name())
		klog.Warningf("%s: removing temporary file %q left by an interrupted save", s, stale)
		if err = s.fs.Remove(stale); err != nil {
			klog.Warningf("%s: failed to remove %q: %v", s, stale, err)
		}
	}
	return nil
}

// Save the checkpoint, atomically replacing the previous one. SavedAt is set if zero and StateSHA256
// is always recomputed.
//
// Errors match ErrWriteFailure; on error the previous checkpoint is left untouched.
func (s *Store) Save(cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	saved := *cp
	if saved.SavedAt.IsZero() {
		saved.SavedAt = time.Now()
	}
	sum := sha256.Sum256(saved.ModelState)
	saved.StateSHA256 = hex.EncodeToString(sum[:])

	tmpPath := s.path + tempMarker + uuid.NewString()
	f, err := s.fs.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, FilePermMode)
	if err != nil {
		return &WriteError{Path: tmpPath, Err: err}
	}
	fail := func(err error) error {
		_ = f.Close()
		if rmErr := s.fs.Remove(tmpPath); rmErr != nil {
			klog.Warningf("%s: failed to remove temporary file %q: %v", s, tmpPath, rmErr)
		}
		return &WriteError{Path: tmpPath, Err: err}
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "\t")
	if err = enc.Encode(&saved); err != nil {
		return fail(err)
	}
	if err = f.Sync(); err != nil {
		return fail(err)
	}
	if err = f.Close(); err != nil {
		return fail(err)
	}
	if err = s.fs.Rename(tmpPath, s.path); err != nil {
		if rmErr := s.fs.Remove(tmpPath); rmErr != nil {
			klog.Warningf("%s: failed to remove temporary file %q: %v", s, tmpPath, rmErr)
		}
		return &WriteError{Path: s.path, Err: err}
	}
	klog.V(1).Infof("%s: saved %s", s, &saved)
	return nil
}

// Load reads the checkpoint. It returns an error matching ErrNotFound if none was saved yet.
func (s *Store) Load() (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Read(s.fs, s.path)
}

// Read a checkpoint file directly, verifying its model state hash.
func Read(fs afero.Fs, path string) (*Checkpoint, error) {
	f, err := fs.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errors.WithMessagef(ErrNotFound, "%q", path)
		}
		return nil, errors.Wrapf(err, "failed to open checkpoint %q", path)
	}
	defer func() { _ = f.Close() }()
	cp := &Checkpoint{}
	if err = json.NewDecoder(f).Decode(cp); err != nil {
		return nil, errors.Wrapf(err, "failed to parse checkpoint %q", path)
	}
	sum := sha256.Sum256(cp.ModelState)
	if got := hex.EncodeToString(sum[:]); got != cp.StateSHA256 {
		return nil, errors.Errorf("checkpoint %q model state hash is %q, but expected %q", path, got, cp.StateSHA256)
	}
	return cp, nil
}
