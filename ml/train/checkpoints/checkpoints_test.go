// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// crashingFs simulates a process dying between writing the temporary file and renaming it:
// Rename fails and the temporary file can't be cleaned up.
type crashingFs struct {
	afero.Fs
}

func (crashingFs) Rename(oldname, newname string) error {
	return errors.New("simulated crash before rename")
}

func (crashingFs) Remove(name string) error {
	return errors.New("simulated crash before cleanup")
}

func TestSaveLoad(t *testing.T) {
	fs := afero.NewMemMapFs()
	store, err := Build(fs).Dir("/runs/ckpt").Done()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/runs/ckpt", DefaultFileName), store.Path())

	_, err = store.Load()
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, store.Save(&Checkpoint{Epoch: 1, MetricName: "accuracy", MetricValue: 0.7, ModelState: []byte("state-1")}))
	require.NoError(t, store.Save(&Checkpoint{Epoch: 3, MetricName: "accuracy", MetricValue: 0.8, ModelState: []byte("state-3"), RunID: "run"}))
	cp, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cp.Epoch)
	assert.Equal(t, "accuracy", cp.MetricName)
	assert.Equal(t, 0.8, cp.MetricValue)
	assert.Equal(t, []byte("state-3"), cp.ModelState)
	assert.Equal(t, "run", cp.RunID)
	assert.False(t, cp.SavedAt.IsZero())

	// Only the checkpoint file remains.
	entries, err := afero.ReadDir(fs, "/runs/ckpt")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, DefaultFileName, entries[0].Name())
}

func TestCrashBetweenWriteAndRename(t *testing.T) {
	base := afero.NewMemMapFs()
	store, err := Build(base).Dir("/ckpt").Done()
	require.NoError(t, err)
	require.NoError(t, store.Save(&Checkpoint{Epoch: 1, MetricName: "accuracy", MetricValue: 0.7, ModelState: []byte("good")}))

	crashed, err := Build(crashingFs{base}).Dir("/ckpt").Done()
	require.NoError(t, err)
	err = crashed.Save(&Checkpoint{Epoch: 2, MetricName: "accuracy", MetricValue: 0.9, ModelState: []byte("new")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrWriteFailure))

	// The temporary file was left behind, but the previous checkpoint is intact and loadable.
	entries, err := afero.ReadDir(base, "/ckpt")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	cp, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, 1, cp.Epoch)
	assert.Equal(t, []byte("good"), cp.ModelState)

	// A new Store removes the stale temporary file.
	store, err = Build(base).Dir("/ckpt").Done()
	require.NoError(t, err)
	entries, err = afero.ReadDir(base, "/ckpt")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	cp, err = store.Load()
	require.NoError(t, err)
	assert.Equal(t, 1, cp.Epoch)
}

func TestWriteFailure(t *testing.T) {
	base := afero.NewMemMapFs()
	require.NoError(t, base.MkdirAll("/ckpt", DirPermMode))
	store, err := Build(afero.NewReadOnlyFs(base)).Dir("/ckpt").Done()
	require.NoError(t, err)
	err = store.Save(&Checkpoint{Epoch: 1, ModelState: []byte("x")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrWriteFailure))
	var writeErr *WriteError
	require.True(t, errors.As(err, &writeErr))
	assert.True(t, strings.HasPrefix(writeErr.Path, filepath.Join("/ckpt", DefaultFileName)))
}

func TestCorruptedCheckpoint(t *testing.T) {
	fs := afero.NewMemMapFs()
	store, err := Build(fs).Dir("/ckpt").FileName("model.json").Done()
	require.NoError(t, err)
	require.NoError(t, store.Save(&Checkpoint{Epoch: 1, ModelState: []byte("state")}))
	contents, err := afero.ReadFile(fs, store.Path())
	require.NoError(t, err)
	// "state" base64 encoded is "c3RhdGU=", replace it by "other" ("b3RoZXI=").
	tampered := strings.Replace(string(contents), "c3RhdGU=", "b3RoZXI=", 1)
	require.NotEqual(t, string(contents), tampered)
	require.NoError(t, afero.WriteFile(fs, store.Path(), []byte(tampered), FilePermMode))
	_, err = store.Load()
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestConfigErrors(t *testing.T) {
	fs := afero.NewMemMapFs()
	_, err := Build(fs).Done()
	assert.Error(t, err)
	require.NoError(t, afero.WriteFile(fs, "/file", []byte("x"), 0644))
	_, err = Build(fs).Dir("/file").Done()
	assert.Error(t, err)
	_, err = Build(fs).Dir("/ckpt").FileName("a/b").Done()
	assert.Error(t, err)
}
