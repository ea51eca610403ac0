// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"sort"

	"github.com/mifugocare/herdml/ml/train/checkpoints"
	"github.com/pkg/errors"
)

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative
// values are ok.
type Priority int

// OnStartFn is the type of OnStart hooks. It is called once, after resuming and before the first epoch.
type OnStartFn func(s *Supervisor) error

// OnEpochStartFn is the type of OnEpochStart hooks.
type OnEpochStartFn func(s *Supervisor, epoch int) error

// OnBatchFn is the type of OnBatch hooks, called after each train and validation batch.
type OnBatchFn func(s *Supervisor, phase Phase, batchIdx int, step StepResult) error

// OnEpochEndFn is the type of OnEpochEnd hooks, called after the checkpoint and learning rate decisions.
type OnEpochEndFn func(s *Supervisor, metrics EpochMetrics) error

// OnCheckpointFn is the type of OnCheckpoint hooks, called after a checkpoint was successfully persisted.
type OnCheckpointFn func(s *Supervisor, cp *checkpoints.Checkpoint) error

// OnEndFn is the type of OnEnd hooks, called when the supervisor stops, for any reason.
type OnEndFn func(s *Supervisor, result *Result) error

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks for type F per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{
		hooks: make(map[Priority][]H),
	}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// Enumerate will call fn for all registered hooks in priority order, until fn returns an error.
func (h *priorityHooks[H]) Enumerate(fn func(hook H) error) error {
	keys := make([]Priority, 0, len(h.hooks))
	for key := range h.hooks {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i] < keys[j]
	})
	for _, key := range keys {
		for _, hook := range h.hooks[key] {
			if err := fn(hook); err != nil {
				return err
			}
		}
	}
	return nil
}

type supervisorHooks struct {
	onStart      *priorityHooks[*hookWithName[OnStartFn]]
	onEpochStart *priorityHooks[*hookWithName[OnEpochStartFn]]
	onBatch      *priorityHooks[*hookWithName[OnBatchFn]]
	onEpochEnd   *priorityHooks[*hookWithName[OnEpochEndFn]]
	onCheckpoint *priorityHooks[*hookWithName[OnCheckpointFn]]
	onEnd        *priorityHooks[*hookWithName[OnEndFn]]
}

func newSupervisorHooks() supervisorHooks {
	return supervisorHooks{
		onStart:      newPriorityHooks[*hookWithName[OnStartFn]](),
		onEpochStart: newPriorityHooks[*hookWithName[OnEpochStartFn]](),
		onBatch:      newPriorityHooks[*hookWithName[OnBatchFn]](),
		onEpochEnd:   newPriorityHooks[*hookWithName[OnEpochEndFn]](),
		onCheckpoint: newPriorityHooks[*hookWithName[OnCheckpointFn]](),
		onEnd:        newPriorityHooks[*hookWithName[OnEndFn]](),
	}
}

// OnStart adds a hook with given priority and name (for error reporting) to the start of a run.
func (s *Supervisor) OnStart(name string, priority Priority, fn OnStartFn) {
	s.hooks.onStart.Add(priority, &hookWithName[OnStartFn]{name: name, fn: fn})
}

// OnEpochStart adds a hook with given priority and name (for error reporting) to the start of each epoch.
func (s *Supervisor) OnEpochStart(name string, priority Priority, fn OnEpochStartFn) {
	s.hooks.onEpochStart.Add(priority, &hookWithName[OnEpochStartFn]{name: name, fn: fn})
}

// OnBatch adds a hook with given priority and name (for error reporting) called after each batch,
// of both the train and the validation phases.
func (s *Supervisor) OnBatch(name string, priority Priority, fn OnBatchFn) {
	s.hooks.onBatch.Add(priority, &hookWithName[OnBatchFn]{name: name, fn: fn})
}

// OnEpochEnd adds a hook with given priority and name (for error reporting) to the end of each epoch.
func (s *Supervisor) OnEpochEnd(name string, priority Priority, fn OnEpochEndFn) {
	s.hooks.onEpochEnd.Add(priority, &hookWithName[OnEpochEndFn]{name: name, fn: fn})
}

// OnCheckpoint adds a hook with given priority and name (for error reporting) called after each
// checkpoint saved.
func (s *Supervisor) OnCheckpoint(name string, priority Priority, fn OnCheckpointFn) {
	s.hooks.onCheckpoint.Add(priority, &hookWithName[OnCheckpointFn]{name: name, fn: fn})
}

// OnEnd adds a hook with given priority and name (for error reporting) to the end of a run.
func (s *Supervisor) OnEnd(name string, priority Priority, fn OnEndFn) {
	s.hooks.onEnd.Add(priority, &hookWithName[OnEndFn]{name: name, fn: fn})
}

func (s *Supervisor) start() error {
	return s.hooks.onStart.Enumerate(func(hook *hookWithName[OnStartFn]) error {
		return errors.WithMessagef(hook.fn(s), "OnStart(hook %q)", hook.name)
	})
}

func (s *Supervisor) epochStart(epoch int) error {
	return s.hooks.onEpochStart.Enumerate(func(hook *hookWithName[OnEpochStartFn]) error {
		return errors.WithMessagef(hook.fn(s, epoch), "OnEpochStart(hook %q)", hook.name)
	})
}

func (s *Supervisor) batch(phase Phase, batchIdx int, step StepResult) error {
	return s.hooks.onBatch.Enumerate(func(hook *hookWithName[OnBatchFn]) error {
		return errors.WithMessagef(hook.fn(s, phase, batchIdx, step), "OnBatch(hook %q)", hook.name)
	})
}

func (s *Supervisor) epochEnd(metrics EpochMetrics) error {
	return s.hooks.onEpochEnd.Enumerate(func(hook *hookWithName[OnEpochEndFn]) error {
		return errors.WithMessagef(hook.fn(s, metrics), "OnEpochEnd(hook %q)", hook.name)
	})
}

func (s *Supervisor) checkpointed(cp *checkpoints.Checkpoint) error {
	return s.hooks.onCheckpoint.Enumerate(func(hook *hookWithName[OnCheckpointFn]) error {
		return errors.WithMessagef(hook.fn(s, cp), "OnCheckpoint(hook %q)", hook.name)
	})
}

func (s *Supervisor) end(result *Result) error {
	return s.hooks.onEnd.Enumerate(func(hook *hookWithName[OnEndFn]) error {
		return errors.WithMessagef(hook.fn(s, result), "OnEnd(hook %q)", hook.name)
	})
}
