// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"strconv"
	"strings"

	"github.com/mifugocare/herdml/ml/train/optimizers"
	"github.com/mifugocare/herdml/ml/train/trainlog"
	"github.com/pkg/errors"
)

// Options of a Supervisor.
type Options struct {
	// MaxEpochs is the training budget. Epochs are 1-based, so the last epoch is MaxEpochs.
	MaxEpochs int

	// Patience is the number of consecutive epochs without improvement after which training stops.
	// 0 disables early stopping.
	Patience int

	// Metric tracked on the validation split to decide on checkpoints and early stopping.
	Metric Metric

	// LearningRate at the start of training. When resuming, the learning rate of the checkpoint is used.
	LearningRate float64

	// Schedule of the learning rate, stepped at the end of every epoch. Defaults to optimizers.Constant.
	Schedule optimizers.Schedule

	// ClassNames of the taxonomy, indexed by class index.
	ClassNames []string

	// ClassWeights handed to the model with every batch, indexed by class index. Optional.
	ClassWeights []float32

	// CheckpointFailure tells what to do when a checkpoint can't be written.
	CheckpointFailure CheckpointFailurePolicy

	// Resume from the checkpoint in the store, if there is one.
	Resume bool

	// RunID stamped in checkpoints and training log rows. A random one is generated if empty.
	RunID string

	// Log receives one row per completed epoch, if set.
	Log *trainlog.Log
}

// Validate the options.
func (o Options) Validate() error {
	if o.MaxEpochs <= 0 {
		return errors.Errorf("max epochs must be positive, got %d", o.MaxEpochs)
	}
	if o.Patience < 0 {
		return errors.Errorf("patience must be >= 0, got %d", o.Patience)
	}
	if o.LearningRate <= 0 {
		return errors.Errorf("learning rate must be positive, got %g", o.LearningRate)
	}
	if len(o.ClassNames) == 0 {
		return errors.New("class names are required")
	}
	if o.ClassWeights != nil && len(o.ClassWeights) != len(o.ClassNames) {
		return errors.Errorf("got %d class weights for %d classes", len(o.ClassWeights), len(o.ClassNames))
	}
	return nil
}

// Metric tracked on the validation split.
type Metric int

const (
	MetricAccuracy Metric = iota
	MetricLoss
)

func (m Metric) String() string {
	switch m {
	case MetricAccuracy:
		return "accuracy"
	case MetricLoss:
		return "loss"
	}
	return "Metric(" + strconv.Itoa(int(m)) + ")"
}

// HigherIsBetter returns true for metrics that improve by increasing.
func (m Metric) HigherIsBetter() bool {
	return m == MetricAccuracy
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Metric) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "accuracy", "acc":
		*m = MetricAccuracy
	case "loss":
		*m = MetricLoss
	default:
		return errors.Errorf("unknown metric %q, valid values are accuracy and loss", text)
	}
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (m Metric) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// CheckpointFailurePolicy tells the Supervisor what to do when a checkpoint write fails.
type CheckpointFailurePolicy int

const (
	// CheckpointFailureAbort stops training with an error. This is the default.
	CheckpointFailureAbort CheckpointFailurePolicy = iota

	// CheckpointFailureContinue logs the failure and carries on: the previous checkpoint stays in place,
	// and the improvement is kept in memory only.
	CheckpointFailureContinue
)

func (p CheckpointFailurePolicy) String() string {
	switch p {
	case CheckpointFailureAbort:
		return "abort"
	case CheckpointFailureContinue:
		return "continue"
	}
	return "CheckpointFailurePolicy(" + strconv.Itoa(int(p)) + ")"
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *CheckpointFailurePolicy) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "abort", "":
		*p = CheckpointFailureAbort
	case "continue":
		*p = CheckpointFailureContinue
	default:
		return errors.Errorf("unknown checkpoint failure policy %q, valid values are abort and continue", text)
	}
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (p CheckpointFailurePolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Phase of an epoch.
type Phase int

const (
	PhaseTrain Phase = iota
	PhaseValidation
)

func (p Phase) String() string {
	if p == PhaseTrain {
		return "train"
	}
	return "validation"
}

// State of the Supervisor: Idle → Running → {Checkpointing, AdjustingLR} → Running → … → Stopped.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateCheckpointing
	StateAdjustingLR
	StateStopped
)

var stateNames = []string{"Idle", "Running", "Checkpointing", "AdjustingLR", "Stopped"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
	return stateNames[s]
}

// StopReason tells why the Supervisor stopped.
type StopReason int

const (
	StopNone StopReason = iota

	// StopEarly is set when the tracked metric didn't improve for Options.Patience epochs.
	StopEarly

	// StopBudgetExhausted is set when Options.MaxEpochs was reached.
	StopBudgetExhausted

	// StopCancelled is set when the context was cancelled.
	StopCancelled

	// StopFailed is set when training was aborted by an error.
	StopFailed
)

var stopReasonNames = []string{"none", "early stopping", "budget exhausted", "cancelled", "failed"}

func (r StopReason) String() string {
	if r < 0 || int(r) >= len(stopReasonNames) {
		return "StopReason(" + strconv.Itoa(int(r)) + ")"
	}
	return stopReasonNames[r]
}
