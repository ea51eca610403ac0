// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package train holds the Supervisor, which drives the epochs of a training run: a train phase,
// a validation phase, the checkpoint and early-stopping decisions and the learning rate schedule step.
//
// The model itself is opaque to the Supervisor, see the Model interface. One can attach
// functionality to a Supervisor using hooks (OnEpochStart, OnBatch, OnEpochEnd, ...), like
// progress bars or training logs.
package train

import (
	"context"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mifugocare/herdml/ml/data/loader"
	"github.com/mifugocare/herdml/ml/train/checkpoints"
	"github.com/mifugocare/herdml/ml/train/optimizers"
	"github.com/mifugocare/herdml/ml/train/trainlog"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrCancelled is returned internally when the context is cancelled in the middle of a phase.
// Supervisor.Run turns it into a graceful stop with reason StopCancelled.
var ErrCancelled = errors.New("training cancelled")

// StepResult is what the Model reports for each batch.
type StepResult struct {
	// Loss is the mean (weighted) loss over the valid entries of the batch.
	Loss float64

	// Correct is the number of valid entries whose top-1 prediction matches the label, out of Count
	// valid entries.
	Correct, Count int

	// Predictions holds the top-1 predicted class of each entry of the batch, -1 for invalid entries.
	Predictions []int
}

// Model is the "encoder + classifier head" being trained. Its internals are opaque to the Supervisor.
type Model interface {
	// TrainStep updates the model with one batch. classWeights may be nil, in which case all classes weigh 1.
	TrainStep(batch *loader.Batch, classWeights []float32, learningRate float64) (StepResult, error)

	// EvalStep evaluates one batch, without updating the model.
	EvalStep(batch *loader.Batch, classWeights []float32) (StepResult, error)

	// MarshalState serializes the trainable state of the model.
	MarshalState() ([]byte, error)

	// UnmarshalState restores the state serialized by MarshalState.
	UnmarshalState(data []byte) error
}

// Dataset yields the batches of one split, one epoch at a time. It is implemented by loader.Batches.
type Dataset interface {
	Name() string
	NumBatches() int

	// Reset prepares the dataset for the given epoch (1-based).
	Reset(epoch int)

	// Next batch of the epoch, or io.EOF at its end.
	Next(ctx context.Context) (*loader.Batch, error)
}

// Supervisor runs the epoch loop of a training run.
//
// The public attributes are meant for reading only (from hooks), don't change them.
type Supervisor struct {
	model  Model
	store  *checkpoints.Store
	opts   Options
	sched  optimizers.Schedule
	hooks  supervisorHooks
	state  State
	result *Result

	// Epoch currently being executed, 1-based.
	Epoch int

	// BestMetric observed so far, valid if HasBest.
	BestMetric float64
	HasBest    bool

	// PatienceCounter is the number of consecutive epochs without improvement.
	PatienceCounter int

	// LearningRate currently in use.
	LearningRate float64

	// TrainStepDurations collected during training.
	TrainStepDurations []time.Duration

	// TrainDataset and ValidationDataset of the current run.
	TrainDataset, ValidationDataset Dataset

	lastEvaluation *Evaluation
}

// NewSupervisor creates a Supervisor for model, persisting its best state in store.
func NewSupervisor(model Model, store *checkpoints.Store, opts Options) (*Supervisor, error) {
	if model == nil {
		return nil, errors.New("train.NewSupervisor requires a model")
	}
	if store == nil {
		return nil, errors.New("train.NewSupervisor requires a checkpoint store")
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	s := &Supervisor{
		model:        model,
		store:        store,
		opts:         opts,
		sched:        opts.Schedule,
		hooks:        newSupervisorHooks(),
		state:        StateIdle,
		LearningRate: opts.LearningRate,
	}
	if s.sched == nil {
		s.sched = optimizers.Constant{}
	}
	return s, nil
}

// Options of the Supervisor.
func (s *Supervisor) Options() Options {
	return s.opts
}

// State of the supervisor.
func (s *Supervisor) State() State {
	return s.state
}

// Store where checkpoints are saved.
func (s *Supervisor) Store() *checkpoints.Store {
	return s.store
}

// Run trains the model until it stops: early stopping, budget exhausted, cancellation or an error.
//
// Stopping for any reason other than an error returns a nil error. On errors, the returned Result is
// still valid: Result.Best holds the most recent checkpoint successfully persisted, if any.
//
// Run can only be called once per Supervisor.
func (s *Supervisor) Run(ctx context.Context, trainDS, validationDS Dataset) (*Result, error) {
	if s.state != StateIdle {
		return nil, errors.Errorf("Supervisor.Run can only be called once, current state is %s", s.state)
	}
	s.result = &Result{RunID: s.opts.RunID}
	s.TrainDataset, s.ValidationDataset = trainDS, validationDS
	firstEpoch, err := s.resume()
	if err != nil {
		s.state = StateStopped
		return nil, err
	}
	s.state = StateRunning
	if err = s.start(); err != nil {
		return s.fail(err)
	}
	if firstEpoch > s.opts.MaxEpochs {
		klog.Infof("Checkpoint epoch %d already reached the maximum of %d epochs", firstEpoch-1, s.opts.MaxEpochs)
		s.result.Reason = StopBudgetExhausted
		return s.finish()
	}
	for epoch := firstEpoch; ; epoch++ {
		reason, err := s.runEpoch(ctx, epoch, trainDS, validationDS)
		if err != nil {
			return s.fail(err)
		}
		if reason != StopNone {
			s.result.Reason = reason
			break
		}
	}
	return s.finish()
}

// resume restores the state of the best checkpoint, if configured to do so. It returns the first epoch to run.
func (s *Supervisor) resume() (int, error) {
	if !s.opts.Resume {
		return 1, nil
	}
	cp, err := s.store.Load()
	if err != nil {
		if errors.Is(err, checkpoints.ErrNotFound) {
			klog.V(1).Infof("No checkpoint in %s, starting from scratch", s.store)
			return 1, nil
		}
		return 0, errors.WithMessagef(err, "failed to resume training")
	}
	if cp.MetricName != s.opts.Metric.String() {
		return 0, errors.Errorf("checkpoint %s tracks metric %q, but training is configured to track %q",
			s.store.Path(), cp.MetricName, s.opts.Metric)
	}
	if err = s.model.UnmarshalState(cp.ModelState); err != nil {
		return 0, errors.WithMessagef(err, "failed to restore model state from %s", s.store.Path())
	}
	s.BestMetric, s.HasBest = cp.MetricValue, true
	if cp.LearningRate > 0 {
		s.LearningRate = cp.LearningRate
	}
	s.result.Best = cp
	s.result.Resumed = true
	klog.Infof("Resuming after %s", cp)
	return cp.Epoch + 1, nil
}

// runEpoch runs one epoch, and returns a StopReason if the supervisor should stop after it.
func (s *Supervisor) runEpoch(ctx context.Context, epoch int, trainDS, validationDS Dataset) (StopReason, error) {
	s.Epoch = epoch
	startTime := time.Now()
	if err := s.epochStart(epoch); err != nil {
		return StopNone, err
	}
	metrics := EpochMetrics{Epoch: epoch, LearningRate: s.LearningRate}

	trainAgg, _, err := s.runPhase(ctx, PhaseTrain, epoch, trainDS)
	if err == nil {
		var validationAgg phaseAggregate
		var eval *Evaluation
		validationAgg, eval, err = s.runPhase(ctx, PhaseValidation, epoch, validationDS)
		metrics.TrainLoss, metrics.TrainAccuracy = trainAgg.loss(), trainAgg.accuracy()
		metrics.ValidationLoss, metrics.ValidationAccuracy = validationAgg.loss(), validationAgg.accuracy()
		s.lastEvaluation = eval
	}
	if err != nil {
		if errors.Is(err, ErrCancelled) {
			klog.Infof("Training cancelled during epoch %d, before validation completed: no checkpoint for this epoch", epoch)
			return StopCancelled, nil
		}
		return StopNone, err
	}

	// Checkpoint decision.
	metrics.Metric = metrics.ValidationAccuracy
	if s.opts.Metric == MetricLoss {
		metrics.Metric = metrics.ValidationLoss
	}
	metrics.Improved = s.improves(metrics.Metric)

	// Learning rate schedule. It is stepped before checkpointing, so a checkpoint stores the learning
	// rate of the epoch that follows it.
	s.state = StateAdjustingLR
	s.LearningRate = s.sched.Next(epoch, metrics.Metric, s.LearningRate)
	metrics.NextLearningRate = s.LearningRate
	if s.LearningRate != metrics.LearningRate {
		klog.Infof("Epoch %d: %s schedule changed learning rate from %g to %g", epoch, s.sched.Name(), metrics.LearningRate, s.LearningRate)
	}

	if metrics.Improved {
		s.BestMetric, s.HasBest = metrics.Metric, true
		s.PatienceCounter = 0
		s.result.Evaluation = s.lastEvaluation
		s.state = StateCheckpointing
		metrics.Checkpointed, err = s.saveCheckpoint(epoch, metrics.Metric)
		if err != nil {
			return StopNone, err
		}
	} else {
		s.PatienceCounter++
	}
	s.state = StateRunning

	metrics.Duration = time.Since(startTime)
	s.result.History = append(s.result.History, metrics)
	s.result.LastEpoch = epoch
	klog.Infof("%s", metrics)
	if err = s.appendLog(metrics); err != nil {
		return StopNone, err
	}
	if err = s.epochEnd(metrics); err != nil {
		return StopNone, err
	}

	switch {
	case ctx.Err() != nil:
		return StopCancelled, nil
	case s.opts.Patience > 0 && s.PatienceCounter >= s.opts.Patience:
		klog.Infof("Early stopping: no improvement of %s for %d epochs", s.opts.Metric, s.PatienceCounter)
		return StopEarly, nil
	case epoch >= s.opts.MaxEpochs:
		return StopBudgetExhausted, nil
	}
	return StopNone, nil
}

// improves returns whether metric is strictly better than the best so far.
func (s *Supervisor) improves(metric float64) bool {
	if math.IsNaN(metric) || math.IsInf(metric, 0) {
		return false
	}
	if !s.HasBest {
		return true
	}
	if s.opts.Metric.HigherIsBetter() {
		return metric > s.BestMetric
	}
	return metric < s.BestMetric
}

// runPhase iterates over all batches of ds. Only the validation phase returns an Evaluation.
func (s *Supervisor) runPhase(ctx context.Context, phase Phase, epoch int, ds Dataset) (agg phaseAggregate, eval *Evaluation, err error) {
	ds.Reset(epoch)
	if phase == PhaseValidation {
		eval = NewEvaluation(s.opts.ClassNames)
	}
	for batchIdx := 0; ; batchIdx++ {
		if ctx.Err() != nil && batchIdx < ds.NumBatches() {
			return agg, nil, ErrCancelled
		}
		var batch *loader.Batch
		batch, err = ds.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return agg, nil, ErrCancelled
			}
			return agg, nil, errors.WithMessagef(err, "epoch %d: %s phase failed reading from dataset %q", epoch, phase, ds.Name())
		}

		var step StepResult
		if phase == PhaseTrain {
			stepStart := time.Now()
			step, err = s.model.TrainStep(batch, s.opts.ClassWeights, s.LearningRate)
			s.TrainStepDurations = append(s.TrainStepDurations, time.Since(stepStart))
		} else {
			step, err = s.model.EvalStep(batch, s.opts.ClassWeights)
		}
		if err != nil {
			return agg, nil, errors.WithMessagef(err, "epoch %d: failed %s step (batch %d)", epoch, phase, batchIdx)
		}
		if math.IsNaN(step.Loss) {
			return agg, nil, errors.Errorf("batch loss is NaN, training interrupted (epoch %d, %s batch %d)", epoch, phase, batchIdx)
		}
		if math.IsInf(step.Loss, 0) {
			return agg, nil, errors.Errorf("batch loss is infinity (%f), training interrupted (epoch %d, %s batch %d)",
				step.Loss, epoch, phase, batchIdx)
		}
		agg.add(step)
		if eval != nil {
			eval.AddBatch(batch, step.Predictions)
		}
		if err = s.batch(phase, batchIdx, step); err != nil {
			return agg, nil, err
		}
	}
	err = nil
	if reporter, ok := ds.(interface{ EpochReport() loader.EpochReport }); ok {
		if report := reporter.EpochReport(); report.Failed > 0 {
			klog.Warningf("%s phase, dataset %q: %s", phase, ds.Name(), report)
		}
	}
	if agg.count == 0 {
		return agg, nil, errors.Errorf("epoch %d: %s phase over dataset %q had no valid samples", epoch, phase, ds.Name())
	}
	return agg, eval, nil
}

// saveCheckpoint persists the current model state. It returns whether the checkpoint was saved: under
// CheckpointFailureContinue write failures are logged and counted, and training proceeds.
func (s *Supervisor) saveCheckpoint(epoch int, metric float64) (bool, error) {
	state, err := s.model.MarshalState()
	if err != nil {
		return false, errors.WithMessagef(err, "epoch %d: failed to serialize model state", epoch)
	}
	cp := &checkpoints.Checkpoint{
		Epoch:        epoch,
		MetricName:   s.opts.Metric.String(),
		MetricValue:  metric,
		LearningRate: s.LearningRate,
		RunID:        s.opts.RunID,
		SavedAt:      time.Now(),
		ModelState:   state,
	}
	if err = s.store.Save(cp); err != nil {
		if s.opts.CheckpointFailure == CheckpointFailureContinue && errors.Is(err, checkpoints.ErrWriteFailure) {
			s.result.CheckpointFailures++
			klog.Warningf("Epoch %d: %v -- previous checkpoint kept, training continues", epoch, err)
			return false, nil
		}
		return false, errors.WithMessagef(err, "epoch %d", epoch)
	}
	s.result.Best = cp
	klog.V(1).Infof("Saved %s to %s", cp, s.store.Path())
	return true, s.checkpointed(cp)
}

func (s *Supervisor) appendLog(metrics EpochMetrics) error {
	if s.opts.Log == nil {
		return nil
	}
	err := s.opts.Log.Append(trainlog.Row{
		Epoch:              metrics.Epoch,
		TrainLoss:          metrics.TrainLoss,
		TrainAccuracy:      metrics.TrainAccuracy,
		ValidationLoss:     metrics.ValidationLoss,
		ValidationAccuracy: metrics.ValidationAccuracy,
		LearningRate:       metrics.LearningRate,
		Improved:           metrics.Checkpointed,
		RunID:              s.opts.RunID,
		Timestamp:          time.Now().Format(trainlog.TimeLayout),
	})
	return errors.WithMessagef(err, "epoch %d: failed to append to training log", metrics.Epoch)
}

// fail stops the supervisor with an error, reporting the most recent checkpoint persisted.
func (s *Supervisor) fail(err error) (*Result, error) {
	s.result.Reason = StopFailed
	if s.result.Best != nil {
		err = errors.WithMessagef(err, "training aborted at epoch %d, best checkpoint persisted: epoch %d, %s=%.4f",
			s.Epoch, s.result.Best.Epoch, s.result.Best.MetricName, s.result.Best.MetricValue)
	} else {
		err = errors.WithMessagef(err, "training aborted at epoch %d, no checkpoint persisted", s.Epoch)
	}
	klog.Errorf("%v", err)
	if endErr := s.stop(); endErr != nil {
		klog.Errorf("%v", endErr)
	}
	return s.result, err
}

// finish stops the supervisor gracefully.
func (s *Supervisor) finish() (*Result, error) {
	klog.Infof("Training stopped (%s) after epoch %d", s.result.Reason, s.result.LastEpoch)
	return s.result, s.stop()
}

func (s *Supervisor) stop() error {
	s.state = StateStopped
	s.result.BestMetric = s.BestMetric
	s.result.MedianStepDuration = s.MedianTrainStepDuration()
	if s.result.Evaluation == nil {
		s.result.Evaluation = s.lastEvaluation
	}
	return s.end(s.result)
}

// MedianTrainStepDuration returns the median duration of each training step. It returns 1 millisecond
// if no training step was recorded (to avoid potential division by 0).
func (s *Supervisor) MedianTrainStepDuration() time.Duration {
	if len(s.TrainStepDurations) == 0 {
		return time.Millisecond
	}
	seconds := make(stats.Float64Data, len(s.TrainStepDurations))
	for i, d := range s.TrainStepDurations {
		seconds[i] = d.Seconds()
	}
	median, err := stats.Median(seconds)
	if err != nil {
		return time.Millisecond
	}
	return time.Duration(median * float64(time.Second))
}

// phaseAggregate accumulates the StepResults of one phase.
type phaseAggregate struct {
	lossSum float64
	correct int
	count   int
}

func (a *phaseAggregate) add(step StepResult) {
	if step.Count <= 0 {
		return
	}
	a.lossSum += step.Loss * float64(step.Count)
	a.correct += step.Correct
	a.count += step.Count
}

func (a *phaseAggregate) loss() float64 {
	if a.count == 0 {
		return math.NaN()
	}
	return a.lossSum / float64(a.count)
}

func (a *phaseAggregate) accuracy() float64 {
	if a.count == 0 {
		return math.NaN()
	}
	return float64(a.correct) / float64(a.count)
}

// EpochMetrics summarizes one completed epoch.
type EpochMetrics struct {
	Epoch int

	TrainLoss, TrainAccuracy           float64
	ValidationLoss, ValidationAccuracy float64

	// LearningRate used during the epoch, and NextLearningRate set by the schedule for the next one.
	LearningRate, NextLearningRate float64

	// Metric is the tracked validation metric.
	Metric float64

	// Improved is true if Metric was strictly better than the best so far.
	Improved bool

	// Checkpointed is true if the checkpoint of the improvement was persisted.
	Checkpointed bool

	Duration time.Duration
}

func (m EpochMetrics) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "Epoch %d: train loss=%.4f acc=%.2f%%, validation loss=%.4f acc=%.2f%%, lr=%g (%s)",
		m.Epoch, m.TrainLoss, 100*m.TrainAccuracy, m.ValidationLoss, 100*m.ValidationAccuracy,
		m.LearningRate, m.Duration.Round(time.Millisecond))
	if m.Improved {
		sb.WriteString(" *")
	}
	return sb.String()
}

// Result of a training run.
type Result struct {
	RunID  string
	Reason StopReason

	// Resumed is true if the run started from a previous checkpoint.
	Resumed bool

	// LastEpoch fully completed, 0 if none.
	LastEpoch int

	// Best is the most recent checkpoint successfully persisted, nil if none.
	Best *checkpoints.Checkpoint

	// BestMetric observed, which may be better than Best.MetricValue if checkpoint writes failed.
	BestMetric float64

	// History of the epochs completed in this run.
	History []EpochMetrics

	// Evaluation of the validation split at the best epoch of this run, or at the last completed
	// epoch if no epoch improved.
	Evaluation *Evaluation

	// CheckpointFailures tolerated under CheckpointFailureContinue.
	CheckpointFailures int

	MedianStepDuration time.Duration
}
