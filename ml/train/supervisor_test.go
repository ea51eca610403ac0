// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"testing"

	"github.com/mifugocare/herdml/ml/data/loader"
	"github.com/mifugocare/herdml/ml/train/checkpoints"
	"github.com/mifugocare/herdml/ml/train/optimizers"
	"github.com/mifugocare/herdml/ml/train/trainlog"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fakeBatchSize = 100

// fakeDataset yields numBatches batches of fakeBatchSize entries, with labels alternating 0 and 1.
type fakeDataset struct {
	name       string
	numBatches int
	pos        int
	epochs     []int
}

func (d *fakeDataset) Name() string    { return d.name }
func (d *fakeDataset) NumBatches() int { return d.numBatches }

func (d *fakeDataset) Reset(epoch int) {
	d.pos = 0
	d.epochs = append(d.epochs, epoch)
}

func (d *fakeDataset) Next(ctx context.Context) (*loader.Batch, error) {
	if d.pos >= d.numBatches {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.pos++
	batch := &loader.Batch{
		Inputs: make([]*loader.Tensor, fakeBatchSize),
		Labels: make([]int, fakeBatchSize),
		Paths:  make([]string, fakeBatchSize),
		Valid:  make([]bool, fakeBatchSize),
	}
	for i := range fakeBatchSize {
		batch.Labels[i] = i % 2
		batch.Valid[i] = true
	}
	return batch, nil
}

// fakeModel reports scripted validation accuracies, one per validation pass.
type fakeModel struct {
	valAccuracies []float64
	nanAtStep     int

	trainSteps, evalPasses, evalSteps int
	lastEvalBatches                   int
	learningRates                     []float64
	restored                          []byte
}

func (m *fakeModel) TrainStep(batch *loader.Batch, _ []float32, learningRate float64) (StepResult, error) {
	m.trainSteps++
	m.learningRates = append(m.learningRates, learningRate)
	loss := 1 / float64(m.trainSteps)
	if m.trainSteps == m.nanAtStep {
		loss = math.NaN()
	}
	return StepResult{Loss: loss, Correct: batch.Size() / 2, Count: batch.Size(), Predictions: batch.Labels}, nil
}

func (m *fakeModel) EvalStep(batch *loader.Batch, _ []float32) (StepResult, error) {
	m.evalSteps++
	acc := m.valAccuracies[min(m.evalPasses, len(m.valAccuracies)-1)]
	correct := int(math.Round(acc * float64(batch.Size())))
	predictions := make([]int, batch.Size())
	for i, label := range batch.Labels {
		if i < correct {
			predictions[i] = label
		} else {
			predictions[i] = 1 - label
		}
	}
	return StepResult{Loss: 1 - acc, Correct: correct, Count: batch.Size(), Predictions: predictions}, nil
}

func (m *fakeModel) MarshalState() ([]byte, error) {
	return []byte(fmt.Sprintf("state after %d steps", m.trainSteps)), nil
}

func (m *fakeModel) UnmarshalState(data []byte) error {
	m.restored = data
	return nil
}

// countEvalPasses advances the fakeModel to the next scripted accuracy at the end of each epoch.
func countEvalPasses(s *Supervisor, model *fakeModel) {
	s.OnEpochEnd("countEvalPasses", 1000, func(_ *Supervisor, _ EpochMetrics) error {
		model.evalPasses++
		return nil
	})
}

func testOptions(maxEpochs, patience int) Options {
	return Options{
		MaxEpochs:    maxEpochs,
		Patience:     patience,
		Metric:       MetricAccuracy,
		LearningRate: 0.01,
		ClassNames:   []string{"healthy", "lumpy_skin"},
		RunID:        "test-run",
	}
}

func newTestSupervisor(t *testing.T, fs afero.Fs, model *fakeModel, opts Options) *Supervisor {
	store, err := checkpoints.Build(fs).Dir("/checkpoints").Done()
	require.NoError(t, err)
	s, err := NewSupervisor(model, store, opts)
	require.NoError(t, err)
	countEvalPasses(s, model)
	return s
}

func TestEarlyStopping(t *testing.T) {
	fs := afero.NewMemMapFs()
	model := &fakeModel{valAccuracies: []float64{0.70, 0.69, 0.68, 0.67, 0.99}}
	opts := testOptions(10, 3)
	var err error
	opts.Log, err = trainlog.Open(fs, "/checkpoints/"+trainlog.DefaultFileName)
	require.NoError(t, err)
	s := newTestSupervisor(t, fs, model, opts)

	result, err := s.Run(context.Background(), &fakeDataset{name: "train", numBatches: 2}, &fakeDataset{name: "validation", numBatches: 1})
	require.NoError(t, err)
	assert.Equal(t, StopEarly, result.Reason)
	assert.Equal(t, 4, result.LastEpoch)
	assert.Equal(t, StateStopped, s.State())
	assert.Equal(t, 3, s.PatienceCounter)
	require.Len(t, result.History, 4)
	assert.True(t, result.History[0].Checkpointed)
	for _, m := range result.History[1:] {
		assert.False(t, m.Improved)
	}

	require.NotNil(t, result.Best)
	assert.Equal(t, 1, result.Best.Epoch)
	assert.Equal(t, 0.70, result.Best.MetricValue)
	cp, err := s.Store().Load()
	require.NoError(t, err)
	assert.Equal(t, 1, cp.Epoch)
	assert.Equal(t, 0.70, cp.MetricValue)
	assert.Equal(t, "accuracy", cp.MetricName)
	assert.Equal(t, "state after 2 steps", string(cp.ModelState))

	rows, err := trainlog.Read(fs, opts.Log.Path())
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.True(t, rows[0].Improved)
	assert.InDelta(t, 0.67, rows[3].ValidationAccuracy, 1e-9)

	// Evaluation is the one of the best epoch.
	require.NotNil(t, result.Evaluation)
	assert.InDelta(t, 0.70, result.Evaluation.Accuracy(), 1e-9)
}

func TestBudgetExhaustedAndHooks(t *testing.T) {
	fs := afero.NewMemMapFs()
	model := &fakeModel{valAccuracies: []float64{0.5, 0.6, 0.7}}
	s := newTestSupervisor(t, fs, model, testOptions(3, 0))
	var calls []string
	s.OnEpochStart("second", 1, func(_ *Supervisor, epoch int) error {
		calls = append(calls, fmt.Sprintf("second:%d", epoch))
		return nil
	})
	s.OnEpochStart("first", -1, func(_ *Supervisor, epoch int) error {
		calls = append(calls, fmt.Sprintf("first:%d", epoch))
		return nil
	})
	var checkpointed []int
	s.OnCheckpoint("checkpointed", 0, func(_ *Supervisor, cp *checkpoints.Checkpoint) error {
		checkpointed = append(checkpointed, cp.Epoch)
		return nil
	})
	var numBatches int
	EveryNBatches(s, 1, "count", 0, func(_ *Supervisor, _ Phase, _ int, _ StepResult) error {
		numBatches++
		return nil
	})
	var ended *Result
	s.OnEnd("end", 0, func(_ *Supervisor, result *Result) error {
		ended = result
		return nil
	})

	trainDS := &fakeDataset{name: "train", numBatches: 2}
	result, err := s.Run(context.Background(), trainDS, &fakeDataset{name: "validation", numBatches: 1})
	require.NoError(t, err)
	assert.Equal(t, StopBudgetExhausted, result.Reason)
	assert.Equal(t, 3, result.LastEpoch)
	assert.Equal(t, []string{"first:1", "second:1", "first:2", "second:2", "first:3", "second:3"}, calls)
	assert.Equal(t, []int{1, 2, 3}, checkpointed)
	assert.Equal(t, []int{1, 2, 3}, trainDS.epochs)
	assert.Equal(t, 9, numBatches)
	assert.Same(t, result, ended)
	assert.Equal(t, 3, result.Best.Epoch)
	assert.Len(t, s.TrainStepDurations, 6)

	// Run can't be called twice.
	_, err = s.Run(context.Background(), trainDS, trainDS)
	assert.Error(t, err)
}

func TestHookErrors(t *testing.T) {
	model := &fakeModel{valAccuracies: []float64{0.5}}
	s := newTestSupervisor(t, afero.NewMemMapFs(), model, testOptions(3, 0))
	s.OnEpochEnd("broken", 0, func(_ *Supervisor, _ EpochMetrics) error {
		return errors.New("boom")
	})
	result, err := s.Run(context.Background(), &fakeDataset{numBatches: 1}, &fakeDataset{numBatches: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `OnEpochEnd(hook "broken")`)
	assert.Contains(t, err.Error(), "best checkpoint persisted: epoch 1")
	assert.Equal(t, StopFailed, result.Reason)
}

func TestCancellation(t *testing.T) {
	t.Run("during train phase", func(t *testing.T) {
		model := &fakeModel{valAccuracies: []float64{0.5, 0.9}}
		s := newTestSupervisor(t, afero.NewMemMapFs(), model, testOptions(10, 0))
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		s.OnBatch("cancel", 0, func(s *Supervisor, phase Phase, batchIdx int, _ StepResult) error {
			if s.Epoch == 2 && phase == PhaseTrain && batchIdx == 0 {
				cancel()
			}
			return nil
		})
		result, err := s.Run(ctx, &fakeDataset{numBatches: 3}, &fakeDataset{numBatches: 1})
		require.NoError(t, err)
		assert.Equal(t, StopCancelled, result.Reason)
		assert.Equal(t, 1, result.LastEpoch)
		assert.Equal(t, 1, result.Best.Epoch)
		assert.Equal(t, 4, model.trainSteps, "in-flight batch of epoch 2 is finished, the rest is not")
	})

	t.Run("during validation phase", func(t *testing.T) {
		model := &fakeModel{valAccuracies: []float64{0.5}}
		s := newTestSupervisor(t, afero.NewMemMapFs(), model, testOptions(10, 0))
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		s.OnBatch("cancel", 0, func(_ *Supervisor, phase Phase, batchIdx int, _ StepResult) error {
			if phase == PhaseValidation && batchIdx == 0 {
				cancel()
			}
			return nil
		})
		result, err := s.Run(ctx, &fakeDataset{numBatches: 1}, &fakeDataset{numBatches: 2})
		require.NoError(t, err)
		assert.Equal(t, StopCancelled, result.Reason)
		assert.Equal(t, 0, result.LastEpoch)
		assert.Nil(t, result.Best)
		_, err = s.Store().Load()
		assert.ErrorIs(t, err, checkpoints.ErrNotFound)
	})

	t.Run("after validation completed", func(t *testing.T) {
		model := &fakeModel{valAccuracies: []float64{0.5}}
		s := newTestSupervisor(t, afero.NewMemMapFs(), model, testOptions(10, 0))
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		s.OnBatch("cancel", 0, func(_ *Supervisor, phase Phase, batchIdx int, _ StepResult) error {
			if phase == PhaseValidation && batchIdx == 1 {
				cancel()
			}
			return nil
		})
		result, err := s.Run(ctx, &fakeDataset{numBatches: 1}, &fakeDataset{numBatches: 2})
		require.NoError(t, err)
		assert.Equal(t, StopCancelled, result.Reason)
		assert.Equal(t, 1, result.LastEpoch)
		require.NotNil(t, result.Best)
		cp, err := s.Store().Load()
		require.NoError(t, err)
		assert.Equal(t, 1, cp.Epoch)
	})
}

// failingFs fails to create files once fail is set.
type failingFs struct {
	afero.Fs
	fail bool
}

func (f *failingFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	if f.fail && flag&os.O_CREATE != 0 {
		return nil, &os.PathError{Op: "open", Path: name, Err: errors.New("no space left on device")}
	}
	return f.Fs.OpenFile(name, flag, perm)
}

func (f *failingFs) Create(name string) (afero.File, error) {
	return f.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
}

func TestCheckpointWriteFailure(t *testing.T) {
	for _, policy := range []CheckpointFailurePolicy{CheckpointFailureAbort, CheckpointFailureContinue} {
		t.Run(policy.String(), func(t *testing.T) {
			fs := &failingFs{Fs: afero.NewMemMapFs()}
			model := &fakeModel{valAccuracies: []float64{0.5, 0.6, 0.7}}
			opts := testOptions(3, 0)
			opts.CheckpointFailure = policy
			s := newTestSupervisor(t, fs, model, opts)
			s.OnCheckpoint("disk full", 0, func(_ *Supervisor, _ *checkpoints.Checkpoint) error {
				fs.fail = true
				return nil
			})
			result, err := s.Run(context.Background(), &fakeDataset{numBatches: 1}, &fakeDataset{numBatches: 1})
			require.NotNil(t, result)
			require.NotNil(t, result.Best)
			assert.Equal(t, 1, result.Best.Epoch)

			if policy == CheckpointFailureAbort {
				require.Error(t, err)
				assert.ErrorIs(t, err, checkpoints.ErrWriteFailure)
				assert.Contains(t, err.Error(), "best checkpoint persisted: epoch 1, accuracy=0.5000")
				assert.Equal(t, StopFailed, result.Reason)
				assert.Equal(t, 1, result.LastEpoch)
			} else {
				require.NoError(t, err)
				assert.Equal(t, StopBudgetExhausted, result.Reason)
				assert.Equal(t, 2, result.CheckpointFailures)
				assert.InDelta(t, 0.7, result.BestMetric, 1e-9)
			}

			// The previous checkpoint is intact.
			fs.fail = false
			cp, err := s.Store().Load()
			require.NoError(t, err)
			assert.Equal(t, 1, cp.Epoch)
		})
	}
}

func TestNaNLoss(t *testing.T) {
	model := &fakeModel{valAccuracies: []float64{0.5}, nanAtStep: 3}
	s := newTestSupervisor(t, afero.NewMemMapFs(), model, testOptions(5, 0))
	result, err := s.Run(context.Background(), &fakeDataset{numBatches: 2}, &fakeDataset{numBatches: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch loss is NaN")
	assert.Equal(t, StopFailed, result.Reason)
	assert.Equal(t, 1, result.LastEpoch)
}

func TestResume(t *testing.T) {
	fs := afero.NewMemMapFs()
	first := &fakeModel{valAccuracies: []float64{0.5, 0.6}}
	opts := testOptions(2, 0)
	opts.Schedule = optimizers.StepDecay{StepEpochs: 1, Gamma: 0.5}
	s := newTestSupervisor(t, fs, first, opts)
	result, err := s.Run(context.Background(), &fakeDataset{numBatches: 1}, &fakeDataset{numBatches: 1})
	require.NoError(t, err)
	require.Equal(t, 2, result.Best.Epoch)
	assert.Equal(t, []float64{0.01, 0.005}, first.learningRates)
	// The checkpoint holds the learning rate of the epoch after it.
	assert.Equal(t, 0.0025, result.Best.LearningRate)

	second := &fakeModel{valAccuracies: []float64{0.55, 0.65}}
	opts = testOptions(4, 0)
	opts.Resume = true
	s = newTestSupervisor(t, fs, second, opts)
	trainDS := &fakeDataset{numBatches: 1}
	result, err = s.Run(context.Background(), trainDS, &fakeDataset{numBatches: 1})
	require.NoError(t, err)
	assert.True(t, result.Resumed)
	assert.Equal(t, "state after 2 steps", string(second.restored))
	assert.Equal(t, []int{3, 4}, trainDS.epochs)
	require.Len(t, result.History, 2)
	assert.False(t, result.History[0].Improved, "0.55 is not better than the resumed 0.6")
	assert.True(t, result.History[1].Improved)
	assert.Equal(t, 4, result.Best.Epoch)
	assert.Equal(t, 0.0025, second.learningRates[0], "learning rate restored from checkpoint")

	// Budget already exhausted by the checkpoint.
	third := &fakeModel{valAccuracies: []float64{0.9}}
	opts.MaxEpochs = 4
	s = newTestSupervisor(t, fs, third, opts)
	result, err = s.Run(context.Background(), &fakeDataset{numBatches: 1}, &fakeDataset{numBatches: 1})
	require.NoError(t, err)
	assert.Equal(t, StopBudgetExhausted, result.Reason)
	assert.Equal(t, 0, third.trainSteps)

	// Metric mismatch.
	opts.Metric = MetricLoss
	opts.MaxEpochs = 10
	s = newTestSupervisor(t, fs, &fakeModel{valAccuracies: []float64{0.9}}, opts)
	_, err = s.Run(context.Background(), &fakeDataset{numBatches: 1}, &fakeDataset{numBatches: 1})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), `tracks metric "accuracy"`))
}

func TestResumeCosineSchedule(t *testing.T) {
	newSchedule := func() optimizers.Schedule {
		sched, err := optimizers.Config{Kind: "cosine", PeriodEpochs: 2}.New(0.01, true)
		require.NoError(t, err)
		return sched
	}
	accuracies := []float64{0.5, 0.6, 0.7, 0.8}

	// Uninterrupted run.
	uninterrupted := &fakeModel{valAccuracies: accuracies}
	opts := testOptions(4, 0)
	opts.Schedule = newSchedule()
	s := newTestSupervisor(t, afero.NewMemMapFs(), uninterrupted, opts)
	_, err := s.Run(context.Background(), &fakeDataset{numBatches: 1}, &fakeDataset{numBatches: 1})
	require.NoError(t, err)
	require.Len(t, uninterrupted.learningRates, 4)
	assert.InDelta(t, 0.01, uninterrupted.learningRates[2], 1e-12, "warm restart at epoch 3")

	// Same run, stopped after epoch 2 and resumed.
	fs := afero.NewMemMapFs()
	first := &fakeModel{valAccuracies: accuracies[:2]}
	opts = testOptions(2, 0)
	opts.Schedule = newSchedule()
	s = newTestSupervisor(t, fs, first, opts)
	_, err = s.Run(context.Background(), &fakeDataset{numBatches: 1}, &fakeDataset{numBatches: 1})
	require.NoError(t, err)

	second := &fakeModel{valAccuracies: accuracies[2:]}
	opts = testOptions(4, 0)
	opts.Schedule = newSchedule()
	opts.Resume = true
	s = newTestSupervisor(t, fs, second, opts)
	result, err := s.Run(context.Background(), &fakeDataset{numBatches: 1}, &fakeDataset{numBatches: 1})
	require.NoError(t, err)
	assert.True(t, result.Resumed)

	resumed := append(append([]float64(nil), first.learningRates...), second.learningRates...)
	require.Len(t, resumed, 4)
	for i, want := range uninterrupted.learningRates {
		assert.InDelta(t, want, resumed[i], 1e-12, "epoch %d", i+1)
	}
}

func TestLossMetricAndPlateau(t *testing.T) {
	model := &fakeModel{valAccuracies: []float64{0.5, 0.4, 0.3}}
	opts := testOptions(3, 0)
	opts.Metric = MetricLoss
	opts.Schedule = &optimizers.Plateau{Factor: 0.5, Patience: 1, HigherIsBetter: false, MinLearningRate: 1e-7}
	s := newTestSupervisor(t, afero.NewMemMapFs(), model, opts)
	result, err := s.Run(context.Background(), &fakeDataset{numBatches: 1}, &fakeDataset{numBatches: 1})
	require.NoError(t, err)
	require.Len(t, result.History, 3)
	// Validation loss is 1-accuracy: 0.5, 0.6, 0.7, so only the first epoch improves.
	assert.True(t, result.History[0].Improved)
	assert.False(t, result.History[1].Improved)
	assert.Equal(t, 1, result.Best.Epoch)
	assert.InDelta(t, 0.5, result.Best.MetricValue, 1e-9)
	assert.Equal(t, "loss", result.Best.MetricName)
	assert.InDelta(t, 0.01, result.History[0].NextLearningRate, 1e-12)
	assert.InDelta(t, 0.005, result.History[1].NextLearningRate, 1e-12)
	assert.InDelta(t, 0.0025, result.History[2].NextLearningRate, 1e-12)
	assert.Equal(t, []float64{0.01, 0.01, 0.005}, model.learningRates)
}

func TestOptionsValidate(t *testing.T) {
	store, err := checkpoints.Build(afero.NewMemMapFs()).Dir("/c").Done()
	require.NoError(t, err)
	for _, opts := range []Options{
		{},
		{MaxEpochs: 1, LearningRate: 0.1},
		{MaxEpochs: 1, LearningRate: 0.1, ClassNames: []string{"a"}, ClassWeights: []float32{1, 2}},
		{MaxEpochs: 1, LearningRate: 0.1, ClassNames: []string{"a"}, Patience: -1},
		{MaxEpochs: 1, ClassNames: []string{"a"}},
	} {
		_, err := NewSupervisor(&fakeModel{}, store, opts)
		assert.Error(t, err, "options %+v", opts)
	}
	s, err := NewSupervisor(&fakeModel{}, store, Options{MaxEpochs: 1, LearningRate: 0.1, ClassNames: []string{"a"}})
	require.NoError(t, err)
	assert.NotEmpty(t, s.Options().RunID)
	assert.Equal(t, StateIdle, s.State())

	var metric Metric
	require.NoError(t, metric.UnmarshalText([]byte("loss")))
	assert.Equal(t, MetricLoss, metric)
	assert.Error(t, metric.UnmarshalText([]byte("f1")))
	var policy CheckpointFailurePolicy
	require.NoError(t, policy.UnmarshalText([]byte("continue")))
	assert.Equal(t, CheckpointFailureContinue, policy)
}
