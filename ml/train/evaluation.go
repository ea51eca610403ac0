// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"github.com/mifugocare/herdml/ml/data/loader"
)

// Evaluation accumulates the confusion matrix of a validation pass.
type Evaluation struct {
	ClassNames []string

	// Confusion[label][prediction] counts the validation samples.
	Confusion [][]int

	// Skipped counts entries left out: invalid (placeholder) images, or predictions out of range.
	Skipped int
}

// ClassMetrics of one class.
type ClassMetrics struct {
	Name string

	// Support is the number of samples whose label is this class.
	Support int

	Precision, Recall, F1 float64
}

// NewEvaluation creates an empty Evaluation for the given classes.
func NewEvaluation(classNames []string) *Evaluation {
	e := &Evaluation{
		ClassNames: classNames,
		Confusion:  make([][]int, len(classNames)),
	}
	for i := range e.Confusion {
		e.Confusion[i] = make([]int, len(classNames))
	}
	return e
}

// NumClasses evaluated.
func (e *Evaluation) NumClasses() int {
	return len(e.ClassNames)
}

// Add one labeled prediction.
func (e *Evaluation) Add(label, prediction int) {
	k := e.NumClasses()
	if label < 0 || label >= k || prediction < 0 || prediction >= k {
		e.Skipped++
		return
	}
	e.Confusion[label][prediction]++
}

// AddBatch adds the predictions of the valid entries of batch.
func (e *Evaluation) AddBatch(batch *loader.Batch, predictions []int) {
	for i, label := range batch.Labels {
		if i >= len(predictions) || (i < len(batch.Valid) && !batch.Valid[i]) {
			e.Skipped++
			continue
		}
		e.Add(label, predictions[i])
	}
}

// Total number of samples accounted in the confusion matrix.
func (e *Evaluation) Total() int {
	total := 0
	for _, row := range e.Confusion {
		for _, count := range row {
			total += count
		}
	}
	return total
}

// Accuracy is the fraction of samples on the diagonal of the confusion matrix.
func (e *Evaluation) Accuracy() float64 {
	total := e.Total()
	if total == 0 {
		return 0
	}
	correct := 0
	for i := range e.Confusion {
		correct += e.Confusion[i][i]
	}
	return float64(correct) / float64(total)
}

// PerClass returns precision, recall and F1 of each class. Undefined ratios (no predictions or no
// samples of the class) are reported as 0.
func (e *Evaluation) PerClass() []ClassMetrics {
	k := e.NumClasses()
	results := make([]ClassMetrics, k)
	for c := range k {
		truePositives := e.Confusion[c][c]
		var predicted, support int
		for other := range k {
			predicted += e.Confusion[other][c]
			support += e.Confusion[c][other]
		}
		m := ClassMetrics{Name: e.ClassNames[c], Support: support}
		if predicted > 0 {
			m.Precision = float64(truePositives) / float64(predicted)
		}
		if support > 0 {
			m.Recall = float64(truePositives) / float64(support)
		}
		if m.Precision+m.Recall > 0 {
			m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
		}
		results[c] = m
	}
	return results
}

// MacroF1 is the mean F1 over the classes with at least one sample.
func (e *Evaluation) MacroF1() float64 {
	var sum float64
	var n int
	for _, m := range e.PerClass() {
		if m.Support == 0 {
			continue
		}
		sum += m.F1
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
