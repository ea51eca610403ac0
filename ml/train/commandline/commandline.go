// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI training tools for the command line.
package commandline

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mifugocare/herdml/internal/tables"
	"github.com/mifugocare/herdml/ml/train"
	"github.com/mifugocare/herdml/ml/train/trainlog"
)

// ReportResult writes the history and the outcome of a training run.
func ReportResult(w io.Writer, result *train.Result) {
	var sb strings.Builder
	sb.WriteString(tables.Title("Training"))
	sb.WriteByte('\n')
	table := tables.New("Epoch", "Train Loss", "Train Acc", "Val Loss", "Val Acc", "Learning Rate", "Time", "Best")
	for _, m := range result.History {
		table.Row(strconv.Itoa(m.Epoch),
			fmt.Sprintf("%.4f", m.TrainLoss), percent(m.TrainAccuracy),
			fmt.Sprintf("%.4f", m.ValidationLoss), percent(m.ValidationAccuracy),
			fmt.Sprintf("%g", m.LearningRate), m.Duration.Round(time.Millisecond).String(),
			bestMarker(m.Improved, m.Checkpointed))
	}
	sb.WriteString(table.String())
	sb.WriteByte('\n')

	outcome := tables.New()
	outcome.Row("Run", result.RunID)
	outcome.Row("Stopped", fmt.Sprintf("%s after epoch %d", result.Reason, result.LastEpoch))
	if result.Resumed {
		outcome.Row("Resumed", "yes")
	}
	if result.Best != nil {
		outcome.Row("Best checkpoint", fmt.Sprintf("epoch %d, %s=%.4f", result.Best.Epoch, result.Best.MetricName, result.Best.MetricValue))
	} else {
		outcome.Row("Best checkpoint", "none")
	}
	if result.CheckpointFailures > 0 {
		outcome.Row("Checkpoint failures", humanize.Comma(int64(result.CheckpointFailures)))
	}
	outcome.Row("Median train step", result.MedianStepDuration.String())
	sb.WriteString(outcome.String())
	sb.WriteByte('\n')
	_, _ = io.WriteString(w, sb.String())

	if result.Evaluation != nil {
		ReportEvaluation(w, result.Evaluation)
	}
}

// ReportEvaluation writes the per-class precision, recall and F1 and the confusion matrix.
func ReportEvaluation(w io.Writer, eval *train.Evaluation) {
	var sb strings.Builder
	sb.WriteString(tables.Title(fmt.Sprintf("Validation: %s samples, accuracy %s, macro F1 %.3f",
		humanize.Comma(int64(eval.Total())), percent(eval.Accuracy()), eval.MacroF1())))
	sb.WriteByte('\n')
	perClass := tables.New("Class", "Support", "Precision", "Recall", "F1")
	for _, m := range eval.PerClass() {
		perClass.Row(m.Name, humanize.Comma(int64(m.Support)),
			fmt.Sprintf("%.3f", m.Precision), fmt.Sprintf("%.3f", m.Recall), fmt.Sprintf("%.3f", m.F1))
	}
	sb.WriteString(perClass.String())
	sb.WriteByte('\n')

	sb.WriteString(tables.Title("Confusion matrix (rows: label, columns: prediction)"))
	sb.WriteByte('\n')
	headers := append([]string{""}, eval.ClassNames...)
	confusion := tables.New(headers...)
	for label, row := range eval.Confusion {
		cells := make([]string, 0, len(row)+1)
		cells = append(cells, eval.ClassNames[label])
		for _, count := range row {
			cells = append(cells, humanize.Comma(int64(count)))
		}
		confusion.Row(cells...)
	}
	sb.WriteString(confusion.String())
	sb.WriteByte('\n')
	if eval.Skipped > 0 {
		_, _ = fmt.Fprintf(&sb, "%s entries skipped (placeholder images or invalid predictions)\n", humanize.Comma(int64(eval.Skipped)))
	}
	_, _ = io.WriteString(w, sb.String())
}

// ReportTrainingLog writes the rows of a training log.
func ReportTrainingLog(w io.Writer, rows []trainlog.Row) {
	table := tables.New("Epoch", "Train Loss", "Train Acc", "Val Loss", "Val Acc", "Learning Rate", "Best", "Run", "Time")
	for _, r := range rows {
		runID := r.RunID
		if len(runID) > 8 {
			runID = runID[:8]
		}
		table.Row(strconv.Itoa(r.Epoch),
			fmt.Sprintf("%.4f", r.TrainLoss), percent(r.TrainAccuracy),
			fmt.Sprintf("%.4f", r.ValidationLoss), percent(r.ValidationAccuracy),
			fmt.Sprintf("%g", r.LearningRate), bestMarker(r.Improved, r.Improved), runID, r.Timestamp)
	}
	_, _ = fmt.Fprintln(w, table.String())
}

func percent(v float64) string {
	return fmt.Sprintf("%.2f%%", 100*v)
}

func bestMarker(improved, checkpointed bool) string {
	switch {
	case checkpointed:
		return "*"
	case improved:
		return "* (not saved)"
	}
	return ""
}
