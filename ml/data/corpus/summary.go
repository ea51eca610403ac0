// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package corpus

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/mifugocare/herdml/internal/tables"
	"k8s.io/klog/v2"
)

// ClassSummary reports the counts of one class.
type ClassSummary struct {
	Name string

	// Total resolved samples, before splitting.
	Total int

	// Train and Validation counts after the split, before balancing.
	Train, Validation int

	// TrainBalanced is the training count after oversampling (equal to Train if not balancing).
	TrainBalanced int

	// Dropped ambiguous one-hot rows that had this class among their positive columns. A row naming
	// several classes is counted in each of them.
	Dropped int

	// Weight of the class in the loss, 0 if the class has no samples.
	Weight float64
}

// SourceSummary reports what was found in one source.
type SourceSummary struct {
	Name, Kind string

	// Records yielded by the adapter.
	Records int

	// Resolved records, of which ByKeyword were resolved by the filename rules.
	Resolved, ByKeyword int

	// Unresolved records and Ambiguous one-hot rows dropped.
	Unresolved, Ambiguous int

	// Skipped files (not images, outside class folders, missing images of label rows).
	Skipped int

	MissingRoot bool
	Warnings    []string
}

// Summary of a corpus assembly.
type Summary struct {
	Classes []ClassSummary
	Sources []SourceSummary

	Total, Train, Validation int

	SplitRatio float64
	Seed       int64
	Balance    BalanceMode
}

// Dropped returns the total number of records dropped as unresolved or ambiguous.
func (s *Summary) Dropped() int {
	dropped := 0
	for _, src := range s.Sources {
		dropped += src.Unresolved + src.Ambiguous
	}
	return dropped
}

func percent(part, total int) string {
	if total == 0 {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", 100*float64(part)/float64(total))
}

// String renders the summary as tables: sources, then class distribution.
func (s *Summary) String() string {
	var sb strings.Builder
	sb.WriteString(tables.Title("Sources"))
	sb.WriteString("\n")
	srcTable := tables.New("source", "kind", "records", "resolved", "by keyword", "unresolved", "ambiguous", "skipped", "status")
	for _, src := range s.Sources {
		status := "ok"
		switch {
		case src.MissingRoot:
			status = "missing root"
		case len(src.Warnings) > 0:
			status = fmt.Sprintf("%d warnings", len(src.Warnings))
		}
		srcTable.Row(src.Name, src.Kind,
			humanize.Comma(int64(src.Records)),
			humanize.Comma(int64(src.Resolved)),
			humanize.Comma(int64(src.ByKeyword)),
			humanize.Comma(int64(src.Unresolved)),
			humanize.Comma(int64(src.Ambiguous)),
			humanize.Comma(int64(src.Skipped)),
			status)
	}
	sb.WriteString(srcTable.Render())
	sb.WriteString("\n")

	sb.WriteString(tables.Title(fmt.Sprintf("Classes (split %.2f, seed %d, balance %s)", s.SplitRatio, s.Seed, s.Balance)))
	sb.WriteString("\n")
	classTable := tables.New("class", "total", "%", "train", "train balanced", "validation", "dropped", "weight")
	for _, c := range s.Classes {
		weight := "-"
		if c.Total > 0 {
			weight = fmt.Sprintf("%.3f", c.Weight)
		}
		classTable.Row(c.Name,
			humanize.Comma(int64(c.Total)),
			percent(c.Total, s.Total),
			humanize.Comma(int64(c.Train)),
			humanize.Comma(int64(c.TrainBalanced)),
			humanize.Comma(int64(c.Validation)),
			humanize.Comma(int64(c.Dropped)),
			weight)
	}
	classTable.Row("total", humanize.Comma(int64(s.Total)), percent(s.Total, s.Total), "",
		humanize.Comma(int64(s.Train)), humanize.Comma(int64(s.Validation)),
		humanize.Comma(int64(s.Dropped())), "")
	sb.WriteString(classTable.Render())
	sb.WriteString("\n")
	return sb.String()
}

// Log writes a compact version of the summary to the log.
func (s *Summary) Log() {
	klog.Infof("corpus: %s samples (%s train, %s validation), %s dropped",
		humanize.Comma(int64(s.Total)), humanize.Comma(int64(s.Train)),
		humanize.Comma(int64(s.Validation)), humanize.Comma(int64(s.Dropped())))
	for _, c := range s.Classes {
		klog.Infof("  class %-12s %6d (%s) train=%d validation=%d dropped=%d weight=%.3f",
			c.Name, c.Total, percent(c.Total, s.Total), c.TrainBalanced, c.Validation, c.Dropped, c.Weight)
	}
}
