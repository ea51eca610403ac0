// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/mifugocare/herdml/ml/train"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// ProgressBarName is the name of the hooks registered by AttachProgressBar.
const ProgressBarName = "herdml.ml.train.commandline.progressBar"

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
)

// plainStatsPeriod is the time between stats lines logged when the output is not a terminal.
const plainStatsPeriod = 30 * time.Second

// maxUpdateFrequency is the time between updates to the commandline display of stats.
const maxUpdateFrequency = time.Millisecond * 200

// phaseStats accumulates the running loss and accuracy of a phase.
type phaseStats struct {
	lossSum        float64
	correct, count int
}

func (p *phaseStats) add(step train.StepResult) {
	p.lossSum += step.Loss * float64(step.Count)
	p.correct += step.Correct
	p.count += step.Count
}

func (p *phaseStats) String() string {
	if p.count == 0 {
		return "-"
	}
	return fmt.Sprintf("loss=%.4f acc=%.2f%%", p.lossSum/float64(p.count), 100*float64(p.correct)/float64(p.count))
}

type progressBarUpdate struct {
	bar    *progressbar.ProgressBar
	amount int
	rows   [][2]string
}

// progressBar holds the progressbar of the epoch being displayed.
type progressBar struct {
	out   io.Writer
	bar   *progressbar.ProgressBar
	stats [2]phaseStats // Indexed by train.Phase.
	plain bool

	// lipgloss-based rich and asynchronous display for the command-line.
	termenv          *termenv.Output
	statsStyle       lipgloss.Style
	statsTable       *lgtable.Table
	isFirstOutput    bool
	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup
}

func (pBar *progressBar) onStart(_ *train.Supervisor) error {
	if pBar.plain {
		return nil
	}
	pBar.isFirstOutput = true
	pBar.updates = make(chan progressBarUpdate, 100) // Large buffer so things are not blocked.
	pBar.asyncUpdatesDone.Add(1)
	go pBar.drawUpdates()
	return nil
}

func (pBar *progressBar) onEpochStart(s *train.Supervisor, epoch int) error {
	numBatches := s.TrainDataset.NumBatches() + s.ValidationDataset.NumBatches()
	pBar.stats = [2]phaseStats{}
	pBar.bar = progressbar.NewOptions(numBatches,
		progressbar.OptionSetDescription(fmt.Sprintf("Epoch %d/%d: ", epoch, s.Options().MaxEpochs)),
		progressbar.OptionUseANSICodes(!pBar.plain),
		progressbar.OptionEnableColorCodes(!pBar.plain),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("batches"),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
		progressbar.OptionSetWriter(pBar.out),
	)
	return nil
}

func (pBar *progressBar) onBatch(s *train.Supervisor, phase train.Phase, batchIdx int, step train.StepResult) error {
	pBar.stats[phase].add(step)
	if pBar.plain {
		_ = pBar.bar.Add(1)
		return nil
	}
	// For command line we create and enqueue an update to be asynchronously printed.
	numBatches := s.TrainDataset.NumBatches()
	if phase == train.PhaseValidation {
		numBatches = s.ValidationDataset.NumBatches()
	}
	pBar.updates <- progressBarUpdate{
		bar:    pBar.bar,
		amount: 1,
		rows: [][2]string{
			{"Epoch", fmt.Sprintf("%d / %d", s.Epoch, s.Options().MaxEpochs)},
			{"Phase", fmt.Sprintf("%s %d / %d", phase, batchIdx+1, numBatches)},
			{"Learning Rate", fmt.Sprintf("%g", s.LearningRate)},
			{"Train", pBar.stats[train.PhaseTrain].String()},
			{"Validation", pBar.stats[train.PhaseValidation].String()},
		},
	}
	return nil
}

func (pBar *progressBar) logStats(s *train.Supervisor, phase train.Phase, batchIdx int, _ train.StepResult) error {
	klog.Infof("Epoch %d, %s batch %d: train %s, validation %s", s.Epoch, phase, batchIdx+1,
		&pBar.stats[train.PhaseTrain], &pBar.stats[train.PhaseValidation])
	return nil
}

func (pBar *progressBar) onEnd(_ *train.Supervisor, _ *train.Result) error {
	if pBar.updates != nil {
		close(pBar.updates)
		pBar.asyncUpdatesDone.Wait()
		pBar.updates = nil
	}
	_, _ = fmt.Fprintln(pBar.out)
	return nil
}

// drawUpdates asynchronously draws updates: this is handy if the training is faster than the terminal, in
// particular if running on cloud, with a relatively slow network connection.
func (pBar *progressBar) drawUpdates() {
	defer pBar.asyncUpdatesDone.Done()
	for update := range pBar.updates {
		// Exhaust the updates in buffer:
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-pBar.updates:
				if !ok {
					break exhaust
				}
				if newUpdate.bar != update.bar {
					_ = update.bar.Add(amount)
					amount = 0
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}

		// For command-line, we clear the previous lines that will be overwritten.
		if !pBar.isFirstOutput {
			pBar.termenv.ClearLines(len(update.rows) + 1 + 2)
		}
		pBar.isFirstOutput = false

		// Print update.
		_ = update.bar.Add(amount) // Prints progress bar line.
		pBar.statsTable.Data(lgtable.NewStringData())
		_, _ = fmt.Fprintln(pBar.out)
		for _, row := range update.rows {
			pBar.statsTable.Row(row[0], row[1])
		}
		_, _ = fmt.Fprintln(pBar.out, pBar.statsStyle.Render(pBar.statsTable.String()))
		time.Sleep(maxUpdateFrequency)
	}
}

// AttachProgressBar creates a commandline progress bar and attaches it to the Supervisor, so that
// every epoch displays a progress bar with the running loss and accuracy of both phases.
//
// If the standard output is not a terminal, a plain progress bar without the stats table is used.
func AttachProgressBar(s *train.Supervisor) {
	output := termenv.NewOutput(os.Stdout)
	attachProgressBar(s, os.Stdout, output, output.Profile == termenv.Ascii)
}

func attachProgressBar(s *train.Supervisor, out io.Writer, output *termenv.Output, plain bool) *progressBar {
	pBar := &progressBar{
		out:     out,
		plain:   plain,
		termenv: output,
	}
	if !plain {
		pBar.statsStyle = lipgloss.NewStyle().PaddingLeft(8)
		pBar.statsTable = lgtable.New().
			Border(lipgloss.RoundedBorder()).
			StyleFunc(func(row, col int) lipgloss.Style {
				if col == 0 {
					return rightAlignedStyle
				}
				return normalStyle
			})
	}
	s.OnStart(ProgressBarName, 0, pBar.onStart)
	s.OnEpochStart(ProgressBarName, 0, pBar.onEpochStart)
	s.OnBatch(ProgressBarName, 0, pBar.onBatch)
	s.OnEnd(ProgressBarName, 0, pBar.onEnd)
	if plain {
		train.PeriodicCallback(s, plainStatsPeriod, ProgressBarName, 0, pBar.logStats)
	}
	return pBar
}
