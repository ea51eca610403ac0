// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainlog

import (
	"path/filepath"

	"github.com/mifugocare/herdml/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// Plot file names written by PlotHistory.
const (
	LossPlotFileName     = "training_loss.png"
	AccuracyPlotFileName = "training_accuracy.png"
)

// PlotHistory writes the loss and accuracy curves of rows as PNG files in dir. Epochs logged more than
// once are plotted with their latest row, see LatestPerEpoch.
// It returns the paths of the files written.
func PlotHistory(fs afero.Fs, rows []Row, dir string) ([]string, error) {
	if len(rows) == 0 {
		return nil, errors.New("no training log rows to plot")
	}
	rows = LatestPerEpoch(rows)
	if err := fsutil.EnsureDir(fs, dir, 0770); err != nil {
		return nil, err
	}
	series := func(fn func(r Row) float64) plotter.XYs {
		xys := make(plotter.XYs, len(rows))
		for i, r := range rows {
			xys[i].X = float64(r.Epoch)
			xys[i].Y = fn(r)
		}
		return xys
	}
	plots := []struct {
		file, title, yLabel string
		train, validation   plotter.XYs
	}{
		{LossPlotFileName, "Loss", "loss",
			series(func(r Row) float64 { return r.TrainLoss }),
			series(func(r Row) float64 { return r.ValidationLoss })},
		{AccuracyPlotFileName, "Accuracy", "accuracy",
			series(func(r Row) float64 { return r.TrainAccuracy }),
			series(func(r Row) float64 { return r.ValidationAccuracy })},
	}
	var paths []string
	for _, pl := range plots {
		p := plot.New()
		p.Title.Text = pl.title
		p.X.Label.Text = "epoch"
		p.Y.Label.Text = pl.yLabel
		p.Add(plotter.NewGrid())
		if err := plotutil.AddLinePoints(p, "train", pl.train, "validation", pl.validation); err != nil {
			return paths, errors.Wrapf(err, "failed to plot %s", pl.title)
		}
		writer, err := p.WriterTo(8*vg.Inch, 4*vg.Inch, "png")
		if err != nil {
			return paths, errors.Wrapf(err, "failed to render %s plot", pl.title)
		}
		path := filepath.Join(dir, pl.file)
		f, err := fs.Create(path)
		if err != nil {
			return paths, errors.Wrapf(err, "failed to create %q", path)
		}
		if _, err = writer.WriteTo(f); err != nil {
			_ = f.Close()
			return paths, errors.Wrapf(err, "failed to write %q", path)
		}
		if err = f.Close(); err != nil {
			return paths, errors.Wrapf(err, "failed to close %q", path)
		}
		paths = append(paths, path)
	}
	return paths, nil
}
