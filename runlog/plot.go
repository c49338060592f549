package runlog

import (
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// PlotMetrics writes two PNGs for a run under outDir: <name>_loss.png with
// every series whose key contains "loss", and <name>_metrics.png with the
// rest. Series are drawn against the global step. Empty groups are skipped.
// It returns the written paths.
func PlotMetrics(outDir, name string, series map[string][]Metric) ([]string, error) {
	var lossKeys, metricKeys []string
	for key := range series {
		if strings.Contains(key, "loss") {
			lossKeys = append(lossKeys, key)
		} else {
			metricKeys = append(metricKeys, key)
		}
	}
	sort.Strings(lossKeys)
	sort.Strings(metricKeys)

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create %s", outDir)
	}
	var written []string
	for _, group := range []struct {
		suffix, title string
		keys          []string
	}{
		{"loss", name + ": loss", lossKeys},
		{"metrics", name + ": validation metrics", metricKeys},
	} {
		if len(group.keys) == 0 {
			continue
		}
		path := filepath.Join(outDir, name+"_"+group.suffix+".png")
		if err := plotSeries(path, group.title, group.keys, series); err != nil {
			return written, err
		}
		written = append(written, path)
	}
	return written, nil
}

func plotSeries(path, title string, keys []string, series map[string][]Metric) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "step"
	p.Y.Label.Text = "value"
	p.Legend.Top = true

	var all plotter.XYs
	for i, key := range keys {
		xys := make(plotter.XYs, 0, len(series[key]))
		for _, m := range series[key] {
			xys = append(xys, plotter.XY{X: float64(m.Step), Y: m.Value})
		}
		if len(xys) == 0 {
			continue
		}
		all = append(all, xys...)

		line, err := plotter.NewLine(xys)
		if err != nil {
			return errors.Wrapf(err, "line %s", key)
		}
		line.Color = plotutil.Color(i)
		line.Width = vg.Points(1.2)
		points, err := plotter.NewScatter(xys)
		if err != nil {
			return errors.Wrapf(err, "points %s", key)
		}
		points.GlyphStyle.Color = plotutil.Color(i)
		points.GlyphStyle.Radius = vg.Points(2)
		p.Add(line, points)
		p.Legend.Add(key, line, points)
	}

	p.Add(plotter.NewGrid())
	xmin, xmax, ymin, ymax := autoRange(all)
	p.X.Min, p.X.Max = xmin, xmax
	p.Y.Min, p.Y.Max = ymin, ymax

	if err := p.Save(8*vg.Inch, 5*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "save %s", path)
	}
	return nil
}

// autoRange computes padded min/max for X and Y for a set of points.
func autoRange(xs plotter.XYs) (xmin, xmax, ymin, ymax float64) {
	if len(xs) == 0 {
		return -1, 1, -1, 1
	}
	xmin, xmax = math.Inf(1), math.Inf(-1)
	ymin, ymax = math.Inf(1), math.Inf(-1)
	for _, p := range xs {
		xmin = math.Min(xmin, p.X)
		xmax = math.Max(xmax, p.X)
		ymin = math.Min(ymin, p.Y)
		ymax = math.Max(ymax, p.Y)
	}
	padx := (xmax - xmin) * 0.06
	pady := (ymax - ymin) * 0.06
	if padx == 0 {
		padx = 1.0
	}
	if pady == 0 {
		pady = 0.1
	}
	return xmin - padx, xmax + padx, ymin - pady, ymax + pady
}
