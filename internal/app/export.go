package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"pattern-edge-learner/internal/decay"
	"pattern-edge-learner/internal/domain"
	"pattern-edge-learner/internal/lessons"
	"pattern-edge-learner/internal/miner"
	"pattern-edge-learner/internal/storage"
)

// Export writes lessons as CSV and/or renders one slice's edge history with its fitted
// decay curve as PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	var action domain.ActionCategory
	if opts.Action != "" {
		parsed, err := domain.ParseAction(opts.Action)
		if err != nil {
			return err
		}
		action = parsed
	}
	if opts.PNGPath != "" && (opts.Pattern == "" || action == "") {
		return errors.New("--png requires --pattern and --action")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	st, err := a.openStores(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	if opts.CSVPath != "" {
		rows, err := st.lessons.ListLessons(ctx, storage.LessonFilter{PatternKey: opts.Pattern, Action: action})
		if err != nil {
			return err
		}
		if err := writeLessonsCSV(opts.CSVPath, rows); err != nil {
			return err
		}
		a.Logger.Info().Int("lessons", len(rows)).Str("path", opts.CSVPath).Msg("lessons exported")
	}

	if opts.PNGPath != "" {
		subset, dropped := domain.NormalizeScope(opts.Scope)
		if dropped > 0 {
			return fmt.Errorf("unrecognized scope keys in --scope")
		}
		group := domain.GroupKey{PatternKey: opts.Pattern, Action: action}

		points, res, err := a.edgeHistory(ctx, st, group, subset)
		if err != nil {
			return err
		}
		sampled := downsamplePoints(points, opts.MaxPoints)
		a.Logger.Info().
			Int("total", len(points)).
			Int("exported", len(sampled)).
			Str("fit", res.Kind.String()).
			Msg("exporting edge history")
		if err := writeHistoryPNG(opts.PNGPath, group, subset, sampled, res); err != nil {
			return err
		}
	}

	return nil
}

// edgeHistory mines group and returns the decay input of the slice for subset along with
// its estimate.
func (a *App) edgeHistory(ctx context.Context, st *stores, group domain.GroupKey, subset domain.Scope) ([]decay.Point, decay.Result, error) {
	var since time.Time
	if a.Config.Learning.Lookback > 0 {
		since = time.Now().UTC().Add(-a.Config.Learning.Lookback)
	}
	events, err := st.events.ListGroupEvents(ctx, group, since)
	if err != nil {
		return nil, decay.Result{}, err
	}

	updater, err := a.loadCoefficients(ctx, st.coeffs)
	if err != nil {
		return nil, decay.Result{}, err
	}
	in := miner.Input{Group: group, Events: events}
	if v, ok := updater.GlobalBaseline(); ok {
		in.GlobalBaseline = &v
	}

	result := miner.New(a.minerOptions()).Mine(in)
	key := subset.Key()
	for _, slice := range result.Slices {
		if slice.Subset.Key() != key {
			continue
		}
		points := lessons.EdgeHistory(slice, a.Config.Learning.HistoryWindow)
		if len(points) < 2 {
			return nil, decay.Result{}, fmt.Errorf("slice %s/%s has too few points to chart", group, key)
		}
		return points, decay.New(a.decayOptions()).Estimate(points), nil
	}
	return nil, decay.Result{}, fmt.Errorf("slice %s/%s has fewer than %d events", group, key, a.Config.Learning.NMinSlice)
}

func downsamplePoints(points []decay.Point, max int) []decay.Point {
	if max <= 1 || len(points) <= max {
		return points
	}

	result := make([]decay.Point, 0, max)
	step := float64(len(points)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(points) {
			idx = len(points) - 1
		}
		result = append(result, points[idx])
	}
	return result
}

func writeLessonsCSV(path string, rows []domain.Lesson) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"pattern_key", "action_category", "scope_key", "n", "avg_rr", "delta_rr", "edge_raw", "global_delta_rr", "decay_state", "half_life_hours", "decay_multiplier", "status", "run_id", "updated_at"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, l := range rows {
		halfLife := ""
		if l.Stats.Decay.HalfLifeHours != nil {
			halfLife = formatFloat(*l.Stats.Decay.HalfLifeHours)
		}
		record := []string{
			l.PatternKey,
			string(l.Action),
			l.Subset.Key(),
			strconv.Itoa(l.N),
			formatFloat(l.Stats.AvgRR),
			formatFloat(l.Stats.DeltaRR),
			formatFloat(l.Stats.EdgeRaw),
			formatFloat(l.Stats.GlobalDeltaRR),
			string(l.Stats.Decay.State),
			halfLife,
			formatFloat(l.Stats.Decay.Multiplier),
			string(l.Status),
			l.RunID,
			l.UpdatedAt.UTC().Format(time.RFC3339),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeHistoryPNG(path string, group domain.GroupKey, subset domain.Scope, points []decay.Point, res decay.Result) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(points))
	edge := make([]float64, len(points))
	for i, p := range points {
		x[i] = p.At
		edge[i] = p.Value
	}

	series := []chart.Series{
		chart.TimeSeries{
			Name:    "Edge",
			XValues: x,
			YValues: edge,
		},
	}

	if res.Kind == decay.Fitted {
		var fx []time.Time
		var fy []float64
		for _, t := range x {
			if t.Before(res.Fit.Start) {
				continue
			}
			fx = append(fx, t)
			fy = append(fy, res.Fit.Predict(t))
		}
		if len(fx) >= 2 {
			name := "Fitted decay"
			if hl, ok := res.Fit.HalfLifeHours(); ok {
				name = fmt.Sprintf("Fitted decay (half-life %.1fh)", hl)
			}
			series = append(series, chart.TimeSeries{
				Name:    name,
				XValues: fx,
				YValues: fy,
				Style: chart.Style{
					StrokeColor:     chart.ColorRed,
					StrokeDashArray: []float64{5, 5},
				},
			})
		}
	}

	edgeFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.3f")
	}
	graph := chart.Chart{
		Title:  fmt.Sprintf("%s %s", group, subset.Key()),
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Edge (rr vs baseline)",
			ValueFormatter: edgeFormatter,
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
