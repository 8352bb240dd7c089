package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pattern-edge-learner/internal/coefficients"
	"pattern-edge-learner/internal/config"
	"pattern-edge-learner/internal/decay"
	"pattern-edge-learner/internal/domain"
	"pattern-edge-learner/internal/observability"
	"pattern-edge-learner/internal/service"
	"pattern-edge-learner/internal/storage/memory"
)

func newTestApp(t *testing.T) (*App, *bytes.Buffer) {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	dir := t.TempDir()
	cfg.Coefficients.StateFile = filepath.Join(dir, "coefficients.json")
	cfg.Database.EventsFile = filepath.Join(dir, "events.jsonl")

	var out bytes.Buffer
	a := NewApp(cfg, zerolog.Nop())
	a.Out = &out
	return a, &out
}

func TestIngestLinesCountsOutcomes(t *testing.T) {
	events := memory.NewEventStore()
	updater := coefficients.NewUpdater(memory.NewCoefficientStore(), coefficients.DefaultOptions(), zerolog.Nop())
	rec := service.NewRecorder(events, updater, 33, observability.NewMetrics(), zerolog.Nop())

	input := strings.Join([]string{
		`{"pattern_key":"breakout","action_category":"entry","scope":{"chain":"solana"},"rr":1.5,"trade_id":"a","timestamp":"2026-05-01T00:00:00Z"}`,
		``,
		`{"pattern_key":"breakout","action_category":"entry","scope":{"chain":"solana"},"rr":1.5,"trade_id":"a","timestamp":"2026-05-01T00:00:00Z"}`,
		`{"pattern_key":"breakout","action_category":"hold","scope":{},"rr":1,"timestamp":"2026-05-01T00:00:00Z"}`,
		`not json`,
		`{"pattern_key":"fade","action_category":"exit","scope":{"timeframe":"5m"},"rr":-0.4,"trade_id":"b","timestamp":"2026-05-01T01:00:00Z"}`,
	}, "\n")

	report, err := ingestLines(context.Background(), strings.NewReader(input), rec)
	require.NoError(t, err)
	assert.Equal(t, IngestReport{Lines: 5, Recorded: 2, Duplicates: 1, Invalid: 2}, report)
	assert.Equal(t, int64(2), updater.Snapshot().Samples)
}

func TestIngestWritesCoefficientFile(t *testing.T) {
	a, out := newTestApp(t)
	path := filepath.Join(t.TempDir(), "closes.jsonl")
	body := `{"pattern_key":"breakout","action_category":"entry","scope":{"timeframe":"1h"},"rr":2,"trade_id":"x","timestamp":"2026-05-01T00:00:00Z"}` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	require.NoError(t, a.Ingest(context.Background(), IngestOptions{Path: path}))
	assert.Contains(t, out.String(), "recorded 1")

	state, err := coefficients.NewFileStore(a.Config.Coefficients.StateFile).LoadCoefficients(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), state.Samples)
	assert.Equal(t, 2.0, state.GlobalRRLong)
}

func TestIngestSameFileTwiceCountsTradeOnce(t *testing.T) {
	a, out := newTestApp(t)
	path := filepath.Join(t.TempDir(), "closes.jsonl")
	body := `{"pattern_key":"breakout","action_category":"entry","scope":{"timeframe":"1h"},"rr":2,"trade_id":"x","timestamp":"2026-05-01T00:00:00Z"}` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	for range 3 {
		require.NoError(t, a.Ingest(context.Background(), IngestOptions{Path: path}))
	}
	assert.Contains(t, out.String(), "duplicates 1")

	state, err := coefficients.NewFileStore(a.Config.Coefficients.StateFile).LoadCoefficients(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), state.Samples)

	journal, err := memory.OpenEventJournal(a.Config.Database.EventsFile)
	require.NoError(t, err)
	defer journal.Close()
	assert.Equal(t, 1, journal.Len())
}

func TestMineDryRunWithoutEvents(t *testing.T) {
	a, out := newTestApp(t)
	require.NoError(t, a.Mine(context.Background(), MineOptions{DryRun: true}))
	assert.Contains(t, out.String(), "success")
}

func TestLookupWithoutOverridesIsNeutral(t *testing.T) {
	a, out := newTestApp(t)
	err := a.Lookup(context.Background(), LookupOptions{Pattern: "breakout", Action: "entry", Scope: map[string]string{"chain": "solana"}})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "multiplier 1.000")

	assert.Error(t, a.Lookup(context.Background(), LookupOptions{Pattern: "breakout", Action: "hold"}))
}

func TestParseScopeArgs(t *testing.T) {
	scope, err := ParseScopeArgs([]string{"chain=solana", " timeframe = 1h "})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"chain": "solana", "timeframe": "1h"}, scope)

	_, err = ParseScopeArgs([]string{"chain"})
	assert.Error(t, err)
}

func TestDownsamplePoints(t *testing.T) {
	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	points := make([]decay.Point, 10)
	for i := range points {
		points[i] = decay.Point{At: start.Add(time.Duration(i) * time.Hour), Value: float64(i)}
	}

	sampled := downsamplePoints(points, 4)
	require.Len(t, sampled, 4)
	assert.Equal(t, 0.0, sampled[0].Value)
	assert.Equal(t, 9.0, sampled[3].Value)
	assert.Len(t, downsamplePoints(points, 20), 10)
}

func TestWriteLessonsCSV(t *testing.T) {
	hl := 36.0
	rows := []domain.Lesson{{
		PatternKey: "breakout",
		Action:     domain.ActionEntry,
		Subset:     domain.Scope{domain.DimChain: "solana"},
		N:          50,
		Stats: domain.LessonStats{
			AvgRR: 2, DeltaRR: 1.5, EdgeRaw: 1.5,
			Decay: domain.DecayMeta{State: domain.DecayDecaying, HalfLifeHours: &hl, Multiplier: 0.8},
		},
		Status:    domain.LessonActive,
		RunID:     "run-1",
		UpdatedAt: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
	}}

	path := filepath.Join(t.TempDir(), "out", "lessons.csv")
	require.NoError(t, writeLessonsCSV(path, rows))

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()
	records, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, []string{"breakout", "entry", "chain=solana", "50", "2", "1.5", "1.5", "0", "decaying", "36", "0.8", "active", "run-1", "2026-05-01T00:00:00Z"}, records[1])
}

func TestExportRequiresTarget(t *testing.T) {
	a, _ := newTestApp(t)
	assert.Error(t, a.Export(context.Background(), ExportOptions{}))
	assert.Error(t, a.Export(context.Background(), ExportOptions{PNGPath: filepath.Join(t.TempDir(), "x.png")}))
}
