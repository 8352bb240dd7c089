package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"pattern-edge-learner/internal/domain"
	"pattern-edge-learner/internal/observability"
	"pattern-edge-learner/internal/server"
	"pattern-edge-learner/internal/service"
	"pattern-edge-learner/internal/storage"
)

const maxIngestLine = 1 << 20

// IngestReport counts the outcome of an ingest.
type IngestReport struct {
	Lines      int
	Recorded   int
	Duplicates int
	Invalid    int
	Failed     int
}

// Ingest records trade closes read as JSON lines from a file or stdin.
func (a *App) Ingest(ctx context.Context, opts IngestOptions) error {
	var in io.Reader = os.Stdin
	if opts.Path != "" && opts.Path != "-" {
		file, err := os.Open(opts.Path)
		if err != nil {
			return fmt.Errorf("open ingest file: %w", err)
		}
		defer file.Close()
		in = file
	}

	st, err := a.openStores(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	updater, err := a.loadCoefficients(ctx, st.coeffs)
	if err != nil {
		return err
	}
	recorder := service.NewRecorder(st.events, updater, a.Config.Learning.RRBound, observability.NewMetrics(), a.Logger)

	report, err := ingestLines(ctx, in, recorder)
	if err != nil {
		return err
	}

	a.Logger.Info().
		Int("lines", report.Lines).
		Int("recorded", report.Recorded).
		Int("duplicates", report.Duplicates).
		Int("invalid", report.Invalid).
		Int("failed", report.Failed).
		Msg("ingest finished")
	fmt.Fprintf(a.Out, "recorded %d, duplicates %d, invalid %d, failed %d\n",
		report.Recorded, report.Duplicates, report.Invalid, report.Failed)

	if report.Failed > 0 {
		return fmt.Errorf("%d trade closes failed to persist; see logs", report.Failed)
	}
	return nil
}

// ingestLines feeds every non-blank line to rec. Malformed lines are counted, not fatal.
func ingestLines(ctx context.Context, in io.Reader, rec server.TradeRecorder) (IngestReport, error) {
	var report IngestReport
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), maxIngestLine)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		report.Lines++

		var payload domain.TradeClose
		if err := json.Unmarshal([]byte(line), &payload); err != nil {
			report.Invalid++
			continue
		}

		_, err := rec.RecordTradeClose(ctx, payload)
		switch {
		case err == nil:
			report.Recorded++
		case errors.Is(err, storage.ErrDuplicateEvent):
			report.Duplicates++
		case errors.Is(err, service.ErrCoefficientUpdate):
			report.Recorded++
		case errors.Is(err, domain.ErrMissingPatternKey),
			errors.Is(err, domain.ErrInvalidAction),
			errors.Is(err, domain.ErrMissingRR),
			errors.Is(err, domain.ErrMissingScope),
			errors.Is(err, domain.ErrMissingTimestamp):
			report.Invalid++
		default:
			report.Failed++
		}
	}
	if err := scanner.Err(); err != nil {
		return report, fmt.Errorf("read ingest input: %w", err)
	}
	return report, nil
}
