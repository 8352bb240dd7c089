package app

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"pattern-edge-learner/internal/service"
	"pattern-edge-learner/internal/storage/memory"
)

// Mine executes one batch run immediately. A dry run reads the configured event store but
// writes lessons and overrides to in-memory sinks.
func (a *App) Mine(ctx context.Context, opts MineOptions) error {
	st, err := a.openStores(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	updater, err := a.loadCoefficients(ctx, st.coeffs)
	if err != nil {
		return err
	}

	deps := service.LearnerDeps{
		Events:    st.events,
		Lessons:   st.lessons,
		Overrides: st.overrides,
		Locker:    st.locker,
		Baseline:  updater,
		Notifier:  a.newNotifier(),
	}
	if opts.DryRun {
		a.Logger.Warn().Msg("dry run: lessons and overrides are not persisted")
		deps.Lessons = memory.NewLessonStore()
		deps.Overrides = memory.NewOverrideStore()
		deps.Locker = nil
		deps.Notifier = nil
	}

	at := opts.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	learner := service.NewLearner(deps, a.learnerOptions(), a.Logger)
	report, err := learner.RunOnce(ctx, at)
	if err != nil {
		return err
	}
	a.printReport(report)

	if report.Status == service.StatusPartial {
		return fmt.Errorf("%d of %d groups failed; see logs", report.Failed(), len(report.Groups))
	}
	return nil
}

func (a *App) printReport(report service.RunReport) {
	if report.Status == service.StatusSkipped {
		fmt.Fprintln(a.Out, "run skipped: another run holds the lock")
		return
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Group\tEvents\tSkipped\tWritten\tFailed\tRetired\tError")
	for _, g := range report.Groups {
		skipped := 0
		for _, n := range g.Skipped {
			skipped += n
		}
		errMsg := ""
		if g.Err != nil {
			errMsg = sanitizeInline(g.Err.Error())
		}
		fmt.Fprintf(writer, "%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			g.Group, g.Total, skipped, g.Report.Written, g.Report.Failed, g.Report.Retired, errMsg)
	}
	writer.Flush()

	written, retired, skipped := report.Totals()
	fmt.Fprintf(a.Out, "\nrun %s %s in %s: %d lessons written, %d retired, %d events skipped, %d overrides (%d removed)\n",
		report.RunID, report.Status, report.Duration.Round(time.Millisecond),
		written, retired, skipped, report.Overrides.Written, report.Overrides.Removed)
}
