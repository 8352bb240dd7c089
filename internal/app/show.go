package app

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"pattern-edge-learner/internal/domain"
	"pattern-edge-learner/internal/override"
	"pattern-edge-learner/internal/storage"
)

// Show prints lessons, or overrides when opts.Overrides is set.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	var action domain.ActionCategory
	if opts.Action != "" {
		parsed, err := domain.ParseAction(opts.Action)
		if err != nil {
			return err
		}
		action = parsed
	}

	st, err := a.openStores(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	if opts.Overrides {
		overrides, err := st.overrides.ListOverrides(ctx, storage.OverrideFilter{PatternKey: opts.Pattern, Action: action})
		if err != nil {
			return err
		}
		if opts.Limit > 0 && len(overrides) > opts.Limit {
			overrides = overrides[:opts.Limit]
		}
		a.printOverrides(overrides)
		return nil
	}

	lessons, err := st.lessons.ListLessons(ctx, storage.LessonFilter{
		PatternKey: opts.Pattern,
		Action:     action,
		Status:     domain.LessonStatus(opts.Status),
		Limit:      opts.Limit,
	})
	if err != nil {
		return err
	}
	a.printLessons(lessons)
	return nil
}

func (a *App) printLessons(lessons []domain.Lesson) {
	if len(lessons) == 0 {
		fmt.Fprintln(a.Out, "no lessons found")
		return
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Pattern\tAction\tScope\tN\tAvgRR\tDeltaRR\tDecay\tHalfLife(h)\tStatus\tUpdated (UTC)")
	for _, l := range lessons {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%d\t%.3f\t%.3f\t%s\t%s\t%s\t%s\n",
			sanitizeInline(l.PatternKey),
			l.Action,
			l.Subset.Key(),
			l.N,
			l.Stats.AvgRR,
			l.Stats.DeltaRR,
			l.Stats.Decay.State,
			formatHalfLife(l.Stats.Decay.HalfLifeHours),
			l.Status,
			l.UpdatedAt.UTC().Format(time.RFC3339),
		)
	}
	writer.Flush()
}

func (a *App) printOverrides(overrides []domain.Override) {
	if len(overrides) == 0 {
		fmt.Fprintln(a.Out, "no overrides found")
		return
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Pattern\tAction\tScope\tMultiplier\tDecay\tSupport\tUpdated (UTC)")
	for _, o := range overrides {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%.3f\t%.3f\t%d\t%s\n",
			sanitizeInline(o.PatternKey),
			o.Action,
			o.Subset.Key(),
			o.Multiplier,
			o.DecayMultiplier,
			o.Support,
			o.UpdatedAt.UTC().Format(time.RFC3339),
		)
	}
	writer.Flush()
}

// Lookup resolves the override the execution engine would apply for a live scope.
func (a *App) Lookup(ctx context.Context, opts LookupOptions) error {
	if opts.Pattern == "" {
		return fmt.Errorf("pattern is required")
	}
	action, err := domain.ParseAction(opts.Action)
	if err != nil {
		return err
	}
	live, dropped := domain.NormalizeScope(opts.Scope)
	if dropped > 0 {
		a.Logger.Warn().Int("dropped", dropped).Msg("unrecognized scope keys ignored")
	}

	st, err := a.openStores(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	res, err := override.Lookup(ctx, st.overrides, opts.Pattern, action, live)
	if err != nil {
		return err
	}

	if !res.Matched {
		fmt.Fprintf(a.Out, "no override matches %s/%s %s; multiplier %.3f\n", opts.Pattern, action, live.Key(), res.Multiplier)
		return nil
	}
	fmt.Fprintf(a.Out, "matched %s (support %d)\nmultiplier %.3f\ndecay multiplier %.3f\n",
		res.Override.Key(), res.Override.Support, res.Multiplier, res.DecayMultiplier)
	return nil
}

// ParseScopeArgs turns k=v pairs into a raw scope map.
func ParseScopeArgs(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid scope %q, expected key=value", p)
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out, nil
}

func formatHalfLife(h *float64) string {
	if h == nil {
		return "-"
	}
	return fmt.Sprintf("%.1f", *h)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
