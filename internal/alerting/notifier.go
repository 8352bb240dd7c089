package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"pattern-edge-learner/internal/domain"
)

// topOverrides caps how many overrides a digest lists.
const topOverrides = 5

// Digest summarises one batch learning run.
type Digest struct {
	RunID            string
	StartedAt        time.Time
	Duration         time.Duration
	Groups           int
	GroupsFailed     int
	EventsSkipped    int
	LessonsWritten   int
	LessonsRetired   int64
	OverridesWritten int
	OverridesRemoved int64
	Overrides        []domain.Override
	AdditionalMsg    string
}

// Notifier delivers run digests.
type Notifier interface {
	Notify(ctx context.Context, digest Digest) error
}

// TelegramNotifier posts digests through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier constructs a Telegram notifier.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "digest_telegram").Logger(),
	}
}

// Notify calls sendMessage with the rendered digest.
func (n *TelegramNotifier) Notify(ctx context.Context, digest Digest) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderDigest(digest),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram status code: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false")
		}
	}

	n.logger.Info().Str("run_id", digest.RunID).Msg("digest sent (Telegram)")
	return nil
}

func renderDigest(d Digest) string {
	builder := strings.Builder{}
	builder.WriteString("[Edge Learner Run]\n")
	builder.WriteString(fmt.Sprintf("Run: %s\n", d.RunID))
	builder.WriteString(fmt.Sprintf("Started: %s UTC (%s)\n", d.StartedAt.UTC().Format(time.RFC3339), d.Duration.Round(time.Millisecond)))
	builder.WriteString(fmt.Sprintf("Groups: %d (failed %d)\n", d.Groups, d.GroupsFailed))
	builder.WriteString(fmt.Sprintf("Lessons: %d written, %d retired\n", d.LessonsWritten, d.LessonsRetired))
	builder.WriteString(fmt.Sprintf("Overrides: %d active, %d removed\n", d.OverridesWritten, d.OverridesRemoved))
	if d.EventsSkipped > 0 {
		builder.WriteString(fmt.Sprintf("Skipped events: %d\n", d.EventsSkipped))
	}

	top := strongest(d.Overrides, topOverrides)
	if len(top) > 0 {
		builder.WriteString("Top overrides:\n")
		for _, o := range top {
			builder.WriteString(fmt.Sprintf("  %s x%.2f (n=%d)\n", o.Key().String(), o.Multiplier, o.Support))
		}
	}
	if d.AdditionalMsg != "" {
		builder.WriteString(d.AdditionalMsg)
	}
	return builder.String()
}

// strongest orders overrides by |multiplier-1| descending, key ascending on ties.
func strongest(overrides []domain.Override, limit int) []domain.Override {
	out := make([]domain.Override, len(overrides))
	copy(out, overrides)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := math.Abs(out[i].Multiplier-1), math.Abs(out[j].Multiplier-1)
		if a != b {
			return a > b
		}
		return out[i].Key().String() < out[j].Key().String()
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

var _ Notifier = (*TelegramNotifier)(nil)
