package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pattern-edge-learner/internal/domain"
)

func sampleDigest() Digest {
	return Digest{
		RunID:          "4c1f",
		StartedAt:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Duration:       1500 * time.Millisecond,
		Groups:         3,
		LessonsWritten: 9,
		Overrides: []domain.Override{
			{PatternKey: "breakout", Action: domain.ActionEntry, Subset: domain.Scope{}, Multiplier: 1.1, Support: 80},
			{PatternKey: "breakout", Action: domain.ActionEntry, Subset: domain.Scope{domain.DimChain: "base"}, Multiplier: 0.4, Support: 40},
		},
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/bottoken/sendMessage"), r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, zerolog.Nop())
	require.NoError(t, notifier.Notify(context.Background(), sampleDigest()))

	assert.Equal(t, "chat", received["chat_id"])
	assert.Contains(t, received["text"], "Run: 4c1f")
}

func TestTelegramNotifierOKFalse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, zerolog.Nop())
	assert.Error(t, notifier.Notify(context.Background(), sampleDigest()))
}

func TestTelegramNotifierHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, zerolog.Nop())
	err := notifier.Notify(context.Background(), sampleDigest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestRenderDigestListsStrongestFirst(t *testing.T) {
	text := renderDigest(sampleDigest())

	first := strings.Index(text, "chain=base")
	second := strings.Index(text, "breakout/entry/*")
	require.NotEqual(t, -1, first)
	require.NotEqual(t, -1, second)
	assert.Less(t, first, second)
	assert.Contains(t, text, "Lessons: 9 written, 0 retired")
}
