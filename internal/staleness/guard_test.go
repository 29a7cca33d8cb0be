package staleness

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stopguard/internal/domain"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func tick(symbol string, source domain.TickSource, age time.Duration) domain.PriceTick {
	return domain.PriceTick{
		Symbol:     symbol,
		Price:      decimal.NewFromInt(100),
		ObservedAt: now.Add(-age),
		Source:     source,
	}
}

func TestGuard_IsStale(t *testing.T) {
	g := NewGuard(0, func() time.Time { return now })

	tests := []struct {
		name string
		age  time.Duration
		want bool
	}{
		{"fresh", time.Second, false},
		{"exactly max age", DefaultMaxAge, false},
		{"just over", DefaultMaxAge + time.Millisecond, true},
		{"ten minutes", 10 * time.Minute, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := g.IsStale(tick("BTCUSDT", domain.SourcePoll, tt.age)); got != tt.want {
				t.Errorf("IsStale(age=%s) = %v, want %v", tt.age, got, tt.want)
			}
		})
	}
}

func TestGuard_EpisodeStartOncePerEpisode(t *testing.T) {
	g := NewGuard(time.Minute, func() time.Time { return now })

	v := g.Observe(tick("BTCUSDT", domain.SourcePoll, 2*time.Minute))
	if !v.Stale || !v.EpisodeStart {
		t.Fatalf("first stale tick: %+v, want stale episode start", v)
	}
	if v.Age != 2*time.Minute {
		t.Errorf("Age = %s", v.Age)
	}

	v = g.Observe(tick("BTCUSDT", domain.SourcePoll, 3*time.Minute))
	if !v.Stale || v.EpisodeStart {
		t.Fatalf("second stale tick: %+v, want stale without episode start", v)
	}

	v = g.Observe(tick("BTCUSDT", domain.SourcePoll, time.Second))
	if v.Stale {
		t.Fatalf("fresh tick reported stale")
	}

	v = g.Observe(tick("BTCUSDT", domain.SourcePoll, 2*time.Minute))
	if !v.EpisodeStart {
		t.Error("stale tick after fresh one should start a new episode")
	}
}

func TestGuard_EpisodesPerSymbol(t *testing.T) {
	g := NewGuard(time.Minute, func() time.Time { return now })

	v := g.Observe(tick("BTCUSDT", domain.SourcePoll, 2*time.Minute))
	require.True(t, v.EpisodeStart)
	v = g.Observe(tick("BTCUSDT", domain.SourceStream, 2*time.Minute))
	assert.True(t, v.Stale)
	assert.False(t, v.EpisodeStart, "both sources stale is still one episode")

	v = g.Observe(tick("ETHUSDT", domain.SourcePoll, 2*time.Minute))
	assert.True(t, v.EpisodeStart, "ETHUSDT has its own episode")

	// A fresh stream tick does not end the episode while poll still lags.
	g.Observe(tick("BTCUSDT", domain.SourceStream, time.Second))
	v = g.Observe(tick("BTCUSDT", domain.SourcePoll, 2*time.Minute))
	assert.False(t, v.EpisodeStart)
	v = g.Observe(tick("BTCUSDT", domain.SourceStream, 2*time.Minute))
	assert.False(t, v.EpisodeStart)

	// Once every source is fresh the next stale tick opens a new episode.
	g.Observe(tick("BTCUSDT", domain.SourceStream, time.Second))
	g.Observe(tick("BTCUSDT", domain.SourcePoll, time.Second))
	v = g.Observe(tick("BTCUSDT", domain.SourceStream, 2*time.Minute))
	assert.True(t, v.EpisodeStart)
}
