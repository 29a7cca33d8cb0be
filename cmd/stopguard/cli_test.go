package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stopguard/internal/domain"
	"stopguard/internal/engine"
)

func setPositionFlags(t *testing.T, id, symbol, dir, qty, entry, stop, target string) {
	t.Helper()
	old := []string{posID, posSymbol, posDirection, posQty, posEntry, posStop, posTarget}
	t.Cleanup(func() {
		posID, posSymbol, posDirection, posQty, posEntry, posStop, posTarget =
			old[0], old[1], old[2], old[3], old[4], old[5], old[6]
	})
	posID, posSymbol, posDirection, posQty, posEntry, posStop, posTarget = id, symbol, dir, qty, entry, stop, target
}

func TestPositionFromFlags(t *testing.T) {
	setPositionFlags(t, "pos-1", "BTCUSDT", "SHORT", "0.5", "64000", "66000", "60000")

	p, err := positionFromFlags()
	require.NoError(t, err)
	assert.Equal(t, domain.DirectionShort, p.Direction)
	assert.Equal(t, domain.PositionActive, p.Status)
	assert.True(t, p.StopPrice.Equal(decimal.NewFromInt(66000)))
	require.NotNil(t, p.TargetPrice)
	assert.True(t, p.TargetPrice.Equal(decimal.NewFromInt(60000)))
}

func TestPositionFromFlags_Invalid(t *testing.T) {
	tests := []struct {
		name string
		dir  string
		qty  string
		stop string
	}{
		{"bad direction", "FLAT", "1", "100"},
		{"bad quantity", "LONG", "x", "100"},
		{"zero quantity", "LONG", "0", "100"},
		{"negative stop", "LONG", "1", "-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setPositionFlags(t, "pos-1", "BTCUSDT", tt.dir, tt.qty, "100", tt.stop, "")
			_, err := positionFromFlags()
			assert.Error(t, err)
		})
	}
}

func TestPrintSkipCheck(t *testing.T) {
	price := decimal.NewFromInt(89)
	stop := decimal.NewFromInt(90)
	pnl := decimal.NewFromInt(-10)
	report := &engine.SkipCheckReport{
		CheckedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Positions: 2,
		Triggered: 1,
		Entries: []engine.SkipCheckEntry{
			{PositionID: "pos-1", Symbol: "BTCUSDT", Direction: domain.DirectionLong, Price: &price,
				StopPrice: &stop, TriggerType: domain.TriggerStopLoss, WouldRun: true, ExpectedPnL: &pnl},
			{PositionID: "pos-2", Symbol: "ETHUSDT", Direction: domain.DirectionLong, Reason: "no price"},
		},
		Errors: []string{"ETHUSDT: timeout"},
	}

	var buf bytes.Buffer
	printSkipCheck(&buf, report)
	out := buf.String()

	assert.Contains(t, out, "checked 2 open positions")
	assert.Contains(t, out, "pos-1")
	assert.Contains(t, out, "-10")
	assert.Contains(t, out, "no price")
	assert.Contains(t, out, "error: ETHUSDT: timeout")
}
