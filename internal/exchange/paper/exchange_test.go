package paper

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stopguard/internal/domain"
	"stopguard/internal/orchestrator"
)

func request(clientID string) orchestrator.CloseRequest {
	return orchestrator.CloseRequest{
		Position:       &domain.Position{ID: "pos-1", Symbol: "BTCUSDT"},
		Side:           domain.SideSell,
		Quantity:       decimal.NewFromInt(1),
		ClientOrderID:  clientID,
		ReferencePrice: decimal.NewFromInt(100),
	}
}

func TestExchange_FillsAtLastPrice(t *testing.T) {
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	ex := New(func() time.Time { return at })

	fill, err := ex.ClosePosition(context.Background(), request("a"))
	require.NoError(t, err)
	assert.True(t, fill.Price.Equal(decimal.NewFromInt(100)), "falls back to reference price")
	assert.True(t, fill.FilledAt.Equal(at))

	ex.Observe(domain.PriceTick{Symbol: "BTCUSDT", Price: decimal.RequireFromString("98.7")})
	fill, err = ex.ClosePosition(context.Background(), request("b"))
	require.NoError(t, err)
	assert.True(t, fill.Price.Equal(decimal.RequireFromString("98.7")))
}

func TestExchange_DedupesClientOrderID(t *testing.T) {
	ex := New(nil)
	first, err := ex.ClosePosition(context.Background(), request("same"))
	require.NoError(t, err)

	ex.Observe(domain.PriceTick{Symbol: "BTCUSDT", Price: decimal.NewFromInt(50)})
	second, err := ex.ClosePosition(context.Background(), request("same"))
	require.NoError(t, err)
	assert.Equal(t, first.OrderID, second.OrderID)
	assert.True(t, second.Price.Equal(first.Price))
}

func TestExchange_RejectsInvalid(t *testing.T) {
	ex := New(nil)
	req := request("x")
	req.Quantity = decimal.Zero

	_, err := ex.ClosePosition(context.Background(), req)
	var execErr *orchestrator.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, orchestrator.KindRejected, execErr.Kind)
}
