// Package binance adapts Binance USDⓈ-M futures to the engine: it closes
// positions with reduce-only market orders and serves as the poll price source.
package binance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"stopguard/internal/domain"
	"stopguard/internal/orchestrator"
)

// TestnetBaseURL is the futures testnet REST endpoint.
const TestnetBaseURL = "https://testnet.binancefuture.com"

// codeDuplicateClientOrderID is returned when a client order id was already used.
const codeDuplicateClientOrderID = -4116

// Config holds credentials and endpoint selection.
type Config struct {
	APIKey    string
	APISecret string
	Testnet   bool
	BaseURL   string // overrides Testnet when set
}

// Client wraps a go-binance futures client.
type Client struct {
	api    *futures.Client
	now    func() time.Time
	logger *log.Logger
}

// New creates a new Client.
func New(cfg Config, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.Default()
	}
	api := futures.NewClient(cfg.APIKey, cfg.APISecret)
	switch {
	case cfg.BaseURL != "":
		api.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	case cfg.Testnet:
		api.BaseURL = TestnetBaseURL
		logger.Printf("[binance] using futures testnet %s", TestnetBaseURL)
	}
	return &Client{api: api, now: time.Now, logger: logger}
}

// ClosePosition places a reduce-only market order in the closing direction.
// The client order id lets Binance reject a resubmission; when that happens
// the original order is looked up and its fill returned.
func (c *Client) ClosePosition(ctx context.Context, req orchestrator.CloseRequest) (*orchestrator.Fill, error) {
	if req.Position == nil {
		return nil, orchestrator.Rejected(errors.New("missing position"))
	}
	symbol := req.Position.Symbol

	res, err := c.api.NewCreateOrderService().
		Symbol(symbol).
		Side(sideType(req.Side)).
		Type(futures.OrderTypeMarket).
		Quantity(req.Quantity.String()).
		ReduceOnly(true).
		NewClientOrderID(req.ClientOrderID).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT).
		Do(ctx)
	if err != nil {
		var apiErr *common.APIError
		if errors.As(err, &apiErr) && apiErr.Code == codeDuplicateClientOrderID {
			c.logger.Printf("[binance] %s already submitted; fetching original order", req.ClientOrderID)
			return c.lookup(ctx, symbol, req)
		}
		return nil, classify(err)
	}

	price := parseDecimal(res.AvgPrice)
	orderID := fmt.Sprintf("%d", res.OrderID)
	if !price.IsPositive() {
		return c.lookup(ctx, symbol, req)
	}
	return &orchestrator.Fill{
		Price:    price,
		OrderID:  orderID,
		FilledAt: c.fillTime(res.UpdateTime),
	}, nil
}

// lookup fetches an order by client id and returns its fill.
func (c *Client) lookup(ctx context.Context, symbol string, req orchestrator.CloseRequest) (*orchestrator.Fill, error) {
	order, err := c.api.NewGetOrderService().
		Symbol(symbol).
		OrigClientOrderID(req.ClientOrderID).
		Do(ctx)
	if err != nil {
		return nil, classify(err)
	}

	switch order.Status {
	case futures.OrderStatusTypeCanceled, futures.OrderStatusTypeRejected, futures.OrderStatusTypeExpired:
		return nil, orchestrator.Rejected(fmt.Errorf("order %d %s", order.OrderID, order.Status))
	}

	price := parseDecimal(order.AvgPrice)
	if !price.IsPositive() {
		// Market orders fill immediately; a missing average is reported as the reference price.
		c.logger.Printf("[binance] order %d has no average price yet (status %s), using reference %s",
			order.OrderID, order.Status, req.ReferencePrice)
		price = req.ReferencePrice
	}
	return &orchestrator.Fill{
		Price:    price,
		OrderID:  fmt.Sprintf("%d", order.OrderID),
		FilledAt: c.fillTime(order.UpdateTime),
	}, nil
}

// Fetch returns the current last price of symbol as a poll tick.
func (c *Client) Fetch(ctx context.Context, symbol string) (domain.PriceTick, error) {
	prices, err := c.api.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return domain.PriceTick{}, fmt.Errorf("list prices %s: %w", symbol, err)
	}
	for _, p := range prices {
		if p.Symbol != symbol {
			continue
		}
		price, err := decimal.NewFromString(p.Price)
		if err != nil {
			return domain.PriceTick{}, fmt.Errorf("parse price %q: %w", p.Price, err)
		}
		return domain.PriceTick{
			Symbol:     symbol,
			Price:      price,
			ObservedAt: c.now().UTC(),
			Source:     domain.SourcePoll,
		}, nil
	}
	return domain.PriceTick{}, fmt.Errorf("list prices %s: symbol not in response", symbol)
}

func (c *Client) fillTime(ms int64) time.Time {
	if ms <= 0 {
		return c.now().UTC()
	}
	return time.UnixMilli(ms).UTC()
}

func sideType(side domain.OrderSide) futures.SideType {
	if side == domain.SideBuy {
		return futures.SideTypeBuy
	}
	return futures.SideTypeSell
}

// classify marks API errors as rejections; transport errors are left to the
// orchestrator's classification.
func classify(err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return orchestrator.Rejected(apiErr)
	}
	return err
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Compile-time interface check
var _ orchestrator.Exchange = (*Client)(nil)
