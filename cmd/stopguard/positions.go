package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"stopguard/internal/domain"
)

var (
	posID        string
	posSymbol    string
	posDirection string
	posQty       string
	posEntry     string
	posStop      string
	posTarget    string
)

var positionsCmd = &cobra.Command{
	Use:   "positions",
	Short: "Manage protected positions",
}

var positionsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register an open position with its stop-loss and optional take-profit",
	Args:  cobra.NoArgs,
	RunE:  runPositionsAdd,
}

var positionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List open positions",
	Args:  cobra.NoArgs,
	RunE:  runPositionsList,
}

func init() {
	f := positionsAddCmd.Flags()
	f.StringVar(&posID, "id", "", "position ID (required)")
	f.StringVarP(&posSymbol, "symbol", "s", "", "symbol, e.g. BTCUSDT (required)")
	f.StringVarP(&posDirection, "direction", "d", string(domain.DirectionLong), "LONG or SHORT")
	f.StringVarP(&posQty, "qty", "q", "", "position size (required)")
	f.StringVar(&posEntry, "entry", "", "entry price (required)")
	f.StringVar(&posStop, "stop", "", "absolute stop-loss price (required)")
	f.StringVar(&posTarget, "target", "", "absolute take-profit price")
	for _, name := range []string{"id", "symbol", "qty", "entry", "stop"} {
		positionsAddCmd.MarkFlagRequired(name)
	}

	positionsListCmd.Flags().BoolVar(&jsonOutput, "json", false, "print JSON instead of a table")

	positionsCmd.AddCommand(positionsAddCmd)
	positionsCmd.AddCommand(positionsListCmd)
	rootCmd.AddCommand(positionsCmd)
}

func runPositionsAdd(cmd *cobra.Command, args []string) error {
	p, err := positionFromFlags()
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := context.Background()
	a, err := openApp(ctx, cfg, newLogger(), false, false)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.stores.Positions.Insert(ctx, p); err != nil {
		return fmt.Errorf("insert position %s: %w", p.ID, err)
	}
	fmt.Printf("added %s %s %s %s (stop %s)\n", p.ID, p.Direction, p.Quantity, p.Symbol, p.StopPrice)
	return nil
}

func positionFromFlags() (*domain.Position, error) {
	dir, err := parseDirection(posDirection)
	if err != nil {
		return nil, err
	}
	qty, err := decimal.NewFromString(posQty)
	if err != nil {
		return nil, fmt.Errorf("--qty: %w", err)
	}
	entry, err := decimal.NewFromString(posEntry)
	if err != nil {
		return nil, fmt.Errorf("--entry: %w", err)
	}
	stop, err := decimal.NewFromString(posStop)
	if err != nil {
		return nil, fmt.Errorf("--stop: %w", err)
	}

	p := &domain.Position{
		ID:         posID,
		Symbol:     posSymbol,
		Direction:  dir,
		Quantity:   qty,
		EntryPrice: entry,
		StopPrice:  &stop,
		Status:     domain.PositionActive,
	}
	if posTarget != "" {
		target, err := decimal.NewFromString(posTarget)
		if err != nil {
			return nil, fmt.Errorf("--target: %w", err)
		}
		p.TargetPrice = &target
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func runPositionsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := context.Background()
	a, err := openApp(ctx, cfg, newLogger(), false, false)
	if err != nil {
		return err
	}
	defer a.close()

	positions, err := a.stores.Positions.GetOpen(ctx)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(positions)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "POSITION\tSYMBOL\tDIR\tQTY\tENTRY\tSTOP\tTARGET")
	for _, p := range positions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			p.ID, p.Symbol, p.Direction, p.Quantity, p.EntryPrice,
			decimalOrDash(p.StopPrice), decimalOrDash(p.TargetPrice))
	}
	return w.Flush()
}
