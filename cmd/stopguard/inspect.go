package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"stopguard/internal/domain"
	"stopguard/internal/engine"
)

var skipCheckCmd = &cobra.Command{
	Use:   "skip-check",
	Short: "Show what would execute right now, without side effects",
	Long: `skip-check polls the current price of every open symbol and reports, per
position, whether a threshold is crossed and whether execution would run or
be skipped (already executed, claimed, stale price, circuit open). Nothing
is claimed, recorded or sent.`,
	Args: cobra.NoArgs,
	RunE: runSkipCheck,
}

var statusCmd = &cobra.Command{
	Use:   "status <position-id>",
	Short: "Show the execution status of a position",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var eventsCmd = &cobra.Command{
	Use:   "events <position-id>",
	Short: "Show the stop event history of a position",
	Args:  cobra.ExactArgs(1),
	RunE:  runEvents,
}

var breakersCmd = &cobra.Command{
	Use:   "breakers",
	Short: "Show per-symbol circuit breaker state",
	Args:  cobra.NoArgs,
	RunE:  runBreakers,
}

func init() {
	for _, c := range []*cobra.Command{skipCheckCmd, statusCmd, eventsCmd, breakersCmd} {
		c.Flags().BoolVar(&jsonOutput, "json", false, "print JSON instead of a table")
		rootCmd.AddCommand(c)
	}
}

// withEngine opens the stores and builds a non-executing engine for fn.
func withEngine(cmd *cobra.Command, src sources, fn func(ctx context.Context, eng *engine.Engine) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger()
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := openApp(ctx, cfg, logger, false, false)
	if err != nil {
		return err
	}
	defer a.close()

	eng, err := a.newEngine(src, false)
	if err != nil {
		return err
	}
	return fn(ctx, eng)
}

func runSkipCheck(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, sources{poll: true}, func(ctx context.Context, eng *engine.Engine) error {
		report, err := eng.SkipCheck(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(report)
		}
		printSkipCheck(os.Stdout, report)
		return nil
	})
}

func printSkipCheck(out io.Writer, report *engine.SkipCheckReport) {
	fmt.Fprintf(out, "checked %d open positions at %s; %d crossed a threshold\n\n",
		report.Positions, report.CheckedAt.Format(time.RFC3339), report.Triggered)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "POSITION\tSYMBOL\tDIR\tPRICE\tSTOP\tTARGET\tTRIGGER\tEXECUTE\tREASON\tEXP. PNL")
	for _, e := range report.Entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.PositionID, e.Symbol, e.Direction,
			decimalOrDash(e.Price), decimalOrDash(e.StopPrice), decimalOrDash(e.TargetPrice),
			orDash(string(e.TriggerType)), yesNo(e.WouldRun), orDash(e.Reason), decimalOrDash(e.ExpectedPnL))
	}
	w.Flush()

	for _, msg := range report.Errors {
		fmt.Fprintf(out, "error: %s\n", msg)
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, sources{}, func(ctx context.Context, eng *engine.Engine) error {
		proj, err := eng.GetStatus(ctx, args[0])
		if err != nil {
			return err
		}
		if proj == nil {
			return fmt.Errorf("position %s has no execution record", args[0])
		}
		if jsonOutput {
			return printJSON(proj)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		row := func(k, v string) { fmt.Fprintf(w, "%s\t%s\n", k, v) }
		row("position", proj.PositionID)
		row("symbol", proj.Symbol)
		row("status", string(proj.Status))
		row("trigger", string(proj.TriggerType))
		row("source", proj.Source.String())
		row("threshold", proj.ThresholdPrice.String())
		row("observed", proj.ObservedPrice.String())
		row("token", proj.Token)
		row("triggered_at", timeOrDash(proj.TriggeredAt))
		row("submitted_at", timeOrDash(proj.SubmittedAt))
		row("executed_at", timeOrDash(proj.ExecutedAt))
		row("failed_at", timeOrDash(proj.FailedAt))
		row("fill_price", decimalOrDash(proj.FillPrice))
		row("slippage_pct", decimalOrDash(proj.SlippagePct))
		row("order_id", orDash(proj.OrderID))
		row("attempts", fmt.Sprintf("%d (retries %d)", proj.Attempts, proj.RetryCount))
		row("last_error", orDash(proj.LastError))
		row("last_event_seq", fmt.Sprintf("%d", proj.LastEventSeq))
		return w.Flush()
	})
}

// eventView is the JSON shape of one event.
type eventView struct {
	ID         int64               `json:"id"`
	Seq        int64               `json:"event_seq"`
	Type       domain.EventType    `json:"event_type"`
	OccurredAt time.Time           `json:"occurred_at"`
	RecordedAt time.Time           `json:"recorded_at"`
	Source     domain.TickSource   `json:"source"`
	Token      string              `json:"execution_token,omitempty"`
	Payload    domain.EventPayload `json:"payload"`
}

func runEvents(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, sources{}, func(ctx context.Context, eng *engine.Engine) error {
		events, err := eng.GetEvents(ctx, args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			views := make([]eventView, 0, len(events))
			for _, e := range events {
				views = append(views, eventView{
					ID: e.ID, Seq: e.Seq, Type: e.Type, OccurredAt: e.OccurredAt,
					RecordedAt: e.RecordedAt, Source: e.Source, Token: e.Token, Payload: e.Payload,
				})
			}
			return printJSON(views)
		}
		if len(events) == 0 {
			fmt.Printf("no events for %s\n", args[0])
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tTYPE\tOCCURRED\tSOURCE\tTOKEN\tDETAIL")
		for _, e := range events {
			detail, _ := json.Marshal(e.Payload)
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
				e.Seq, e.Type, e.OccurredAt.Format(time.RFC3339Nano), e.Source, orDash(e.Token), detail)
		}
		return w.Flush()
	})
}

func runBreakers(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, sources{}, func(ctx context.Context, eng *engine.Engine) error {
		states, err := eng.Breakers(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(states)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SYMBOL\tSTATE\tFAILURES\tTHRESHOLD\tOPENED\tRETRY AT\tPROBE")
		for _, s := range states {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
				s.Symbol, s.State, s.FailureCount, s.FailureThreshold,
				timeOrDash(s.OpenedAt), timeOrDash(s.WillRetryAt), yesNo(s.ProbeInFlight))
		}
		return w.Flush()
	})
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func decimalOrDash(d *decimal.Decimal) string {
	if d == nil {
		return "-"
	}
	return d.String()
}

func timeOrDash(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
