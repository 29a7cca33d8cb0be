package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"stopguard/internal/engine"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Replay the event log and compare it with stored projections",
	Long: `verify folds every position's stop events from scratch and compares the
result with the stored execution projection. Any divergence means the
projection table was written outside the event log and should be rebuilt.`,
	Args: cobra.NoArgs,
	RunE: runVerify,
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Re-derive every execution projection from the event log",
	Args:  cobra.NoArgs,
	RunE:  runRebuild,
}

func init() {
	verifyCmd.Flags().BoolVar(&jsonOutput, "json", false, "print JSON instead of a table")
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(rebuildCmd)
}

func runVerify(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, sources{}, func(ctx context.Context, eng *engine.Engine) error {
		report, err := eng.Verify(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			if err := printJSON(report); err != nil {
				return err
			}
		} else {
			fmt.Printf("verified %d positions: %d match, %d diverge\n",
				report.TotalPositions, report.MatchedPositions, report.DivergentPositions)
			if report.DivergentPositions > 0 {
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "POSITION\tFIELD\tREPLAYED\tSTORED")
				for _, r := range report.Results {
					for _, d := range r.Divergences {
						fmt.Fprintf(w, "%s\t%s\t%v\t%v\n", r.PositionID, d.Field, d.Expected, d.Actual)
					}
				}
				w.Flush()
			}
		}
		if report.DivergentPositions > 0 {
			return fmt.Errorf("%d positions diverge from the event log; run 'stopguard rebuild'", report.DivergentPositions)
		}
		return nil
	})
}

func runRebuild(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, sources{}, func(ctx context.Context, eng *engine.Engine) error {
		n, err := eng.Rebuild(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("rebuilt %d projections\n", n)
		return nil
	})
}
