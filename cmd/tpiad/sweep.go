package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"tpia/internal/sweep"
)

var sweepLimit int

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one engine sweep now",
	Long: `Run a single pass of a periodic sweep outside the scheduler. Sweeps are
safe to run next to a serving instance: a cycle or approval that another run
already handled is counted as skipped.

Examples:
  tpiad sweep approve
  tpiad sweep cycles --limit 100`,
}

func init() {
	rootCmd.AddCommand(sweepCmd)
	sweepCmd.PersistentFlags().IntVar(&sweepLimit, "limit", 0, "Maximum candidates per sweep (default: SWEEP_BATCH_SIZE)")

	for _, sc := range []struct {
		use, short string
		run        func(a *app, ctx context.Context, limit int) (*sweep.Result, error)
	}{
		{"approve", "Auto-approve pending TPIAs past the approval window", func(a *app, ctx context.Context, limit int) (*sweep.Result, error) {
			return a.lifecycle.AutoApprove(ctx, limit)
		}},
		{"activate", "Activate full clusters whose members are all approved", func(a *app, ctx context.Context, limit int) (*sweep.Result, error) {
			return a.allocator.ActivateReady(ctx, limit)
		}},
		{"cycles", "Advance every cluster and immediate TPIA whose cycle is due", func(a *app, ctx context.Context, limit int) (*sweep.Result, error) {
			return a.cycles.Sweep(ctx, limit)
		}},
	} {
		run := sc.run
		sweepCmd.AddCommand(&cobra.Command{
			Use:   sc.use,
			Short: sc.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := newApp(cfg, log, false)
				if err != nil {
					return err
				}
				defer a.close()

				limit := sweepLimit
				if limit <= 0 {
					limit = cfg.Scheduler.BatchSize
				}
				res, err := run(a, cmd.Context(), limit)
				if err != nil {
					return err
				}
				printResult(res)
				if res.Failed > 0 {
					return fmt.Errorf("%d of %d items failed", res.Failed, res.Candidates)
				}
				return nil
			},
		})
	}
}

func printResult(res *sweep.Result) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "SWEEP\tCANDIDATES\tPROCESSED\tSKIPPED\tFAILED\tELAPSED\n")
	fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%s\n", res.Name, res.Candidates, res.Processed, res.Skipped, res.Failed, res.Elapsed)
	w.Flush()
	for _, e := range res.Errors {
		fmt.Fprintf(os.Stderr, "  %s\n", e.Error())
	}
}
