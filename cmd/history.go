package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/pagepilot/api/schemas"
	"github.com/xkilldash9x/pagepilot/internal/config"
	"github.com/xkilldash9x/pagepilot/internal/observability"
)

func newHistoryCmd(openStore storeOpener) *cobra.Command {
	var limit int

	historyCmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List recorded runs, or the step results of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			var runID string
			if len(args) == 1 {
				runID = args[0]
			}
			return showHistory(cmd.Context(), cmd.OutOrStdout(), cfg, openStore, runID, limit)
		},
	}
	historyCmd.Flags().IntVarP(&limit, "limit", "l", 20, "Number of runs to list")
	return historyCmd
}

func showHistory(ctx context.Context, w io.Writer, cfg config.Interface, openStore storeOpener, runID string, limit int) error {
	st, err := openStore(ctx, observability.GetLogger(), cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	if runID != "" {
		results, err := st.RunResults(ctx, runID)
		if err != nil {
			return err
		}
		if len(results) == 0 {
			fmt.Fprintf(w, "No step results recorded for run %s\n", runID)
			return nil
		}
		writeResults(w, results)
		return nil
	}

	runs, err := st.ListRuns(ctx, limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded yet")
		return nil
	}
	writeRuns(w, runs)
	return nil
}

func writeRuns(w io.Writer, runs []schemas.RunSummary) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tNAME\tPHASE\tSTEPS\tFAILED\tSTARTED\tDURATION")
	for _, r := range runs {
		duration := "-"
		if !r.FinishedAt.IsZero() {
			duration = r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			r.RunID, r.Name, r.Phase, r.Total, r.Failures,
			r.StartedAt.Local().Format("2006-01-02 15:04:05"), duration)
	}
	tw.Flush()
}

func writeResults(w io.Writer, results []schemas.StepResult) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "OUTCOME\tPATH\tKIND\tCONTEXT\tDURATION\tVALUE\tERROR")
	for _, r := range results {
		path := r.Path
		if r.Iteration > 0 {
			path = fmt.Sprintf("%s#%d", path, r.Iteration)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			outcomeLabel(r.Outcome), path, r.Kind, r.ContextID,
			r.Duration.Round(time.Millisecond), r.Value, r.Error)
	}
	tw.Flush()
}
