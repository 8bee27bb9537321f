package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	historyTask    string
	historyOutcome string
	historyLimit   int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded execution attempts",
	Long: `List execution attempts from the history database, newest first.

Every attempt is recorded with its outcome: done, suspended (with the child it
spawned) or failed.`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().StringVar(&historyTask, "task", "", "only show attempts of this task id")
	historyCmd.Flags().StringVar(&historyOutcome, "outcome", "", "only show attempts with this outcome")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "maximum number of attempts to show")
}

func runHistory(cmd *cobra.Command, args []string) error {
	history, err := openHistory()
	if err != nil {
		return err
	}
	defer history.Close()

	filters := map[string]any{}
	if historyTask != "" {
		filters["task_id"] = historyTask
	}
	if historyOutcome != "" {
		filters["outcome"] = historyOutcome
	}

	ctx := cmd.Context()
	records, err := history.List(ctx, filters, 0, historyLimit)
	if err != nil {
		return err
	}
	total, err := history.Count(ctx, filters)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tTASK\tTOOL\tOUTCOME\tDURATION\tDETAIL")
	for _, r := range records {
		detail := r.ChildID
		if r.Error != "" {
			detail = r.Error
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.StartedAt.Local().Format(time.DateTime),
			r.TaskID, r.Tool, r.Outcome,
			r.Duration.Round(time.Millisecond), detail)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "\n%d of %d attempts\n", len(records), total)
	return nil
}
