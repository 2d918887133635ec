package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/agstats-cli/internal/ingest"
	"github.com/sells-group/agstats-cli/internal/model"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect ingest run history",
	Long:  "Commands for listing, viewing, and auditing ingest runs.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List ingest runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		source, _ := cmd.Flags().GetString("source")
		status, _ := cmd.Flags().GetString("status")
		job, _ := cmd.Flags().GetString("job")
		limit, _ := cmd.Flags().GetInt("limit")

		runs, err := st.ListIngestRuns(ctx, ingest.RunFilter{
			DataSourceCode: source,
			Status:         model.RunStatus(status),
			JobName:        job,
			Limit:          limit,
		})
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show full details of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		run, err := st.GetIngestRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	},
}

// -- runs errors --

var runsErrorsCmd = &cobra.Command{
	Use:   "errors <run-id>",
	Short: "List the error records logged against a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		errs, err := st.ListIngestErrors(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs errors")
		}

		if len(errs) == 0 {
			fmt.Fprintln(os.Stderr, "No errors recorded.")
			return nil
		}

		formatRunErrors(os.Stdout, errs)
		return nil
	},
}

func init() {
	runsListCmd.Flags().String("source", "", "filter by data source code")
	runsListCmd.Flags().String("status", "", "filter by run status (running, success, failed, partial)")
	runsListCmd.Flags().String("job", "", "filter by job name")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsErrorsCmd)
	rootCmd.AddCommand(runsCmd)
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []model.IngestRun) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tJOB\tAGENT\tSTATUS\tFETCHED\tFAILED\tSTARTED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t---\t-----\t------\t-------\t------\t-------\t--------")

	for _, r := range runs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			truncateID(r.ID),
			r.JobName,
			r.AgentID,
			r.Status,
			r.RowsFetched,
			r.RowsFailed,
			r.StartedAt.Format("2006-01-02 15:04"),
			runDuration(r),
		)
	}
	_ = w.Flush()
}

// formatRunErrors writes a tabular list of error records to w.
func formatRunErrors(out io.Writer, errs []model.IngestError) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTYPE\tRECORD\tMESSAGE\tAT")
	_, _ = fmt.Fprintln(w, "--\t----\t------\t-------\t--")

	for _, e := range errs {
		msg := e.Message
		if len(msg) > 60 {
			msg = msg[:57] + "..."
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			e.ID, e.ErrorType, e.RecordKey, msg, e.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	_ = w.Flush()
}

// runDuration renders elapsed time; open runs measure against now.
func runDuration(r model.IngestRun) string {
	end := time.Now()
	if r.CompletedAt != nil {
		end = *r.CompletedAt
	}
	return end.Sub(r.StartedAt).Round(time.Second).String()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
