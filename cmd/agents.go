package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/agstats-cli/internal/model"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Show registered agents and their liveness",
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

		agents, err := st.ListAgents(ctx)
		if err != nil {
			return eris.Wrap(err, "agents")
		}

		if len(agents) == 0 {
			fmt.Fprintln(os.Stderr, "No agents registered.")
			return nil
		}

		formatAgents(os.Stdout, agents, time.Now().UTC())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(agentsCmd)
}

// formatAgents writes a tabular agent list to w.
func formatAgents(out io.Writer, agents []model.AgentStatus, now time.Time) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "AGENT\tTYPE\tSTATUS\tHEALTH\tTASK\tLAST SEEN")
	_, _ = fmt.Fprintln(w, "-----\t----\t------\t------\t----\t---------")

	for _, a := range agents {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s ago\n",
			a.AgentID,
			a.AgentType,
			a.Status,
			a.Health,
			a.CurrentTask,
			now.Sub(a.LastSeen).Round(time.Second),
		)
	}
	_ = w.Flush()
}
