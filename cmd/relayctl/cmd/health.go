package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/austindbirch/tonerelay/internal/health"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of tonerelayd",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(0)
		defer cancel()

		var st health.Status
		err := callAPI(ctx, "GET", "/healthz", nil, &st)
		var ae *apiError
		if errors.As(err, &ae) && ae.Status == 503 {
			// The body still carries the per-check status.
			_ = json.Unmarshal([]byte(ae.raw), &st)
			err = nil
		}
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}

		w := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(w, st)
		}
		if st.OK {
			fmt.Fprintln(w, "✓ tonerelayd is healthy")
		} else {
			fmt.Fprintf(w, "✗ tonerelayd is unhealthy: %s\n", st.Message)
		}
		names := make([]string, 0, len(st.Checks))
		for name := range st.Checks {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			mark := "✓"
			if !st.Checks[name] {
				mark = "✗"
			}
			fmt.Fprintf(w, "  %s %s\n", mark, name)
		}
		if !st.OK {
			return errors.New("unhealthy")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
