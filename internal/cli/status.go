package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/keypool/internal/health"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show credential states and queue counters of a running keypool",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	base, err := baseURL()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	report, err := fetchReport(cmd.Context(), "GET", base+"/health/detailed")
	if err != nil {
		slog.Error("Failed to fetch status", "error", err)
		os.Exit(1)
	}

	printReport(os.Stdout, report)
}

func printReport(out io.Writer, report *health.Report) {
	st := report.Pool
	_, _ = fmt.Fprintf(out, "status: %s (%d/%d active)\n", report.SystemStatus, report.Active, report.Total)
	_, _ = fmt.Fprintf(out, "workers: %d running=%t queue=%d in_flight=%d\n",
		st.Workers, st.Running, st.QueueDepth, st.InFlight)
	_, _ = fmt.Fprintf(out, "completed: %d failed: %d timed_out: %d avg_latency: %s\n\n",
		st.Completed, st.Failed, st.TimedOut, st.AvgLatency.Round(time.Millisecond))

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "CREDENTIAL\tSTATE\tCOOLDOWN\tOK\tFAILED\tAVG LATENCY\tLAST FAILURE")
	for _, c := range st.Credentials {
		cooldown := "-"
		if c.CooldownRemaining > 0 {
			cooldown = c.CooldownRemaining.Round(time.Second).String()
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			c.ID, c.State, cooldown, c.Successes, c.Failures,
			c.AverageLatency.Round(time.Millisecond), c.LastFailure)
	}
	_ = w.Flush()
}
