package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Force every credential of a running keypool back to active",
	Args:  cobra.NoArgs,
	Run:   runReset,
}

func init() {
	rootCmd.AddCommand(resetCmd)
}

func runReset(cmd *cobra.Command, args []string) {
	base, err := baseURL()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	report, err := fetchReport(cmd.Context(), "POST", base+"/admin/reset")
	if err != nil {
		slog.Error("Failed to reset credentials", "error", err)
		os.Exit(1)
	}

	printReport(os.Stdout, report)
}
