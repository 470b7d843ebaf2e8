package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"dwetl/internal/report"
)

var reportCmd = &cobra.Command{
	Use:   "report [files...]",
	Short: "Answer the analyst questions over the raw files",
	Long: `report computes field completeness, receipt status comparisons, the
month-over-month brand leaderboard and brand-code coverage straight from
the JSON files. Files are routed by name: receipts.json, users.json and
brands.json feed their respective sections.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cols, err := readCollections(args)
		if err != nil {
			return err
		}

		var suite report.Suite
		for _, c := range cols {
			switch c.Name {
			case "receipts":
				suite.Receipts = c.Docs
			case "users":
				suite.Users = c.Docs
			case "brands":
				suite.Brands = c.Docs
			default:
				fmt.Fprintf(os.Stderr, "report: ignoring %s (expected receipts, users or brands)\n", c.Name)
			}
		}
		suite.Render(cmd.OutOrStdout())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reportCmd)
}
