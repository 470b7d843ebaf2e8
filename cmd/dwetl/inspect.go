package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"dwetl/internal/document"
	"dwetl/internal/inspect"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <file>",
	Short: "Profile the structure of one JSON file",
	Long: `inspect walks every document in the file and reports each key with
its value types, nesting depths and a few sample values. Useful before
modeling a file you have not seen.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		docs, skipped, err := document.ReadFile(args[0])
		if err != nil {
			return err
		}
		if skipped > 0 {
			fmt.Fprintf(os.Stderr, "read: file=%s skipped=%d malformed lines\n", args[0], skipped)
		}
		fmt.Fprintln(cmd.OutOrStdout(), inspect.Analyze(docs).Format())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}
