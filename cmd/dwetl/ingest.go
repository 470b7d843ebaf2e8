package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/gosuri/uiprogress"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"dwetl/internal/loader"
	"dwetl/internal/schema"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [files...]",
	Short: "Infer the model, create the tables and load every record",
	Long: `ingest runs the full pipeline: analyze the input files, execute the
inferred DDL against the configured database, load every record and keep
the dangling-reference ledgers up to date. The summary at the end lists
per-table insert counts and the worst ledger offenders.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cols, err := readCollections(args)
		if err != nil {
			return err
		}

		rules := schema.DefaultRules()
		an := schema.NewAnalyzer(rules)
		for _, c := range cols {
			an.AnalyzeCollection(c.Name, c.Docs)
		}
		m := an.Model()

		gen := schema.Generator{}
		ddl := gen.Generate(m)

		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		stopMetrics := setupMetrics(ctx)
		defer stopMetrics()

		ld := &loader.Loader{
			Store:  st,
			Rules:  rules,
			Logger: log.New(os.Stderr, "", log.LstdFlags),
		}

		progressStarted := false
		if viper.GetBool("settings.progress") {
			total := 0
			for _, c := range cols {
				total += len(c.Docs)
			}
			if total > 0 {
				uiprogress.Start()
				progressStarted = true
				current := ""
				bar := uiprogress.AddBar(total).AppendCompleted().PrependElapsed()
				bar.PrependFunc(func(b *uiprogress.Bar) string {
					return fmt.Sprintf("%-12s", current)
				})
				ld.Progress = func(table string, done, _ int) {
					current = table
					bar.Incr()
				}
			}
		}

		start := time.Now()
		sum, err := ld.Run(ctx, m, ddl, cols)
		if progressStarted {
			uiprogress.Stop()
		}
		if err != nil {
			return err
		}

		printSummary(cmd.OutOrStdout(), sum, time.Since(start))
		return nil
	},
}

func printSummary(w io.Writer, sum *loader.Summary, elapsed time.Duration) {
	fmt.Fprintln(w, "\nLoad summary:")
	for _, tc := range sum.Tables {
		fmt.Fprintf(w, "  %-28s inserted=%-6d failed=%d\n", tc.Table, tc.Inserted, tc.Failed)
	}
	fmt.Fprintf(w, "  total: inserted=%d failed=%d in %s\n",
		sum.TotalInserted(), sum.TotalFailed(), elapsed.Truncate(time.Millisecond))

	for _, lg := range sum.Ledgers {
		fmt.Fprintf(w, "\n%s: recorded=%d distinct=%d\n", lg.Table, lg.Recorded, lg.DistinctKeys)
		for _, tally := range lg.Top {
			fmt.Fprintf(w, "  %-28s occurrences=%-5d first=%s last=%s\n",
				tally.Key, tally.Occurrences,
				tally.FirstSeen.Format(time.RFC3339), tally.LastSeen.Format(time.RFC3339))
		}
	}
}

func init() {
	rootCmd.AddCommand(ingestCmd)
	ingestCmd.Flags().Bool("progress", false, "render a progress bar during the load")
	viper.BindPFlag("settings.progress", ingestCmd.Flags().Lookup("progress"))
}
