package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"dwetl/internal/schema"
)

var modelOutPath string

var modelCmd = &cobra.Command{
	Use:   "model [files...]",
	Short: "Infer the relational model and print its DDL",
	Long: `model reads one or more JSON export files, infers a table per file
plus child tables for nested lists, and prints the model followed by the
CREATE TABLE statements. No database is touched.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cols, err := readCollections(args)
		if err != nil {
			return err
		}

		an := schema.NewAnalyzer(schema.DefaultRules())
		for _, c := range cols {
			an.AnalyzeCollection(c.Name, c.Docs)
		}
		m := an.Model()

		out := cmd.OutOrStdout()
		for _, t := range m.Tables() {
			fmt.Fprintf(out, "\nTable: %s\n", t.Name)
			fmt.Fprintln(out, "Columns:")
			for _, col := range t.Columns() {
				fmt.Fprintf(out, "  - %s: %s\n", col.Name, strings.Join(col.TypeList(), " | "))
			}
			if rels := t.RelationshipStrings(); len(rels) > 0 {
				fmt.Fprintln(out, "Relationships:")
				for _, rel := range rels {
					fmt.Fprintf(out, "  - %s\n", rel)
				}
			}
		}

		if pots := schema.PotentialForeignKeys(m); len(pots) > 0 {
			fmt.Fprintln(out, "\nPotential cross-table references:")
			for _, rel := range pots {
				fmt.Fprintf(out, "  - %s\n", rel)
			}
		}

		gen := schema.Generator{}
		sql := gen.GenerateSQL(m)
		if modelOutPath != "" {
			if err := os.WriteFile(modelOutPath, []byte(sql+"\n"), 0o644); err != nil {
				return fmt.Errorf("write ddl: %w", err)
			}
			fmt.Fprintf(out, "\nDDL written to %s\n", modelOutPath)
			return nil
		}
		fmt.Fprintf(out, "\n%s\n", sql)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(modelCmd)
	modelCmd.Flags().StringVarP(&modelOutPath, "out", "o", "", "write the DDL to a file instead of stdout")
}
