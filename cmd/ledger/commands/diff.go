package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"dealledger/snapshot"
)

var (
	diffIgnore []string
	diffJSON   *bool
)

func init() {
	diffCmd.Flags().StringSliceVar(&diffIgnore, "ignore", []string{"last_seen"}, "Columns to leave out of the comparison.")
	diffJSON = diffCmd.Flags().Bool("json", false, "Print the diff as JSON.")
	rootCmd.AddCommand(diffCmd)
}

var diffCmd = &cobra.Command{
	Use:   "diff <old snapshot> [new snapshot]",
	Short: "Compares two snapshots, or one snapshot against the live ledger.",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		from, err := snapshot.ReadFile(args[0])
		if err != nil {
			return err
		}

		var to snapshot.Table
		if len(args) == 2 {
			if to, err = snapshot.ReadFile(args[1]); err != nil {
				return err
			}
		} else {
			records, err := getEnv(cmd.Context()).ledger.Listings(cmd.Context())
			if err != nil {
				return err
			}
			to = snapshot.FromRecords(records)
		}

		d := snapshot.Compare(from, to, snapshot.Options{Ignore: diffIgnore})
		if *diffJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(d)
		}

		fmt.Printf("added %d, removed %d, status changes %d, field changes %d\n",
			len(d.Added), len(d.Removed), len(d.StatusChanged), len(d.Changes))
		if len(d.Changes) == 0 {
			return nil
		}
		t := newTable()
		t.AppendHeader(table.Row{"Listing", "Field", "Old", "New"})
		for _, c := range d.Changes {
			t.AppendRow(table.Row{c.ID, c.Field, orDash(c.Old), orDash(c.New)})
		}
		t.Render()
		return nil
	},
}
