package commands

import (
	"fmt"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"dealledger/listing"
)

func init() {
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(reviewCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(duplicatesCmd)
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarizes listings by status, vertical and flag.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e := getEnv(cmd.Context())
		records, err := e.ledger.Listings(cmd.Context())
		if err != nil {
			return err
		}
		pairs, err := e.ledger.DuplicatePairs(cmd.Context())
		if err != nil {
			return err
		}

		byStatus := map[string]int{}
		byVertical := map[string]int{}
		byFlag := map[string]int{}
		review := 0
		var confidence float64
		for _, rec := range records {
			byStatus[string(rec.Status)]++
			byVertical[rec.Vertical]++
			for _, f := range rec.Flags.Strings() {
				byFlag[f]++
			}
			if rec.NeedsReview {
				review++
			}
			confidence += rec.Confidence
		}

		fmt.Printf("listings %d, duplicate pairs %d, awaiting review %d", len(records), len(pairs), review)
		if len(records) > 0 {
			fmt.Printf(", mean confidence %.2f", confidence/float64(len(records)))
		}
		fmt.Println()

		for _, group := range []struct {
			title  string
			counts map[string]int
		}{{"Status", byStatus}, {"Vertical", byVertical}, {"Flag", byFlag}} {
			if len(group.counts) == 0 {
				continue
			}
			t := newTable()
			t.AppendHeader(table.Row{group.title, "Listings"})
			for _, k := range sortedKeys(group.counts) {
				t.AppendRow(table.Row{k, group.counts[k]})
			}
			t.Render()
		}
		return nil
	},
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Lists listings whose vertical could not be classified.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		records, err := getEnv(cmd.Context()).ledger.ReviewQueue(cmd.Context())
		if err != nil {
			return err
		}
		t := newTable()
		t.AppendHeader(table.Row{"ID", "Broker", "Title", "Category", "Source URL"})
		for _, rec := range records {
			t.AppendRow(table.Row{rec.ID, rec.BrokerID, rec.Title, orDash(rec.Category), rec.SourceURL})
		}
		t.Render()
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <listing_id>",
	Short: "Shows every recorded change of one listing.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e := getEnv(cmd.Context())
		rec, err := e.ledger.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		history, err := e.ledger.History(cmd.Context(), rec.ID)
		if err != nil {
			return err
		}

		fmt.Printf("%s  %s  [%s]  %s\n", rec.ID, rec.Title, rec.Status, rec.Flags)
		t := newTable()
		t.AppendHeader(table.Row{"Seq", "Timestamp", "Field", "Old", "New"})
		for _, h := range history {
			t.AppendRow(table.Row{h.Seq, listing.FormatTime(h.Timestamp), h.Field, orDash(h.OldValue), orDash(h.NewValue)})
		}
		t.Render()
		return nil
	},
}

var duplicatesCmd = &cobra.Command{
	Use:   "duplicates",
	Short: "Lists suspected duplicate pairs. Listings are never merged.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pairs, err := getEnv(cmd.Context()).ledger.DuplicatePairs(cmd.Context())
		if err != nil {
			return err
		}
		t := newTable()
		t.AppendHeader(table.Row{"Listing", "Other", "Score", "Reason", "Detected"})
		for _, p := range pairs {
			t.AppendRow(table.Row{p.ListingID, p.OtherID, fmt.Sprintf("%.3f", p.Score), p.Reason, listing.FormatTime(p.DetectedAt)})
		}
		t.Render()
		return nil
	},
}
