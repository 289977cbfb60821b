package commands

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"dealledger/listing"
)

func init() {
	rootCmd.AddCommand(brokersCmd)
	rootCmd.AddCommand(verifyBrokerCmd)
}

var brokersCmd = &cobra.Command{
	Use:   "brokers",
	Short: "Lists the brokers the ledger has observed.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e := getEnv(cmd.Context())
		records, err := e.brokers.List(cmd.Context(), 0)
		if err != nil {
			return err
		}

		t := newTable()
		t.AppendHeader(table.Row{"ID", "Name", "Website", "Verified", "Active", "Observed", "First Seen", "Last Scraped"})
		for _, b := range records {
			t.AppendRow(table.Row{
				b.ID, b.Name, b.Website, b.Verified, b.ActiveListings, b.TotalObserved,
				listing.FormatTime(b.FirstSeen), listing.FormatTime(b.LastScraped),
			})
		}
		t.Render()
		return nil
	},
}

var verifyBrokerCmd = &cobra.Command{
	Use:   "verify-broker <broker_id>",
	Short: "Marks a broker as verified, which raises the confidence of its listings.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e := getEnv(cmd.Context())
		if err := e.ledger.VerifyBroker(cmd.Context(), args[0]); err != nil {
			return err
		}
		e.brokers.Invalidate(args[0])

		b, err := e.brokers.GetByID(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s (%s) verified\n", b.ID, b.Name)
		return nil
	},
}
