package commands

import (
	"errors"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"dealledger/dispute"
	"dealledger/listing"
	"dealledger/normalize"
	"dealledger/observation"
)

var (
	disputeKind        *string
	disputeReason      *string
	disputeEvidence    *string
	disputeObservation *string
)

func init() {
	disputeKind = fileDisputeCmd.Flags().String("kind", string(dispute.KindCorrection), "correction or deletion.")
	disputeReason = fileDisputeCmd.Flags().String("reason", "", "The broker's stated reason.")
	disputeEvidence = fileDisputeCmd.Flags().String("evidence", "", "URL of the evidence supporting a correction.")
	disputeObservation = fileDisputeCmd.Flags().String("observation", "", "JSONL file whose first line is the corrected observation.")

	disputeCmd.AddCommand(fileDisputeCmd)
	disputeCmd.AddCommand(listDisputesCmd)
	rootCmd.AddCommand(disputeCmd)
}

var disputeCmd = &cobra.Command{
	Use:   "dispute",
	Short: "Files and lists broker disputes.",
}

var fileDisputeCmd = &cobra.Command{
	Use:   "file <listing_id> --kind correction|deletion [--evidence <url> --observation <file.jsonl>]",
	Short: "Decides a broker dispute about one listing.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e := getEnv(cmd.Context())
		req := dispute.Request{
			ListingID:   args[0],
			Kind:        dispute.Kind(*disputeKind),
			Reason:      *disputeReason,
			EvidenceURL: *disputeEvidence,
		}

		if req.Kind == dispute.KindCorrection && *disputeObservation != "" {
			batch, err := observation.FileSource{Path: *disputeObservation}.Observations(cmd.Context())
			if err != nil {
				return err
			}
			if len(batch) == 0 {
				return fmt.Errorf("%s holds no observation", *disputeObservation)
			}
			res, err := normalize.NewNormalizer(e.cfg.NormalizeOptions()).Normalize(batch[0])
			if err != nil {
				return err
			}
			req.Correction = res
		}

		rec, err := e.disputes.File(cmd.Context(), req)
		switch {
		case errors.Is(err, dispute.ErrDeletionRejected),
			errors.Is(err, dispute.ErrEvidenceRequired),
			errors.Is(err, dispute.ErrListingMismatch):
			fmt.Printf("dispute %s rejected: %v\n", rec.ID, err)
			return nil
		case err != nil:
			return err
		}
		fmt.Printf("dispute %s applied to %s\n", rec.ID, rec.ListingID)
		return nil
	},
}

var listDisputesCmd = &cobra.Command{
	Use:   "list [listing_id]",
	Short: "Lists dispute decisions, newest first.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		listingID := ""
		if len(args) == 1 {
			listingID = args[0]
		}
		records, err := getEnv(cmd.Context()).disputes.List(cmd.Context(), listingID)
		if err != nil {
			return err
		}
		t := newTable()
		t.AppendHeader(table.Row{"ID", "Listing", "Broker", "Kind", "State", "Reason", "Evidence", "Filed"})
		for _, d := range records {
			t.AppendRow(table.Row{d.ID, d.ListingID, d.BrokerID, d.Kind, d.State, d.Reason, orDash(d.EvidenceURL), listing.FormatTime(d.CreatedAt)})
		}
		t.Render()
		return nil
	},
}
