package commands

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"dealledger/ingest"
	"dealledger/normalize"
	"dealledger/observation"
)

var ingestShowErrors *bool

func init() {
	ingestShowErrors = ingestCmd.Flags().Bool("errors", false, "List every rejected or failed observation.")
	rootCmd.AddCommand(ingestCmd)
}

var ingestCmd = &cobra.Command{
	Use:   "ingest <observations.jsonl>...",
	Short: "Normalizes and applies scraper output files to the ledger.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e := getEnv(cmd.Context())
		pipeline := ingest.NewPipeline(normalize.NewNormalizer(e.cfg.NormalizeOptions()), e.ledger).
			WithOptions(e.cfg.IngestOptions())

		t := newTable()
		t.AppendHeader(table.Row{"Source", "Observed", "Created", "Changed", "Unchanged", "Rejected", "Failed", "Anomalies", "Duplicates", "Took"})
		var failures []ingest.ObservationError
		for _, path := range args {
			report, err := pipeline.RunSource(cmd.Context(), observation.FileSource{Path: path})
			if err != nil {
				return err
			}
			t.AppendRow(table.Row{
				path, report.Observed, report.Created, report.Changed, report.Unchanged,
				report.Rejected, report.Failed, report.Anomalies, report.Duplicates,
				report.Duration.Round(time.Millisecond),
			})
			failures = append(failures, report.Errors...)
		}
		t.Render()

		if *ingestShowErrors && len(failures) > 0 {
			et := newTable()
			et.AppendHeader(table.Row{"Broker", "Source URL", "Outcome", "Error"})
			for _, f := range failures {
				et.AppendRow(table.Row{f.BrokerID, f.SourceURL, f.Outcome, f.Err})
			}
			et.Render()
		}
		if n := countFailed(failures); n > 0 {
			return fmt.Errorf("%d observations failed to persist", n)
		}
		return nil
	},
}

func countFailed(errs []ingest.ObservationError) int {
	n := 0
	for _, e := range errs {
		if e.Outcome == ingest.OutcomeFailed {
			n++
		}
	}
	return n
}
