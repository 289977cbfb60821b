package commands

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"dealledger/snapshot"
)

var exportDir *string

func init() {
	exportDir = exportCmd.Flags().String("dir", "", "Directory to write exports into (defaults to LEDGER_EXPORT_DIR).")
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(verifyManifestCmd)
}

var exportCmd = &cobra.Command{
	Use:   "export [--dir <path>]",
	Short: "Writes dated JSON and CSV snapshots of listings and history.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e := getEnv(cmd.Context())
		dir := *exportDir
		if dir == "" {
			dir = e.cfg.ExportDir
		}

		records, err := e.ledger.Listings(cmd.Context())
		if err != nil {
			return err
		}
		history, err := e.ledger.AllHistory(cmd.Context())
		if err != nil {
			return err
		}

		var signer *snapshot.Signer
		if e.cfg.SigningKey != "" {
			if signer, err = snapshot.NewSigner(e.cfg.SigningKey); err != nil {
				return err
			}
		} else {
			slog.Warn("LEDGER_SIGNING_KEY not set, skipping manifest")
		}

		out, err := snapshot.ExportDir(cmd.Context(), dir, records, history, time.Now(), signer)
		if err != nil {
			return err
		}
		for _, f := range out.Files {
			fmt.Println(f)
		}
		return nil
	},
}

var verifyManifestCmd = &cobra.Command{
	Use:   "verify-manifest <manifest.jwt> <snapshot.json>",
	Short: "Checks that a snapshot matches its signed manifest.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e := getEnv(cmd.Context())
		signer, err := snapshot.NewSigner(e.cfg.SigningKey)
		if err != nil {
			return err
		}
		token, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read manifest: %w", err)
		}
		data, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("read snapshot: %w", err)
		}

		m, err := signer.Verify(strings.TrimSpace(string(token)), data)
		if errors.Is(err, snapshot.ErrDigestMismatch) {
			return fmt.Errorf("%s was modified after it was signed", args[1])
		}
		if err != nil {
			return err
		}
		fmt.Printf("ok: %d listings generated at %s (sha256 %s)\n", m.ListingsCount, m.GeneratedAt, m.SHA256)
		return nil
	},
}
