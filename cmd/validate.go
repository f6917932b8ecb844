package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/provider-validation/internal/model"
	"github.com/sells-group/provider-validation/internal/pipeline"
	"github.com/sells-group/provider-validation/internal/progress"
	"github.com/sells-group/provider-validation/internal/scoring"
	"github.com/sells-group/provider-validation/internal/store"
)

var validateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate provider records",
	Long: "Validates the records in a YAML or JSON file, or the stored records with --stored. " +
		"File records are imported into the store first so corrections can be applied later.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		stored, _ := cmd.Flags().GetBool("stored")
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		if stored == (len(args) == 1) {
			return eris.New("validate: pass a records file or --stored")
		}

		env, err := initValidator(ctx, "validate", progress.LogSink{})
		if err != nil {
			return err
		}
		defer env.Close()

		var recs []model.Record
		if stored {
			recs, err = env.Store.ListRecords(ctx, store.RecordFilter{Limit: limit})
			if err != nil {
				return eris.Wrap(err, "validate: list records")
			}
		} else {
			recs, err = readRecordsFile(args[0])
			if err != nil {
				return err
			}
			if _, err := env.Store.ImportRecords(ctx, recs); err != nil {
				return eris.Wrap(err, "validate: import records")
			}
		}
		if len(recs) == 0 {
			fmt.Fprintln(os.Stderr, "No records to validate.")
			return nil
		}

		run, err := env.Orchestrator.Run(ctx, recs)
		if run == nil {
			return err
		}
		if err != nil && !errors.Is(err, pipeline.ErrCancelled) {
			zap.L().Error("validate: run finished with error", zap.Error(err))
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(run); encErr != nil {
				return encErr
			}
		} else {
			formatRunReport(os.Stdout, run)
		}
		return err
	},
}

func init() {
	validateCmd.Flags().Bool("stored", false, "validate records already in the store")
	validateCmd.Flags().Int("limit", 100, "max stored records to validate")
	validateCmd.Flags().Bool("json", false, "print the full run as JSON")
	rootCmd.AddCommand(validateCmd)
}

// formatRunReport writes per-record outcomes and the run totals to out.
func formatRunReport(out io.Writer, run *model.ValidationRun) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "RECORD\tNPI\tSTATUS\tCONFIDENCE\tTIER\tACTION")
	for _, o := range run.Outcomes {
		action := scoring.Action(o.Tier)
		if o.Status == model.OutcomeErrored {
			action = o.Error
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%.0f%%\t%s\t%s\n",
			o.RecordID, o.Identifier, o.Status, o.OverallConfidence*100, o.Tier, action)
	}
	_ = w.Flush()

	s := run.Stats
	_, _ = fmt.Fprintf(out, "\nRun %s: %s\n", run.ID, run.Status)
	if run.Error != "" {
		_, _ = fmt.Fprintf(out, "Error: %s\n", run.Error)
	}
	_, _ = fmt.Fprintf(out, "Total: %d  NPI verified: %d  Address verified: %d  Flagged: %d  Errored: %d  Avg confidence: %.0f%%\n",
		s.Total, s.IdentifierVerified, s.AddressVerified, s.Flagged, s.Errored, s.AverageConfidence*100)
}
