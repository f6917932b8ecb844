package main

import (
	"context"
	"encoding/json"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/provider-validation/internal/model"
	"github.com/sells-group/provider-validation/internal/resilience"
	"github.com/sells-group/provider-validation/internal/store"
)

var correctCmd = &cobra.Command{
	Use:   "correct <record-id>",
	Short: "Apply a correction to a stored record",
	Long: "Applies the suggested changes from a run (--run) or explicit key=value pairs (--set). " +
		"Suggested changes are only applied when the run marked the record auto-correct eligible, unless --force is given.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		runID, _ := cmd.Flags().GetString("run")
		sets, _ := cmd.Flags().GetStringArray("set")
		force, _ := cmd.Flags().GetBool("force")
		reason, _ := cmd.Flags().GetString("reason")

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		changes, err := correctionChanges(ctx, st, args[0], runID, sets, force)
		if err != nil {
			return err
		}
		if reason == "" {
			reason = defaultReason(runID)
		}

		c, err := applyCorrection(ctx, st, args[0], changes, reason)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(c)
	},
}

func init() {
	correctCmd.Flags().String("run", "", "apply the suggested changes recorded for this record in run")
	correctCmd.Flags().StringArray("set", nil, "explicit change as key=value (repeatable; specialties take a comma-separated list)")
	correctCmd.Flags().Bool("force", false, "apply run suggestions even when the record was not auto-correct eligible")
	correctCmd.Flags().String("reason", "", "reason recorded in the audit trail")
	rootCmd.AddCommand(correctCmd)
}

// correctionChanges resolves the change set from --set pairs or a stored
// run outcome.
func correctionChanges(ctx context.Context, hs store.HistoryStore, recordID, runID string, sets []string, force bool) (map[string]any, error) {
	switch {
	case len(sets) > 0 && runID != "":
		return nil, eris.New("correct: use either --run or --set, not both")
	case len(sets) > 0:
		return parseSets(sets)
	case runID == "":
		return nil, eris.New("correct: --run or --set is required")
	}

	out, err := hs.GetOutcome(ctx, runID, recordID)
	if err != nil {
		return nil, eris.Wrapf(err, "correct: load outcome for %s in run %s", recordID, runID)
	}
	if !out.AutoCorrectEligible && !force {
		return nil, eris.Errorf("correct: record %s was not auto-correct eligible in run %s (confidence %.0f%%); use --force to override",
			recordID, runID, out.OverallConfidence*100)
	}
	if len(out.SuggestedChanges) == 0 {
		return nil, eris.Errorf("correct: run %s has no suggested changes for %s", runID, recordID)
	}
	return out.SuggestedChanges, nil
}

// parseSets turns key=value pairs into a change set.
func parseSets(sets []string) (map[string]any, error) {
	changes := make(map[string]any, len(sets))
	for _, s := range sets {
		key, value, ok := strings.Cut(s, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, eris.Errorf("correct: invalid --set %q, want key=value", s)
		}
		if key == model.AttrSpecialties {
			var tags []string
			for _, t := range strings.Split(value, ",") {
				if t = strings.TrimSpace(t); t != "" {
					tags = append(tags, t)
				}
			}
			changes[key] = tags
			continue
		}
		changes[key] = strings.TrimSpace(value)
	}
	return changes, nil
}

// applyCorrection writes the change set, retrying when a concurrent writer
// bumped the record first.
func applyCorrection(ctx context.Context, cs store.CorrectionStore, recordID string, changes map[string]any, reason string) (*model.Correction, error) {
	cfg := resilience.ContentionRetryConfig()
	cfg.OnRetry = resilience.RetryLogger("store", "apply correction")

	c, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (*model.Correction, error) {
		return cs.ApplyCorrection(ctx, recordID, changes, reason)
	})
	if err != nil {
		return nil, eris.Wrap(err, "correct")
	}
	return c, nil
}

func defaultReason(runID string) string {
	if runID != "" {
		return "suggested by validation run " + runID
	}
	return "manual correction"
}
