package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/provider-validation/internal/model"
	"github.com/sells-group/provider-validation/internal/trust"
)

var trustCmd = &cobra.Command{
	Use:   "trust",
	Short: "Inspect the per-source trust ledger",
}

var trustListCmd = &cobra.Command{
	Use:   "list",
	Short: "List learned trust scores",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		entries, err := trust.NewLedger(st).Entries(ctx)
		if err != nil {
			return eris.Wrap(err, "trust list")
		}
		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "Trust ledger is empty.")
			return nil
		}
		formatTrustList(os.Stdout, entries)
		return nil
	},
}

var trustScoreCmd = &cobra.Command{
	Use:   "score <source> <field>",
	Short: "Print the trust score for one source and field",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		score, err := trust.NewLedger(st).Score(ctx, args[0], model.Field(args[1]))
		if err != nil {
			return eris.Wrap(err, "trust score")
		}
		fmt.Fprintf(os.Stdout, "%.4f\n", score)
		return nil
	},
}

func init() {
	trustCmd.AddCommand(trustListCmd)
	trustCmd.AddCommand(trustScoreCmd)
	rootCmd.AddCommand(trustCmd)
}

// formatTrustList writes a tabular list of ledger entries to out.
func formatTrustList(out io.Writer, entries []model.TrustEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SOURCE\tFIELD\tSCORE\tSUCCESS\tFAILURE\tTOTAL\tUPDATED")
	for _, e := range entries {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%.3f\t%d\t%d\t%d\t%s\n",
			e.Source, e.Field, e.Score, e.SuccessCount, e.FailureCount, e.TotalValidations,
			e.LastUpdated.Format("2006-01-02 15:04"))
	}
	_ = w.Flush()
}
