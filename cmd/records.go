package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/provider-validation/internal/model"
	"github.com/sells-group/provider-validation/internal/store"
)

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "Manage stored provider records",
}

// -- records import --

var recordsImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import provider records from a YAML or JSON file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		recs, err := readRecordsFile(args[0])
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := st.ImportRecords(ctx, recs)
		if err != nil {
			return eris.Wrap(err, "records import")
		}
		fmt.Fprintf(os.Stderr, "Imported %d records.\n", n)
		return nil
	},
}

// -- records list --

var recordsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored provider records",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		recs, err := st.ListRecords(ctx, store.RecordFilter{Limit: limit, Offset: offset})
		if err != nil {
			return eris.Wrap(err, "records list")
		}
		if len(recs) == 0 {
			fmt.Fprintln(os.Stderr, "No records found.")
			return nil
		}
		formatRecordsList(os.Stdout, recs)
		return nil
	},
}

// -- records show --

var recordsShowCmd = &cobra.Command{
	Use:   "show <record-id>",
	Short: "Show a record and its correction history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		rec, err := st.GetRecord(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "records show")
		}
		corrections, err := st.ListCorrections(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "records show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Record      *model.Record      `json:"record"`
			Corrections []model.Correction `json:"corrections,omitempty"`
		}{rec, corrections})
	},
}

func init() {
	recordsListCmd.Flags().Int("limit", 50, "max number of records to display")
	recordsListCmd.Flags().Int("offset", 0, "number of records to skip")

	recordsCmd.AddCommand(recordsImportCmd)
	recordsCmd.AddCommand(recordsListCmd)
	recordsCmd.AddCommand(recordsShowCmd)
	rootCmd.AddCommand(recordsCmd)
}

// readRecordsFile loads records from path.
func readRecordsFile(path string) ([]model.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "open records file %s", path)
	}
	defer f.Close() //nolint:errcheck
	return decodeRecords(f)
}

// decodeRecords accepts a bare list of records or a document with a
// top-level "records" list. JSON input parses as YAML.
func decodeRecords(r io.Reader) ([]model.Record, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, eris.Wrap(err, "read records")
	}
	if strings.TrimSpace(string(data)) == "" {
		return nil, eris.New("records file is empty")
	}

	var list []model.Record
	if err := yaml.Unmarshal(data, &list); err == nil {
		return list, nil
	}

	var doc struct {
		Records []model.Record `yaml:"records"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrap(err, "parse records")
	}
	if len(doc.Records) == 0 {
		return nil, eris.New("no records found in file")
	}
	return doc.Records, nil
}

// formatRecordsList writes a tabular list of records to out.
func formatRecordsList(out io.Writer, recs []model.Record) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNPI\tNAME\tCITY\tSTATE\tVERSION")
	for _, r := range recs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
			r.Key(), r.Identifier, r.FullName(), r.Address.City, r.Address.State, r.Version)
	}
	_ = w.Flush()
}
