package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var flagReindex bool

var integrityCmd = &cobra.Command{
	Use:   "integrity",
	Short: "Check the derived index against the durable tier",
	RunE:  runIntegrity,
}

func init() {
	integrityCmd.Flags().BoolVar(&flagReindex, "reindex", false, "repair drift after the check")
}

func runIntegrity(cmd *cobra.Command, args []string) error {
	st, err := buildStack(cmd.Context())
	if err != nil {
		return err
	}
	defer st.close()

	report, err := st.idx.CheckIntegrity(cmd.Context())
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}

	if flagReindex && !report.Clean() {
		repaired, err := st.idx.Reindex(cmd.Context(), st.cfg.Index.BatchSize)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "repaired %d entries\n", repaired)
	}
	return nil
}
