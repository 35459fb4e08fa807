package cli

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Print tier utilization and admission state",
	RunE:  runSnapshot,
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	st, err := buildStack(cmd.Context())
	if err != nil {
		return err
	}
	defer st.close()

	snap, err := st.wd.DebugSnapshot(cmd.Context())
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}
