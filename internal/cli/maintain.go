package cli

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

var maintainCmd = &cobra.Command{
	Use:   "maintain",
	Short: "Run one maintenance cycle and exit",
	RunE:  runMaintain,
}

func runMaintain(cmd *cobra.Command, args []string) error {
	st, err := buildStack(cmd.Context())
	if err != nil {
		return err
	}
	defer st.close()

	report, err := st.orch.RunManualCycle(cmd.Context())
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
