package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"connectflow/pkg/realtime"
	"connectflow/services/workflow"
)

var runData string

var runCmd = &cobra.Command{
	Use:   "run <workflow-id>",
	Short: "Execute a workflow once and print the result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var initial map[string]any
		if runData != "" {
			if err := json.Unmarshal([]byte(runData), &initial); err != nil {
				return fmt.Errorf("--data must be a JSON object: %w", err)
			}
		}

		b, err := newBackend(cmd.Context(), cfg, realtime.Discard)
		if err != nil {
			return err
		}
		defer b.pool.Close()

		res, runErr := b.engine.Execute(cmd.Context(), workflow.TriggerEvent{
			WorkflowID:  args[0],
			InitialData: initial,
		})
		if res != nil {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
		}
		return runErr
	},
}

func init() {
	runCmd.Flags().StringVarP(&runData, "data", "d", "", "initialData as a JSON object")
}
