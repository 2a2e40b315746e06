package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"dataplane/pkg/api"

	"github.com/spf13/cobra"
)

var batchCmd = &cobra.Command{
	Use:   "batch [plans.json]",
	Short: "Run a batch of query plans",
	Long: `Send a batch of query plans to the optimizer and print per-plan results.

The file holds either a JSON array of plans or an object with a "plans" key:

  [
    {"query_id": "u1", "query_text": "SELECT * FROM users WHERE id = $1", "parameters": [1]},
    {"query_id": "u2", "query_text": "SELECT * FROM users WHERE id = $1", "parameters": [2]},
    {"query_id": "o1", "query_text": "SELECT * FROM orders WHERE user_id = $1", "parameters": [1], "dependencies": ["u1"]}
  ]

Pass "-" to read from stdin.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		showRows, _ := cmd.Flags().GetBool("rows")

		plans, err := readPlans(cmd, args[0])
		if err != nil {
			cmd.Printf("Error: %v\n", err)
			return
		}
		if len(plans) == 0 {
			cmd.Println("Error: no plans in input")
			return
		}

		result, err := newClient().Batch(api.BatchRequest{Plans: plans})
		if err != nil {
			printAPIError(cmd, "Batch", err)
			return
		}

		printBatch(cmd, result, showRows)
	},
}

func readPlans(cmd *cobra.Command, path string) ([]api.QueryPlan, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read plans: %w", err)
	}

	var plans []api.QueryPlan
	if err := json.Unmarshal(data, &plans); err == nil {
		return plans, nil
	}
	var req api.BatchRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to parse plans: %w", err)
	}
	return req.Plans, nil
}

func printBatch(cmd *cobra.Command, result *api.BatchResponse, showRows bool) {
	failed := 0
	for _, r := range result.Results {
		if r.Success {
			cmd.Printf("%s✓%s %-20s %s%.2fms%s rows=%d affected=%d\n",
				colorGreen, colorReset, r.QueryID, colorCyan, r.ExecutionTimeMs, colorReset, len(r.Rows), r.RowsAffected)
			if showRows {
				for _, row := range r.Rows {
					line, _ := json.Marshal(row)
					cmd.Printf("    %s\n", line)
				}
			}
			continue
		}
		failed++
		cmd.Printf("%s✗%s %-20s %s%s%s\n", colorRed, colorReset, r.QueryID, colorRed, r.ErrorMessage, colorReset)
	}

	s := result.Stats
	cmd.Println("──────────────────────────────")
	cmd.Printf("%sPlans:%s            %d (%d failed)\n", colorDim, colorReset, len(result.Results), failed)
	cmd.Printf("%sOptimized:%s        %d\n", colorDim, colorReset, s.QueriesOptimized)
	cmd.Printf("%sN+1 eliminated:%s   %d\n", colorDim, colorReset, s.NPlusOneEliminated)
	cmd.Printf("%sBatch executions:%s %d\n", colorDim, colorReset, s.BatchExecutions)
	cmd.Printf("%sFallbacks:%s        %d\n", colorDim, colorReset, s.Fallbacks)
	cmd.Printf("%sEst. time saved:%s  %.1fms\n", colorDim, colorReset, s.EstimatedTimeSavedMs)
}

func init() {
	batchCmd.Flags().Bool("rows", false, "Print returned rows")

	rootCmd.AddCommand(batchCmd)
}
