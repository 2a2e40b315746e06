package cmd

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"dataplane/pkg/api"

	"github.com/spf13/cobra"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch [source] [query]",
	Short: "Fetch data from one source",
	Long: `Fetch data from a source through the dataplane server.

Parameters are passed as key=value pairs. Values that look like integers,
floats or booleans are sent as such; everything else is a string.

Example:
  dsctl fetch crm accounts --param owner=alice
  dsctl fetch warehouse "SELECT * FROM deals WHERE stage = :stage" --param stage=won --no-cache`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		flags := cmd.Flags()
		rawParams, _ := flags.GetStringArray("param")
		noCache, _ := flags.GetBool("no-cache")

		params, err := parseParams(rawParams)
		if err != nil {
			cmd.Printf("Error: %v\n", err)
			return
		}

		req := api.FetchRequest{
			Source: args[0],
			Query:  args[1],
			Params: params,
		}
		if noCache {
			useCache := false
			req.UseCache = &useCache
		}

		result, err := newClient().Fetch(req)
		if err != nil {
			printAPIError(cmd, "Fetch", err)
			return
		}

		printFetch(cmd, result)
	},
}

func printFetch(cmd *cobra.Command, result *api.FetchResponse) {
	cmd.Printf("%sSource:%s  %s\n", colorDim, colorReset, result.Source)
	cmd.Printf("%sRecords:%s %d\n", colorDim, colorReset, len(result.Records))
	if len(result.Records) == 0 {
		return
	}
	cmd.Println("──────────────────────────────")
	for _, rec := range result.Records {
		line, err := json.Marshal(rec)
		if err != nil {
			cmd.Printf("%v\n", rec)
			continue
		}
		cmd.Println(string(line))
	}
}

// parseParams turns key=value pairs into a params map.
func parseParams(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	params := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --param %q, want key=value", pair)
		}
		params[key] = parseValue(value)
	}
	return params, nil
}

func parseValue(s string) any {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}

func init() {
	fetchCmd.Flags().StringArrayP("param", "p", nil, "Query parameter as key=value (repeatable)")
	fetchCmd.Flags().Bool("no-cache", false, "Bypass the cache for this fetch")

	rootCmd.AddCommand(fetchCmd)
}
