package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "dsctl",
	Short: "dsctl is a command line tool for the dataplane data access API",
	Long: `dsctl talks to a running dataplane server.

dataplane puts every external source (warehouse, CRM, call recordings, chat,
vector search) behind one fetch call guarded by feature flags, a cache and a
per-source circuit breaker, and runs batches of SQL with N+1 elimination.

Common workflows:

  Fetch from a source:
    dsctl fetch crm accounts --param owner=alice

  Run a batch of query plans from a file:
    dsctl batch plans.json

  Inspect circuit breakers:
    dsctl breakers

  Mint an API key for the server:
    dsctl keygen

Configuration:
  DATAPLANE_URL      API endpoint (default: http://localhost:6161)
  DATAPLANE_TOKEN    API key sent as a bearer token`,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".dsctl"
		viper.AddConfigPath(home)
		viper.SetConfigName(".dsctl")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "DATAPLANE_VARNAME"
	viper.SetEnvPrefix("DATAPLANE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.dsctl.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:6161", "dataplane server URL")
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))

	rootCmd.PersistentFlags().StringP("token", "t", "", "API key for authentication")
	viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
}

// newClient builds a client from the resolved url and token.
func newClient() *DataClient {
	return NewDataClient(viper.GetString("url"), viper.GetString("token"))
}

// printAPIError reports a failed call, unwrapping the server's error body when present.
func printAPIError(cmd *cobra.Command, action string, err error) {
	if apiErr, ok := err.(*APIError); ok {
		cmd.Printf("%s failed (%d): %s\n", action, apiErr.StatusCode, apiErr.Message)
		return
	}
	cmd.Printf("%s failed: %v\n", action, err)
}
