package cmd

import (
	"dataplane/internal/auth"

	"github.com/spf13/cobra"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an API key and its hash",
	Long: `Generate a random API key. Put the hash in the server's api_key_hash
(or DATAPLANE_API_KEY_HASH) and hand the key to clients.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, hash, err := auth.GenerateKey()
		if err != nil {
			return err
		}
		cmd.Printf("%sKey:%s   %s\n", colorDim, colorReset, key)
		cmd.Printf("%sHash:%s  %s\n", colorDim, colorReset, hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
}
