package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/payflow/payflow-go/prefs"
)

// prefs <name>: print the payment preferences a recipient published under
// their name.
func prefsCmd() *cobra.Command {
	var rpcURL string
	cmd := &cobra.Command{
		Use:   "prefs <name>",
		Short: "Show a recipient's published payment preferences",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reader, err := prefs.NewEthReader(rpcURL)
			if err != nil {
				return err
			}
			defer reader.Close()

			resolver := prefs.NewResolver(reader, log)
			p, err := resolver.Preferences(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Println("chain:  ", prefs.ChainName(p.ChainID))
			fmt.Println("token:  ", p.Token.Hex())
			fmt.Println("max tip:", p.MaxTip)
			return nil
		},
	}
	cmd.Flags().StringVar(&rpcURL, "rpc-url", "https://eth.llamarpc.com", "mainnet RPC endpoint")
	return cmd
}
