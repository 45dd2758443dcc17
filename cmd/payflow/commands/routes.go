package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/payflow/payflow-go/route"
)

// routes: quote cross-chain deposit routes and print their summaries.
func routesCmd() *cobra.Command {
	var q route.QuoteRequest
	cmd := &cobra.Command{
		Use:   "routes",
		Short: "Quote deposit routes from a source chain into the session asset",
		RunE: func(cmd *cobra.Command, args []string) error {
			routes, err := route.DefaultClient().Routes(cmd.Context(), q)
			if err != nil {
				return err
			}
			for i, r := range routes {
				info := r.Summarize()
				fmt.Printf("%d. %s -> %s  out=%s  gas=$%s  eta=%s  via %s\n",
					i+1, info.FromToken, info.ToToken, info.ToAmount,
					info.GasCostUSD, info.EstimatedTime, info.Tools)
			}
			best, err := route.Best(routes)
			if err != nil {
				return err
			}
			tx, err := best.FirstTxRequest()
			if err != nil {
				return err
			}
			fmt.Printf("best route %s, first step calls %s\n", best.ID, tx.To.Hex())
			return nil
		},
	}
	cmd.Flags().Int64Var(&q.FromChainID, "from-chain", 1, "source chain id")
	cmd.Flags().StringVar(&q.FromToken, "from-token", "", "source token address")
	cmd.Flags().StringVar(&q.FromAmount, "amount", "", "amount in the source token's smallest unit")
	cmd.Flags().StringVar(&q.FromAddress, "from", "", "sending address")
	cmd.Flags().Int64Var(&q.ToChainID, "to-chain", 42161, "destination chain id")
	cmd.Flags().StringVar(&q.ToToken, "to-token", "", "destination token address")
	cmd.Flags().StringVar(&q.ToAddress, "to", "", "destination address")
	_ = cmd.MarkFlagRequired("from-token")
	_ = cmd.MarkFlagRequired("amount")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to-token")
	return cmd
}
