// Package commands implements the payflow demo CLI. It is a thin driver over
// the SDK packages; all protocol behavior lives in clearnode and session.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/payflow/payflow-go/logger"
)

var (
	sandbox  bool
	keyHex   string
	logLevel string

	log logger.Logger
)

func Execute() error {
	root := &cobra.Command{
		Use:   "payflow",
		Short: "Instant payments over the ClearNode session network",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log = logger.NewZapLogger(logLevel)
		},
	}
	root.PersistentFlags().BoolVar(&sandbox, "sandbox", true, "use the sandbox coordinator")
	root.PersistentFlags().StringVar(&keyHex, "key", "", "hex private key (omit to use a fresh throwaway key)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "debug|info|warn|error")

	root.AddCommand(payCmd())
	root.AddCommand(prefsCmd())
	root.AddCommand(routesCmd())
	return root.Execute()
}
