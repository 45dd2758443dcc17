package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"

	"github.com/payflow/payflow-go/clearnode"
	"github.com/payflow/payflow-go/rpc"
	"github.com/payflow/payflow-go/session"
)

// pay <recipient> <amount>: open a session funded with --fund, pay <amount>,
// close to settle.
func payCmd() *cobra.Command {
	var (
		asset string
		fund  string
	)
	cmd := &cobra.Command{
		Use:   "pay <recipient> <amount>",
		Short: "Pay a recipient through an off-chain payment session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !common.IsHexAddress(args[0]) {
				return fmt.Errorf("recipient %q is not an address", args[0])
			}
			recipient := common.HexToAddress(args[0])

			amount, err := session.ParseAmount(args[1])
			if err != nil {
				return err
			}
			funding, err := session.ParseAmount(fund)
			if err != nil {
				return err
			}
			if funding.Cmp(amount) < 0 {
				funding = amount
			}

			signer, err := newSigner()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()

			conn := clearnode.NewConn(clearnode.Config{
				Signer:  signer,
				Address: signer.Address(),
				Logger:  log,
				OnStatusChange: func(s clearnode.Status) {
					fmt.Println("status:", s)
				},
			})
			if err := conn.Open(ctx, sandbox); err != nil {
				return err
			}
			defer conn.Close()

			keepalive := clearnode.NewKeepAlive(conn, 0)
			keepalive.Start()
			defer keepalive.Stop()

			mgr := session.NewManager(session.Config{
				Conn:    conn,
				Signer:  signer,
				Address: signer.Address(),
				Logger:  log,
			})

			if err := waitAuthenticated(ctx, conn); err != nil {
				return err
			}

			id, err := mgr.CreateSession(ctx, recipient, asset, funding, nil)
			if err != nil {
				return err
			}
			fmt.Println("session:", id)

			if err := mgr.SendPayment(ctx, amount); err != nil {
				return err
			}
			if snap, ok := mgr.Snapshot(); ok {
				fmt.Printf("paid %s %s to %s (remaining %s)\n",
					session.FormatAmount(amount), snap.Asset, recipient.Hex(),
					session.FormatAmount(snap.SelfBalance))
			}

			if err := mgr.CloseSession(ctx); err != nil {
				return err
			}
			fmt.Println("session closed, settlement requested")
			return nil
		},
	}
	cmd.Flags().StringVar(&asset, "asset", "usdc", "session asset")
	cmd.Flags().StringVar(&fund, "fund", "0", "session funding amount (defaults to the payment amount)")
	return cmd
}

func newSigner() (*rpc.LocalSigner, error) {
	if keyHex == "" {
		return rpc.GenerateSigner()
	}
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("parsing key: %w", err)
	}
	return rpc.NewLocalSigner(key), nil
}

func waitAuthenticated(ctx context.Context, conn *clearnode.Conn) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.NewTimer(15 * time.Second)
	defer deadline.Stop()
	for {
		select {
		case <-ticker.C:
			if conn.IsAuthenticated() {
				return nil
			}
			if conn.Status() == clearnode.StatusAuthFailed {
				return fmt.Errorf("authentication failed")
			}
		case <-deadline.C:
			return fmt.Errorf("timed out waiting for authentication")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
