package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"greenbond/internal/chain"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

type rootOptions struct {
	nodeURL string
	timeout time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "wallet",
		Short:         "Key management, signing and submission for a bond node",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.nodeURL, "node", envOr("BONDNODE_URL", "http://127.0.0.1:8080"), "bond node base URL")
	root.PersistentFlags().DurationVar(&opts.timeout, "retry-timeout", 10*time.Second, "give up retrying node requests after this long")

	root.AddCommand(
		newKeygenCmd(),
		newAddressCmd(),
		newSignCmd(opts),
		newOfferCmd(),
		newSubmitCmd(opts),
		newBondCmd(opts),
	)
	return root
}

func newKeygenCmd() *cobra.Command {
	var label string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an ed25519 keypair",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				pub, priv string
				addr      chain.Address
				err       error
			)
			if label != "" {
				pub, priv, addr, err = chain.DeterministicKeypair(label)
			} else {
				pub, priv, addr, err = chain.GenerateKeypair()
			}
			if err != nil {
				return fmt.Errorf("generate wallet: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), map[string]string{
				"address":    string(addr),
				"pubKey":     pub,
				"privateKey": priv,
			})
		},
	}
	cmd.Flags().StringVar(&label, "label", "", "derive the key from a label (demo keys only)")
	return cmd
}

func newAddressCmd() *cobra.Command {
	var priv string
	cmd := &cobra.Command{
		Use:   "address",
		Short: "Print the address of a private key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, addr, err := chain.PublicAndAddressFromPrivateKeyHex(priv)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]string{"address": string(addr), "pubKey": pub})
		},
	}
	cmd.Flags().StringVar(&priv, "priv", "", "hex private key")
	_ = cmd.MarkFlagRequired("priv")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
