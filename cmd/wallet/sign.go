package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"greenbond/internal/bond"
	"greenbond/internal/chain"
	"greenbond/internal/ledger"
)

type signOptions struct {
	priv        string
	kind        string
	to          string
	bond        string
	asset       string
	amount      uint64
	value       uint64
	frozen      bool
	fee         uint64
	nonce       uint64
	timestamp   int64
	termsFile   string
	assetParams string
	offerFile   string
	submit      bool
}

func newSignCmd(root *rootOptions) *cobra.Command {
	opts := &signOptions{}
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign a transaction, optionally submitting it",
		Long: "Builds and signs a transaction of any kind. When --nonce is 0 the next\n" +
			"nonce is fetched from the node.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newNodeClient(root.nodeURL, root.timeout)
			tx, err := opts.build(cmd.Context(), client)
			if err != nil {
				return err
			}
			if !opts.submit {
				return printJSON(cmd.OutOrStdout(), tx)
			}
			res, err := client.submit(cmd.Context(), tx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.priv, "priv", "", "hex private key")
	f.StringVar(&opts.kind, "kind", chain.TxKindTransfer, "transaction kind, e.g. transfer, bond_buy, bond_coupon")
	f.StringVar(&opts.to, "to", "", "recipient or target account")
	f.StringVar(&opts.bond, "bond", "", "bond instrument id")
	f.StringVar(&opts.asset, "asset", "", "asset id")
	f.Uint64Var(&opts.amount, "amount", 0, "amount (native units, asset units or bonds)")
	f.Uint64Var(&opts.value, "value", 0, "rating for bond_rate, new instrument time for bond_advance_time")
	f.BoolVar(&opts.frozen, "frozen", false, "freeze flag for freeze transactions")
	f.Uint64Var(&opts.fee, "fee", 1, "transaction fee")
	f.Uint64Var(&opts.nonce, "nonce", 0, "sender nonce (0 fetches it from the node)")
	f.Int64Var(&opts.timestamp, "timestamp", 0, "unix ms timestamp (0 uses the current time)")
	f.StringVar(&opts.termsFile, "terms", "", "YAML file with bond terms for bond_issue")
	f.StringVar(&opts.assetParams, "asset-params", "", "JSON file with asset parameters for asset_create")
	f.StringVar(&opts.offerFile, "offer", "", "JSON file with a signed trade offer for bond_trade")
	f.BoolVar(&opts.submit, "submit", false, "submit the signed transaction to the node")
	_ = cmd.MarkFlagRequired("priv")
	return cmd
}

func (o *signOptions) build(ctx context.Context, client *nodeClient) (chain.Transaction, error) {
	_, from, err := chain.PublicAndAddressFromPrivateKeyHex(o.priv)
	if err != nil {
		return chain.Transaction{}, err
	}
	tx := chain.Transaction{
		Kind:      o.kind,
		To:        chain.Address(o.to),
		Bond:      o.bond,
		Asset:     ledger.AssetID(o.asset),
		Amount:    o.amount,
		Value:     o.value,
		Frozen:    o.frozen,
		Fee:       o.fee,
		Nonce:     o.nonce,
		Timestamp: o.timestamp,
	}
	if tx.Timestamp == 0 {
		tx.Timestamp = time.Now().UnixMilli()
	}
	if o.termsFile != "" {
		var terms bond.Terms
		if err := readFile(o.termsFile, yaml.Unmarshal, &terms); err != nil {
			return chain.Transaction{}, err
		}
		tx.Terms = &terms
	}
	if o.assetParams != "" {
		var params chain.AssetParams
		if err := readFile(o.assetParams, json.Unmarshal, &params); err != nil {
			return chain.Transaction{}, err
		}
		tx.AssetParams = &params
	}
	if o.offerFile != "" {
		var offer chain.TradeOffer
		if err := readFile(o.offerFile, json.Unmarshal, &offer); err != nil {
			return chain.Transaction{}, err
		}
		tx.Offer = &offer
	}
	if tx.Nonce == 0 {
		nonce, err := client.nextNonce(ctx, from)
		if err != nil {
			return chain.Transaction{}, fmt.Errorf("fetch nonce: %w", err)
		}
		tx.Nonce = nonce
	}
	if err := chain.SignTransaction(&tx, o.priv); err != nil {
		return chain.Transaction{}, fmt.Errorf("sign tx: %w", err)
	}
	return tx, nil
}

func newOfferCmd() *cobra.Command {
	var (
		priv   string
		offer  chain.TradeOffer
		expiry time.Duration
	)
	cmd := &cobra.Command{
		Use:   "offer",
		Short: "Sign a trade offer that a buyer can settle with bond_trade",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if offer.Bond == "" {
				return errors.New("--bond is required")
			}
			if offer.ExpiresAt == 0 && expiry > 0 {
				offer.ExpiresAt = time.Now().Add(expiry).Unix()
			}
			if err := chain.SignTradeOffer(&offer, priv); err != nil {
				return fmt.Errorf("sign offer: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), offer)
		},
	}
	f := cmd.Flags()
	f.StringVar(&priv, "priv", "", "seller hex private key")
	f.StringVar(&offer.Bond, "bond", "", "bond instrument id")
	f.Uint64Var(&offer.Price, "price", 0, "stablecoin price per bond")
	f.Uint64Var(&offer.MaxAmount, "max-amount", 0, "maximum bonds the buyer may take")
	f.Int64Var(&offer.ExpiresAt, "expires-at", 0, "unix seconds after which the offer is void")
	f.DurationVar(&expiry, "expires-in", time.Hour, "offer lifetime when --expires-at is not set")
	_ = cmd.MarkFlagRequired("priv")
	return cmd
}

func readFile(path string, unmarshal func([]byte, any) error, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
