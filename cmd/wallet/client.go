package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/cobra"

	"greenbond/internal/chain"
)

var errNodeUnavailable = errors.New("node unavailable")

type nodeClient struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
}

func newNodeClient(baseURL string, timeout time.Duration) *nodeClient {
	return &nodeClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 5 * time.Second},
		timeout: timeout,
	}
}

// do retries transport errors and 5xx/429 responses with exponential
// backoff. Other error statuses are returned at once.
func (c *nodeClient) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = time.Second
	bo.MaxElapsedTime = c.timeout

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		res, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", errNodeUnavailable, err)
		}
		defer res.Body.Close()
		raw, err := io.ReadAll(res.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		if res.StatusCode >= 500 || res.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("%w: %s %s: %s", errNodeUnavailable, method, path, apiError(res.StatusCode, raw))
		}
		if res.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("%s %s: %s", method, path, apiError(res.StatusCode, raw)))
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode response: %w", err))
		}
		return nil
	}
	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}

func apiError(status int, raw []byte) string {
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		return fmt.Sprintf("%d %s", status, body.Error)
	}
	return fmt.Sprintf("%d %s", status, strings.TrimSpace(string(raw)))
}

func (c *nodeClient) nextNonce(ctx context.Context, addr chain.Address) (uint64, error) {
	var res struct {
		NextNonce uint64 `json:"nextNonce"`
	}
	if err := c.do(ctx, http.MethodGet, "/nonce/"+url.PathEscape(string(addr)), nil, &res); err != nil {
		return 0, err
	}
	return res.NextNonce, nil
}

func (c *nodeClient) submit(ctx context.Context, tx chain.Transaction) (map[string]any, error) {
	var res map[string]any
	if err := c.do(ctx, http.MethodPost, "/tx", tx, &res); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *nodeClient) get(ctx context.Context, path string) (json.RawMessage, error) {
	var res json.RawMessage
	if err := c.do(ctx, http.MethodGet, path, nil, &res); err != nil {
		return nil, err
	}
	return res, nil
}

func newSubmitCmd(root *rootOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a signed transaction read from a file or stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw []byte
			var err error
			if file == "" || file == "-" {
				raw, err = io.ReadAll(cmd.InOrStdin())
			} else {
				raw, err = os.ReadFile(file)
			}
			if err != nil {
				return err
			}
			var tx chain.Transaction
			if err := json.Unmarshal(raw, &tx); err != nil {
				return fmt.Errorf("decode transaction: %w", err)
			}
			res, err := newNodeClient(root.nodeURL, root.timeout).submit(cmd.Context(), tx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "signed transaction JSON (default stdin)")
	return cmd
}

func newBondCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bond",
		Short: "Query bond instruments",
	}
	query := func(use, short string, nargs int, path func(args []string) string) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.ExactArgs(nargs),
			RunE: func(cmd *cobra.Command, args []string) error {
				res, err := newNodeClient(root.nodeURL, root.timeout).get(cmd.Context(), path(args))
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			},
		}
	}
	var claim string
	defaultCmd := query("default <bond-id>", "Show or check the default determination", 1, func(args []string) string {
		p := "/bonds/" + url.PathEscape(args[0]) + "/default"
		if claim != "" {
			p += "?claim=" + url.QueryEscape(claim)
		}
		return p
	})
	defaultCmd.Flags().StringVar(&claim, "claim", "", "assert yes or no; the node rejects a wrong claim")

	cmd.AddCommand(
		query("list", "List issued bonds", 0, func([]string) string { return "/bonds" }),
		query("show <bond-id>", "Show a bond instrument", 1, func(args []string) string {
			return "/bonds/" + url.PathEscape(args[0])
		}),
		query("status <bond-id>", "Show the lifecycle status of a bond", 1, func(args []string) string {
			return "/bonds/" + url.PathEscape(args[0]) + "/status"
		}),
		query("holder <bond-id> <address>", "Show a holder's local state", 2, func(args []string) string {
			return "/bonds/" + url.PathEscape(args[0]) + "/holders/" + url.PathEscape(args[1])
		}),
		defaultCmd,
	)
	return cmd
}
