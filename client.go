package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/arkantrust/ap2-gateway/backend/config"
	"github.com/arkantrust/ap2-gateway/backend/validator"
)

const defaultAddr = "http://localhost:8002"

func newSignCmd() *cobra.Command {
	var agent, key, amount, secret string
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Print the signature an agent must send for a payment intent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			amt, err := decimal.NewFromString(amount)
			if err != nil {
				return fmt.Errorf("amount: %w", err)
			}
			if secret == "" {
				cfg, err := config.Load(configPath)
				if err != nil {
					return err
				}
				secret = cfg.HMACSecretKey
			}
			fmt.Fprintln(cmd.OutOrStdout(), validator.Sign(secret, agent, key, amt))
			return nil
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "agent id")
	cmd.Flags().StringVar(&key, "key", "", "idempotency key")
	cmd.Flags().StringVar(&amount, "amount", "", "payment amount, e.g. 1650.00")
	cmd.Flags().StringVar(&secret, "secret", "", "shared HMAC secret (default: HMAC_SECRET_KEY)")
	for _, f := range []string{"agent", "key", "amount"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}

func newStatusCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status <transaction-id>",
		Short: "Show the status of a transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd.OutOrStdout(), http.MethodGet, addr, "api", "status", args[0])
		},
	}
	cmd.Flags().StringVar(&addr, "addr", defaultAddr, "gateway base URL")
	return cmd
}

func newRetryCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "retry <transaction-id>",
		Short: "Retry a failed transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd.OutOrStdout(), http.MethodPost, addr, "api", "payments", args[0], "retry")
		},
	}
	cmd.Flags().StringVar(&addr, "addr", defaultAddr, "gateway base URL")
	return cmd
}

// call sends a body-less request to the gateway and pretty-prints the JSON
// answer. Non-2xx answers are printed too and returned as an error.
func call(out io.Writer, method, addr string, path ...string) error {
	for i, p := range path {
		path[i] = url.PathEscape(p)
	}
	target := strings.TrimRight(addr, "/") + "/" + strings.Join(path, "/")

	req, err := http.NewRequest(method, target, nil)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, body, "", "  ") == nil {
		body = pretty.Bytes()
	}
	fmt.Fprintln(out, string(body))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: %s", method, target, resp.Status)
	}
	return nil
}
