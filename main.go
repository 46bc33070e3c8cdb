// Command ap2gateway runs the AP2 mock payment settlement gateway and a few
// client helpers for talking to it.
//
//	ap2gateway serve                  start the HTTP gateway
//	ap2gateway sign --agent A --key K --amount 1650.00
//	ap2gateway status <transaction-id>
//	ap2gateway retry <transaction-id>
//
// The gateway is configured through environment variables (PORT, STORE_URL,
// EVENT_LOG_URL, HMAC_SECRET_KEY, ...) or a YAML file passed with --config.
// By default it listens on :8002 and keeps its state in ap2.db and events.db.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var version = "dev"

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ap2gateway",
		Short:         "AP2 mock payment settlement gateway",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (environment variables override it)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newSignCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newRetryCmd())
	return root
}

// newLogger builds the process logger. format is "json" or "console".
func newLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}
