package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	root := &cobra.Command{
		Use:          "routeguard",
		Short:        "Resilient swap execution across RPC endpoints, aggregator routes and direct venues",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	swapCmd := &cobra.Command{
		Use:   "swap",
		Short: "Swap an amount of one token for another",
		RunE:  runSwap,
	}
	addPoolFlags(swapCmd.Flags())
	addTradeFlags(swapCmd.Flags())
	swapCmd.Flags().String("out", "", "output token address")
	root.AddCommand(swapCmd)

	sellCmd := &cobra.Command{
		Use:   "sell",
		Short: "Sell an amount of a token back into the base token",
		RunE:  runSell,
	}
	addPoolFlags(sellCmd.Flags())
	addTradeFlags(sellCmd.Flags())
	root.AddCommand(sellCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Probe endpoints and print pool, rate limit and recent swap state",
		RunE:  runStatus,
	}
	addPoolFlags(statusCmd.Flags())
	statusCmd.Flags().Int("recent", 10, "number of recent ledger results to print")
	root.AddCommand(statusCmd)

	monitorCmd := &cobra.Command{
		Use:   "monitor",
		Short: "Run periodic health checks and serve prometheus metrics",
		RunE:  runMonitor,
	}
	addPoolFlags(monitorCmd.Flags())
	monitorCmd.Flags().Duration("monitor-interval", 0, "health check interval (default from config, 30s)")
	monitorCmd.Flags().String("metrics-addr", ":9102", "metrics listen address")
	root.AddCommand(monitorCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func addPoolFlags(fs *pflag.FlagSet) {
	fs.StringSlice("endpoints", nil, "RPC endpoints as url|tier (comma-separated)")
	fs.String("strategy", "performance-first", "endpoint selection (health-first, performance-first, round-robin)")
	fs.String("log-level", "info", "log level (debug, info, warn, error)")
}

func addTradeFlags(fs *pflag.FlagSet) {
	fs.String("in", "", "input token address (0xEeee...EEeE for the native asset)")
	fs.String("amount", "", "amount in the input token's smallest unit")
	fs.Uint32("slippage-bps", 100, "slippage tolerance in basis points")
	fs.String("aggregator-url", "", "aggregator free-tier base URL")
	fs.String("aggregator-api-key", "", "aggregator API key, switches to the keyed host")
	fs.String("tier", "free", "rate limit tier")
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
