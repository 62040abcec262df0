package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/sugawarayuuta/sonnet"

	"routeGuard/internal/config"
	"routeGuard/internal/endpoint"
	"routeGuard/internal/model"
	"routeGuard/internal/ratelimit"
)

type statusReport struct {
	Current   string             `json:"current"`
	Endpoints []endpoint.Status  `json:"endpoints"`
	RateLimit ratelimit.Status   `json:"rate_limit"`
	Recent    []model.SwapResult `json:"recent,omitempty"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	recent, _ := cmd.Flags().GetInt("recent")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	in, err := newInfra(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer in.close()

	in.pool.CheckAll(ctx)
	report := statusReport{
		Current:   in.pool.SelectBest(),
		Endpoints: in.pool.Status(),
		RateLimit: in.limiter.Status(),
	}
	if in.reader != nil && recent > 0 {
		results, err := in.reader.RecentResults(ctx, recent)
		if err != nil {
			return fmt.Errorf("read ledger: %w", err)
		}
		report.Recent = results
	}

	out, err := sonnet.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
