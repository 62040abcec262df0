package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"github.com/sugawarayuuta/sonnet"
	"go.uber.org/zap"

	"routeGuard/internal/config"
	"routeGuard/internal/model"
	"routeGuard/internal/swap"
)

func runSwap(cmd *cobra.Command, _ []string) error {
	return runTrade(cmd, swap.SideBuy)
}

func runSell(cmd *cobra.Command, _ []string) error {
	return runTrade(cmd, swap.SideSell)
}

func runTrade(cmd *cobra.Command, side string) error {
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

	req, err := tradeRequest(cmd, side)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	in, err := newInfra(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer in.close()

	orch, err := newOrchestrator(ctx, in)
	if err != nil {
		return err
	}

	in.pool.CheckAll(ctx)
	current := in.pool.SelectBest()
	logger.Info("trade start",
		zap.String("side", side),
		zap.String("endpoint", current),
		zap.String("in", req.InputToken.Hex()),
		zap.String("out", req.OutputToken.Hex()),
		zap.String("amount", req.Amount.String()),
	)

	var result model.SwapResult
	if side == swap.SideSell {
		result = orch.Sell(ctx, req)
	} else {
		result = orch.Swap(ctx, req)
	}

	out, err := sonnet.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	if !result.Success {
		return fmt.Errorf("%s failed: %s", side, result.Error)
	}
	return nil
}

func tradeRequest(cmd *cobra.Command, side string) (model.SwapRequest, error) {
	inText, _ := cmd.Flags().GetString("in")
	amountText, _ := cmd.Flags().GetString("amount")

	if !common.IsHexAddress(inText) {
		return model.SwapRequest{}, fmt.Errorf("input token address is required")
	}
	amount, ok := new(big.Int).SetString(amountText, 10)
	if !ok || amount.Sign() <= 0 {
		return model.SwapRequest{}, fmt.Errorf("amount must be a positive integer")
	}
	req := model.SwapRequest{InputToken: common.HexToAddress(inText), Amount: amount}

	if side == swap.SideBuy {
		outText, _ := cmd.Flags().GetString("out")
		if !common.IsHexAddress(outText) {
			return model.SwapRequest{}, fmt.Errorf("output token address is required")
		}
		req.OutputToken = common.HexToAddress(outText)
	}
	if cmd.Flags().Changed("slippage-bps") {
		bps, _ := cmd.Flags().GetUint32("slippage-bps")
		req.SlippageBps = &bps
	}
	return req, nil
}
