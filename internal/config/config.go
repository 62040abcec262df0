package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"routeGuard/internal/aggregator"
	"routeGuard/internal/chain"
	"routeGuard/internal/endpoint"
	"routeGuard/internal/liquidity"
	"routeGuard/internal/ratelimit"
	"routeGuard/internal/route"
	"routeGuard/internal/swap"
	"routeGuard/internal/venue"
)

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	LogLevel        string
	Pool            endpoint.Config
	RPCRetry        chain.RetryConfig
	MonitorInterval time.Duration
	Limiter         ratelimit.Config
	Aggregator      aggregator.Config
	Liquidity       liquidity.Config
	MinLiquidityUSD decimal.Decimal
	Route           route.Config
	Venues          []venue.V2Config
	VenueOverrides  map[common.Address]string
	Swap            swap.Config
	Executor        swap.ExecutorConfig
	Hints           HintsConfig
	Ledger          LedgerConfig
	PrivateKey      string
	MetricsAddr     string
}

// HintsConfig selects the venue hint store. An empty RedisAddr keeps hints in memory.
type HintsConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	TTL           time.Duration
}

// LedgerConfig selects where swap results are written.
type LedgerConfig struct {
	// Driver is one of jsonl, sqlite, postgres or none.
	Driver string
	Path   string
	DSN    string
}

type venueEntry struct {
	Name          string        `mapstructure:"name"`
	Factory       string        `mapstructure:"factory"`
	Router        string        `mapstructure:"router"`
	WrappedNative string        `mapstructure:"wrapped-native"`
	Deadline      time.Duration `mapstructure:"deadline"`
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ROUTEGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	return build(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log-level", "info")

	v.SetDefault("strategy", string(endpoint.PerformanceFirst))
	v.SetDefault("probe-timeout", 5*time.Second)
	v.SetDefault("min-check-interval", 30*time.Second)
	v.SetDefault("monitor-interval", 30*time.Second)
	v.SetDefault("failure-cooldown", 30*time.Second)
	v.SetDefault("rate-limit-cooldown", time.Minute)
	v.SetDefault("auth-cooldown", 10*time.Minute)
	v.SetDefault("rpc-retries", 1)
	v.SetDefault("rpc-retry-backoff", 250*time.Millisecond)

	limiter := ratelimit.DefaultConfig()
	v.SetDefault("tier", limiter.Tier)
	v.SetDefault("max-concurrent", limiter.MaxConcurrent)
	v.SetDefault("max-retries", limiter.MaxRetries)
	v.SetDefault("transient-retries", limiter.TransientRetries)
	v.SetDefault("base-backoff", limiter.BaseBackoff)
	v.SetDefault("max-backoff", limiter.MaxBackoff)
	v.SetDefault("backoff-multiplier", limiter.Multiplier)
	v.SetDefault("backoff-jitter", limiter.Jitter)
	v.SetDefault("cooldown-threshold", limiter.CooldownThreshold)

	v.SetDefault("aggregator-timeout", 10*time.Second)
	v.SetDefault("liquidity-url", "https://api.dexscreener.com/latest/dex")
	v.SetDefault("liquidity-chain", "bsc")
	v.SetDefault("liquidity-timeout", 10*time.Second)
	v.SetDefault("min-liquidity-usd", liquidity.DefaultMinLiquidityUSD.String())

	v.SetDefault("alternate-factor", 1.5)

	v.SetDefault("trading-enabled", true)
	v.SetDefault("base-token", chain.NativeToken.Hex())
	v.SetDefault("slippage-bps", 100)
	v.SetDefault("venue-slippage-bps", 1_500)
	v.SetDefault("max-slippage-bps", 5_000)
	v.SetDefault("confirm-timeout", 2*time.Minute)
	v.SetDefault("poll-interval", 2*time.Second)
	v.SetDefault("gas-buffer-pct", 20)

	v.SetDefault("hint-redis-db", 0)
	v.SetDefault("hint-ttl", 24*time.Hour)
	v.SetDefault("ledger-driver", "jsonl")
	v.SetDefault("ledger-path", "./data/swaps.jsonl")
	v.SetDefault("metrics-addr", ":9102")
}

func build(v *viper.Viper) (Config, error) {
	endpoints, err := parseEndpoints(getStringSlice(v, "endpoints"))
	if err != nil {
		return Config{}, err
	}
	strategy, ok := endpoint.ParseStrategy(v.GetString("strategy"))
	if !ok {
		return Config{}, fmt.Errorf("unknown strategy: %s", v.GetString("strategy"))
	}

	tiers := ratelimit.DefaultTiers()
	if v.IsSet("tiers") {
		var custom map[string]ratelimit.Tier
		if err := v.UnmarshalKey("tiers", &custom); err != nil {
			return Config{}, fmt.Errorf("decode tiers: %w", err)
		}
		for name, tier := range custom {
			if tier.Name == "" {
				tier.Name = name
			}
			tiers[name] = tier
		}
	}

	alternates, err := parseAddresses(getStringSlice(v, "alternate-tokens"))
	if err != nil {
		return Config{}, fmt.Errorf("alternate-tokens: %w", err)
	}
	intermediates, err := parseAddresses(getStringSlice(v, "intermediates"))
	if err != nil {
		return Config{}, fmt.Errorf("intermediates: %w", err)
	}
	venues, err := decodeVenues(v)
	if err != nil {
		return Config{}, err
	}
	overrides, err := parseAddressMap(getStringMap(v, "venue-overrides"))
	if err != nil {
		return Config{}, fmt.Errorf("venue-overrides: %w", err)
	}

	minLiquidity, err := decimal.NewFromString(v.GetString("min-liquidity-usd"))
	if err != nil {
		return Config{}, fmt.Errorf("min-liquidity-usd: %w", err)
	}
	maxTrade, err := parseAmount(v.GetString("max-trade-size"))
	if err != nil {
		return Config{}, fmt.Errorf("max-trade-size: %w", err)
	}
	baseToken, err := parseAddress(v.GetString("base-token"))
	if err != nil {
		return Config{}, fmt.Errorf("base-token: %w", err)
	}

	cfg := Config{
		LogLevel: v.GetString("log-level"),
		Pool: endpoint.Config{
			Endpoints:         endpoints,
			Strategy:          strategy,
			ProbeTimeout:      v.GetDuration("probe-timeout"),
			MinCheckInterval:  v.GetDuration("min-check-interval"),
			FailureCooldown:   v.GetDuration("failure-cooldown"),
			RateLimitCooldown: v.GetDuration("rate-limit-cooldown"),
			AuthCooldown:      v.GetDuration("auth-cooldown"),
		},
		RPCRetry: chain.RetryConfig{
			MaxRetries: v.GetInt("rpc-retries"),
			Backoff:    v.GetDuration("rpc-retry-backoff"),
		},
		MonitorInterval: v.GetDuration("monitor-interval"),
		Limiter: ratelimit.Config{
			Tiers:             tiers,
			Tier:              v.GetString("tier"),
			MaxConcurrent:     v.GetInt("max-concurrent"),
			MaxRetries:        v.GetInt("max-retries"),
			TransientRetries:  v.GetInt("transient-retries"),
			BaseBackoff:       v.GetDuration("base-backoff"),
			MaxBackoff:        v.GetDuration("max-backoff"),
			Multiplier:        v.GetFloat64("backoff-multiplier"),
			Jitter:            v.GetFloat64("backoff-jitter"),
			CooldownThreshold: v.GetInt("cooldown-threshold"),
		},
		Aggregator: aggregator.Config{
			FreeBaseURL:  v.GetString("aggregator-url"),
			KeyedBaseURL: v.GetString("aggregator-keyed-url"),
			APIKey:       v.GetString("aggregator-api-key"),
			Timeout:      v.GetDuration("aggregator-timeout"),
		},
		Liquidity: liquidity.Config{
			BaseURL:      v.GetString("liquidity-url"),
			ChainID:      v.GetString("liquidity-chain"),
			VenueAliases: getStringMap(v, "venue-aliases"),
			Timeout:      v.GetDuration("liquidity-timeout"),
		},
		MinLiquidityUSD: minLiquidity,
		Route: route.Config{
			AlternateTokens: alternates,
			Intermediates:   intermediates,
			AlternateFactor: v.GetFloat64("alternate-factor"),
			HopSlippageBps:  v.GetUint32("hop-slippage-bps"),
		},
		Venues:         venues,
		VenueOverrides: overrides,
		Swap: swap.Config{
			TradingEnabled:     v.GetBool("trading-enabled"),
			MaxTradeSize:       maxTrade,
			BaseToken:          baseToken,
			DefaultSlippageBps: v.GetUint32("slippage-bps"),
			VenueSlippageBps:   v.GetUint32("venue-slippage-bps"),
			MaxSlippageBps:     v.GetUint32("max-slippage-bps"),
		},
		Executor: swap.ExecutorConfig{
			ConfirmTimeout: v.GetDuration("confirm-timeout"),
			PollInterval:   v.GetDuration("poll-interval"),
			GasBufferPct:   v.GetUint64("gas-buffer-pct"),
		},
		Hints: HintsConfig{
			RedisAddr:     v.GetString("hint-redis-addr"),
			RedisPassword: v.GetString("hint-redis-password"),
			RedisDB:       v.GetInt("hint-redis-db"),
			TTL:           v.GetDuration("hint-ttl"),
		},
		Ledger: LedgerConfig{
			Driver: strings.ToLower(v.GetString("ledger-driver")),
			Path:   v.GetString("ledger-path"),
			DSN:    v.GetString("ledger-dsn"),
		},
		PrivateKey:  v.GetString("private-key"),
		MetricsAddr: v.GetString("metrics-addr"),
	}
	return cfg, nil
}

func decodeVenues(v *viper.Viper) ([]venue.V2Config, error) {
	if !v.IsSet("venues") {
		return nil, nil
	}
	var entries []venueEntry
	if err := v.UnmarshalKey("venues", &entries); err != nil {
		return nil, fmt.Errorf("decode venues: %w", err)
	}

	out := make([]venue.V2Config, 0, len(entries))
	for i, e := range entries {
		if e.Name == "" {
			return nil, fmt.Errorf("venue %d: name is required", i)
		}
		factory, err := parseAddress(e.Factory)
		if err != nil {
			return nil, fmt.Errorf("venue %s factory: %w", e.Name, err)
		}
		router, err := parseAddress(e.Router)
		if err != nil {
			return nil, fmt.Errorf("venue %s router: %w", e.Name, err)
		}
		wrapped, err := parseAddress(e.WrappedNative)
		if err != nil {
			return nil, fmt.Errorf("venue %s wrapped-native: %w", e.Name, err)
		}
		out = append(out, venue.V2Config{
			Name:          e.Name,
			Factory:       factory,
			Router:        router,
			WrappedNative: wrapped,
			Deadline:      e.Deadline,
		})
	}
	return out, nil
}

func parseAmount(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return v, nil
}
