package liquidity

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/sugawarayuuta/sonnet"
	"go.uber.org/zap"

	"routeGuard/internal/faults"
	"routeGuard/internal/model"
)

// Config points the client at a DexScreener-compatible API.
type Config struct {
	BaseURL string
	// ChainID filters pairs by the API's chain slug, e.g. "bsc".
	ChainID string
	// VenueAliases maps the API's dex ids onto venue client names.
	VenueAliases map[string]string
	Timeout      time.Duration
}

type tokenPairsResponse struct {
	Pairs []pairJSON `json:"pairs"`
}

type pairJSON struct {
	ChainID     string         `json:"chainId"`
	DexID       string         `json:"dexId"`
	PairAddress string         `json:"pairAddress"`
	Liquidity   *liquidityJSON `json:"liquidity"`
	Volume      *volumeJSON    `json:"volume"`
}

type liquidityJSON struct {
	USD *decimal.Decimal `json:"usd"`
}

type volumeJSON struct {
	H24 *decimal.Decimal `json:"h24"`
}

// Client discovers which venues list pools for a token.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("liquidity base url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}, logger: logger}, nil
}

// Pools returns every pool the API lists for token on the configured chain.
func (c *Client) Pools(ctx context.Context, token common.Address) ([]model.VenuePool, error) {
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/tokens/" + token.Hex()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build liquidity request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, faults.Wrap(faults.Transient, "liquidity pools", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, faults.New(faults.KindForStatus(resp.StatusCode), "liquidity pools",
			fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var decoded tokenPairsResponse
	if err := sonnet.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode liquidity response: %w", err)
	}

	pools := make([]model.VenuePool, 0, len(decoded.Pairs))
	for _, p := range decoded.Pairs {
		if c.cfg.ChainID != "" && !strings.EqualFold(p.ChainID, c.cfg.ChainID) {
			continue
		}
		pool := model.VenuePool{
			Venue:  c.venueName(p.DexID),
			Pair:   p.PairAddress,
			Status: model.PoolExists,
		}
		if p.Liquidity != nil {
			pool.LiquidityUSD = p.Liquidity.USD
		}
		if p.Volume != nil {
			pool.Volume24hUSD = p.Volume.H24
		}
		pools = append(pools, pool)
	}
	c.logger.Debug("liquidity discovery",
		zap.String("token", token.Hex()),
		zap.Int("pairs", len(decoded.Pairs)),
		zap.Int("matched", len(pools)))
	return pools, nil
}

func (c *Client) venueName(dexID string) string {
	if alias, ok := c.cfg.VenueAliases[strings.ToLower(dexID)]; ok {
		return alias
	}
	return strings.ToLower(dexID)
}
