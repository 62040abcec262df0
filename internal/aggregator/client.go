package aggregator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/sugawarayuuta/sonnet"
	"go.uber.org/zap"

	"routeGuard/internal/faults"
	"routeGuard/internal/model"
	"routeGuard/internal/ratelimit"
)

const maxErrorBody = 512

// Config selects the aggregator host. The keyed host is used when an API key is set.
type Config struct {
	FreeBaseURL  string
	KeyedBaseURL string
	APIKey       string
	Timeout      time.Duration
}

// Limiter gates outbound requests.
type Limiter interface {
	Execute(ctx context.Context, cat ratelimit.Category, op func(context.Context) error) error
}

// Client talks to the swap aggregator REST API.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter Limiter
	logger  *zap.Logger
}

// New builds a client. A nil limiter lets every request through.
func New(cfg Config, limiter Limiter, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" && cfg.FreeBaseURL == "" {
		return nil, fmt.Errorf("aggregator base url is required")
	}
	if cfg.APIKey != "" && cfg.KeyedBaseURL == "" {
		return nil, fmt.Errorf("aggregator api key set without keyed base url")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		logger:  logger,
	}, nil
}

// Keyed reports whether requests go to the keyed host.
func (c *Client) Keyed() bool {
	return c.cfg.APIKey != ""
}

func (c *Client) baseURL() string {
	if c.Keyed() {
		return strings.TrimRight(c.cfg.KeyedBaseURL, "/")
	}
	return strings.TrimRight(c.cfg.FreeBaseURL, "/")
}

// Quote returns the best route for req. An empty route list is a NoRoute error.
func (c *Client) Quote(ctx context.Context, req model.QuoteRequest) (*model.Quote, error) {
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, faults.ErrInvalidAmount
	}
	q := url.Values{}
	q.Set("inputToken", req.InputToken.Hex())
	q.Set("outputToken", req.OutputToken.Hex())
	q.Set("amount", req.Amount.String())
	q.Set("slippageBps", strconv.FormatUint(uint64(req.SlippageBps), 10))
	if req.OnlyDirect {
		q.Set("onlyDirect", "true")
	}
	if len(req.Intermediates) > 0 {
		hex := make([]string, 0, len(req.Intermediates))
		for _, addr := range req.Intermediates {
			hex = append(hex, addr.Hex())
		}
		q.Set("intermediates", strings.Join(hex, ","))
	}

	var resp quoteResponse
	err := c.do(ctx, ratelimit.Price, "aggregator quote", http.MethodGet, "/quote?"+q.Encode(), nil, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Routes) == 0 {
		return nil, faults.New(faults.NoRoute, "aggregator quote", "no routes returned")
	}

	var best *model.Quote
	for i, raw := range resp.Routes {
		var route routeJSON
		if err := sonnet.Unmarshal(raw, &route); err != nil {
			return nil, fmt.Errorf("decode aggregator route %d: %w", i, err)
		}
		quote, err := route.toQuote(req)
		if err != nil {
			return nil, fmt.Errorf("aggregator route %d: %w", i, err)
		}
		if best == nil || quote.OutAmount.Cmp(best.OutAmount) > 0 {
			quote.Raw = append([]byte(nil), raw...)
			best = quote
		}
	}
	return best, nil
}

// BuildSwap asks the aggregator to encode quote as a transaction sent by user.
func (c *Client) BuildSwap(ctx context.Context, quote *model.Quote, user common.Address) (*model.TxRequest, error) {
	if quote == nil || len(quote.Raw) == 0 {
		return nil, fmt.Errorf("build swap: quote has no aggregator route")
	}
	body, err := sonnet.Marshal(swapRequest{
		Route:       rawJSON(quote.Raw),
		UserAddress: user,
		SlippageBps: quote.SlippageBps,
	})
	if err != nil {
		return nil, fmt.Errorf("encode swap request: %w", err)
	}

	var resp swapResponse
	if err := c.do(ctx, ratelimit.General, "aggregator swap", http.MethodPost, "/swap", body, &resp); err != nil {
		return nil, err
	}
	if resp.To == (common.Address{}) {
		return nil, faults.New(faults.NoRoute, "aggregator swap", "empty transaction target")
	}
	data, err := hexutil.Decode(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("decode swap calldata: %w", err)
	}
	tx := &model.TxRequest{To: resp.To, Data: data, Gas: resp.Gas}
	if resp.Value != "" {
		if tx.Value, err = parseAmount("value", resp.Value); err != nil {
			return nil, err
		}
	}
	if resp.AllowanceTarget != nil && *resp.AllowanceTarget != (common.Address{}) {
		tx.Approval = &model.Approval{
			Token:   quote.InputToken,
			Spender: *resp.AllowanceTarget,
			Amount:  quote.InAmount,
		}
	}
	return tx, nil
}

func (c *Client) do(ctx context.Context, cat ratelimit.Category, op, method, path string, body []byte, out any) error {
	call := func(ctx context.Context) error {
		return c.roundTrip(ctx, op, method, path, body, out)
	}
	if c.limiter == nil {
		return call(ctx)
	}
	return c.limiter.Execute(ctx, cat, call)
}

func (c *Client) roundTrip(ctx context.Context, op, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL()+path, reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Keyed() {
		req.Header.Set("x-api-key", c.cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return faults.Wrap(faults.Transient, op, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("aggregator response",
		zap.String("op", op),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	if resp.StatusCode != http.StatusOK {
		return statusError(op, resp)
	}
	if err := sonnet.NewDecoder(resp.Body).Decode(out); err != nil {
		return faults.Wrap(faults.Transient, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func statusError(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	reason := fmt.Sprintf("status %d", resp.StatusCode)
	var e errorResponse
	if len(raw) > 0 && sonnet.Unmarshal(raw, &e) == nil {
		if msg := firstNonEmpty(e.Message, e.Error); msg != "" {
			reason += ": " + msg
		}
	} else if len(raw) > 0 {
		reason += ": " + strings.TrimSpace(string(raw))
	}

	kind := faults.KindForStatus(resp.StatusCode)
	switch resp.StatusCode {
	case http.StatusNotFound, http.StatusUnprocessableEntity:
		kind = faults.NoRoute
	case http.StatusRequestTimeout:
		kind = faults.Transient
	}
	return faults.New(kind, op, reason)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
