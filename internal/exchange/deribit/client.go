package deribit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trade-desk/internal/config"
	"trade-desk/internal/core"
	"trade-desk/internal/logging"
)

type AuthType int

const (
	AuthNone AuthType = iota
	AuthBearer
)

// tokenSkew is subtracted from the advertised token lifetime so a request is
// never sent with a token that expires in flight.
const tokenSkew = 10 * time.Second

type Client struct {
	clientID     string
	clientSecret string
	baseURL      string
	label        string
	httpClient   *http.Client
	log          zerolog.Logger
	now          func() time.Time
	reqSeq       atomic.Uint64

	mu           sync.Mutex
	accessToken  string
	refreshToken string
	expiresAt    time.Time

	// loginMu serializes logins so concurrent callers share one round trip.
	loginMu sync.Mutex
}

type Options struct {
	ClientID       string
	ClientSecret   string
	RestBaseURL    string
	Label          string
	HTTPTimeoutSec int64
}

func NewClient(cfg config.ExchangeConfig) (*Client, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, errors.New("client_id/client_secret required")
	}
	return NewClientWithOptions(Options{
		ClientID:       cfg.ClientID,
		ClientSecret:   cfg.ClientSecret,
		RestBaseURL:    cfg.RestBaseURL,
		Label:          cfg.Label,
		HTTPTimeoutSec: cfg.HTTPTimeoutSec,
	}), nil
}

func NewClientWithOptions(opts Options) *Client {
	timeout := 15 * time.Second
	if opts.HTTPTimeoutSec > 0 {
		timeout = time.Duration(opts.HTTPTimeoutSec) * time.Second
	}
	return &Client{
		clientID:     opts.ClientID,
		clientSecret: opts.ClientSecret,
		baseURL:      strings.TrimRight(opts.RestBaseURL, "/"),
		label:        normalizeLabel(opts.Label),
		httpClient:   &http.Client{Timeout: timeout},
		log:          logging.Component("deribit"),
		now:          time.Now,
	}
}

func normalizeLabel(v string) string {
	v = strings.TrimSpace(v)
	b := strings.Builder{}
	for _, r := range v {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			b.WriteRune(r)
		}
	}
	out := b.String()
	// Deribit caps labels at 64 characters.
	if len(out) > 64 {
		out = out[:64]
	}
	return out
}

func (c *Client) Name() string { return "deribit" }

func (c *Client) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accessToken != "" && c.now().Before(c.expiresAt)
}

// Authenticate exchanges the client credentials for a session token.
func (c *Client) Authenticate(ctx context.Context) error {
	c.loginMu.Lock()
	defer c.loginMu.Unlock()
	return c.login(ctx, c.credentialParams())
}

// EnsureSession logs in again when the token has expired or was revoked.
// The refresh token is tried first, then the client credentials.
func (c *Client) EnsureSession(ctx context.Context) error {
	_, err := c.sessionToken(ctx)
	return err
}

func (c *Client) sessionToken(ctx context.Context) (string, error) {
	if tok := c.token(); tok != "" {
		return tok, nil
	}
	if c.clientID == "" || c.clientSecret == "" {
		return "", core.ErrNotAuthenticated
	}
	c.loginMu.Lock()
	defer c.loginMu.Unlock()
	// Another caller may have logged in while we waited.
	if tok := c.token(); tok != "" {
		return tok, nil
	}
	c.mu.Lock()
	refresh := c.refreshToken
	c.mu.Unlock()
	if refresh != "" {
		params := url.Values{}
		params.Set("grant_type", "refresh_token")
		params.Set("refresh_token", refresh)
		err := c.login(ctx, params)
		if err == nil {
			return c.token(), nil
		}
		c.log.Warn().Err(err).Msg("deribit token refresh failed, retrying with client credentials")
		c.mu.Lock()
		c.refreshToken = ""
		c.mu.Unlock()
	}
	if err := c.login(ctx, c.credentialParams()); err != nil {
		return "", err
	}
	if tok := c.token(); tok != "" {
		return tok, nil
	}
	return "", core.ErrNotAuthenticated
}

func (c *Client) credentialParams() url.Values {
	params := url.Values{}
	params.Set("grant_type", "client_credentials")
	params.Set("client_id", c.clientID)
	params.Set("client_secret", c.clientSecret)
	return params
}

// login runs one public/auth call. Callers hold loginMu.
func (c *Client) login(ctx context.Context, params url.Values) error {
	result, err := c.call(ctx, "public/auth", params, AuthNone)
	if err != nil {
		return err
	}
	var resp authResult
	if err := json.Unmarshal(result, &resp); err != nil {
		return fmt.Errorf("%w: decode auth result: %v", core.ErrExchangeRejected, err)
	}
	if resp.AccessToken == "" {
		return fmt.Errorf("%w: auth result carries no access token", core.ErrExchangeRejected)
	}
	lifetime := time.Duration(resp.ExpiresIn)*time.Second - tokenSkew
	if lifetime <= 0 {
		lifetime = time.Duration(resp.ExpiresIn) * time.Second
	}
	c.mu.Lock()
	c.accessToken = resp.AccessToken
	c.refreshToken = resp.RefreshToken
	c.expiresAt = c.now().Add(lifetime)
	c.mu.Unlock()
	c.log.Info().
		Str("grant_type", params.Get("grant_type")).
		Str("scope", resp.Scope).
		Int64("expires_in", resp.ExpiresIn).
		Msg("deribit session authenticated")
	return nil
}

func (c *Client) token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.accessToken == "" || !c.now().Before(c.expiresAt) {
		return ""
	}
	return c.accessToken
}

func (c *Client) dropToken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = ""
	c.expiresAt = time.Time{}
}

func (c *Client) PlaceOrder(ctx context.Context, symbol string, price decimal.Decimal, qty int64) (string, error) {
	params := url.Values{}
	params.Set("instrument_name", symbol)
	params.Set("amount", strconv.FormatInt(qty, 10))
	params.Set("type", "limit")
	params.Set("price", price.String())
	if c.label != "" {
		params.Set("label", c.label)
	}
	result, err := c.call(ctx, "private/buy", params, AuthBearer)
	if err != nil {
		return "", err
	}
	var resp orderWithTrades
	if err := json.Unmarshal(result, &resp); err != nil {
		return "", fmt.Errorf("%w: decode buy result: %v", core.ErrExchangeRejected, err)
	}
	if resp.Order.OrderID == "" {
		return "", fmt.Errorf("%w: buy result carries no order id", core.ErrExchangeRejected)
	}
	if core.ExchangeOrderState(resp.Order.OrderState) == core.StateRejected {
		return "", fmt.Errorf("%w: order %s rejected on placement", core.ErrExchangeRejected, resp.Order.OrderID)
	}
	return resp.Order.OrderID, nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	params := url.Values{}
	params.Set("order_id", orderID)
	_, err := c.call(ctx, "private/cancel", params, AuthBearer)
	return err
}

func (c *Client) ModifyOrder(ctx context.Context, orderID string, price decimal.Decimal, qty int64) error {
	params := url.Values{}
	params.Set("order_id", orderID)
	params.Set("amount", strconv.FormatInt(qty, 10))
	params.Set("price", price.String())
	result, err := c.call(ctx, "private/edit", params, AuthBearer)
	if err != nil {
		return err
	}
	var resp orderWithTrades
	if err := json.Unmarshal(result, &resp); err != nil {
		return fmt.Errorf("%w: decode edit result: %v", core.ErrExchangeRejected, err)
	}
	if resp.Order.OrderID != "" && resp.Order.OrderID != orderID {
		return fmt.Errorf("%w: edit answered for order %s, want %s", core.ErrExchangeRejected, resp.Order.OrderID, orderID)
	}
	return nil
}

func (c *Client) OrderState(ctx context.Context, orderID string) (core.ExchangeOrderState, error) {
	params := url.Values{}
	params.Set("order_id", orderID)
	result, err := c.call(ctx, "private/get_order_state", params, AuthBearer)
	if err != nil {
		return "", err
	}
	var resp orderResponse
	if err := json.Unmarshal(result, &resp); err != nil {
		return "", fmt.Errorf("%w: decode order state: %v", core.ErrExchangeRejected, err)
	}
	if resp.OrderState == "" {
		return "", fmt.Errorf("%w: order state missing for %s", core.ErrExchangeRejected, orderID)
	}
	return core.ExchangeOrderState(resp.OrderState), nil
}

func (c *Client) OrderBook(ctx context.Context, symbol string, depth int) (core.OrderBook, error) {
	params := url.Values{}
	params.Set("instrument_name", symbol)
	if depth > 0 {
		params.Set("depth", strconv.Itoa(depth))
	}
	result, err := c.call(ctx, "public/get_order_book", params, AuthNone)
	if err != nil {
		return core.OrderBook{}, err
	}
	var resp orderBookResponse
	if err := json.Unmarshal(result, &resp); err != nil {
		return core.OrderBook{}, fmt.Errorf("%w: decode order book: %v", core.ErrExchangeRejected, err)
	}
	book := core.OrderBook{
		Symbol: resp.InstrumentName,
		Bids:   parseLevels(resp.Bids),
		Asks:   parseLevels(resp.Asks),
	}
	if book.Symbol == "" {
		book.Symbol = symbol
	}
	return book, nil
}

func (c *Client) Positions(ctx context.Context, currency, kind string) ([]core.Position, error) {
	params := url.Values{}
	params.Set("currency", currency)
	if kind != "" {
		params.Set("kind", kind)
	}
	result, err := c.call(ctx, "private/get_positions", params, AuthBearer)
	if err != nil {
		return nil, err
	}
	var resp []positionResponse
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("%w: decode positions: %v", core.ErrExchangeRejected, err)
	}
	positions := make([]core.Position, 0, len(resp))
	for _, p := range resp {
		positions = append(positions, core.Position{
			InstrumentName:     p.InstrumentName,
			Kind:               p.Kind,
			Size:               p.Size,
			AveragePrice:       p.AveragePrice,
			FloatingProfitLoss: p.FloatingProfitLoss,
		})
	}
	return positions, nil
}

// call performs one REST round trip and returns the raw "result" member of
// the JSON-RPC envelope.
func (c *Client) call(ctx context.Context, method string, params url.Values, auth AuthType) (json.RawMessage, error) {
	urlStr := c.baseURL + "/api/v2/" + method
	if encoded := params.Encode(); encoded != "" {
		urlStr += "?" + encoded
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build %s request: %v", core.ErrTransport, method, err)
	}
	req.Header.Set("Accept", "application/json")
	if auth == AuthBearer {
		token, err := c.sessionToken(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", method, err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	reqID := c.reqSeq.Add(1)
	started := c.now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Warn().Err(err).Str("method", method).Uint64("request_id", reqID).Msg("deribit request failed")
		return nil, fmt.Errorf("%w: %s: %v", core.ErrTransport, method, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s response: %v", core.ErrTransport, method, err)
	}
	c.log.Debug().
		Str("method", method).
		Uint64("request_id", reqID).
		Int("status", resp.StatusCode).
		Dur("elapsed", c.now().Sub(started)).
		Msg("deribit request done")

	var envelope rpcEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, parseHTTPError(resp.StatusCode, body)
	}
	if envelope.Error != nil {
		apiErr := APIError{Code: envelope.Error.Code, Message: envelope.Error.Message}
		if isAuthCode(apiErr.Code) {
			c.dropToken()
		}
		return nil, classifyAPIError(apiErr)
	}
	if resp.StatusCode/100 != 2 {
		return nil, parseHTTPError(resp.StatusCode, body)
	}
	if len(envelope.Result) == 0 || string(envelope.Result) == "null" {
		return nil, fmt.Errorf("%w: %s returned an empty result", core.ErrExchangeRejected, method)
	}
	return envelope.Result, nil
}

func parseHTTPError(status int, body []byte) error {
	kind := core.ErrExchangeRejected
	if status >= 500 || status == http.StatusTooManyRequests {
		kind = core.ErrTransport
	}
	return fmt.Errorf("%w: deribit http error %d: %s", kind, status, strings.TrimSpace(string(body)))
}

func parseLevels(raw [][]decimal.Decimal) []core.BookLevel {
	levels := make([]core.BookLevel, 0, len(raw))
	for _, lvl := range raw {
		if len(lvl) < 2 {
			continue
		}
		levels = append(levels, core.BookLevel{Price: lvl[0], Quantity: lvl[1]})
	}
	return levels
}
