// Package broker provides the exchange gateway for the trading bot.
// It implements a Deribit JSON-RPC v2 client with OAuth token management
// and typed responses, plus a circuit breaker decorator.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/afontaine/volarb/internal/models"
)

const (
	liveBaseURL = "https://www.deribit.com/api/v2"
	testBaseURL = "https://test.deribit.com/api/v2"

	// tokenRefreshMargin renews the access token before it actually expires
	tokenRefreshMargin = 60 * time.Second

	defaultTimeout = 10 * time.Second

	// orderBookDepth is enough for top-of-book execution
	orderBookDepth = 5
)

// DeribitAPI is the concrete Deribit HTTP client.
type DeribitAPI struct {
	client    *http.Client
	apiKey    string
	apiSecret string
	baseURL   string
	timeout   time.Duration

	mu           sync.Mutex
	accessToken  string
	refreshToken string
	tokenExpiry  time.Time
}

// NewDeribitAPI creates a new Deribit client against the production or test
// endpoint.
func NewDeribitAPI(apiKey, apiSecret string, testnet bool) *DeribitAPI {
	base := liveBaseURL
	if testnet {
		base = testBaseURL
	}
	return NewDeribitAPIWithBaseURL(apiKey, apiSecret, base)
}

// NewDeribitAPIWithBaseURL creates a new Deribit client against a custom
// base URL. Used by tests to point at a local server.
func NewDeribitAPIWithBaseURL(apiKey, apiSecret, baseURL string) *DeribitAPI {
	return &DeribitAPI{
		client:    &http.Client{},
		apiKey:    apiKey,
		apiSecret: apiSecret,
		baseURL:   strings.TrimRight(baseURL, "/"),
		timeout:   defaultTimeout,
	}
}

// WithTimeout sets the per-call timeout and returns the client.
func (d *DeribitAPI) WithTimeout(timeout time.Duration) *DeribitAPI {
	if timeout > 0 {
		d.timeout = timeout
	}
	return d
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type authResult struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"` // seconds
}

// GetInstruments lists all non-expired option instruments for a currency.
func (d *DeribitAPI) GetInstruments(ctx context.Context, currency string) ([]InstrumentInfo, error) {
	params := url.Values{}
	params.Set("currency", currency)
	params.Set("kind", "option")
	params.Set("expired", "false")

	var out []InstrumentInfo
	if err := d.get(ctx, "public/get_instruments", params, false, &out); err != nil {
		return nil, fmt.Errorf("listing %s instruments: %w", currency, err)
	}
	return out, nil
}

// GetOrderBook fetches the top of book for one instrument, including the
// mark implied volatility and index price.
func (d *DeribitAPI) GetOrderBook(ctx context.Context, instrument string) (*OrderBook, error) {
	params := url.Values{}
	params.Set("instrument_name", instrument)
	params.Set("depth", strconv.Itoa(orderBookDepth))

	var out OrderBook
	if err := d.get(ctx, "public/get_order_book", params, false, &out); err != nil {
		return nil, fmt.Errorf("fetching order book for %s: %w", instrument, err)
	}
	// The wire carries mark_iv in percent; everything downstream works with
	// decimal fractions.
	out.MarkIV /= 100
	return &out, nil
}

// GetPriceHistory returns up to limit close prices for the currency's
// perpetual, ordered oldest to newest.
func (d *DeribitAPI) GetPriceHistory(ctx context.Context, currency, resolution string, limit int) ([]float64, error) {
	step, err := resolutionDuration(resolution)
	if err != nil {
		return nil, err
	}
	end := time.Now()
	start := end.Add(-time.Duration(limit) * step)

	params := url.Values{}
	params.Set("instrument_name", currency+"-PERPETUAL")
	params.Set("resolution", resolution)
	params.Set("start_timestamp", strconv.FormatInt(start.UnixMilli(), 10))
	params.Set("end_timestamp", strconv.FormatInt(end.UnixMilli(), 10))

	var out chartData
	if err := d.get(ctx, "public/get_tradingview_chart_data", params, false, &out); err != nil {
		return nil, fmt.Errorf("fetching %s price history: %w", currency, err)
	}
	if out.Status != "ok" || len(out.Close) == 0 {
		return nil, fmt.Errorf("no %s price history available (status %q)", currency, out.Status)
	}
	if len(out.Close) > limit {
		out.Close = out.Close[len(out.Close)-limit:]
	}
	return out.Close, nil
}

// PlaceOrder places an order. A positive amount buys, a negative amount
// sells. Price is only sent for limit orders.
func (d *DeribitAPI) PlaceOrder(ctx context.Context, instrument string, amount float64,
	orderType models.OrderType, price float64, label string) (*Order, error) {
	method := "private/buy"
	if amount < 0 {
		method = "private/sell"
	}

	params := map[string]interface{}{
		"instrument_name": instrument,
		"amount":          math.Abs(amount),
		"type":            string(orderType),
	}
	if orderType == models.OrderTypeLimit && price > 0 {
		params["price"] = price
	}
	if label != "" {
		params["label"] = label
	}

	var out orderResult
	if err := d.post(ctx, method, params, &out); err != nil {
		return nil, fmt.Errorf("placing %s order for %s: %w", orderType, instrument, err)
	}
	return &out.Order, nil
}

// CancelOrder cancels a resting order by ID.
func (d *DeribitAPI) CancelOrder(ctx context.Context, orderID string) error {
	params := map[string]interface{}{"order_id": orderID}
	if err := d.post(ctx, "private/cancel", params, nil); err != nil {
		return fmt.Errorf("canceling order %s: %w", orderID, err)
	}
	return nil
}

// GetPositions lists the open option positions for a currency.
func (d *DeribitAPI) GetPositions(ctx context.Context, currency string) ([]Position, error) {
	params := url.Values{}
	params.Set("currency", currency)
	params.Set("kind", "option")

	var out []Position
	if err := d.get(ctx, "private/get_positions", params, true, &out); err != nil {
		return nil, fmt.Errorf("listing %s positions: %w", currency, err)
	}
	return out, nil
}

// GetAccountSummary returns the account equity for a currency.
func (d *DeribitAPI) GetAccountSummary(ctx context.Context, currency string) (*AccountSummary, error) {
	params := url.Values{}
	params.Set("currency", currency)

	var out AccountSummary
	if err := d.get(ctx, "private/get_account_summary", params, true, &out); err != nil {
		return nil, fmt.Errorf("fetching %s account summary: %w", currency, err)
	}
	return &out, nil
}

// get performs a GET request against a JSON-RPC method. Private calls are
// retried once with a fresh token after a 401.
func (d *DeribitAPI) get(ctx context.Context, method string, params url.Values, private bool, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	err := d.doGet(ctx, method, params, private, out)
	if private && isUnauthorized(err) {
		if aerr := d.authenticate(ctx); aerr != nil {
			return fmt.Errorf("reauthenticating after 401: %w", aerr)
		}
		return d.doGet(ctx, method, params, private, out)
	}
	return err
}

func (d *DeribitAPI) doGet(ctx context.Context, method string, params url.Values, private bool, out interface{}) error {
	endpoint := d.baseURL + "/" + method
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	if private {
		token, err := d.ensureAuth(ctx)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	return d.execute(req, out)
}

// post performs an authenticated JSON-RPC POST. Retried once with a fresh
// token after a 401.
func (d *DeribitAPI) post(ctx context.Context, method string, params map[string]interface{}, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	err := d.doPost(ctx, method, params, out)
	if isUnauthorized(err) {
		if aerr := d.authenticate(ctx); aerr != nil {
			return fmt.Errorf("reauthenticating after 401: %w", aerr)
		}
		return d.doPost(ctx, method, params, out)
	}
	return err
}

func (d *DeribitAPI) doPost(ctx context.Context, method string, params map[string]interface{}, out interface{}) error {
	body, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/"+method, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	token, err := d.ensureAuth(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	return d.execute(req, out)
}

func (d *DeribitAPI) execute(req *http.Request, out interface{}) error {
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var envelope rpcResponse
	if err := json.Unmarshal(data, &envelope); err != nil {
		if resp.StatusCode != http.StatusOK {
			return &APIError{Status: resp.StatusCode, Message: string(data)}
		}
		return fmt.Errorf("decoding %s response: %w", req.URL.Path, err)
	}
	if envelope.Error != nil {
		return &APIError{Status: resp.StatusCode, Code: envelope.Error.Code, Message: envelope.Error.Message}
	}
	if resp.StatusCode != http.StatusOK {
		return &APIError{Status: resp.StatusCode, Message: string(data)}
	}

	if out != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("decoding %s result: %w", req.URL.Path, err)
		}
	}
	return nil
}

// ensureAuth returns a valid access token, authenticating or refreshing as
// needed.
func (d *DeribitAPI) ensureAuth(ctx context.Context) (string, error) {
	d.mu.Lock()
	token := d.accessToken
	valid := token != "" && time.Now().Before(d.tokenExpiry)
	d.mu.Unlock()

	if valid {
		return token, nil
	}
	if err := d.authenticate(ctx); err != nil {
		return "", err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.accessToken, nil
}

// authenticate obtains a fresh token pair. A stored refresh token is tried
// first; on failure it falls back to client credentials.
func (d *DeribitAPI) authenticate(ctx context.Context) error {
	d.mu.Lock()
	refresh := d.refreshToken
	d.mu.Unlock()

	if refresh != "" {
		if err := d.requestToken(ctx, url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {refresh},
		}); err == nil {
			return nil
		}
	}

	return d.requestToken(ctx, url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {d.apiKey},
		"client_secret": {d.apiSecret},
	})
}

func (d *DeribitAPI) requestToken(ctx context.Context, params url.Values) error {
	endpoint := d.baseURL + "/public/auth?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}

	var out authResult
	if err := d.execute(req, &out); err != nil {
		return fmt.Errorf("authenticating: %w", err)
	}
	if out.AccessToken == "" {
		return errors.New("authenticating: empty access token")
	}

	d.mu.Lock()
	d.accessToken = out.AccessToken
	d.refreshToken = out.RefreshToken
	d.tokenExpiry = time.Now().Add(time.Duration(out.ExpiresIn)*time.Second - tokenRefreshMargin)
	d.mu.Unlock()
	return nil
}

func isUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized
}

// resolutionDuration maps an exchange chart resolution ("1D", "4H", "30")
// to the duration of one candle. Bare numbers are minutes.
func resolutionDuration(resolution string) (time.Duration, error) {
	r := strings.ToUpper(strings.TrimSpace(resolution))
	switch {
	case strings.HasSuffix(r, "D"):
		n, err := strconv.Atoi(strings.TrimSuffix(r, "D"))
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid resolution %q", resolution)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	case strings.HasSuffix(r, "H"):
		n, err := strconv.Atoi(strings.TrimSuffix(r, "H"))
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid resolution %q", resolution)
		}
		return time.Duration(n) * time.Hour, nil
	default:
		n, err := strconv.Atoi(r)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid resolution %q", resolution)
		}
		return time.Duration(n) * time.Minute, nil
	}
}
