// Package futures is a USD-M futures REST client implementing
// broker.Exchange. Requests that touch the account are signed with an
// HMAC-SHA256 of the canonical query string.
package futures

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mirrorline/copytrader/broker"
	"github.com/mirrorline/copytrader/errs"
	"github.com/mirrorline/copytrader/market"
)

const (
	// MainnetURL is the production USD-M futures endpoint.
	MainnetURL = "https://fapi.binance.com"
	// TestnetURL is the paper-trading endpoint.
	TestnetURL = "https://testnet.binancefuture.com"

	recvWindowMS = 5000
)

// Client talks to the futures REST API.
type Client struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	httpClient *http.Client
	log        zerolog.Logger

	// now is swapped in tests to pin the signed timestamp
	now func() time.Time
}

// NewClient builds a client against mainnet or testnet.
func NewClient(apiKey, apiSecret string, testnet bool, log zerolog.Logger) *Client {
	baseURL := MainnetURL
	if testnet {
		baseURL = TestnetURL
	}
	return &Client{
		baseURL:   baseURL,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: log,
		now: time.Now,
	}
}

// SetBaseURL overrides the endpoint, for tests and private deployments.
func (c *Client) SetBaseURL(u string) { c.baseURL = u }

func (c *Client) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// apiError is the exchange's error payload on non-2xx responses.
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, out any) error {
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
	params.Set("recvWindow", strconv.Itoa(recvWindowMS))

	query := params.Encode()
	query += "&signature=" + c.sign(query)

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path+"?"+query, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-MBX-APIKEY", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var ae apiError
		if json.Unmarshal(body, &ae) == nil && ae.Msg != "" {
			return fmt.Errorf("%s %s: status %d: code %d: %s", method, path, resp.StatusCode, ae.Code, ae.Msg)
		}
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

type wireOrder struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Status        string `json:"status"`
	OrigQty       string `json:"origQty"`
	AvgPrice      string `json:"avgPrice"`
	StopPrice     string `json:"stopPrice"`
}

// PlaceOrder submits an order. Placement is not retried here; a timeout
// is ambiguous and retrying could double a fill.
func (c *Client) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("type", string(req.Type))
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}
	// the venue accepts closePosition only on stop order types and
	// rejects quantity alongside it; a market-order close is expressed
	// as quantity plus reduceOnly instead
	stopType := req.Type == broker.StopMarket || req.Type == broker.TakeProfitMarket
	switch {
	case req.ClosePosition && stopType:
		params.Set("closePosition", "true")
	case req.ClosePosition:
		if req.Quantity <= 0 {
			return broker.OrderResult{}, errs.Trading("futures.PlaceOrder", req.Symbol, "",
				fmt.Errorf("market close requires a positive quantity, got %v", req.Quantity))
		}
		params.Set("quantity", formatFloat(req.Quantity))
		params.Set("reduceOnly", "true")
	default:
		params.Set("quantity", formatFloat(req.Quantity))
	}
	if stopType {
		if req.StopPrice <= 0 {
			return broker.OrderResult{}, errs.Trading("futures.PlaceOrder", req.Symbol, "",
				fmt.Errorf("stop order requires a positive stop price, got %v", req.StopPrice))
		}
		params.Set("stopPrice", formatFloat(req.StopPrice))
	}

	var w wireOrder
	if err := c.do(ctx, http.MethodPost, "/fapi/v1/order", params, &w); err != nil {
		return broker.OrderResult{}, errs.Trading("futures.PlaceOrder", req.Symbol, req.ClientOrderID, err)
	}

	return broker.OrderResult{
		OrderID:  strconv.FormatInt(w.OrderID, 10),
		Symbol:   w.Symbol,
		Side:     market.Side(w.Side),
		Quantity: parseFloat(w.OrigQty),
		AvgPrice: parseFloat(w.AvgPrice),
		Status:   w.Status,
	}, nil
}

// SetLeverage configures leverage for a symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	if err := c.do(ctx, http.MethodPost, "/fapi/v1/leverage", params, nil); err != nil {
		return errs.Trading("futures.SetLeverage", symbol, "", err)
	}
	return nil
}

// SetMarginMode configures cross or isolated margin for a symbol. The
// exchange rejects a no-op change; that rejection is surfaced as-is and
// callers treat this whole operation as best-effort.
func (c *Client) SetMarginMode(ctx context.Context, symbol string, mode broker.MarginMode) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("marginType", string(mode))
	if err := c.do(ctx, http.MethodPost, "/fapi/v1/marginType", params, nil); err != nil {
		return errs.Trading("futures.SetMarginMode", symbol, "", err)
	}
	return nil
}

type wirePosition struct {
	Symbol        string `json:"symbol"`
	PositionAmt   string `json:"positionAmt"`
	EntryPrice    string `json:"entryPrice"`
	Leverage      string `json:"leverage"`
	UnRealizedPnL string `json:"unRealizedProfit"`
}

// OpenPositions returns every position with non-zero quantity.
func (c *Client) OpenPositions(ctx context.Context) ([]broker.PositionInfo, error) {
	var wire []wirePosition
	if err := c.do(ctx, http.MethodGet, "/fapi/v2/positionRisk", url.Values{}, &wire); err != nil {
		return nil, errs.Position("futures.OpenPositions", "query", "", err)
	}

	var out []broker.PositionInfo
	for _, w := range wire {
		p := toPositionInfo(w)
		if p.IsOpen() {
			out = append(out, p)
		}
	}
	return out, nil
}

// OpenPosition returns the position for one symbol; the zero value
// (IsOpen false) when the exchange holds nothing.
func (c *Client) OpenPosition(ctx context.Context, symbol string) (broker.PositionInfo, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	var wire []wirePosition
	if err := c.do(ctx, http.MethodGet, "/fapi/v2/positionRisk", params, &wire); err != nil {
		return broker.PositionInfo{}, errs.Position("futures.OpenPosition", "query", symbol, err)
	}
	for _, w := range wire {
		if w.Symbol == symbol {
			if p := toPositionInfo(w); p.IsOpen() {
				return p, nil
			}
		}
	}
	return broker.PositionInfo{}, nil
}

func toPositionInfo(w wirePosition) broker.PositionInfo {
	lev, _ := strconv.Atoi(w.Leverage)
	return broker.PositionInfo{
		Symbol:        w.Symbol,
		Quantity:      parseFloat(w.PositionAmt),
		EntryPrice:    parseFloat(w.EntryPrice),
		Leverage:      lev,
		UnrealizedPnL: parseFloat(w.UnRealizedPnL),
	}
}

// OpenOrders lists resting orders; empty symbol means all symbols.
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]broker.OpenOrder, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}

	var wire []wireOrder
	if err := c.do(ctx, http.MethodGet, "/fapi/v1/openOrders", params, &wire); err != nil {
		return nil, errs.Trading("futures.OpenOrders", symbol, "", err)
	}

	out := make([]broker.OpenOrder, 0, len(wire))
	for _, w := range wire {
		out = append(out, broker.OpenOrder{
			OrderID:   strconv.FormatInt(w.OrderID, 10),
			Symbol:    w.Symbol,
			Side:      market.Side(w.Side),
			Type:      broker.OrderType(w.Type),
			StopPrice: parseFloat(w.StopPrice),
		})
	}
	return out, nil
}

// CancelOrder cancels one order by exchange order id.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)
	if err := c.do(ctx, http.MethodDelete, "/fapi/v1/order", params, nil); err != nil {
		return errs.Trading("futures.CancelOrder", symbol, orderID, err)
	}
	return nil
}

// CancelAllOrders cancels every resting order for a symbol.
func (c *Client) CancelAllOrders(ctx context.Context, symbol string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	if err := c.do(ctx, http.MethodDelete, "/fapi/v1/allOpenOrders", params, nil); err != nil {
		return errs.Trading("futures.CancelAllOrders", symbol, "", err)
	}
	return nil
}

type wireBalance struct {
	Asset            string `json:"asset"`
	Balance          string `json:"balance"`
	AvailableBalance string `json:"availableBalance"`
}

// AvailableBalance returns the USDT margin balance.
func (c *Client) AvailableBalance(ctx context.Context) (broker.Balance, error) {
	var wire []wireBalance
	if err := c.do(ctx, http.MethodGet, "/fapi/v2/balance", url.Values{}, &wire); err != nil {
		return broker.Balance{}, errs.DataSource("futures.AvailableBalance", err)
	}
	for _, w := range wire {
		if w.Asset == "USDT" {
			return broker.Balance{
				Asset:     w.Asset,
				Total:     parseFloat(w.Balance),
				Available: parseFloat(w.AvailableBalance),
			}, nil
		}
	}
	return broker.Balance{}, errs.DataSource("futures.AvailableBalance", fmt.Errorf("no USDT balance in response"))
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

var _ broker.Exchange = (*Client)(nil)
