// Package adapters holds concrete ExchangeClient implementations: a REST
// client for a Binance-shaped centralized exchange API, and an in-memory
// paper client for local runs.
package adapters

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
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/helioslabs/trading-supervisor/internal/execution"
	"github.com/helioslabs/trading-supervisor/pkg/types"
)

// BinanceConfig configures the REST client.
type BinanceConfig struct {
	APIKey    string
	APISecret string
	Testnet   bool
}

// BinanceClient implements execution.ExchangeClient against Binance's spot
// REST API.
type BinanceClient struct {
	logger      *zap.Logger
	apiKey      string
	apiSecret   string
	baseURL     string
	httpClient  *http.Client
	rateLimiter *rateLimiter
	mu          sync.Mutex
}

// NewBinanceClient builds a BinanceClient.
func NewBinanceClient(logger *zap.Logger, cfg BinanceConfig) *BinanceClient {
	baseURL := "https://api.binance.com"
	if cfg.Testnet {
		baseURL = "https://testnet.binance.vision"
	}
	return &BinanceClient{
		logger:      logger.Named("binance"),
		apiKey:      cfg.APIKey,
		apiSecret:   cfg.APISecret,
		baseURL:     baseURL,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		rateLimiter: newRateLimiter(1200, time.Minute),
	}
}

// Name identifies the exchange client for logs.
func (b *BinanceClient) Name() string { return "binance" }

type binanceTicker struct {
	Symbol    string `json:"symbol"`
	Price     string `json:"price"`
	BidPrice  string `json:"bidPrice"`
	AskPrice  string `json:"askPrice"`
}

// GetPrice fetches the current last-traded price for symbol.
func (b *BinanceClient) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	b.rateLimiter.acquire()
	binSymbol := strings.ReplaceAll(symbol, "/", "")

	resp, err := b.doWithRetry(func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, "GET", b.baseURL+"/api/v3/ticker/price?symbol="+binSymbol, nil)
	})
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Zero, err
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("get price failed with status %d: %s", resp.StatusCode, string(body))
	}

	var t binanceTicker
	if err := json.Unmarshal(body, &t); err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(t.Price)
}

// GetOrderBook fetches depth for symbol.
func (b *BinanceClient) GetOrderBook(ctx context.Context, symbol string, depth int) (*execution.OrderBook, error) {
	b.rateLimiter.acquire()
	binSymbol := strings.ReplaceAll(symbol, "/", "")

	resp, err := b.doWithRetry(func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, "GET",
			fmt.Sprintf("%s/api/v3/depth?symbol=%s&limit=%d", b.baseURL, binSymbol, depth), nil)
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get order book failed: %s", string(body))
	}

	var raw struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}

	ob := &execution.OrderBook{Symbol: symbol}
	for _, lvl := range raw.Bids {
		if len(lvl) >= 2 {
			price, _ := decimal.NewFromString(lvl[0])
			qty, _ := decimal.NewFromString(lvl[1])
			ob.Bids = append(ob.Bids, execution.OrderBookLevel{Price: price, Quantity: qty})
		}
	}
	for _, lvl := range raw.Asks {
		if len(lvl) >= 2 {
			price, _ := decimal.NewFromString(lvl[0])
			qty, _ := decimal.NewFromString(lvl[1])
			ob.Asks = append(ob.Asks, execution.OrderBookLevel{Price: price, Quantity: qty})
		}
	}
	return ob, nil
}

type binanceOrderResponse struct {
	Symbol      string `json:"symbol"`
	OrderID     int64  `json:"orderId"`
	Price       string `json:"price"`
	OrigQty     string `json:"origQty"`
	ExecutedQty string `json:"executedQty"`
	Status      string `json:"status"`
	Side        string `json:"side"`
	Type        string `json:"type"`
	Time        int64  `json:"transactTime"`
}

// PlaceOrder submits order and returns the exchange's view of it.
func (b *BinanceClient) PlaceOrder(ctx context.Context, order types.Order) (types.Order, error) {
	b.rateLimiter.acquire()

	params := url.Values{}
	params.Set("symbol", strings.ReplaceAll(order.Symbol, "/", ""))
	params.Set("side", strings.ToUpper(string(order.Side)))
	params.Set("type", convertOrderType(order.Type))
	params.Set("quantity", order.Quantity.String())
	switch order.Type {
	case types.OrderTypeLimitMaker:
		params.Set("price", order.Price.String())
	case types.OrderTypeStopLossLimit:
		params.Set("price", order.Price.String())
		params.Set("stopPrice", order.Price.String())
		params.Set("timeInForce", "GTC")
	case types.OrderTypeStopMarket, types.OrderTypeTakeProfitMkt:
		params.Set("stopPrice", order.Price.String())
	}
	if order.ReduceOnly {
		params.Set("reduceOnly", "true")
	}

	resp, err := b.signedRequest(ctx, "POST", "/api/v3/order", params)
	if err != nil {
		return types.Order{}, fmt.Errorf("place order: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.Order{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return types.Order{}, fmt.Errorf("order rejected (status %d): %s", resp.StatusCode, string(body))
	}

	var bo binanceOrderResponse
	if err := json.Unmarshal(body, &bo); err != nil {
		return types.Order{}, err
	}
	return b.convertOrder(order, bo), nil
}

// CancelOrder cancels an open order. Like GetOrderStatus it accepts this
// client's "SYMBOL:orderId" IDs and sends only the exchange half.
func (b *BinanceClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	b.rateLimiter.acquire()
	if idx := strings.LastIndex(orderID, ":"); idx >= 0 {
		orderID = orderID[idx+1:]
	}
	params := url.Values{}
	params.Set("symbol", strings.ReplaceAll(symbol, "/", ""))
	params.Set("orderId", orderID)

	resp, err := b.signedRequest(ctx, "DELETE", "/api/v3/order", params)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("cancel failed (status %d): %s", resp.StatusCode, string(body))
	}
	return nil
}

// GetOrderStatus queries an order's current status. Order IDs handed out
// by this client are "SYMBOL:orderId"; the exchange half is extracted here.
func (b *BinanceClient) GetOrderStatus(ctx context.Context, symbol, orderID string) (types.OrderStatus, error) {
	b.rateLimiter.acquire()
	if idx := strings.LastIndex(orderID, ":"); idx >= 0 {
		orderID = orderID[idx+1:]
	}
	params := url.Values{}
	params.Set("symbol", strings.ReplaceAll(symbol, "/", ""))
	params.Set("orderId", orderID)

	resp, err := b.signedRequest(ctx, "GET", "/api/v3/order", params)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("get order status failed (status %d): %s", resp.StatusCode, string(body))
	}

	var bo binanceOrderResponse
	if err := json.Unmarshal(body, &bo); err != nil {
		return "", err
	}
	return convertOrderStatus(bo.Status), nil
}

type binanceBalance struct {
	Asset  string `json:"asset"`
	Free   string `json:"free"`
	Locked string `json:"locked"`
}

// GetBalance returns the free balance of asset.
func (b *BinanceClient) GetBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	b.rateLimiter.acquire()
	resp, err := b.signedRequest(ctx, "GET", "/api/v3/account", url.Values{})
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Zero, err
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("get account failed: %s", string(body))
	}

	var account struct {
		Balances []binanceBalance `json:"balances"`
	}
	if err := json.Unmarshal(body, &account); err != nil {
		return decimal.Zero, err
	}
	for _, bal := range account.Balances {
		if bal.Asset == asset {
			return decimal.NewFromString(bal.Free)
		}
	}
	return decimal.Zero, nil
}

type binancePositionRisk struct {
	Symbol           string `json:"symbol"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	MarkPrice        string `json:"markPrice"`
	Leverage         string `json:"leverage"`
}

// GetPositions reports open futures positions, satisfying
// execution.PositionLister for the Reconciler's exchange-vs-memory pass.
// Binance's futures position-risk endpoint reports every
// configured symbol, with zero PositionAmt for flat ones; those are
// filtered out here.
func (b *BinanceClient) GetPositions(ctx context.Context) ([]execution.ExchangePosition, error) {
	b.rateLimiter.acquire()
	resp, err := b.signedRequest(ctx, "GET", "/fapi/v2/positionRisk", url.Values{})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get position risk failed: %s", string(body))
	}

	var raw []binancePositionRisk
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}

	out := make([]execution.ExchangePosition, 0, len(raw))
	for _, p := range raw {
		amt, err := decimal.NewFromString(p.PositionAmt)
		if err != nil || amt.IsZero() {
			continue
		}
		side := types.PositionLong
		if amt.IsNegative() {
			side = types.PositionShort
			amt = amt.Neg()
		}
		entry, _ := decimal.NewFromString(p.EntryPrice)
		mark, _ := decimal.NewFromString(p.MarkPrice)
		lev, _ := decimal.NewFromString(p.Leverage)
		out = append(out, execution.ExchangePosition{
			Symbol:     p.Symbol,
			Side:       side,
			Quantity:   amt,
			EntryPrice: entry,
			MarkPrice:  mark,
			Leverage:   lev,
		})
	}
	return out, nil
}

type binanceAggTrade struct {
	TradeID  int64  `json:"a"`
	Price    string `json:"p"`
	Quantity string `json:"q"`
	Time     int64  `json:"T"`
	IsBuyer  bool   `json:"m"` // true if the buyer is the market maker (i.e. an aggressive sell)
}

// FetchTrades satisfies handler.TradeSource: it pulls aggTrades newer than
// sinceID for the order-flow strategies' BarAggregator. A sinceID of 0 sends
// no fromId, which fetches the most recent trades instead of tailing a cursor.
func (b *BinanceClient) FetchTrades(ctx context.Context, symbol string, sinceID int64) ([]types.RawTrade, error) {
	b.rateLimiter.acquire()
	binSymbol := strings.ReplaceAll(symbol, "/", "")

	reqURL := fmt.Sprintf("%s/api/v3/aggTrades?symbol=%s&limit=1000", b.baseURL, binSymbol)
	if sinceID > 0 {
		reqURL += fmt.Sprintf("&fromId=%d", sinceID+1)
	}
	resp, err := b.doWithRetry(func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch trades failed: %s", string(body))
	}

	var raw []binanceAggTrade
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}

	out := make([]types.RawTrade, 0, len(raw))
	for _, t := range raw {
		price, _ := decimal.NewFromString(t.Price)
		qty, _ := decimal.NewFromString(t.Quantity)
		side := types.OrderSideBuy
		if t.IsBuyer {
			side = types.OrderSideSell
		}
		out = append(out, types.RawTrade{
			TradeID:   t.TradeID,
			Price:     price,
			Size:      qty,
			Side:      side,
			Timestamp: time.UnixMilli(t.Time).UTC(),
		})
	}
	return out, nil
}

// Transient failures (rate limit, 5xx, transport errors) are retried with
// exponential backoff, base 1s doubling per attempt, up to 3 retries.
// Authentication failures are returned immediately.
const (
	maxRetries       = 3
	retryBackoffBase = time.Second
)

// doWithRetry issues the request built by build, retrying transient
// failures. build runs per attempt so signed requests carry a fresh
// timestamp/signature each time.
func (b *BinanceClient) doWithRetry(build func() (*http.Request, error)) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(retryBackoffBase << (attempt - 1))
		}
		req, err := build()
		if err != nil {
			return nil, err
		}
		resp, err := b.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return nil, fmt.Errorf("authentication failed (status %d): %s", resp.StatusCode, string(body))
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			lastErr = fmt.Errorf("transient exchange error (status %d): %s", resp.StatusCode, string(body))
			b.logger.Warn("retrying transient exchange error",
				zap.Int("attempt", attempt+1), zap.Int("status", resp.StatusCode))
			continue
		}
		return resp, nil
	}
	return nil, lastErr
}

func (b *BinanceClient) signedRequest(ctx context.Context, method, endpoint string, params url.Values) (*http.Response, error) {
	return b.doWithRetry(func() (*http.Request, error) {
		signed := url.Values{}
		for k, vs := range params {
			signed[k] = vs
		}
		signed.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		queryString := signed.Encode()
		mac := hmac.New(sha256.New, []byte(b.apiSecret))
		mac.Write([]byte(queryString))
		signed.Set("signature", hex.EncodeToString(mac.Sum(nil)))

		req, err := http.NewRequestWithContext(ctx, method, b.baseURL+endpoint+"?"+signed.Encode(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-MBX-APIKEY", b.apiKey)
		return req, nil
	})
}

func (b *BinanceClient) convertOrder(original types.Order, bo binanceOrderResponse) types.Order {
	price, _ := decimal.NewFromString(bo.Price)
	filled, _ := decimal.NewFromString(bo.ExecutedQty)
	qty, _ := decimal.NewFromString(bo.OrigQty)

	order := original
	order.ID = fmt.Sprintf("%s:%d", bo.Symbol, bo.OrderID)
	order.Quantity = qty
	order.Price = price
	order.FilledQty = filled
	order.AvgFillPrice = price
	order.Status = convertOrderStatus(bo.Status)
	order.CreatedAt = time.UnixMilli(bo.Time)
	if order.Status == types.OrderStatusFilled {
		t := order.CreatedAt
		order.FilledAt = &t
	}
	return order
}

func convertOrderType(t types.OrderType) string {
	switch t {
	case types.OrderTypeMarket:
		return "MARKET"
	case types.OrderTypeLimitMaker:
		return "LIMIT_MAKER"
	case types.OrderTypeStopLossLimit:
		return "STOP_LOSS_LIMIT"
	case types.OrderTypeStopMarket:
		return "STOP_LOSS"
	case types.OrderTypeTakeProfitMkt:
		return "TAKE_PROFIT"
	default:
		return "MARKET"
	}
}

func convertOrderStatus(status string) types.OrderStatus {
	switch status {
	case "NEW":
		return types.OrderStatusNew
	case "PARTIALLY_FILLED":
		return types.OrderStatusPartial
	case "FILLED":
		return types.OrderStatusFilled
	case "CANCELED":
		return types.OrderStatusCanceled
	case "REJECTED", "EXPIRED":
		return types.OrderStatusRejected
	default:
		return types.OrderStatusNew
	}
}

// rateLimiter is a simple token-bucket limiter to stay under Binance's
// request-weight caps.
type rateLimiter struct {
	mu         sync.Mutex
	tokens     int
	maxTokens  int
	refillRate time.Duration
	lastRefill time.Time
}

func newRateLimiter(maxTokens int, refillRate time.Duration) *rateLimiter {
	return &rateLimiter{tokens: maxTokens, maxTokens: maxTokens, refillRate: refillRate, lastRefill: time.Now()}
}

func (rl *rateLimiter) acquire() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if refills := int(now.Sub(rl.lastRefill) / rl.refillRate); refills > 0 {
		rl.tokens += refills
		if rl.tokens > rl.maxTokens {
			rl.tokens = rl.maxTokens
		}
		rl.lastRefill = now
	}
	for rl.tokens <= 0 {
		rl.mu.Unlock()
		time.Sleep(rl.refillRate)
		rl.mu.Lock()
		rl.tokens++
	}
	rl.tokens--
}
