package exchange

import (
	"bytes"
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

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/vitos/crypto_trade_engine/internal/domain"
	"github.com/vitos/crypto_trade_engine/internal/infrastructure/ratelimit"
	"go.uber.org/zap"
)

const (
	BybitBaseURL = "https://api.bybit.com"
	BybitWSURL   = "wss://stream.bybit.com/v5/public/spot"

	retCodeRateLimit = 10006
	priceCacheTTL    = 5 * time.Second
	wsPingInterval   = 20 * time.Second
)

// BybitAdapter is a spot gateway over the Bybit v5 API. Prices come from the
// websocket ticker stream while it is fresh, from REST otherwise.
type BybitAdapter struct {
	apiKey    string
	apiSecret string
	baseURL   string
	wsURL     string
	client    *http.Client
	caller    *ratelimit.Caller
	logger    *zap.Logger
	now       func() time.Time

	mu       sync.Mutex
	wsConn   *websocket.Conn
	wsDone   chan struct{}
	prices   map[string]float64
	pricesAt time.Time
}

func NewBybitAdapter(apiKey, apiSecret, baseURL, wsURL string, caller *ratelimit.Caller, logger *zap.Logger) *BybitAdapter {
	if baseURL == "" {
		baseURL = BybitBaseURL
	}
	if wsURL == "" {
		wsURL = BybitWSURL
	}
	return &BybitAdapter{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		baseURL:   baseURL,
		wsURL:     wsURL,
		client:    &http.Client{Timeout: 10 * time.Second},
		caller:    caller,
		logger:    logger,
		now:       time.Now,
		prices:    make(map[string]float64),
	}
}

// --- REST API ---

func (b *BybitAdapter) sign(params string, timestamp int64, recvWindow int) string {
	// timestamp + apiKey + recvWindow + params
	toSign := fmt.Sprintf("%d%s%d%s", timestamp, b.apiKey, recvWindow, params)
	h := hmac.New(sha256.New, []byte(b.apiSecret))
	h.Write([]byte(toSign))
	return hex.EncodeToString(h.Sum(nil))
}

type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

func (b *BybitAdapter) sendRequest(ctx context.Context, method, path string, payload map[string]interface{}) (json.RawMessage, error) {
	timestamp := b.now().UnixMilli()
	recvWindow := 5000

	var body []byte
	var paramsStr string

	if payload != nil {
		jsonBody, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = jsonBody
		paramsStr = string(jsonBody)
	} else if method == http.MethodGet {
		if idx := strings.Index(path, "?"); idx != -1 {
			paramsStr = path[idx+1:]
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}

	req.Header.Set("X-BAPI-API-KEY", b.apiKey)
	req.Header.Set("X-BAPI-TIMESTAMP", strconv.FormatInt(timestamp, 10))
	req.Header.Set("X-BAPI-SIGN", b.sign(paramsStr, timestamp, recvWindow))
	req.Header.Set("X-BAPI-RECV-WINDOW", strconv.Itoa(recvWindow))
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot {
		return nil, &ratelimit.ThrottledError{RetryAfter: b.retryAfter(resp.Header), Msg: resp.Status}
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(respBody))
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if env.RetCode == retCodeRateLimit {
		return nil, &ratelimit.ThrottledError{RetryAfter: b.retryAfter(resp.Header), Msg: env.RetMsg}
	}
	if env.RetCode != 0 {
		return nil, fmt.Errorf("bybit error %d: %s", env.RetCode, env.RetMsg)
	}
	return env.Result, nil
}

// retryAfter reads the server's backoff hint, Retry-After in seconds or
// the limit reset timestamp in milliseconds.
func (b *BybitAdapter) retryAfter(h http.Header) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	if v := h.Get("X-Bapi-Limit-Reset-Timestamp"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			if d := time.UnixMilli(ms).Sub(b.now()); d > 0 {
				return d
			}
		}
	}
	return 0
}

// GetPrices returns the last trade price of every spot symbol.
func (b *BybitAdapter) GetPrices(ctx context.Context) (map[string]float64, error) {
	if prices, ok := b.cachedPrices(); ok {
		return prices, nil
	}

	var result struct {
		List []struct {
			Symbol    string `json:"symbol"`
			LastPrice string `json:"lastPrice"`
		} `json:"list"`
	}
	err := b.caller.Do(ctx, "tickers", func(ctx context.Context) error {
		raw, err := b.sendRequest(ctx, http.MethodGet, "/v5/market/tickers?category=spot", nil)
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, &result)
	})
	if err != nil {
		return nil, err
	}

	prices := make(map[string]float64, len(result.List))
	for _, t := range result.List {
		p, err := strconv.ParseFloat(t.LastPrice, 64)
		if err != nil || p <= 0 {
			continue
		}
		prices[t.Symbol] = p
	}
	return prices, nil
}

func (b *BybitAdapter) cachedPrices() (map[string]float64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.wsConn == nil || len(b.prices) == 0 || b.now().Sub(b.pricesAt) > priceCacheTTL {
		return nil, false
	}
	out := make(map[string]float64, len(b.prices))
	for k, v := range b.prices {
		out[k] = v
	}
	return out, true
}

// GetLotStep returns the base coin precision of a spot symbol.
func (b *BybitAdapter) GetLotStep(ctx context.Context, symbol string) (float64, error) {
	var result struct {
		List []struct {
			Symbol        string `json:"symbol"`
			LotSizeFilter struct {
				BasePrecision string `json:"basePrecision"`
			} `json:"lotSizeFilter"`
		} `json:"list"`
	}
	path := "/v5/market/instruments-info?category=spot&symbol=" + url.QueryEscape(symbol)
	err := b.caller.Do(ctx, "instruments-info", func(ctx context.Context) error {
		raw, err := b.sendRequest(ctx, http.MethodGet, path, nil)
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, &result)
	})
	if err != nil {
		return 0, err
	}
	if len(result.List) == 0 {
		return 0, fmt.Errorf("%w: %s", domain.ErrUnknownSymbol, symbol)
	}
	step, err := strconv.ParseFloat(result.List[0].LotSizeFilter.BasePrecision, 64)
	if err != nil || step <= 0 {
		return 0, fmt.Errorf("invalid basePrecision %q for %s", result.List[0].LotSizeFilter.BasePrecision, symbol)
	}
	return step, nil
}

func (b *BybitAdapter) Open(ctx context.Context, symbol string, qty float64) (*domain.Fill, error) {
	return b.placeOrder(ctx, symbol, domain.SideBuy, qty)
}

func (b *BybitAdapter) Close(ctx context.Context, symbol string, qty float64) (*domain.Fill, error) {
	return b.placeOrder(ctx, symbol, domain.SideSell, qty)
}

// placeOrder sends a market order exactly once, then reads the fill back.
func (b *BybitAdapter) placeOrder(ctx context.Context, symbol string, side domain.Side, qty float64) (*domain.Fill, error) {
	bybitSide := "Buy"
	if side == domain.SideSell {
		bybitSide = "Sell"
	}
	payload := map[string]interface{}{
		"category":    "spot",
		"symbol":      symbol,
		"side":        bybitSide,
		"orderType":   "Market",
		"qty":         strconv.FormatFloat(qty, 'f', -1, 64),
		"marketUnit":  "baseCoin",
		"orderLinkId": uuid.NewString(),
	}

	var created struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	err := b.caller.Once(ctx, func(ctx context.Context) error {
		raw, err := b.sendRequest(ctx, http.MethodPost, "/v5/order/create", payload)
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, &created)
	})
	if err != nil {
		return nil, fmt.Errorf("bybit order: %w", err)
	}

	fill, err := b.GetOrder(ctx, symbol, created.OrderID)
	if err != nil {
		// the order exists; report it with an unknown status and let the caller poll it
		b.logger.Warn("order placed but fill unknown",
			zap.String("symbol", symbol),
			zap.String("order_id", created.OrderID),
			zap.Error(err))
		return &domain.Fill{OrderID: created.OrderID, Symbol: symbol, Side: side}, nil
	}
	fill.Side = side
	return fill, nil
}

type bybitOrder struct {
	OrderID     string `json:"orderId"`
	Side        string `json:"side"`
	OrderStatus string `json:"orderStatus"`
	AvgPrice    string `json:"avgPrice"`
	CumExecQty  string `json:"cumExecQty"`
}

func (b *BybitAdapter) queryOrder(ctx context.Context, symbol, orderID string) (*bybitOrder, error) {
	q := url.Values{}
	q.Set("category", "spot")
	q.Set("symbol", symbol)
	q.Set("orderId", orderID)
	path := "/v5/order/realtime?" + q.Encode()

	var result struct {
		List []bybitOrder `json:"list"`
	}
	err := b.caller.Do(ctx, "order-realtime", func(ctx context.Context) error {
		raw, err := b.sendRequest(ctx, http.MethodGet, path, nil)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(raw, &result); err != nil {
			return err
		}
		if len(result.List) == 0 {
			return fmt.Errorf("order %s not found", orderID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result.List[0], nil
}

// GetOrder reads the current state and cumulative fill of an order.
func (b *BybitAdapter) GetOrder(ctx context.Context, symbol, orderID string) (*domain.Fill, error) {
	order, err := b.queryOrder(ctx, symbol, orderID)
	if err != nil {
		return nil, err
	}
	avg, _ := strconv.ParseFloat(order.AvgPrice, 64)
	filled, _ := strconv.ParseFloat(order.CumExecQty, 64)
	side := domain.SideBuy
	if order.Side == "Sell" {
		side = domain.SideSell
	}
	return &domain.Fill{
		OrderID:   orderID,
		Symbol:    symbol,
		Side:      side,
		Status:    mapOrderStatus(order.OrderStatus),
		AvgPrice:  avg,
		FilledQty: filled,
	}, nil
}

func mapOrderStatus(s string) domain.OrderStatus {
	switch s {
	case "Filled":
		return domain.OrderFilled
	case "PartiallyFilled":
		return domain.OrderPartiallyFilled
	case "New", "Created", "Untriggered":
		return domain.OrderNew
	case "Cancelled", "PartiallyFilledCanceled":
		return domain.OrderCancelled
	case "Rejected":
		return domain.OrderRejected
	case "Deactivated":
		return domain.OrderExpired
	}
	return domain.OrderStatus(strings.ToUpper(s))
}

// --- WebSocket ---

// Connect opens the public spot stream and subscribes to the tickers of symbols.
func (b *BybitAdapter) Connect(ctx context.Context, symbols []string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, b.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", b.wsURL, err)
	}

	args := make([]string, 0, len(symbols))
	for _, s := range symbols {
		args = append(args, "tickers."+s)
	}
	if err := conn.WriteJSON(map[string]interface{}{"op": "subscribe", "args": args}); err != nil {
		conn.Close()
		return err
	}

	b.mu.Lock()
	b.wsConn = conn
	b.wsDone = make(chan struct{})
	done := b.wsDone
	b.mu.Unlock()

	go b.readLoop(conn, done)
	go b.pingLoop(conn, done)
	b.logger.Info("Subscribed to tickers", zap.Strings("symbols", symbols))
	return nil
}

func (b *BybitAdapter) Disconnect() {
	b.mu.Lock()
	conn := b.wsConn
	b.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (b *BybitAdapter) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			b.mu.Lock()
			err := conn.WriteJSON(map[string]string{"op": "ping"})
			b.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

type tickerEvent struct {
	Topic string `json:"topic"`
	Data  struct {
		Symbol    string `json:"symbol"`
		LastPrice string `json:"lastPrice"`
	} `json:"data"`
}

func (b *BybitAdapter) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer func() {
		conn.Close()
		b.mu.Lock()
		if b.wsConn == conn {
			b.wsConn = nil
		}
		b.mu.Unlock()
		close(done)
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			b.logger.Warn("WS read error, falling back to REST", zap.Error(err))
			return
		}
		b.handleMessage(message)
	}
}

func (b *BybitAdapter) handleMessage(message []byte) {
	var event tickerEvent
	if err := json.Unmarshal(message, &event); err != nil {
		b.logger.Debug("WS unmarshal error", zap.Error(err))
		return
	}
	if !strings.HasPrefix(event.Topic, "tickers.") {
		return
	}
	price, err := strconv.ParseFloat(event.Data.LastPrice, 64)
	if err != nil || price <= 0 {
		return
	}
	symbol := event.Data.Symbol
	if symbol == "" {
		symbol = strings.TrimPrefix(event.Topic, "tickers.")
	}

	b.mu.Lock()
	b.prices[symbol] = price
	b.pricesAt = b.now()
	b.mu.Unlock()
}
