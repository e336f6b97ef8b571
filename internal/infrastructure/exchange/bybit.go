package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vitos/position_guard/internal/domain"
)

const (
	BybitBaseURL = "https://api.bybit.com"
	BybitWSURL   = "wss://stream.bybit.com/v5/public/linear"
)

// Bybit v5 retCodes worth retrying.
const (
	retCodeRateLimit = 10006
	retCodeTimeout   = 10016
)

// BybitAdapter implements domain.Exchange against the Bybit v5 API: signed
// REST for positions and orders, public WebSocket for the price stream.
type BybitAdapter struct {
	apiKey    string
	apiSecret string
	baseURL   string
	wsURL     string
	client    *http.Client
	logger    *zap.Logger

	mu        sync.Mutex
	wsConn    *websocket.Conn
	callbacks []func(symbol string, price float64)
}

func NewBybitAdapter(apiKey, apiSecret, baseURL, wsURL string, logger *zap.Logger) *BybitAdapter {
	return &BybitAdapter{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		baseURL:   baseURL,
		wsURL:     wsURL,
		client:    &http.Client{Timeout: 10 * time.Second},
		logger:    logger,
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

func (b *BybitAdapter) sendRequest(ctx context.Context, method, path string, payload map[string]interface{}) ([]byte, error) {
	timestamp := time.Now().UnixMilli()
	recvWindow := 5000

	var body []byte
	var paramsStr string

	if payload != nil {
		jsonBody, _ := json.Marshal(payload)
		body = jsonBody
		paramsStr = string(jsonBody)
	} else if method == "GET" {
		// For GET, params are signed from the query string.
		if idx := strings.Index(path, "?"); idx != -1 {
			paramsStr = path[idx+1:]
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}

	signature := b.sign(paramsStr, timestamp, recvWindow)

	req.Header.Set("X-BAPI-API-KEY", b.apiKey)
	req.Header.Set("X-BAPI-TIMESTAMP", strconv.FormatInt(timestamp, 10))
	req.Header.Set("X-BAPI-SIGN", signature)
	req.Header.Set("X-BAPI-RECV-WINDOW", strconv.Itoa(recvWindow))
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, classifyNetErr(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyNetErr(err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, domain.Transient(fmt.Errorf("API error %d: %s", resp.StatusCode, string(respBody)))
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(respBody))
	}

	return respBody, nil
}

// classifyNetErr marks timeouts and connection failures as transient so the
// executor's retry policy picks them up.
func classifyNetErr(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.Transient(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.Transient(err)
	}
	return err
}

func retErr(retCode int, retMsg string) error {
	if retCode == 0 {
		return nil
	}
	err := fmt.Errorf("bybit error %d: %s", retCode, retMsg)
	if retCode == retCodeRateLimit || retCode == retCodeTimeout {
		return domain.Transient(err)
	}
	return err
}

func (b *BybitAdapter) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	path := "/v5/market/tickers?category=linear&symbol=" + symbol

	req, err := http.NewRequestWithContext(ctx, "GET", b.baseURL+path, nil)
	if err != nil {
		return 0, err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return 0, classifyNetErr(err)
	}
	defer resp.Body.Close()

	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			List []struct {
				LastPrice string `json:"lastPrice"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, err
	}
	if err := retErr(result.RetCode, result.RetMsg); err != nil {
		return 0, err
	}
	if len(result.Result.List) == 0 {
		return 0, fmt.Errorf("no ticker for %s", symbol)
	}
	return strconv.ParseFloat(result.Result.List[0].LastPrice, 64)
}

// ReduceClose submits a reduce-only market order against the position side.
func (b *BybitAdapter) ReduceClose(ctx context.Context, symbol string, side domain.Side, qty float64) (string, error) {
	orderSide := "Sell"
	if side == domain.SideShort {
		orderSide = "Buy"
	}

	payload := map[string]interface{}{
		"category":   "linear",
		"symbol":     symbol,
		"side":       orderSide,
		"orderType":  "Market",
		"qty":        strconv.FormatFloat(qty, 'f', -1, 64),
		"reduceOnly": true,
	}

	resp, err := b.sendRequest(ctx, "POST", "/v5/order/create", payload)
	if err != nil {
		return "", err
	}

	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			OrderID string `json:"orderId"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return "", err
	}
	if err := retErr(result.RetCode, result.RetMsg); err != nil {
		return "", err
	}
	return result.Result.OrderID, nil
}

type bybitPosition struct {
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
	Size      string `json:"size"`
	AvgPrice  string `json:"avgPrice"`
	MarkPrice string `json:"markPrice"`
	Leverage  string `json:"leverage"`
	CreatedAt string `json:"createdTime"`
}

func (p bybitPosition) toDomain() *domain.Position {
	size, _ := strconv.ParseFloat(p.Size, 64)
	entry, _ := strconv.ParseFloat(p.AvgPrice, 64)
	curr, _ := strconv.ParseFloat(p.MarkPrice, 64)
	lev, _ := strconv.Atoi(p.Leverage)

	side := domain.SideLong
	if p.Side == "Sell" {
		side = domain.SideShort
	}

	pos := &domain.Position{
		Symbol:       p.Symbol,
		Side:         side,
		Quantity:     size,
		EntryPrice:   entry,
		CurrentPrice: curr,
		Leverage:     lev,
		Status:       domain.StatusOpen,
	}
	if ms, err := strconv.ParseInt(p.CreatedAt, 10, 64); err == nil && ms > 0 {
		pos.OpenedAt = time.UnixMilli(ms)
	}
	return pos
}

func (b *BybitAdapter) GetPosition(ctx context.Context, symbol string) (*domain.Position, error) {
	path := "/v5/position/list?category=linear&symbol=" + symbol
	resp, err := b.sendRequest(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			List []bybitPosition `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, err
	}
	if err := retErr(result.RetCode, result.RetMsg); err != nil {
		return nil, err
	}
	if len(result.Result.List) == 0 {
		return &domain.Position{Symbol: symbol}, nil
	}
	return result.Result.List[0].toDomain(), nil
}

func (b *BybitAdapter) GetPositions(ctx context.Context) ([]*domain.Position, error) {
	path := "/v5/position/list?category=linear&settleCoin=USDT"
	resp, err := b.sendRequest(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			List []bybitPosition `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, err
	}
	if err := retErr(result.RetCode, result.RetMsg); err != nil {
		return nil, err
	}

	var positions []*domain.Position
	for _, raw := range result.Result.List {
		pos := raw.toDomain()
		if pos.Quantity == 0 {
			continue
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

// --- WebSocket ---

func (b *BybitAdapter) OnPriceUpdate(callback func(symbol string, price float64)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callbacks = append(b.callbacks, callback)
}

// Subscribe connects the public stream if needed and subscribes to the
// symbols' top-of-book updates.
func (b *BybitAdapter) Subscribe(symbols []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.wsConn == nil {
		c, _, err := websocket.DefaultDialer.Dial(b.wsURL, nil)
		if err != nil {
			return err
		}
		b.wsConn = c
		go b.readLoop(c)
	}
	return b.subscribe(symbols)
}

func (b *BybitAdapter) subscribe(symbols []string) error {
	if len(symbols) == 0 {
		return nil
	}
	args := make([]interface{}, len(symbols))
	for i, s := range symbols {
		args[i] = "orderbook.1." + s
	}
	subMsg := map[string]interface{}{
		"op":   "subscribe",
		"args": args,
	}
	return b.wsConn.WriteJSON(subMsg)
}

func (b *BybitAdapter) readLoop(conn *websocket.Conn) {
	defer func() {
		conn.Close()
		b.mu.Lock()
		if b.wsConn == conn {
			b.wsConn = nil
		}
		b.mu.Unlock()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			b.logger.Warn("WS read error, stream closed", zap.Error(err))
			return
		}

		var event struct {
			Topic string `json:"topic"`
			Data  struct {
				Asks [][]string `json:"a"`
				Bids [][]string `json:"b"`
			} `json:"data"`
		}
		if err := json.Unmarshal(message, &event); err != nil {
			continue
		}
		if !strings.HasPrefix(event.Topic, "orderbook.1.") {
			continue
		}
		if len(event.Data.Asks) == 0 || len(event.Data.Bids) == 0 ||
			len(event.Data.Asks[0]) == 0 || len(event.Data.Bids[0]) == 0 {
			continue
		}

		symbol := strings.TrimPrefix(event.Topic, "orderbook.1.")
		ask, _ := strconv.ParseFloat(event.Data.Asks[0][0], 64)
		bid, _ := strconv.ParseFloat(event.Data.Bids[0][0], 64)
		if ask == 0 || bid == 0 {
			continue
		}
		price := (ask + bid) / 2

		b.mu.Lock()
		callbacks := make([]func(string, float64), len(b.callbacks))
		copy(callbacks, b.callbacks)
		b.mu.Unlock()

		for _, cb := range callbacks {
			cb(symbol, price)
		}
	}
}
