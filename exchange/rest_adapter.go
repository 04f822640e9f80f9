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
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nullstake/spotexec/internal/xerrors"
	"github.com/nullstake/spotexec/money"
	"github.com/nullstake/spotexec/ratelimit"
)

// RESTAdapter is a blocking net/http implementation of Adapter, signing
// every private request HMAC-SHA256 in the idiom of a centralized-exchange
// REST API — adapted from broker_coinbase.go's addAuthIfAvailable/request
// shape, swapping the JWT-or-bearer auth for a classic api-key/api-secret
// HMAC signature since this venue is not Coinbase's Advanced Trade API.
type RESTAdapter struct {
	apiBase   string
	apiKey    string
	apiSecret string
	hc        *http.Client
	limiter   *ratelimit.Policy

	maxRetries int
}

// NewRESTAdapter builds an adapter against apiBase, signing with apiKey and
// apiSecret. limiter may be nil, in which case no rate limiting is applied
// at this layer (the caller is expected to share one ratelimit.Policy across
// adapters instead).
func NewRESTAdapter(apiBase, apiKey, apiSecret string, limiter *ratelimit.Policy) *RESTAdapter {
	return &RESTAdapter{
		apiBase:    strings.TrimRight(apiBase, "/"),
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		hc:         &http.Client{Timeout: 10 * time.Second},
		limiter:    limiter,
		maxRetries: 3,
	}
}

func (r *RESTAdapter) sign(method, path string, body []byte, ts string) string {
	mac := hmac.New(sha256.New, []byte(r.apiSecret))
	mac.Write([]byte(ts + method + path))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (r *RESTAdapter) do(ctx context.Context, endpoint, method, path string, body []byte) ([]byte, int, error) {
	if r.limiter != nil {
		if ok := r.limiter.WaitIfNeeded(ctx, endpoint, 5*time.Second); !ok {
			return nil, 0, xerrors.New(xerrors.KindVenueRetriable, "rate limit wait exceeded for "+endpoint)
		}
	}

	u := r.apiBase + path
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, 0, xerrors.Wrap(xerrors.KindVenueFatal, "build request", err)
	}
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-KEY", r.apiKey)
	req.Header.Set("X-API-TIMESTAMP", ts)
	req.Header.Set("X-API-SIGNATURE", r.sign(method, path, body, ts))

	res, err := r.hc.Do(req)
	if err != nil {
		return nil, 0, xerrors.Wrap(xerrors.KindVenueRetriable, "request failed", err)
	}
	defer res.Body.Close()

	out, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, res.StatusCode, xerrors.Wrap(xerrors.KindVenueRetriable, "read body", err)
	}
	return out, res.StatusCode, nil
}

// doWithRetry retries VenueRetriable failures with exponential backoff,
// giving up after maxRetries and surfacing the last error.
func (r *RESTAdapter) doWithRetry(ctx context.Context, endpoint, method, path string, body []byte) ([]byte, int, error) {
	var lastErr error
	backoff := 200 * time.Millisecond
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		out, status, err := r.do(ctx, endpoint, method, path, body)
		if err == nil && status < 500 && status != 429 {
			return out, status, nil
		}
		if status >= 500 || status == 429 {
			err = xerrors.New(xerrors.KindVenueRetriable, fmt.Sprintf("venue status %d", status))
		}
		if kind, ok := xerrors.KindOf(err); !ok || kind != xerrors.KindVenueRetriable {
			return out, status, err
		}
		lastErr = err
		log.Warn().Str("endpoint", endpoint).Int("attempt", attempt).Err(err).Msg("retrying venue request")
		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, 0, lastErr
}

type placeOrderRequest struct {
	ClientOrderID string `json:"client_order_id"`
	ProductID     string `json:"product_id"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Price         string `json:"price,omitempty"`
	StopPrice     string `json:"stop_price,omitempty"`
	Qty           string `json:"qty"`
}

type placeOrderResponse struct {
	OrderID       string `json:"order_id"`
	ClientOrderID string `json:"client_order_id"`
}

func (r *RESTAdapter) placeOrder(ctx context.Context, req placeOrderRequest) (OrderAck, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return OrderAck{}, xerrors.Wrap(xerrors.KindVenueFatal, "encode order", err)
	}
	out, status, err := r.doWithRetry(ctx, "/orders", http.MethodPost, "/api/v1/orders", body)
	if err != nil {
		return OrderAck{}, err
	}
	if status >= 400 {
		// Duplicate client_order_id on a resubmit is reported as a 409 with
		// the existing order echoed back; treat that as success rather
		// than a fatal error so retries stay idempotent.
		if status == 409 {
			var dup placeOrderResponse
			if jsonErr := json.Unmarshal(out, &dup); jsonErr == nil && dup.OrderID != "" {
				return OrderAck{OrderID: dup.OrderID, ClientOrderID: dup.ClientOrderID, AckTime: time.Now()}, nil
			}
		}
		return OrderAck{}, xerrors.New(xerrors.KindVenueFatal, fmt.Sprintf("place order rejected: %d %s", status, string(out)))
	}
	var resp placeOrderResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		return OrderAck{}, xerrors.Wrap(xerrors.KindVenueRetriable, "decode ack", err)
	}
	return OrderAck{OrderID: resp.OrderID, ClientOrderID: resp.ClientOrderID, AckTime: time.Now()}, nil
}

func (r *RESTAdapter) PlaceLimitBuy(ctx context.Context, clientOrderID, productID string, price, qty money.Money) (OrderAck, error) {
	return r.placeOrder(ctx, placeOrderRequest{
		ClientOrderID: clientOrderID,
		ProductID:     productID,
		Side:          "buy",
		Type:          "limit",
		Price:         price.String(),
		Qty:           qty.String(),
	})
}

func (r *RESTAdapter) PlaceStopLimit(ctx context.Context, clientOrderID, productID string, trigger, limit, qty money.Money) (OrderAck, error) {
	return r.placeOrder(ctx, placeOrderRequest{
		ClientOrderID: clientOrderID,
		ProductID:     productID,
		Side:          "sell",
		Type:          "stop_limit",
		Price:         limit.String(),
		StopPrice:     trigger.String(),
		Qty:           qty.String(),
	})
}

func (r *RESTAdapter) CancelOrder(ctx context.Context, productID, orderID string) error {
	path := fmt.Sprintf("/api/v1/orders/%s?product_id=%s", url.PathEscape(orderID), url.QueryEscape(productID))
	_, status, err := r.doWithRetry(ctx, "/orders", http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	if status == 404 {
		// Already gone — cancel is idempotent from the caller's view.
		return nil
	}
	if status >= 400 {
		return xerrors.New(xerrors.KindVenueFatal, fmt.Sprintf("cancel rejected: %d", status))
	}
	return nil
}

type orderStatusResponse struct {
	OrderID   string `json:"order_id"`
	State     string `json:"state"`
	FilledQty string `json:"filled_qty"`
	FillPrice string `json:"fill_price"`
}

func parseOrderStatus(raw orderStatusResponse) (OrderStatus, error) {
	filled, err := money.NewFromString(orDefault(raw.FilledQty, "0"))
	if err != nil {
		return OrderStatus{}, xerrors.Wrap(xerrors.KindVenueRetriable, "parse filled_qty", err)
	}
	price, err := money.NewFromString(orDefault(raw.FillPrice, "0"))
	if err != nil {
		return OrderStatus{}, xerrors.Wrap(xerrors.KindVenueRetriable, "parse fill_price", err)
	}
	return OrderStatus{
		OrderID:   raw.OrderID,
		State:     raw.State,
		FilledQty: filled,
		FillPrice: price,
		UpdatedAt: time.Now(),
	}, nil
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func (r *RESTAdapter) GetOrderStatus(ctx context.Context, productID, orderID string) (OrderStatus, error) {
	path := fmt.Sprintf("/api/v1/orders/%s?product_id=%s", url.PathEscape(orderID), url.QueryEscape(productID))
	out, status, err := r.doWithRetry(ctx, "/orders", http.MethodGet, path, nil)
	if err != nil {
		return OrderStatus{}, err
	}
	if status >= 400 {
		return OrderStatus{}, xerrors.New(xerrors.KindVenueFatal, fmt.Sprintf("get order status failed: %d", status))
	}
	var raw orderStatusResponse
	if err := json.Unmarshal(out, &raw); err != nil {
		return OrderStatus{}, xerrors.Wrap(xerrors.KindVenueRetriable, "decode order status", err)
	}
	return parseOrderStatus(raw)
}

func (r *RESTAdapter) ListOpenOrders(ctx context.Context, productID string) ([]OrderStatus, error) {
	path := "/api/v1/orders?status=open&product_id=" + url.QueryEscape(productID)
	out, status, err := r.doWithRetry(ctx, "/orders", http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, xerrors.New(xerrors.KindVenueFatal, fmt.Sprintf("list open orders failed: %d", status))
	}
	var raws []orderStatusResponse
	if err := json.Unmarshal(out, &raws); err != nil {
		return nil, xerrors.Wrap(xerrors.KindVenueRetriable, "decode open orders", err)
	}
	result := make([]OrderStatus, 0, len(raws))
	for _, raw := range raws {
		os, err := parseOrderStatus(raw)
		if err != nil {
			return nil, err
		}
		result = append(result, os)
	}
	return result, nil
}

type tickerResponse struct {
	Price string `json:"price"`
}

func (r *RESTAdapter) GetLastTradePrice(ctx context.Context, productID string) (money.Money, error) {
	path := "/api/v1/products/" + url.PathEscape(productID) + "/ticker"
	out, status, err := r.doWithRetry(ctx, "/ticker", http.MethodGet, path, nil)
	if err != nil {
		return money.Zero, err
	}
	if status >= 400 {
		return money.Zero, xerrors.New(xerrors.KindVenueFatal, fmt.Sprintf("ticker failed: %d", status))
	}
	var raw tickerResponse
	if err := json.Unmarshal(out, &raw); err != nil {
		return money.Zero, xerrors.Wrap(xerrors.KindVenueRetriable, "decode ticker", err)
	}
	return money.NewFromString(raw.Price)
}
