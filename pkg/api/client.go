package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rubiojr/shopsync/pkg/ledger"
	"github.com/rubiojr/shopsync/pkg/model"
	"github.com/rubiojr/shopsync/pkg/notify"
)

// Client calls a running server on behalf of one actor.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// APIError is a non-2xx reply.
type APIError struct {
	Status int
	ErrorResponse
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%d %s", e.Status, e.ErrorResponse.Error)
	}
	return fmt.Sprintf("%d %s: %s", e.Status, e.ErrorResponse.Error, e.Message)
}

// NewClient builds a client for baseURL (http or https). ws URLs are
// accepted and mapped to their http counterpart, so the realtime URL from
// the config can be reused.
func NewClient(baseURL, token string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing server URL: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return nil, fmt.Errorf("unsupported server URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(strings.TrimSuffix(u.Path, "/"), "/ws")
	u.RawQuery = ""
	return &Client{
		baseURL: u.String(),
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		rd = bytes.NewReader(raw)
	}
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr.ErrorResponse); err != nil {
			apiErr.ErrorResponse.Error = resp.Status
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s response: %w", method, path, err)
	}
	return nil
}

func (c *Client) CreateItem(ctx context.Context, req CreateItemRequest) (*model.Item, error) {
	var item model.Item
	if err := c.do(ctx, http.MethodPost, "/api/items", nil, req, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

func (c *Client) ListItems(ctx context.Context, shopID string) ([]model.Item, error) {
	var resp ListItemsResponse
	if err := c.do(ctx, http.MethodGet, "/api/items", url.Values{"shop": {shopID}}, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

func (c *Client) Adjust(ctx context.Context, adj ledger.Adjustment) (*StockResponse, error) {
	var resp StockResponse
	if err := c.do(ctx, http.MethodPost, "/api/stock/adjust", nil, adj, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) SetStock(ctx context.Context, req SetStockRequest) (*StockResponse, error) {
	var resp StockResponse
	if err := c.do(ctx, http.MethodPost, "/api/stock/set", nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) History(ctx context.Context, shopID, itemID string, limit int) ([]model.StockHistoryEntry, error) {
	q := url.Values{"shop": {shopID}, "item": {itemID}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp HistoryResponse
	if err := c.do(ctx, http.MethodGet, "/api/stock/history", q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

func (c *Client) CreateOrder(ctx context.Context, req CreateOrderRequest) (*OrderResponse, error) {
	var resp OrderResponse
	if err := c.do(ctx, http.MethodPost, "/api/orders", nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) GetOrder(ctx context.Context, orderID string) (*OrderResponse, error) {
	var resp OrderResponse
	if err := c.do(ctx, http.MethodGet, "/api/orders/"+url.PathEscape(orderID), nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ReturnOrder restocks the given lines of an order, or everything left to
// return when lines is empty.
func (c *Client) ReturnOrder(ctx context.Context, orderID string, lines ...model.OrderLine) (*OrderResponse, error) {
	var resp OrderResponse
	var body any
	if len(lines) > 0 {
		body = ReturnOrderRequest{Lines: lines}
	}
	path := "/api/orders/" + url.PathEscape(orderID) + "/return"
	if err := c.do(ctx, http.MethodPost, path, nil, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) SendNotification(ctx context.Context, userID string, in notify.Input) (*notify.Notification, error) {
	var n notify.Notification
	req := SendNotificationRequest{UserID: userID, Input: in}
	if err := c.do(ctx, http.MethodPost, "/api/notifications", nil, req, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

func (c *Client) ListNotifications(ctx context.Context, userID string, limit int) (*ListNotificationsResponse, error) {
	q := url.Values{"user": {userID}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp ListNotificationsResponse
	if err := c.do(ctx, http.MethodGet, "/api/notifications", q, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// MarkRead marks one notification read, or all of them when id is empty.
func (c *Client) MarkRead(ctx context.Context, userID, id string) error {
	path := "/api/notifications/read"
	if id != "" {
		path = "/api/notifications/" + url.PathEscape(id) + "/read"
	}
	return c.do(ctx, http.MethodPost, path, url.Values{"user": {userID}}, nil, nil)
}

func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) OrderPolicy(ctx context.Context) (ledger.OrderPolicy, error) {
	var resp PolicyResponse
	if err := c.do(ctx, http.MethodGet, "/api/stock/policy", nil, nil, &resp); err != nil {
		return "", err
	}
	return resp.OrderPolicy, nil
}

func (c *Client) SetOrderPolicy(ctx context.Context, p ledger.OrderPolicy) (ledger.OrderPolicy, error) {
	var resp PolicyResponse
	if err := c.do(ctx, http.MethodPut, "/api/stock/policy", nil, PolicyRequest{OrderPolicy: p}, &resp); err != nil {
		return "", err
	}
	return resp.OrderPolicy, nil
}

// Notifications returns a notify.Store backed by the server, so a
// notification center can run in a process without database access.
func (c *Client) Notifications() *NotificationStore {
	return &NotificationStore{c: c}
}

type NotificationStore struct {
	c *Client
}

func (s *NotificationStore) SaveNotification(ctx context.Context, rec model.NotificationRecord) error {
	req := SendNotificationRequest{
		UserID: rec.UserID,
		ID:     rec.ID,
		Input: notify.Input{
			Title:     rec.Title,
			Message:   rec.Message,
			Kind:      notify.Kind(rec.Type),
			ActionURL: rec.ActionURL,
		},
	}
	if len(rec.Data) > 0 && string(rec.Data) != "null" {
		req.Data = json.RawMessage(rec.Data)
	}
	return s.c.do(ctx, http.MethodPost, "/api/notifications", nil, req, nil)
}

func (s *NotificationStore) ListNotifications(ctx context.Context, userID string, limit int) ([]model.NotificationRecord, error) {
	resp, err := s.c.ListNotifications(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	recs := make([]model.NotificationRecord, 0, len(resp.Notifications))
	for _, n := range resp.Notifications {
		recs = append(recs, n.Record(userID))
	}
	return recs, nil
}

func (s *NotificationStore) MarkNotificationRead(ctx context.Context, userID, id string) error {
	return s.c.MarkRead(ctx, userID, id)
}

func (s *NotificationStore) MarkAllNotificationsRead(ctx context.Context, userID string) error {
	return s.c.MarkRead(ctx, userID, "")
}

func (s *NotificationStore) DeleteNotification(ctx context.Context, userID, id string) error {
	return s.c.do(ctx, http.MethodDelete, "/api/notifications/"+url.PathEscape(id), url.Values{"user": {userID}}, nil, nil)
}

func (s *NotificationStore) DeleteAllNotifications(ctx context.Context, userID string) error {
	return s.c.do(ctx, http.MethodDelete, "/api/notifications", url.Values{"user": {userID}}, nil, nil)
}
