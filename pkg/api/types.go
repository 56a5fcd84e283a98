package api

import (
	"time"

	"github.com/rubiojr/shopsync/pkg/ledger"
	"github.com/rubiojr/shopsync/pkg/model"
	"github.com/rubiojr/shopsync/pkg/notify"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	// Set for insufficient stock.
	ItemID  string `json:"itemId,omitempty"`
	Current *int64 `json:"current,omitempty"`
	Delta   *int64 `json:"delta,omitempty"`
}

type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
	Sessions  int       `json:"sessions"`
}

type CreateItemRequest struct {
	ID     string `json:"id,omitempty"`
	ShopID string `json:"shopId"`
	Name   string `json:"name"`
	// Stock is applied through the ledger so it shows up in the history.
	Stock   int64  `json:"stock"`
	ActorID string `json:"actorId,omitempty"`
}

type ListItemsResponse struct {
	ShopID string       `json:"shopId"`
	Items  []model.Item `json:"items"`
	Count  int          `json:"count"`
}

type SetStockRequest struct {
	ItemID  string `json:"itemId"`
	ShopID  string `json:"shopId"`
	Stock   int64  `json:"stock"`
	Reason  string `json:"reason"`
	ActorID string `json:"actorId,omitempty"`
}

// StockResponse carries an applied mutation. Warning is set when the stock
// was written but its history row was not.
type StockResponse struct {
	Result  ledger.Result `json:"result"`
	Warning string        `json:"warning,omitempty"`
}

type HistoryResponse struct {
	ShopID  string                    `json:"shopId"`
	ItemID  string                    `json:"itemId"`
	Entries []model.StockHistoryEntry `json:"entries"`
	Count   int                       `json:"count"`
}

type CreateOrderRequest struct {
	ID        string            `json:"id,omitempty"`
	ShopID    string            `json:"shopId"`
	CreatedBy string            `json:"createdBy,omitempty"`
	Lines     []model.OrderLine `json:"lines"`
}

type OrderResponse struct {
	Order   model.Order     `json:"order"`
	Results []ledger.Result `json:"results,omitempty"`
}

type ReturnOrderRequest struct {
	ActorID string `json:"actorId,omitempty"`
	// Lines defaults to every unit of the order not yet returned.
	Lines []model.OrderLine `json:"lines,omitempty"`
}

type PolicyRequest struct {
	OrderPolicy ledger.OrderPolicy `json:"orderPolicy"`
}

type PolicyResponse struct {
	OrderPolicy ledger.OrderPolicy `json:"orderPolicy"`
}

type SendNotificationRequest struct {
	UserID string `json:"userId"`
	// ID lets clients that already listed the notification locally keep
	// their id. The server generates one when empty.
	ID string `json:"id,omitempty"`
	notify.Input
}

type ListNotificationsResponse struct {
	UserID        string                `json:"userId"`
	Notifications []notify.Notification `json:"notifications"`
	Count         int                   `json:"count"`
	Unread        int                   `json:"unread"`
}
