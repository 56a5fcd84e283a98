// Package model holds the records shared by the store, the ledger, the
// notification center and the realtime server.
package model

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx/types"
)

// Item is a sellable product of one shop. Stock is only ever changed through
// the ledger.
type Item struct {
	ID        string    `db:"id" json:"id"`
	ShopID    string    `db:"shop_id" json:"shopId"`
	Name      string    `db:"name" json:"name"`
	Stock     int64     `db:"stock" json:"stock"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// StockHistoryEntry is one append-only audit row. NewStock equals the item's
// stock right after the write it describes.
type StockHistoryEntry struct {
	ID        string    `db:"id" json:"id"`
	ItemID    string    `db:"item_id" json:"itemId"`
	ShopID    string    `db:"shop_id" json:"shopId"`
	Change    int64     `db:"change" json:"change"`
	NewStock  int64     `db:"new_stock" json:"newStock"`
	Reason    string    `db:"reason" json:"reason"`
	ChangedBy string    `db:"changed_by" json:"changedBy"`
	Timestamp time.Time `db:"created_at" json:"timestamp"`
}

// OrderLine requests Quantity units of ProductID.
type OrderLine struct {
	ProductID string `db:"product_id" json:"productId"`
	Quantity  int64  `db:"quantity" json:"quantity"`
}

// Order references a shop and, optionally, the lines that deduct stock.
type Order struct {
	ID        string      `db:"id" json:"id"`
	ShopID    string      `db:"shop_id" json:"shopId"`
	Status    string      `db:"status" json:"status"`
	CreatedBy string      `db:"created_by" json:"createdBy"`
	CreatedAt time.Time   `db:"created_at" json:"createdAt"`
	Lines     []OrderLine `db:"-" json:"lines,omitempty"`
}

// NotificationRecord is the persisted notification row, field names as
// stored. CreatedAt is epoch milliseconds.
type NotificationRecord struct {
	ID        string         `db:"id" json:"id"`
	UserID    string         `db:"user_id" json:"user_id"`
	Title     string         `db:"title" json:"title"`
	Message   string         `db:"message" json:"message"`
	Type      string         `db:"type" json:"type"`
	IsRead    bool           `db:"is_read" json:"is_read"`
	ActionURL string         `db:"action_url" json:"action_url,omitempty"`
	Data      types.JSONText `db:"data" json:"data,omitempty"`
	CreatedAt int64          `db:"created_at" json:"created_at"`
}

// Change operations emitted by the store.
type ChangeOp string

const (
	OpInsert ChangeOp = "INSERT"
	OpUpdate ChangeOp = "UPDATE"
	OpDelete ChangeOp = "DELETE"
)

// Tables that produce change events.
const (
	TableItems         = "items"
	TableStockHistory  = "stock_history"
	TableOrders        = "orders"
	TableNotifications = "notifications"
)

// ChangeEvent is one row-level change published after a successful write.
// ShopID and UserID are the routing keys used by subscribers; Record is the
// JSON encoding of the new row (the old row for deletes).
type ChangeEvent struct {
	Table  string          `json:"table"`
	Op     ChangeOp        `json:"op"`
	ShopID string          `json:"shopId,omitempty"`
	UserID string          `json:"userId,omitempty"`
	Record json.RawMessage `json:"record"`
	At     time.Time       `json:"at"`
}

// NewChangeEvent encodes record and stamps the event.
func NewChangeEvent(table string, op ChangeOp, shopID, userID string, record any) (ChangeEvent, error) {
	raw, err := json.Marshal(record)
	if err != nil {
		return ChangeEvent{}, err
	}
	return ChangeEvent{
		Table:  table,
		Op:     op,
		ShopID: shopID,
		UserID: userID,
		Record: raw,
		At:     time.Now().UTC(),
	}, nil
}

var (
	// ErrNotFound is returned by stores when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when an insert collides with an existing id.
	ErrAlreadyExists = errors.New("already exists")
)
