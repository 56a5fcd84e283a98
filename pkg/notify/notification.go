package notify

import (
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/rubiojr/shopsync/pkg/model"
)

type Kind string

const (
	KindInfo    Kind = "info"
	KindSuccess Kind = "success"
	KindWarning Kind = "warning"
	KindError   Kind = "error"
)

func (k Kind) Valid() bool {
	switch k {
	case KindInfo, KindSuccess, KindWarning, KindError:
		return true
	}
	return false
}

// Notification is the client-side view of a notification record.
type Notification struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	Message   string          `json:"message"`
	Kind      Kind            `json:"kind"`
	CreatedAt time.Time       `json:"createdAt"`
	Read      bool            `json:"read"`
	ActionURL string          `json:"actionUrl,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Input is what callers provide to Add. Data is encoded as JSON.
type Input struct {
	Title     string `json:"title"`
	Message   string `json:"message"`
	Kind      Kind   `json:"kind"`
	ActionURL string `json:"actionUrl,omitempty"`
	Data      any    `json:"data,omitempty"`
}

// FromRecord maps a stored row: type to Kind, is_read to Read and the
// epoch-millisecond created_at to CreatedAt. Unknown types read as info.
func FromRecord(rec model.NotificationRecord) Notification {
	kind := Kind(rec.Type)
	if !kind.Valid() {
		kind = KindInfo
	}
	n := Notification{
		ID:        rec.ID,
		Title:     rec.Title,
		Message:   rec.Message,
		Kind:      kind,
		CreatedAt: time.UnixMilli(rec.CreatedAt).UTC(),
		Read:      rec.IsRead,
		ActionURL: rec.ActionURL,
	}
	if len(rec.Data) > 0 && string(rec.Data) != "null" {
		n.Data = json.RawMessage(rec.Data)
	}
	return n
}

// Record is the inverse of FromRecord for the given owner.
func (n Notification) Record(userID string) model.NotificationRecord {
	rec := model.NotificationRecord{
		ID:        n.ID,
		UserID:    userID,
		Title:     n.Title,
		Message:   n.Message,
		Type:      string(n.Kind),
		IsRead:    n.Read,
		ActionURL: n.ActionURL,
		CreatedAt: n.CreatedAt.UnixMilli(),
	}
	if len(n.Data) > 0 {
		rec.Data = types.JSONText(n.Data)
	}
	return rec
}
