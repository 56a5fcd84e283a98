package realtime

import "github.com/rubiojr/shopsync/pkg/model"

// EventName is the closed set of events carried over the channel.
type EventName string

// Domain events pushed by the server.
const (
	EventMessageNew                EventName = "message:new"
	EventConversationUpdate        EventName = "conversation:update"
	EventOrderUpdate               EventName = "order:update"
	EventNotification              EventName = "notification"
	EventConversationCreated       EventName = "conversation:created"
	EventConversationUpdated       EventName = "conversation:updated"
	EventConversationStatusChanged EventName = "conversation:statusChanged"
	EventConversationMessage       EventName = "conversation:message"
	EventConversationDeleted       EventName = "conversation:deleted"
	EventMessageDeleted            EventName = "message:deleted"
	EventStockUpdate               EventName = "stock:update"
)

// Client signals.
const (
	EventShopJoin          EventName = "shop:join"
	EventShopLeave         EventName = "shop:leave"
	EventConversationJoin  EventName = "conversation:join"
	EventConversationLeave EventName = "conversation:leave"
	EventPing              EventName = "ping"
	EventPong              EventName = "pong"
)

// Local lifecycle events, emitted by Conn and never sent over the wire.
const (
	EventConnected            EventName = "connected"
	EventDisconnected         EventName = "disconnected"
	EventMaxReconnectAttempts EventName = "max_reconnect_attempts"
)

type eventKind int

const (
	kindServer eventKind = iota
	kindClient
	kindLocal
)

var events = map[EventName]eventKind{
	EventMessageNew:                kindServer,
	EventConversationUpdate:        kindServer,
	EventOrderUpdate:               kindServer,
	EventNotification:              kindServer,
	EventConversationCreated:       kindServer,
	EventConversationUpdated:       kindServer,
	EventConversationStatusChanged: kindServer,
	EventConversationMessage:       kindServer,
	EventConversationDeleted:       kindServer,
	EventMessageDeleted:            kindServer,
	EventStockUpdate:               kindServer,
	EventPong:                      kindServer,

	EventShopJoin:          kindClient,
	EventShopLeave:         kindClient,
	EventConversationJoin:  kindClient,
	EventConversationLeave: kindClient,
	EventPing:              kindClient,

	EventConnected:            kindLocal,
	EventDisconnected:         kindLocal,
	EventMaxReconnectAttempts: kindLocal,
}

// Known reports whether e is one of the declared events.
func (e EventName) Known() bool {
	_, ok := events[e]
	return ok
}

// Local reports whether e is a lifecycle event that never crosses the wire.
func (e EventName) Local() bool {
	k, ok := events[e]
	return ok && k == kindLocal
}

// ClientSignal reports whether e is sent by clients to the server.
func (e EventName) ClientSignal() bool {
	k, ok := events[e]
	return ok && k == kindClient
}

// Events returns every declared event name.
func Events() []EventName {
	out := make([]EventName, 0, len(events))
	for e := range events {
		out = append(out, e)
	}
	return out
}

// Payloads.

// ShopRoom is the payload of shop:join and shop:leave.
type ShopRoom struct {
	ShopID string `json:"shopId"`
}

// ConversationRoom is the payload of conversation:join and conversation:leave.
type ConversationRoom struct {
	ConversationID string `json:"conversationId"`
}

// StockUpdate is pushed to a shop room after every ledger write.
type StockUpdate struct {
	ItemID   string `json:"id"`
	ShopID   string `json:"shopId"`
	Stock    int64  `json:"stock"`
	Previous int64  `json:"previous"`
}

// OrderUpdate is pushed to a shop room when an order is created or changes status.
type OrderUpdate = model.Order

// NotificationPush carries a row change of the notifications table.
type NotificationPush = model.ChangeEvent

// Disconnected is the payload of the local disconnected event.
type Disconnected struct {
	Error      string  `json:"error"`
	Attempt    int     `json:"attempt"`
	RetryInSec float64 `json:"retryInSec"`
}

// ReconnectExhausted is the payload of the terminal max_reconnect_attempts event.
type ReconnectExhausted struct {
	Attempts int `json:"attempts"`
}
