package api

import (
	"net/http"
)

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	// Realtime channel
	mux.HandleFunc("GET /ws", s.HandleWebSocket)

	// Items and stock
	mux.HandleFunc("GET /api/items", s.HandleListItems)
	mux.HandleFunc("POST /api/items", s.HandleCreateItem)
	mux.HandleFunc("POST /api/stock/adjust", s.HandleAdjustStock)
	mux.HandleFunc("POST /api/stock/set", s.HandleSetStock)
	mux.HandleFunc("GET /api/stock/history", s.HandleStockHistory)
	mux.HandleFunc("GET /api/stock/policy", s.HandleGetPolicy)
	mux.HandleFunc("PUT /api/stock/policy", s.HandleSetPolicy)

	// Orders
	mux.HandleFunc("POST /api/orders", s.HandleCreateOrder)
	mux.HandleFunc("GET /api/orders/{id}", s.HandleGetOrder)
	mux.HandleFunc("POST /api/orders/{id}/return", s.HandleReturnOrder)

	// Notifications
	mux.HandleFunc("GET /api/notifications", s.HandleListNotifications)
	mux.HandleFunc("POST /api/notifications", s.HandleSendNotification)
	mux.HandleFunc("POST /api/notifications/read", s.HandleMarkAllRead)
	mux.HandleFunc("POST /api/notifications/{id}/read", s.HandleMarkRead)
	mux.HandleFunc("DELETE /api/notifications", s.HandleClearNotifications)
	mux.HandleFunc("DELETE /api/notifications/{id}", s.HandleDeleteNotification)

	if s.exposeMetrics {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	mux.HandleFunc("GET /health", s.HandleHealth)
}
