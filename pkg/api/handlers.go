package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rubiojr/shopsync/pkg/ledger"
	"github.com/rubiojr/shopsync/pkg/model"
	"github.com/rubiojr/shopsync/pkg/notify"
	"github.com/rubiojr/shopsync/pkg/version"
)

// Order statuses written by the server.
const (
	OrderPending   = "pending"
	OrderFulfilled = "fulfilled"
	OrderRejected  = "rejected"
	OrderReturned  = "returned"
)

// InitialStockReason is the history reason of the stock an item is created with.
const InitialStockReason = "Initial stock"

// actor returns the bearer token of the request, the explicit value when
// set, or the server default.
func (s *Server) actor(r *http.Request, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if token := bearerToken(r); token != "" {
		return token
	}
	return s.defaultActor
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// userID resolves the owner of notification requests: the user query
// parameter, then the bearer token.
func userID(r *http.Request) string {
	if u := r.URL.Query().Get("user"); u != "" {
		return u
	}
	return bearerToken(r)
}

func queryLimit(r *http.Request, def int) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("limit must be a non-negative integer, got %q", v)
	}
	return n, nil
}

// Items ----------------------------------------------------------------------

func (s *Server) HandleCreateItem(w http.ResponseWriter, r *http.Request) {
	var req CreateItemRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid body", err.Error())
		return
	}
	if req.ShopID == "" || req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "Invalid request", "shopId and name are required")
		return
	}
	if req.Stock < 0 {
		s.writeError(w, http.StatusBadRequest, "Invalid request", "stock must not be negative")
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	ctx := r.Context()
	item, err := s.store.CreateItem(ctx, model.Item{ID: req.ID, ShopID: req.ShopID, Name: req.Name})
	if err != nil {
		s.writeDomainError(w, "Create item", err)
		return
	}
	if req.Stock > 0 {
		res, err := s.ledger.Adjust(ctx, ledger.Adjustment{
			ItemID:  item.ID,
			ShopID:  item.ShopID,
			Delta:   req.Stock,
			Reason:  InitialStockReason,
			ActorID: s.actor(r, req.ActorID),
		})
		if err != nil && !errors.Is(err, ledger.ErrHistoryNotRecorded) {
			s.writeDomainError(w, "Initial stock", err)
			return
		}
		item.Stock = res.NewStock
	}

	s.writeJSON(w, http.StatusCreated, item)
}

func (s *Server) HandleListItems(w http.ResponseWriter, r *http.Request) {
	shopID := r.URL.Query().Get("shop")
	if shopID == "" {
		s.writeError(w, http.StatusBadRequest, "Missing shop parameter", "Query parameter 'shop' is required")
		return
	}
	items, err := s.store.ListItems(r.Context(), shopID)
	if err != nil {
		s.writeDomainError(w, "List items", err)
		return
	}
	s.writeJSON(w, http.StatusOK, ListItemsResponse{ShopID: shopID, Items: items, Count: len(items)})
}

// Stock ----------------------------------------------------------------------

func (s *Server) HandleAdjustStock(w http.ResponseWriter, r *http.Request) {
	var adj ledger.Adjustment
	if err := decodeBody(w, r, &adj); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid body", err.Error())
		return
	}
	adj.ActorID = s.actor(r, adj.ActorID)

	res, err := s.ledger.Adjust(r.Context(), adj)
	s.writeStockResult(w, "Adjust stock", res, err)
}

func (s *Server) HandleSetStock(w http.ResponseWriter, r *http.Request) {
	var req SetStockRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid body", err.Error())
		return
	}

	res, err := s.ledger.SetStock(r.Context(), req.ShopID, req.ItemID, req.Stock, req.Reason, s.actor(r, req.ActorID))
	s.writeStockResult(w, "Set stock", res, err)
}

func (s *Server) writeStockResult(w http.ResponseWriter, what string, res ledger.Result, err error) {
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, StockResponse{Result: res})
	case errors.Is(err, ledger.ErrHistoryNotRecorded):
		s.writeJSON(w, http.StatusOK, StockResponse{Result: res, Warning: err.Error()})
	default:
		s.writeDomainError(w, what, err)
	}
}

func (s *Server) HandleStockHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	shopID, itemID := q.Get("shop"), q.Get("item")
	if shopID == "" || itemID == "" {
		s.writeError(w, http.StatusBadRequest, "Missing parameters", "Query parameters 'shop' and 'item' are required")
		return
	}
	limit, err := queryLimit(r, 0)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid limit", err.Error())
		return
	}

	entries, err := s.store.History(r.Context(), shopID, itemID, limit)
	if err != nil {
		s.writeDomainError(w, "Stock history", err)
		return
	}
	s.writeJSON(w, http.StatusOK, HistoryResponse{ShopID: shopID, ItemID: itemID, Entries: entries, Count: len(entries)})
}

func (s *Server) HandleGetPolicy(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, PolicyResponse{OrderPolicy: s.ledger.OrderPolicy()})
}

func (s *Server) HandleSetPolicy(w http.ResponseWriter, r *http.Request) {
	var req PolicyRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid body", err.Error())
		return
	}
	if err := s.ledger.SetOrderPolicy(req.OrderPolicy); err != nil {
		s.writeDomainError(w, "Set policy", err)
		return
	}
	s.logger.Infof("order policy set to %s", req.OrderPolicy)
	s.writeJSON(w, http.StatusOK, PolicyResponse{OrderPolicy: s.ledger.OrderPolicy()})
}

// Orders ---------------------------------------------------------------------

// HandleCreateOrder stores the order as pending, deducts its lines and marks
// it fulfilled, or rejected when the ledger refuses it.
func (s *Server) HandleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid body", err.Error())
		return
	}
	if req.ShopID == "" {
		s.writeError(w, http.StatusBadRequest, "Invalid request", "shopId is required")
		return
	}
	for _, line := range req.Lines {
		if line.ProductID == "" || line.Quantity <= 0 {
			s.writeError(w, http.StatusBadRequest, "Invalid request",
				fmt.Sprintf("line %q needs a product and a positive quantity", line.ProductID))
			return
		}
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	ctx := r.Context()
	order := model.Order{
		ID:        req.ID,
		ShopID:    req.ShopID,
		Status:    OrderPending,
		CreatedBy: s.actor(r, req.CreatedBy),
		CreatedAt: s.now(),
		Lines:     req.Lines,
	}
	if err := s.store.CreateOrder(ctx, order); err != nil {
		s.writeDomainError(w, "Create order", err)
		return
	}

	results, ferr := s.ledger.FulfillOrder(ctx, order)
	order.Status = OrderFulfilled
	if ferr != nil {
		order.Status = OrderRejected
	}
	if err := s.store.SetOrderStatus(ctx, order.ID, order.Status); err != nil {
		s.logger.Errorf("order %s: recording status %s: %v", order.ID, order.Status, err)
	}
	if ferr != nil {
		s.logger.Warnf("order %s rejected: %v", order.ID, ferr)
		s.writeDomainError(w, "Fulfill order", ferr)
		return
	}

	s.writeJSON(w, http.StatusCreated, OrderResponse{Order: order, Results: results})
}

func (s *Server) HandleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.store.GetOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, "Get order", err)
		return
	}
	s.writeJSON(w, http.StatusOK, OrderResponse{Order: *order})
}

// HandleReturnOrder restocks units of a fulfilled order. The order becomes
// returned once nothing is left to return.
func (s *Server) HandleReturnOrder(w http.ResponseWriter, r *http.Request) {
	var req ReturnOrderRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil {
			s.writeError(w, http.StatusBadRequest, "Invalid body", err.Error())
			return
		}
	}

	ctx := r.Context()
	order, err := s.store.GetOrder(ctx, r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, "Return order", err)
		return
	}
	if order.Status != OrderFulfilled {
		s.writeError(w, http.StatusConflict, "Order not returnable",
			fmt.Sprintf("order %s is %s", order.ID, order.Status))
		return
	}

	results, err := s.ledger.RestockReturn(ctx, *order, req.Lines, s.actor(r, req.ActorID))
	if err != nil {
		s.writeDomainError(w, "Return order", err)
		return
	}
	left, err := s.ledger.Returnable(ctx, *order)
	if err != nil {
		s.logger.Errorf("order %s: reading returnable units: %v", order.ID, err)
	}
	if err == nil && outstanding(left) == 0 {
		if err := s.store.SetOrderStatus(ctx, order.ID, OrderReturned); err != nil {
			s.writeDomainError(w, "Return order", err)
			return
		}
		order.Status = OrderReturned
	}
	s.writeJSON(w, http.StatusOK, OrderResponse{Order: *order, Results: results})
}

func outstanding(left map[string]int64) int64 {
	var n int64
	for _, q := range left {
		n += q
	}
	return n
}

// Notifications --------------------------------------------------------------

func (s *Server) HandleSendNotification(w http.ResponseWriter, r *http.Request) {
	var req SendNotificationRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid body", err.Error())
		return
	}
	if req.UserID == "" {
		s.writeError(w, http.StatusBadRequest, "Invalid request", "userId is required")
		return
	}

	newID := notify.NewID
	if req.ID != "" {
		newID = func(time.Time) string { return req.ID }
	}
	n, err := notify.Build(req.Input, s.now(), newID)
	if err != nil {
		s.writeDomainError(w, "Send notification", err)
		return
	}
	if err := s.store.SaveNotification(r.Context(), n.Record(req.UserID)); err != nil {
		s.writeDomainError(w, "Send notification", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, n)
}

func (s *Server) HandleListNotifications(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		s.writeError(w, http.StatusBadRequest, "Missing user", "Query parameter 'user' or a bearer token is required")
		return
	}
	limit, err := queryLimit(r, notify.DefaultLimit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid limit", err.Error())
		return
	}

	recs, err := s.store.ListNotifications(r.Context(), user, limit)
	if err != nil {
		s.writeDomainError(w, "List notifications", err)
		return
	}
	resp := ListNotificationsResponse{UserID: user, Notifications: make([]notify.Notification, 0, len(recs))}
	for _, rec := range recs {
		n := notify.FromRecord(rec)
		if !n.Read {
			resp.Unread++
		}
		resp.Notifications = append(resp.Notifications, n)
	}
	resp.Count = len(resp.Notifications)
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) HandleMarkRead(w http.ResponseWriter, r *http.Request) {
	s.notificationOp(w, r, "Mark read", func(user string) error {
		return s.store.MarkNotificationRead(r.Context(), user, r.PathValue("id"))
	})
}

func (s *Server) HandleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	s.notificationOp(w, r, "Mark all read", func(user string) error {
		return s.store.MarkAllNotificationsRead(r.Context(), user)
	})
}

func (s *Server) HandleDeleteNotification(w http.ResponseWriter, r *http.Request) {
	s.notificationOp(w, r, "Delete notification", func(user string) error {
		return s.store.DeleteNotification(r.Context(), user, r.PathValue("id"))
	})
}

func (s *Server) HandleClearNotifications(w http.ResponseWriter, r *http.Request) {
	s.notificationOp(w, r, "Clear notifications", func(user string) error {
		return s.store.DeleteAllNotifications(r.Context(), user)
	})
}

func (s *Server) notificationOp(w http.ResponseWriter, r *http.Request, what string, fn func(user string) error) {
	user := userID(r)
	if user == "" {
		s.writeError(w, http.StatusBadRequest, "Missing user", "Query parameter 'user' or a bearer token is required")
		return
	}
	if err := fn(user); err != nil {
		s.writeDomainError(w, what, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	health := HealthResponse{
		Status:    "ok",
		Timestamp: s.now(),
		Version:   version.APIVersion(),
		Sessions:  s.hub.Size(),
	}

	s.writeJSON(w, http.StatusOK, health)
}
