package api

import (
	"context"
	"encoding/json"

	"github.com/rubiojr/shopsync/pkg/hub"
	"github.com/rubiojr/shopsync/pkg/model"
	"github.com/rubiojr/shopsync/pkg/realtime"
)

// Bridge forwards store changes to hub rooms until ctx is done:
//
//	items UPDATE/INSERT  -> stock:update  to shop:<shopId>
//	orders INSERT/UPDATE -> order:update  to shop:<shopId>
//	notifications *      -> notification to user:<userId>
//
// Stock history rows are not forwarded; stock:update already carries the
// new value.
func (s *Server) Bridge(ctx context.Context) {
	ch := s.store.Feed().SubscribeContext(ctx, func(evt model.ChangeEvent) bool {
		return evt.Table != model.TableStockHistory
	})
	for evt := range ch {
		s.forward(evt)
	}
}

func (s *Server) forward(evt model.ChangeEvent) {
	var (
		room  string
		event realtime.EventName
		data  any
	)
	switch evt.Table {
	case model.TableItems:
		var upd realtime.StockUpdate
		if err := json.Unmarshal(evt.Record, &upd); err != nil {
			s.logger.Warnf("dropping item change: %v", err)
			return
		}
		room, event, data = hub.ShopRoom(evt.ShopID), realtime.EventStockUpdate, upd
	case model.TableOrders:
		room, event, data = hub.ShopRoom(evt.ShopID), realtime.EventOrderUpdate, evt.Record
	case model.TableNotifications:
		if evt.UserID == "" {
			return
		}
		room, event, data = hub.UserRoom(evt.UserID), realtime.EventNotification, evt
	default:
		return
	}

	msg, err := s.encodeFrame(event, data)
	if err != nil {
		s.logger.Errorf("encoding %s: %v", event, err)
		return
	}
	delivered, dropped := s.hub.Broadcast(room, msg)
	if dropped > 0 {
		s.logger.Warnf("%s to %s dropped by %d slow sessions", event, room, dropped)
	}
	s.logger.Debugf("%s to %s delivered to %d sessions", event, room, delivered)
}
