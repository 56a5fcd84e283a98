package notify

import (
	"context"
	"sync"

	"github.com/rubiojr/shopsync/pkg/log"
	"github.com/rubiojr/shopsync/pkg/model"
	"github.com/rubiojr/shopsync/pkg/realtime"
)

// RealtimePush is a PushSource fed by the notification event of a realtime
// router. The server only sends a user's notifications to that user's
// connection; the user filter here guards against shared connections.
type RealtimePush struct {
	router *realtime.Router
	buffer int
	logger *log.Logger
}

func NewRealtimePush(router *realtime.Router) *RealtimePush {
	return &RealtimePush{
		router: router,
		buffer: 64,
		logger: log.ForService("notify").Named("push"),
	}
}

func (p *RealtimePush) SubscribeNotifications(ctx context.Context, userID string) (<-chan model.ChangeEvent, error) {
	ch := make(chan model.ChangeEvent, p.buffer)
	var (
		mu     sync.Mutex
		closed bool
	)
	h := realtime.HandlerFor(func(evt realtime.NotificationPush) {
		if evt.UserID != "" && evt.UserID != userID {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- evt:
		default:
			p.logger.Warnf("dropping %s notification change for %s: consumer is behind", evt.Op, userID)
		}
	})
	if err := p.router.On(realtime.EventNotification, h); err != nil {
		return nil, err
	}

	go func() {
		<-ctx.Done()
		p.router.Off(realtime.EventNotification, h)
		mu.Lock()
		closed = true
		close(ch)
		mu.Unlock()
	}()
	return ch, nil
}
