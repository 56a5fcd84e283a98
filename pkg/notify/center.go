// Package notify keeps a user's notification list: a capped, newest-first,
// duplicate-free cache of the notifications table, reconciled with the
// table's push stream and fanned out to local subscribers.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rubiojr/shopsync/pkg/log"
	"github.com/rubiojr/shopsync/pkg/metrics"
	"github.com/rubiojr/shopsync/pkg/model"
)

const DefaultLimit = 100

var (
	ErrInvalidKind  = errors.New("invalid notification kind")
	ErrUnknownID    = errors.New("unknown notification id")
	ErrMissingTitle = errors.New("notification title is required")
)

// Store is the backing table. storage.Store implements it.
type Store interface {
	SaveNotification(ctx context.Context, rec model.NotificationRecord) error
	ListNotifications(ctx context.Context, userID string, limit int) ([]model.NotificationRecord, error)
	MarkNotificationRead(ctx context.Context, userID, id string) error
	MarkAllNotificationsRead(ctx context.Context, userID string) error
	DeleteNotification(ctx context.Context, userID, id string) error
	DeleteAllNotifications(ctx context.Context, userID string) error
}

// PushSource streams row changes of the notifications table for one user.
// The channel is closed once ctx is done.
type PushSource interface {
	SubscribeNotifications(ctx context.Context, userID string) (<-chan model.ChangeEvent, error)
}

// Outcome separates the local effect of a mutation from its durability.
// Applied reports the in-memory list changed; Persisted reports the store
// accepted the change. Err holds the store error when Persisted is false.
type Outcome struct {
	Applied   bool
	Persisted bool
	Err       error
}

type Options struct {
	UserID  string
	Store   Store
	Push    PushSource
	Limit   int
	Metrics *metrics.Registry
	Now     func() time.Time
	NewID   func(now time.Time) string
}

// NewID returns notif_<unix ms>_<random>.
func NewID(now time.Time) string {
	return fmt.Sprintf("notif_%d_%s", now.UnixMilli(), uuid.New().String()[:8])
}

type Center struct {
	opts    Options
	logger  *log.Logger
	metrics *metrics.Registry

	mu       sync.Mutex
	list     []Notification
	handlers map[uint64]func(Notification)
	nextSub  uint64

	pushMu     sync.Mutex
	pushCancel context.CancelFunc
	pushDone   chan struct{}
}

func New(opts Options) *Center {
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = NewID
	}
	return &Center{
		opts:     opts,
		logger:   log.ForService("notify"),
		metrics:  metrics.OrNew(opts.Metrics),
		handlers: make(map[uint64]func(Notification)),
	}
}

func (c *Center) UserID() string { return c.opts.UserID }

// Build validates in and turns it into a notification stamped with now.
// An empty kind reads as info.
func Build(in Input, now time.Time, newID func(time.Time) string) (Notification, error) {
	if in.Title == "" {
		return Notification{}, ErrMissingTitle
	}
	if in.Kind == "" {
		in.Kind = KindInfo
	}
	if !in.Kind.Valid() {
		return Notification{}, fmt.Errorf("%w: %q", ErrInvalidKind, in.Kind)
	}
	if newID == nil {
		newID = NewID
	}
	n := Notification{
		ID:        newID(now),
		Title:     in.Title,
		Message:   in.Message,
		Kind:      in.Kind,
		CreatedAt: now.UTC(),
		ActionURL: in.ActionURL,
	}
	if in.Data != nil {
		raw, err := json.Marshal(in.Data)
		if err != nil {
			return Notification{}, fmt.Errorf("encoding notification data: %w", err)
		}
		n.Data = raw
	}
	return n, nil
}

// Add creates a notification, delivers it to subscribers and then tries to
// persist it. A store failure leaves the notification in the list and is
// reported in the Outcome.
func (c *Center) Add(ctx context.Context, in Input) (Notification, Outcome) {
	n, err := Build(in, c.opts.Now(), c.opts.NewID)
	if err != nil {
		return Notification{}, Outcome{Err: err}
	}

	out := Outcome{Applied: c.insert(n, "local")}
	out.Persisted, out.Err = c.persist("save "+n.ID, func() error {
		return c.opts.Store.SaveNotification(ctx, n.Record(c.opts.UserID))
	})
	return n, out
}

// Subscribe registers fn for every notification inserted into the list. The
// returned function unregisters it and may be called any number of times.
func (c *Center) Subscribe(fn func(Notification)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.handlers[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.handlers, id)
			c.mu.Unlock()
		})
	}
}

// MarkAsRead marks one notification read locally, then in the store.
func (c *Center) MarkAsRead(ctx context.Context, id string) Outcome {
	c.mu.Lock()
	applied := false
	for i := range c.list {
		if c.list[i].ID == id {
			c.list[i].Read = true
			applied = true
			break
		}
	}
	c.mu.Unlock()

	out := Outcome{Applied: applied}
	out.Persisted, out.Err = c.persist("mark read "+id, func() error {
		return c.opts.Store.MarkNotificationRead(ctx, c.opts.UserID, id)
	})
	if !applied && out.Err == nil {
		out.Err = fmt.Errorf("%w: %s", ErrUnknownID, id)
	}
	return out
}

func (c *Center) MarkAllAsRead(ctx context.Context) Outcome {
	c.mu.Lock()
	for i := range c.list {
		c.list[i].Read = true
	}
	c.mu.Unlock()

	out := Outcome{Applied: true}
	out.Persisted, out.Err = c.persist("mark all read", func() error {
		return c.opts.Store.MarkAllNotificationsRead(ctx, c.opts.UserID)
	})
	return out
}

// Clear removes one notification locally and from the store.
func (c *Center) Clear(ctx context.Context, id string) Outcome {
	out := Outcome{Applied: c.remove(id)}
	out.Persisted, out.Err = c.persist("delete "+id, func() error {
		return c.opts.Store.DeleteNotification(ctx, c.opts.UserID, id)
	})
	return out
}

func (c *Center) ClearAll(ctx context.Context) Outcome {
	c.mu.Lock()
	c.list = nil
	c.mu.Unlock()
	c.metrics.NotificationsCached.Set(0)

	out := Outcome{Applied: true}
	out.Persisted, out.Err = c.persist("delete all", func() error {
		return c.opts.Store.DeleteAllNotifications(ctx, c.opts.UserID)
	})
	return out
}

// Notifications returns a copy of the list, newest first.
func (c *Center) Notifications() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Notification, len(c.list))
	copy(out, c.list)
	return out
}

func (c *Center) UnreadCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, item := range c.list {
		if !item.Read {
			n++
		}
	}
	return n
}

// Load replaces the list with the newest notifications of the user and
// starts following the push stream. On a store error the list is left
// empty and the error returned; the push subscription is still opened.
func (c *Center) Load(ctx context.Context) error {
	var loadErr error
	var list []Notification
	if c.opts.Store != nil {
		recs, err := c.opts.Store.ListNotifications(ctx, c.opts.UserID, c.opts.Limit)
		if err != nil {
			c.logger.Errorf("loading notifications of %s: %v", c.opts.UserID, err)
			loadErr = fmt.Errorf("loading notifications: %w", err)
		} else {
			list = make([]Notification, 0, len(recs))
			seen := make(map[string]bool, len(recs))
			for _, rec := range recs {
				if seen[rec.ID] {
					continue
				}
				seen[rec.ID] = true
				list = append(list, FromRecord(rec))
			}
			if len(list) > c.opts.Limit {
				list = list[:c.opts.Limit]
			}
		}
	}

	c.mu.Lock()
	c.list = list
	c.mu.Unlock()
	c.metrics.NotificationsCached.Set(float64(len(list)))

	if err := c.follow(); err != nil {
		c.logger.Errorf("subscribing to notification changes: %v", err)
		return errors.Join(loadErr, err)
	}
	return loadErr
}

// Shutdown stops the push subscription. The list stays readable.
func (c *Center) Shutdown() {
	c.pushMu.Lock()
	defer c.pushMu.Unlock()
	c.stopFollowingLocked()
}

func (c *Center) follow() error {
	if c.opts.Push == nil {
		return nil
	}
	c.pushMu.Lock()
	defer c.pushMu.Unlock()
	c.stopFollowingLocked()

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := c.opts.Push.SubscribeNotifications(ctx, c.opts.UserID)
	if err != nil {
		cancel()
		return err
	}
	done := make(chan struct{})
	c.pushCancel = cancel
	c.pushDone = done
	go func() {
		defer close(done)
		for evt := range ch {
			c.Apply(evt)
		}
	}()
	return nil
}

func (c *Center) stopFollowingLocked() {
	if c.pushCancel == nil {
		return
	}
	c.pushCancel()
	<-c.pushDone
	c.pushCancel = nil
	c.pushDone = nil
}

// Apply reconciles one pushed row change with the list, by id.
func (c *Center) Apply(evt model.ChangeEvent) {
	if evt.Table != model.TableNotifications {
		return
	}
	if evt.UserID != "" && evt.UserID != c.opts.UserID {
		return
	}
	var rec model.NotificationRecord
	if err := json.Unmarshal(evt.Record, &rec); err != nil {
		c.logger.Warnf("dropping %s notification change: %v", evt.Op, err)
		return
	}
	if rec.ID == "" {
		c.logger.Warnf("dropping %s notification change without id", evt.Op)
		return
	}

	switch evt.Op {
	case model.OpInsert:
		c.insert(FromRecord(rec), "remote")
	case model.OpUpdate:
		c.mu.Lock()
		for i := range c.list {
			if c.list[i].ID == rec.ID {
				c.list[i].Read = rec.IsRead
				break
			}
		}
		c.mu.Unlock()
	case model.OpDelete:
		c.remove(rec.ID)
	default:
		c.logger.Warnf("unknown change op %q", evt.Op)
	}
}

// insert prepends n unless its id is already listed, trims to the limit and
// notifies subscribers. It reports whether n was added.
func (c *Center) insert(n Notification, origin string) bool {
	c.mu.Lock()
	for _, existing := range c.list {
		if existing.ID == n.ID {
			c.mu.Unlock()
			return false
		}
	}
	list := make([]Notification, 0, min(len(c.list)+1, c.opts.Limit))
	list = append(list, n)
	for _, existing := range c.list {
		if len(list) == c.opts.Limit {
			break
		}
		list = append(list, existing)
	}
	c.list = list
	size := len(list)
	handlers := make([]func(Notification), 0, len(c.handlers))
	for _, h := range c.handlers {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	c.metrics.NotificationsAdded.WithLabelValues(origin).Inc()
	c.metrics.NotificationsCached.Set(float64(size))
	for _, h := range handlers {
		c.deliver(h, n)
	}
	return true
}

func (c *Center) deliver(h func(Notification), n Notification) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Errorf("notification handler panicked on %s: %v", n.ID, r)
		}
	}()
	h(n)
}

func (c *Center) remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.list {
		if c.list[i].ID == id {
			c.list = append(c.list[:i], c.list[i+1:]...)
			c.metrics.NotificationsCached.Set(float64(len(c.list)))
			return true
		}
	}
	return false
}

// persist runs a best-effort store call. Failures are logged and counted.
func (c *Center) persist(what string, fn func() error) (bool, error) {
	if c.opts.Store == nil {
		return false, nil
	}
	if err := fn(); err != nil {
		c.metrics.NotificationPersistErr.Inc()
		c.logger.Warnf("%s for %s: %v", what, c.opts.UserID, err)
		return false, err
	}
	return true, nil
}
