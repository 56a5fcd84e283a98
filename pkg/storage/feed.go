package storage

import (
	"context"
	"sync"

	"github.com/rubiojr/shopsync/pkg/model"
)

// Filter selects the change events a subscriber wants. A nil filter
// receives everything.
type Filter func(model.ChangeEvent) bool

// Feed is the store's change stream: every committed write is published to
// all subscribers whose filter matches. Each subscriber has its own buffered
// channel; when it is full the event is dropped for that subscriber only, so
// a stalled consumer never blocks a write.
//
// Events are not persisted or replayed. Consumers that reconnect reload
// authoritative state from the store.
type Feed struct {
	mu      sync.RWMutex
	subs    map[uint64]*feedSub
	nextID  uint64
	bufSize int
}

type feedSub struct {
	ch     chan model.ChangeEvent
	filter Filter
}

// NewFeed constructs a feed with the given per-subscriber buffer size.
// If bufSize <= 0, a default of 64 is used.
func NewFeed(bufSize int) *Feed {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Feed{
		subs:    make(map[uint64]*feedSub),
		bufSize: bufSize,
	}
}

// Subscribe registers a subscriber. Callers must Unsubscribe(id) to release it.
func (f *Feed) Subscribe(filter Filter) (uint64, <-chan model.ChangeEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	ch := make(chan model.ChangeEvent, f.bufSize)
	f.subs[id] = &feedSub{ch: ch, filter: filter}
	return id, ch
}

// SubscribeContext is Subscribe bound to ctx: the subscription is released
// and the channel closed when ctx is done.
func (f *Feed) SubscribeContext(ctx context.Context, filter Filter) <-chan model.ChangeEvent {
	id, ch := f.Subscribe(filter)
	go func() {
		<-ctx.Done()
		f.Unsubscribe(id)
	}()
	return ch
}

// SubscribeNotifications streams notification row changes for one user.
func (f *Feed) SubscribeNotifications(ctx context.Context, userID string) (<-chan model.ChangeEvent, error) {
	return f.SubscribeContext(ctx, func(evt model.ChangeEvent) bool {
		return evt.Table == model.TableNotifications && evt.UserID == userID
	}), nil
}

// Unsubscribe removes the subscriber and closes its channel. Unknown ids are
// ignored, so it is safe to call more than once.
func (f *Feed) Unsubscribe(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sub, ok := f.subs[id]; ok {
		delete(f.subs, id)
		close(sub.ch)
	}
}

// Publish delivers evt to every matching subscriber and returns how many
// subscribers dropped it.
func (f *Feed) Publish(evt model.ChangeEvent) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	dropped := 0
	for _, sub := range f.subs {
		if sub.filter != nil && !sub.filter(evt) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			dropped++
		}
	}
	return dropped
}

// Size returns the number of active subscribers.
func (f *Feed) Size() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}
