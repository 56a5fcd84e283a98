package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rubiojr/shopsync/pkg/model"
	"github.com/rubiojr/shopsync/pkg/realtime"
	"github.com/rubiojr/shopsync/pkg/storage"
)

// memStore is an in-memory Store with switchable failures.
type memStore struct {
	mu      sync.Mutex
	recs    map[string]model.NotificationRecord
	failAll error
	failOps map[string]error
	calls   map[string]int
}

func newMemStore() *memStore {
	return &memStore{
		recs:    make(map[string]model.NotificationRecord),
		failOps: make(map[string]error),
		calls:   make(map[string]int),
	}
}

func (m *memStore) fail(op string) error {
	m.calls[op]++
	if m.failAll != nil {
		return m.failAll
	}
	return m.failOps[op]
}

func (m *memStore) SaveNotification(_ context.Context, rec model.NotificationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("save"); err != nil {
		return err
	}
	m.recs[rec.ID] = rec
	return nil
}

func (m *memStore) ListNotifications(_ context.Context, userID string, limit int) ([]model.NotificationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("list"); err != nil {
		return nil, err
	}
	var out []model.NotificationRecord
	for _, r := range m.recs {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	// newest first
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].CreatedAt > out[j-1].CreatedAt; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) MarkNotificationRead(_ context.Context, userID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("read"); err != nil {
		return err
	}
	r, ok := m.recs[id]
	if !ok || r.UserID != userID {
		return model.ErrNotFound
	}
	r.IsRead = true
	m.recs[id] = r
	return nil
}

func (m *memStore) MarkAllNotificationsRead(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("readall"); err != nil {
		return err
	}
	for id, r := range m.recs {
		if r.UserID == userID {
			r.IsRead = true
			m.recs[id] = r
		}
	}
	return nil
}

func (m *memStore) DeleteNotification(_ context.Context, _, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("delete"); err != nil {
		return err
	}
	delete(m.recs, id)
	return nil
}

func (m *memStore) DeleteAllNotifications(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("deleteall"); err != nil {
		return err
	}
	for id, r := range m.recs {
		if r.UserID == userID {
			delete(m.recs, id)
		}
	}
	return nil
}

// chanPush is a PushSource the test feeds by hand.
type chanPush struct {
	ch chan model.ChangeEvent
}

func (p *chanPush) SubscribeNotifications(ctx context.Context, _ string) (<-chan model.ChangeEvent, error) {
	out := make(chan model.ChangeEvent)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-p.ch:
				select {
				case out <- evt:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func change(t *testing.T, op model.ChangeOp, rec model.NotificationRecord) model.ChangeEvent {
	t.Helper()
	evt, err := model.NewChangeEvent(model.TableNotifications, op, "", rec.UserID, rec)
	if err != nil {
		t.Fatalf("change event: %v", err)
	}
	return evt
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// sequentialIDs makes ids deterministic so tests can collide them on purpose.
func sequentialIDs() func(time.Time) string {
	var mu sync.Mutex
	n := 0
	return func(time.Time) string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("n%d", n)
	}
}

func TestAddAssignsFieldsAndNotifies(t *testing.T) {
	store := newMemStore()
	c := New(Options{UserID: "alice", Store: store})

	var got []Notification
	unsubscribe := c.Subscribe(func(n Notification) { got = append(got, n) })
	defer unsubscribe()

	n, out := c.Add(context.Background(), Input{Title: "Order #1", Message: "placed", Kind: KindSuccess, Data: map[string]string{"orderId": "1"}})
	if !out.Applied || !out.Persisted || out.Err != nil {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if n.Read || n.CreatedAt.IsZero() || n.Kind != KindSuccess {
		t.Fatalf("unexpected notification %+v", n)
	}
	var ms int64
	var suffix string
	if _, err := fmt.Sscanf(n.ID, "notif_%d_%s", &ms, &suffix); err != nil || ms != n.CreatedAt.UnixMilli() || suffix == "" {
		t.Fatalf("id %q does not look like notif_<ms>_<random>: %v", n.ID, err)
	}
	if len(got) != 1 || got[0].ID != n.ID {
		t.Fatalf("subscriber received %+v", got)
	}
	if rec := store.recs[n.ID]; rec.UserID != "alice" || rec.Type != "success" || string(rec.Data) != `{"orderId":"1"}` {
		t.Fatalf("unexpected stored record %+v", rec)
	}
	if c.UnreadCount() != 1 {
		t.Fatalf("unread = %d", c.UnreadCount())
	}
}

func TestAddValidatesInput(t *testing.T) {
	c := New(Options{UserID: "alice"})
	if _, out := c.Add(context.Background(), Input{Message: "no title"}); !errors.Is(out.Err, ErrMissingTitle) || out.Applied {
		t.Fatalf("missing title: %+v", out)
	}
	if _, out := c.Add(context.Background(), Input{Title: "x", Kind: "urgent"}); !errors.Is(out.Err, ErrInvalidKind) {
		t.Fatalf("bad kind: %+v", out)
	}
	n, out := c.Add(context.Background(), Input{Title: "x"})
	if n.Kind != KindInfo || !out.Applied || out.Persisted {
		t.Fatalf("default kind or outcome wrong: %+v %+v", n, out)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	c := New(Options{UserID: "alice"})
	calls := 0
	unsubscribe := c.Subscribe(func(Notification) { calls++ })
	other := 0
	c.Subscribe(func(Notification) { other++ })

	unsubscribe()
	unsubscribe()

	c.Add(context.Background(), Input{Title: "hello"})
	if calls != 0 {
		t.Fatalf("unsubscribed handler called %d times", calls)
	}
	if other != 1 {
		t.Fatalf("second unsubscribe removed another handler (calls=%d)", other)
	}
}

func TestPersistFailureKeepsLocalNotification(t *testing.T) {
	store := newMemStore()
	store.failAll = errors.New("store unavailable")
	c := New(Options{UserID: "alice", Store: store})

	n, out := c.Add(context.Background(), Input{Title: "offline"})
	if !out.Applied || out.Persisted || out.Err == nil {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if list := c.Notifications(); len(list) != 1 || list[0].ID != n.ID {
		t.Fatalf("notification not kept locally: %+v", list)
	}

	out = c.MarkAsRead(context.Background(), n.ID)
	if !out.Applied || out.Persisted {
		t.Fatalf("mark read outcome %+v", out)
	}
	if c.UnreadCount() != 0 {
		t.Fatal("local read flag not set after remote failure")
	}

	c.Add(context.Background(), Input{Title: "second"})
	if out := c.MarkAllAsRead(context.Background()); !out.Applied || out.Persisted {
		t.Fatalf("mark all outcome %+v", out)
	}
	if c.UnreadCount() != 0 {
		t.Fatal("mark all did not apply locally")
	}

	if out := c.Clear(context.Background(), n.ID); !out.Applied || out.Persisted {
		t.Fatalf("clear outcome %+v", out)
	}
	if out := c.ClearAll(context.Background()); !out.Applied || out.Persisted {
		t.Fatalf("clear all outcome %+v", out)
	}
	if len(c.Notifications()) != 0 {
		t.Fatal("clear did not apply locally")
	}
}

func TestMarkAsReadUnknownID(t *testing.T) {
	c := New(Options{UserID: "alice"})
	if out := c.MarkAsRead(context.Background(), "missing"); out.Applied || !errors.Is(out.Err, ErrUnknownID) {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestHandlerPanicDoesNotBlockOthers(t *testing.T) {
	c := New(Options{UserID: "alice"})
	c.Subscribe(func(Notification) { panic("bad subscriber") })
	delivered := 0
	c.Subscribe(func(Notification) { delivered++ })

	_, out := c.Add(context.Background(), Input{Title: "hi"})
	if !out.Applied {
		t.Fatalf("outcome %+v", out)
	}
	if delivered != 1 {
		t.Fatalf("healthy subscriber received %d notifications", delivered)
	}
}

func TestCapKeepsNewestHundred(t *testing.T) {
	c := New(Options{UserID: "alice", NewID: sequentialIDs()})
	ctx := context.Background()

	var inserted []string
	for i := 0; i < 150; i++ {
		if i%2 == 0 {
			n, _ := c.Add(ctx, Input{Title: fmt.Sprintf("local %d", i)})
			inserted = append(inserted, n.ID)
			continue
		}
		id := fmt.Sprintf("r%d", i)
		c.Apply(change(t, model.OpInsert, model.NotificationRecord{ID: id, UserID: "alice", Title: "remote", Type: "info", CreatedAt: int64(i)}))
		inserted = append(inserted, id)
	}

	list := c.Notifications()
	if len(list) != 100 {
		t.Fatalf("list length = %d, want 100", len(list))
	}
	for i, n := range list {
		want := inserted[len(inserted)-1-i]
		if n.ID != want {
			t.Fatalf("position %d: %s, want %s", i, n.ID, want)
		}
	}
}

func TestNoDuplicateIDsAcrossLocalAndRemote(t *testing.T) {
	c := New(Options{UserID: "alice", NewID: sequentialIDs()})
	ctx := context.Background()

	delivered := map[string]int{}
	c.Subscribe(func(n Notification) { delivered[n.ID]++ })

	n1, _ := c.Add(ctx, Input{Title: "one"})
	// Echo of the local insert coming back from the store.
	c.Apply(change(t, model.OpInsert, model.NotificationRecord{ID: n1.ID, UserID: "alice", Title: "one", Type: "info"}))
	// Remote insert that a later local add collides with.
	c.Apply(change(t, model.OpInsert, model.NotificationRecord{ID: "n2", UserID: "alice", Title: "remote", Type: "info"}))
	c.Add(ctx, Input{Title: "two"})
	c.Apply(change(t, model.OpInsert, model.NotificationRecord{ID: "n2", UserID: "alice", Title: "remote again", Type: "info"}))

	seen := map[string]bool{}
	for _, n := range c.Notifications() {
		if seen[n.ID] {
			t.Fatalf("duplicate id %s in %+v", n.ID, c.Notifications())
		}
		seen[n.ID] = true
	}
	if len(seen) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(seen))
	}
	for id, n := range delivered {
		if n != 1 {
			t.Fatalf("%s delivered %d times", id, n)
		}
	}
}

func TestApplyUpdateAndDelete(t *testing.T) {
	c := New(Options{UserID: "alice"})
	rec := model.NotificationRecord{ID: "x", UserID: "alice", Title: "t", Type: "warning", CreatedAt: 1700000000000}
	c.Apply(change(t, model.OpInsert, rec))

	list := c.Notifications()
	if len(list) != 1 || list[0].Kind != KindWarning || list[0].CreatedAt.UnixMilli() != rec.CreatedAt {
		t.Fatalf("insert mapped wrong: %+v", list)
	}

	rec.IsRead = true
	c.Apply(change(t, model.OpUpdate, rec))
	if c.UnreadCount() != 0 {
		t.Fatal("update did not set read")
	}

	// Changes of another user or another table are ignored.
	c.Apply(change(t, model.OpDelete, model.NotificationRecord{ID: "x", UserID: "bob"}))
	c.Apply(model.ChangeEvent{Table: model.TableItems, Op: model.OpDelete, Record: []byte(`{"id":"x"}`)})
	c.Apply(model.ChangeEvent{Table: model.TableNotifications, Op: model.OpInsert, Record: []byte(`{bad`)})
	if len(c.Notifications()) != 1 {
		t.Fatal("foreign change applied")
	}

	c.Apply(change(t, model.OpDelete, model.NotificationRecord{ID: "x", UserID: "alice"}))
	if len(c.Notifications()) != 0 {
		t.Fatal("delete not applied")
	}
}

func TestLoadFailureLeavesEmptyList(t *testing.T) {
	store := newMemStore()
	c := New(Options{UserID: "alice", Store: store})
	c.Add(context.Background(), Input{Title: "cached"})

	store.failOps["list"] = errors.New("connection reset")
	if err := c.Load(context.Background()); err == nil {
		t.Fatal("expected load error")
	}
	if len(c.Notifications()) != 0 {
		t.Fatalf("list not emptied after failed load: %+v", c.Notifications())
	}
}

func TestLoadAndFollowPush(t *testing.T) {
	store := newMemStore()
	for i := 0; i < 120; i++ {
		id := fmt.Sprintf("old%d", i)
		store.recs[id] = model.NotificationRecord{ID: id, UserID: "alice", Title: id, Type: "info", CreatedAt: int64(1000 + i)}
	}
	store.recs["bobs"] = model.NotificationRecord{ID: "bobs", UserID: "bob", Title: "b", Type: "info", CreatedAt: 5000}

	push := &chanPush{ch: make(chan model.ChangeEvent)}
	c := New(Options{UserID: "alice", Store: store, Push: push})
	defer c.Shutdown()

	if err := c.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	list := c.Notifications()
	if len(list) != 100 || list[0].ID != "old119" || list[99].ID != "old20" {
		t.Fatalf("unexpected loaded list: len=%d first=%s", len(list), list[0].ID)
	}

	push.ch <- change(t, model.OpInsert, model.NotificationRecord{ID: "fresh", UserID: "alice", Title: "new", Type: "error", CreatedAt: 9000})
	waitFor(t, "pushed insert", func() bool {
		l := c.Notifications()
		return len(l) == 100 && l[0].ID == "fresh"
	})

	push.ch <- change(t, model.OpInsert, model.NotificationRecord{ID: "old119", UserID: "alice", Title: "dup", Type: "info"})
	push.ch <- change(t, model.OpDelete, model.NotificationRecord{ID: "fresh", UserID: "alice"})
	waitFor(t, "pushed delete", func() bool { return c.Notifications()[0].ID == "old119" })
	if c.Notifications()[0].Title != "old119" {
		t.Fatal("duplicate insert overwrote the cached entry")
	}
}

func TestCenterWithStoreFeed(t *testing.T) {
	s, err := storage.Open(filepath.Join(t.TempDir(), "notify.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()

	c := New(Options{UserID: "alice", Store: s, Push: s.Feed()})
	defer c.Shutdown()
	if err := c.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}

	delivered := 0
	var mu sync.Mutex
	c.Subscribe(func(Notification) { mu.Lock(); delivered++; mu.Unlock() })

	n, out := c.Add(context.Background(), Input{Title: "Low stock", Kind: KindWarning})
	if !out.Persisted {
		t.Fatalf("outcome %+v", out)
	}

	// Another actor writes directly to the store.
	other := model.NotificationRecord{ID: "from-server", UserID: "alice", Title: "Order shipped", Type: "success", CreatedAt: time.Now().UnixMilli()}
	if err := s.SaveNotification(context.Background(), other); err != nil {
		t.Fatalf("save: %v", err)
	}
	waitFor(t, "remote insert", func() bool { return len(c.Notifications()) == 2 })

	if err := s.MarkNotificationRead(context.Background(), "alice", n.ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	waitFor(t, "remote read flag", func() bool { return c.UnreadCount() == 1 })

	mu.Lock()
	defer mu.Unlock()
	if delivered != 2 {
		t.Fatalf("delivered %d notifications, want 2 (echo must not be redelivered)", delivered)
	}
}

func TestRealtimePush(t *testing.T) {
	router := realtime.NewRouter(nil)
	c := New(Options{UserID: "alice", Push: NewRealtimePush(router)})
	if err := c.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}

	router.Dispatch(frameFor(t, change(t, model.OpInsert, model.NotificationRecord{ID: "p1", UserID: "alice", Title: "pushed", Type: "info"})))
	router.Dispatch(frameFor(t, change(t, model.OpInsert, model.NotificationRecord{ID: "p2", UserID: "bob", Title: "not mine", Type: "info"})))
	waitFor(t, "realtime push", func() bool { return len(c.Notifications()) == 1 })

	c.Shutdown()
	if n := router.HandlerCount(realtime.EventNotification); n != 0 {
		t.Fatalf("push handler still registered after shutdown (%d)", n)
	}
}

func frameFor(t *testing.T, evt model.ChangeEvent) []byte {
	t.Helper()
	f, err := realtime.NewFrame(realtime.FrameServer, realtime.EventNotification, evt, time.Now())
	if err != nil {
		t.Fatalf("frame: %v", err)
	}
	raw, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}
