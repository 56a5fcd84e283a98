package realtime

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/rubiojr/shopsync/pkg/metrics"
)

func frame(event EventName, data string) []byte {
	return []byte(`{"type":"server","event":"` + string(event) + `","data":` + data + `,"timestamp":1700000000000}`)
}

func TestRouterSetSemantics(t *testing.T) {
	r := NewRouter(nil)
	var calls atomic.Int32
	h := NewHandler(func(Frame) { calls.Add(1) })

	if err := r.On(EventOrderUpdate, h); err != nil {
		t.Fatalf("on: %v", err)
	}
	if err := r.On(EventOrderUpdate, h); err != nil {
		t.Fatalf("second on: %v", err)
	}
	if n := r.HandlerCount(EventOrderUpdate); n != 1 {
		t.Fatalf("handler count = %d, want 1", n)
	}

	r.Dispatch(frame(EventOrderUpdate, `{"id":"o1"}`))
	if calls.Load() != 1 {
		t.Fatalf("handler invoked %d times for one frame", calls.Load())
	}

	r.Off(EventOrderUpdate, h)
	r.Off(EventOrderUpdate, h)
	if n := r.HandlerCount(EventOrderUpdate); n != 0 {
		t.Fatalf("handler count after off = %d", n)
	}
	r.mu.RLock()
	_, present := r.handlers[EventOrderUpdate]
	r.mu.RUnlock()
	if present {
		t.Fatal("empty handler set was not pruned")
	}

	r.Dispatch(frame(EventOrderUpdate, `{"id":"o2"}`))
	if calls.Load() != 1 {
		t.Fatal("handler invoked after Off")
	}
}

func TestRouterOffDuringDispatch(t *testing.T) {
	r := NewRouter(nil)
	var calls atomic.Int32
	var a, b *Handler
	a = NewHandler(func(Frame) { calls.Add(1); r.Off(EventNotification, b) })
	b = NewHandler(func(Frame) { calls.Add(1); r.Off(EventNotification, a) })
	_ = r.On(EventNotification, a)
	_ = r.On(EventNotification, b)

	r.Dispatch(frame(EventNotification, `{}`))
	if calls.Load() != 1 {
		t.Fatalf("expected exactly one handler to run, got %d", calls.Load())
	}
}

func TestRouterRejectsUnknownEvents(t *testing.T) {
	r := NewRouter(nil)
	err := r.On("order:updated", NewHandler(func(Frame) {}))
	if !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("expected ErrUnknownEvent, got %v", err)
	}
	if err := r.On(EventOrderUpdate, nil); err == nil {
		t.Fatal("nil handler accepted")
	}
}

func TestRouterDropsMalformedFrames(t *testing.T) {
	m := metrics.NewRegistry()
	r := NewRouter(m)
	var calls atomic.Int32
	for _, e := range Events() {
		_ = r.On(e, NewHandler(func(Frame) { calls.Add(1) }))
	}

	for _, raw := range []string{
		`{not json`,
		``,
		`{"type":"server","data":{}}`,
		`["order:update"]`,
	} {
		r.Dispatch([]byte(raw))
	}
	if calls.Load() != 0 {
		t.Fatalf("handlers invoked %d times for malformed frames", calls.Load())
	}
	if got := metrics.CounterValue(m.MalformedFrames); got != 4 {
		t.Fatalf("malformed frames counted = %v, want 4", got)
	}

	// Lifecycle events are never accepted from the wire.
	r.Dispatch(frame(EventMaxReconnectAttempts, `{"attempts":5}`))
	if calls.Load() != 0 {
		t.Fatal("local event accepted from the wire")
	}
}

func TestRouterIsolatesPanics(t *testing.T) {
	r := NewRouter(nil)
	var ok atomic.Bool
	_ = r.On(EventMessageNew, NewHandler(func(Frame) { panic("boom") }))
	_ = r.On(EventMessageNew, NewHandler(func(Frame) { ok.Store(true) }))

	r.Dispatch(frame(EventMessageNew, `{"text":"hi"}`))
	if !ok.Load() {
		t.Fatal("panicking handler prevented delivery to the other handler")
	}
}

func TestHandlerForDecodesPayload(t *testing.T) {
	r := NewRouter(nil)
	var got StockUpdate
	_ = r.On(EventStockUpdate, HandlerFor(func(u StockUpdate) { got = u }))

	r.Dispatch(frame(EventStockUpdate, `{"id":"mug","shopId":"s1","stock":47,"previous":50}`))
	if got.ItemID != "mug" || got.Stock != 47 || got.Previous != 50 {
		t.Fatalf("unexpected payload %+v", got)
	}

	got = StockUpdate{}
	r.Dispatch(frame(EventStockUpdate, `"not an object"`))
	if got.ItemID != "" {
		t.Fatal("handler ran with an undecodable payload")
	}
}

func TestEmitLocalEvent(t *testing.T) {
	r := NewRouter(nil)
	var attempts int
	_ = r.On(EventMaxReconnectAttempts, HandlerFor(func(p ReconnectExhausted) { attempts = p.Attempts }))
	r.Emit(EventMaxReconnectAttempts, ReconnectExhausted{Attempts: 5})
	if attempts != 5 {
		t.Fatalf("attempts = %d", attempts)
	}
}
