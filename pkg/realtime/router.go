package realtime

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rubiojr/shopsync/pkg/log"
	"github.com/rubiojr/shopsync/pkg/metrics"
)

var ErrUnknownEvent = errors.New("unknown event")

// Handler is a registered callback. Handlers are compared by pointer, so
// keep the value returned by NewHandler to unregister it later.
type Handler struct {
	fn func(Frame)
}

func NewHandler(fn func(Frame)) *Handler {
	return &Handler{fn: fn}
}

// HandlerFor builds a handler that decodes the frame payload into T first.
// Frames whose payload does not decode are logged and skipped.
func HandlerFor[T any](fn func(T)) *Handler {
	return NewHandler(func(f Frame) {
		var v T
		if err := f.Decode(&v); err != nil {
			log.ForService("realtime").Named("router").Warnf("bad %s payload: %v", f.Event, err)
			return
		}
		fn(v)
	})
}

type registration struct {
	h      *Handler
	active atomic.Bool
}

// Router demultiplexes frames by event name into sets of handlers.
type Router struct {
	mu       sync.RWMutex
	handlers map[EventName]map[*Handler]*registration
	logger   *log.Logger
	metrics  *metrics.Registry
	now      func() time.Time
}

func NewRouter(m *metrics.Registry) *Router {
	return &Router{
		handlers: make(map[EventName]map[*Handler]*registration),
		logger:   log.ForService("realtime").Named("router"),
		metrics:  metrics.OrNew(m),
		now:      time.Now,
	}
}

// On registers h for event. Registering the same handler twice is a no-op.
func (r *Router) On(event EventName, h *Handler) error {
	if !event.Known() {
		return fmt.Errorf("%w: %q", ErrUnknownEvent, event)
	}
	if h == nil || h.fn == nil {
		return fmt.Errorf("nil handler for %s", event)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.handlers[event]
	if !ok {
		set = make(map[*Handler]*registration)
		r.handlers[event] = set
	}
	if _, dup := set[h]; dup {
		return nil
	}
	reg := &registration{h: h}
	reg.active.Store(true)
	set[h] = reg
	return nil
}

// Off unregisters h. Once Off returns, no dispatch starts h for event,
// including a pass already in progress that has not reached it yet.
func (r *Router) Off(event EventName, h *Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.handlers[event]
	if !ok {
		return
	}
	if reg, ok := set[h]; ok {
		reg.active.Store(false)
		delete(set, h)
	}
	if len(set) == 0 {
		delete(r.handlers, event)
	}
}

// HandlerCount returns the number of handlers registered for event.
func (r *Router) HandlerCount(event EventName) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[event])
}

// Dispatch parses one inbound message and routes it. Malformed messages are
// logged and dropped; Dispatch never panics on input.
func (r *Router) Dispatch(raw []byte) {
	f, err := ParseFrame(raw)
	if err != nil {
		r.metrics.MalformedFrames.Inc()
		r.logger.Warnf("dropping frame: %v", err)
		return
	}
	if f.Event.Local() {
		r.logger.Warnf("dropping frame: %s is a local event", f.Event)
		return
	}
	r.route(f)
}

// Emit routes a locally produced event.
func (r *Router) Emit(event EventName, data any) {
	f, err := NewFrame(FrameLocal, event, data, r.now())
	if err != nil {
		r.logger.Errorf("emit %s: %v", event, err)
		return
	}
	r.route(f)
}

// route runs exactly one pass over the handlers registered for the event.
func (r *Router) route(f Frame) {
	r.mu.RLock()
	set := r.handlers[f.Event]
	regs := make([]*registration, 0, len(set))
	for _, reg := range set {
		regs = append(regs, reg)
	}
	r.mu.RUnlock()

	if len(regs) == 0 {
		r.logger.Debugf("no handlers for %s", f.Event)
		return
	}
	for _, reg := range regs {
		if !reg.active.Load() {
			continue
		}
		r.invoke(reg.h, f)
	}
}

func (r *Router) invoke(h *Handler, f Frame) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Errorf("handler for %s panicked: %v", f.Event, rec)
		}
	}()
	h.fn(f)
}
