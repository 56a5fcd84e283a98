// Package hub is the server side of the realtime channel: an in-memory
// registry of sessions and the rooms they joined.
//
// Each session receives pre-encoded frames on its own buffered channel. A
// frame that does not fit is dropped for that session only, so one slow
// client never delays the others. Nothing is persisted or replayed; clients
// recover missed state by reloading it.
package hub

import (
	"sort"
	"sync"

	"github.com/rubiojr/shopsync/pkg/metrics"
)

// Room names.
func ShopRoom(shopID string) string                 { return "shop:" + shopID }
func ConversationRoom(conversationID string) string { return "conversation:" + conversationID }
func UserRoom(userID string) string                 { return "user:" + userID }

type session struct {
	ch    chan []byte
	rooms map[string]struct{}
}

type Hub struct {
	mu       sync.RWMutex
	sessions map[uint64]*session
	rooms    map[string]map[uint64]struct{}
	nextID   uint64
	bufSize  int
	metrics  *metrics.Registry
}

// New constructs a hub with per-session buffer size. If bufSize <= 0, a
// default of 32 is used.
func New(bufSize int, m *metrics.Registry) *Hub {
	if bufSize <= 0 {
		bufSize = 32
	}
	return &Hub{
		sessions: make(map[uint64]*session),
		rooms:    make(map[string]map[uint64]struct{}),
		bufSize:  bufSize,
		metrics:  metrics.OrNew(m),
	}
}

// Register adds a session and returns its id and outbound channel. Callers
// must Unregister(id) to release it.
func (h *Hub) Register() (uint64, <-chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	ch := make(chan []byte, h.bufSize)
	h.sessions[id] = &session{ch: ch, rooms: make(map[string]struct{})}
	h.metrics.HubSessions.Set(float64(len(h.sessions)))
	return id, ch
}

// Unregister removes the session from every room and closes its channel.
// Unknown ids are ignored.
func (h *Hub) Unregister(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[id]
	if !ok {
		return
	}
	for room := range s.rooms {
		h.leaveLocked(id, room)
	}
	delete(h.sessions, id)
	close(s.ch)
	h.metrics.HubSessions.Set(float64(len(h.sessions)))
}

// Join adds the session to room. It reports false for unknown sessions.
func (h *Hub) Join(id uint64, room string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[id]
	if !ok {
		return false
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[uint64]struct{})
		h.rooms[room] = members
	}
	members[id] = struct{}{}
	s.rooms[room] = struct{}{}
	return true
}

func (h *Hub) Leave(id uint64, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(id, room)
}

func (h *Hub) leaveLocked(id uint64, room string) {
	if s, ok := h.sessions[id]; ok {
		delete(s.rooms, room)
	}
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, id)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// Broadcast delivers msg to every member of room (best effort) and returns
// how many sessions received and dropped it.
func (h *Hub) Broadcast(room string, msg []byte) (delivered, dropped int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id := range h.rooms[room] {
		select {
		case h.sessions[id].ch <- msg:
			delivered++
		default:
			dropped++
		}
	}
	h.metrics.HubBroadcasts.Inc()
	if dropped > 0 {
		h.metrics.HubDropped.Add(float64(dropped))
	}
	return delivered, dropped
}

// Send delivers msg to one session (best effort).
func (h *Hub) Send(id uint64, msg []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[id]
	if !ok {
		return false
	}
	select {
	case s.ch <- msg:
		return true
	default:
		h.metrics.HubDropped.Inc()
		return false
	}
}

// Size returns the number of registered sessions.
func (h *Hub) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// RoomSize returns the number of sessions in room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Rooms returns the sorted rooms joined by a session.
func (h *Hub) Rooms(id uint64) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(s.rooms))
	for room := range s.rooms {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}
