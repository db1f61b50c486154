package fieldsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// StreamConfig configures the sync event stream.
type StreamConfig struct {
	// BufferSize is the channel buffer size per subscription.
	BufferSize int
	// WriteTimeout for WebSocket writes.
	WriteTimeout time.Duration
}

// EventType classifies sync events.
type EventType string

const (
	EventActionEnqueued   EventType = "action-enqueued"
	EventActionSynced     EventType = "action-synced"
	EventActionFailed     EventType = "action-failed"
	EventActionConflicted EventType = "action-conflicted"
	EventSyncStarted      EventType = "sync-started"
	EventSyncCompleted    EventType = "sync-completed"
	EventConnectivity     EventType = "connectivity-changed"
	EventCacheRefreshed   EventType = "cache-refreshed"
)

// SyncEvent is one observable engine occurrence, published to subscribers
// as it happens.
type SyncEvent struct {
	Type     EventType   `json:"type"`
	ActionID string      `json:"action_id,omitempty"`
	Kind     ActionKind  `json:"kind,omitempty"`
	Detail   string      `json:"detail,omitempty"`
	Result   *SyncResult `json:"result,omitempty"`
	At       time.Time   `json:"at"`
}

// Subscription represents an active event stream subscription.
type Subscription struct {
	ID      string
	Type    EventType
	Kind    ActionKind
	ch      chan SyncEvent
	done    chan struct{}
	closed  bool
	mu      sync.Mutex
	created time.Time
}

// C returns the channel for receiving events.
func (s *Subscription) C() <-chan SyncEvent {
	return s.ch
}

// Close closes the subscription.
func (s *Subscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	close(s.ch)
}

// EventHub fans sync events out to subscribers.
type EventHub struct {
	config StreamConfig
	mu     sync.RWMutex
	subs   map[string]*Subscription
	nextID uint64
}

// NewEventHub creates a new event hub.
func NewEventHub(cfg StreamConfig) *EventHub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &EventHub{
		config: cfg,
		subs:   make(map[string]*Subscription),
	}
}

// Subscribe creates a subscription. Empty filters match everything.
func (h *EventHub) Subscribe(eventType EventType, kind ActionKind) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	id := fmt.Sprintf("sub-%d", h.nextID)

	sub := &Subscription{
		ID:      id,
		Type:    eventType,
		Kind:    kind,
		ch:      make(chan SyncEvent, h.config.BufferSize),
		done:    make(chan struct{}),
		created: time.Now(),
	}

	h.subs[id] = sub
	return sub
}

// Unsubscribe removes a subscription.
func (h *EventHub) Unsubscribe(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()

	if ok {
		sub.Close()
	}
}

// Publish sends an event to all matching subscriptions. Publishing never
// blocks; a subscriber that falls behind loses events.
func (h *EventHub) Publish(event SyncEvent) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !h.matches(sub, event) {
			continue
		}

		select {
		case sub.ch <- event:
		default:
			// Buffer full, drop the event
		}
	}
}

// matches checks if an event matches a subscription filter.
func (h *EventHub) matches(sub *Subscription, event SyncEvent) bool {
	if sub.Type != "" && sub.Type != event.Type {
		return false
	}
	if sub.Kind != "" && sub.Kind != event.Kind {
		return false
	}
	return true
}

// Count returns the number of active subscriptions.
func (h *EventHub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// List returns all active subscription IDs.
func (h *EventHub) List() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.subs))
	for id := range h.subs {
		ids = append(ids, id)
	}
	return ids
}

// WebSocket handling

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StreamMessage is the JSON format for WebSocket messages.
type StreamMessage struct {
	Type      string     `json:"type"`
	EventType EventType  `json:"event_type,omitempty"`
	Kind      ActionKind `json:"kind,omitempty"`
	Event     *SyncEvent `json:"event,omitempty"`
	SubID     string     `json:"sub_id,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// WebSocketHandler returns an HTTP handler for WebSocket connections.
func (h *EventHub) WebSocketHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer func() { _ = conn.Close() }()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Map of active subscriptions for this connection
		connSubs := make(map[string]*Subscription)
		var connMu sync.Mutex

		// Read commands from client
		go func() {
			defer cancel()
			for {
				_, msg, err := conn.ReadMessage()
				if err != nil {
					return
				}

				var cmd StreamMessage
				if err := json.Unmarshal(msg, &cmd); err != nil {
					h.sendError(conn, "invalid message format")
					continue
				}

				switch cmd.Type {
				case "subscribe":
					sub := h.Subscribe(cmd.EventType, cmd.Kind)
					connMu.Lock()
					connSubs[sub.ID] = sub
					connMu.Unlock()

					resp, _ := json.Marshal(StreamMessage{
						Type:  "subscribed",
						SubID: sub.ID,
					})
					_ = conn.WriteMessage(websocket.TextMessage, resp)

					// Start forwarding events for this subscription
					go h.forwardEvents(ctx, conn, sub)

				case "unsubscribe":
					connMu.Lock()
					if sub, ok := connSubs[cmd.SubID]; ok {
						delete(connSubs, cmd.SubID)
						h.Unsubscribe(sub.ID)
					}
					connMu.Unlock()

					resp, _ := json.Marshal(StreamMessage{
						Type:  "unsubscribed",
						SubID: cmd.SubID,
					})
					_ = conn.WriteMessage(websocket.TextMessage, resp)

				default:
					h.sendError(conn, "unknown command: "+cmd.Type)
				}
			}
		}()

		// Wait for context cancellation
		<-ctx.Done()

		// Cleanup subscriptions
		connMu.Lock()
		for _, sub := range connSubs {
			h.Unsubscribe(sub.ID)
		}
		connMu.Unlock()
	}
}

func (h *EventHub) forwardEvents(ctx context.Context, conn *websocket.Conn, sub *Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.done:
			return
		case event, ok := <-sub.ch:
			if !ok {
				return
			}
			msg, _ := json.Marshal(StreamMessage{
				Type:  "event",
				SubID: sub.ID,
				Event: &event,
			})
			_ = conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

func (h *EventHub) sendError(conn *websocket.Conn, msg string) {
	resp, _ := json.Marshal(StreamMessage{
		Type:  "error",
		Error: msg,
	})
	_ = conn.WriteMessage(websocket.TextMessage, resp)
}
