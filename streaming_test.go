package fieldsync

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestEventHub_Subscribe(t *testing.T) {
	hub := NewEventHub(StreamConfig{})

	sub := hub.Subscribe(EventActionSynced, "")
	if sub == nil {
		t.Fatal("expected subscription")
	}
	if sub.ID == "" {
		t.Error("expected subscription ID")
	}
	if hub.Count() != 1 {
		t.Errorf("expected 1 subscription, got %d", hub.Count())
	}

	hub.Unsubscribe(sub.ID)
	if hub.Count() != 0 {
		t.Errorf("expected 0 subscriptions, got %d", hub.Count())
	}
}

func drainEvents(sub *Subscription) int {
	count := 0
	for {
		select {
		case _, ok := <-sub.C():
			if !ok {
				return count
			}
			count++
		default:
			return count
		}
	}
}

func TestEventHub_Publish(t *testing.T) {
	hub := NewEventHub(StreamConfig{})

	// Filters: everything, synced of any kind, any event for reports,
	// and synced reports only.
	subAll := hub.Subscribe("", "")
	subSynced := hub.Subscribe(EventActionSynced, "")
	subReports := hub.Subscribe("", KindSubmitReport)
	subBoth := hub.Subscribe(EventActionSynced, KindSubmitReport)

	hub.Publish(SyncEvent{Type: EventActionSynced, Kind: KindSubmitReport, ActionID: "a1"})
	hub.Publish(SyncEvent{Type: EventActionSynced, Kind: KindClockIn, ActionID: "a2"})
	hub.Publish(SyncEvent{Type: EventActionFailed, Kind: KindSubmitReport, ActionID: "a3"})

	if got := drainEvents(subAll); got != 3 {
		t.Errorf("subAll expected 3 events, got %d", got)
	}
	if got := drainEvents(subSynced); got != 2 {
		t.Errorf("subSynced expected 2 events, got %d", got)
	}
	if got := drainEvents(subReports); got != 2 {
		t.Errorf("subReports expected 2 events, got %d", got)
	}
	if got := drainEvents(subBoth); got != 1 {
		t.Errorf("subBoth expected 1 event, got %d", got)
	}
}

func TestEventHub_PublishStampsTime(t *testing.T) {
	hub := NewEventHub(StreamConfig{})
	sub := hub.Subscribe("", "")

	hub.Publish(SyncEvent{Type: EventSyncStarted})

	select {
	case event := <-sub.C():
		if event.At.IsZero() {
			t.Error("expected the publish time to be stamped")
		}
	default:
		t.Fatal("expected an event")
	}

	// An explicit timestamp survives.
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	hub.Publish(SyncEvent{Type: EventSyncCompleted, At: at})
	select {
	case event := <-sub.C():
		if !event.At.Equal(at) {
			t.Errorf("expected %v, got %v", at, event.At)
		}
	default:
		t.Fatal("expected an event")
	}
}

func TestEventHub_SlowSubscriberDropsEvents(t *testing.T) {
	hub := NewEventHub(StreamConfig{BufferSize: 2})
	sub := hub.Subscribe("", "")

	for i := 0; i < 5; i++ {
		hub.Publish(SyncEvent{Type: EventActionSynced})
	}

	// Publishing never blocks; the overflow is simply gone.
	if got := drainEvents(sub); got != 2 {
		t.Errorf("expected the buffer's worth of events, got %d", got)
	}
}

func TestSubscription_Close(t *testing.T) {
	hub := NewEventHub(StreamConfig{})
	sub := hub.Subscribe("", "")

	sub.Close()

	// Should not panic on double close
	sub.Close()

	select {
	case _, ok := <-sub.C():
		if ok {
			t.Error("expected channel to be closed")
		}
	default:
		// OK - channel closed
	}
}

func TestEventHub_List(t *testing.T) {
	hub := NewEventHub(StreamConfig{})

	sub1 := hub.Subscribe(EventActionEnqueued, "")
	sub2 := hub.Subscribe(EventActionFailed, "")

	list := hub.List()
	if len(list) != 2 {
		t.Errorf("expected 2 subscriptions, got %d", len(list))
	}

	hub.Unsubscribe(sub1.ID)
	hub.Unsubscribe(sub2.ID)

	list = hub.List()
	if len(list) != 0 {
		t.Errorf("expected 0 subscriptions, got %d", len(list))
	}
}

func wsReadMessage(t *testing.T, conn *websocket.Conn) StreamMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg StreamMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
	return msg
}

func TestWebSocketHandler(t *testing.T) {
	hub := NewEventHub(StreamConfig{})
	server := httptest.NewServer(hub.WebSocketHandler())
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	// Subscribe to synced events only.
	err = conn.WriteJSON(StreamMessage{Type: "subscribe", EventType: EventActionSynced})
	if err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}

	reply := wsReadMessage(t, conn)
	if reply.Type != "subscribed" {
		t.Fatalf("expected subscribed reply, got %+v", reply)
	}
	if reply.SubID == "" {
		t.Fatal("expected a subscription id")
	}
	if hub.Count() != 1 {
		t.Errorf("expected 1 hub subscription, got %d", hub.Count())
	}

	hub.Publish(SyncEvent{Type: EventActionSynced, ActionID: "a1", Kind: KindClockIn})
	hub.Publish(SyncEvent{Type: EventActionFailed, ActionID: "a2"})

	event := wsReadMessage(t, conn)
	if event.Type != "event" {
		t.Fatalf("expected event message, got %+v", event)
	}
	if event.SubID != reply.SubID {
		t.Errorf("expected sub id %s, got %s", reply.SubID, event.SubID)
	}
	if event.Event == nil || event.Event.ActionID != "a1" {
		t.Errorf("expected the synced event forwarded, got %+v", event.Event)
	}

	// The failed event was filtered out, so unsubscribing now should be
	// answered before any further event arrives.
	err = conn.WriteJSON(StreamMessage{Type: "unsubscribe", SubID: reply.SubID})
	if err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}
	reply = wsReadMessage(t, conn)
	if reply.Type != "unsubscribed" {
		t.Fatalf("expected unsubscribed reply, got %+v", reply)
	}

	deadline := time.Now().Add(time.Second)
	for hub.Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected the hub subscription removed, still %d", hub.Count())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWebSocketHandlerRejectsBadCommands(t *testing.T) {
	hub := NewEventHub(StreamConfig{})
	server := httptest.NewServer(hub.WebSocketHandler())
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
	reply := wsReadMessage(t, conn)
	if reply.Type != "error" || reply.Error != "invalid message format" {
		t.Errorf("expected a format error, got %+v", reply)
	}

	if err := conn.WriteJSON(StreamMessage{Type: "replay"}); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}
	reply = wsReadMessage(t, conn)
	if reply.Type != "error" || !strings.Contains(reply.Error, "unknown command") {
		t.Errorf("expected an unknown-command error, got %+v", reply)
	}
}

func TestWebSocketHandlerCleansUpOnDisconnect(t *testing.T) {
	hub := NewEventHub(StreamConfig{})
	server := httptest.NewServer(hub.WebSocketHandler())
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	if err := conn.WriteJSON(StreamMessage{Type: "subscribe"}); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}
	reply := wsReadMessage(t, conn)
	if reply.Type != "subscribed" {
		t.Fatalf("expected subscribed reply, got %+v", reply)
	}

	conn.Close()

	deadline := time.Now().Add(time.Second)
	for hub.Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected subscriptions cleaned up after disconnect, still %d", hub.Count())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
