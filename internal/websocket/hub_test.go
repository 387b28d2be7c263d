package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func startHub(t *testing.T, config HubConfig) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(config, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ActiveConnections() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, got %d", n, hub.ActiveConnections())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event map[string]interface{}
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
	return event
}

func TestHubBroadcastsModelState(t *testing.T) {
	config := DefaultHubConfig()
	config.BroadcastConnections = false
	hub, srv := startHub(t, config)

	conn := dial(t, srv)
	waitForClients(t, hub, 1)

	hub.BroadcastModelState(ModelStateEvent{State: "loaded", Model: "all-MiniLM-L6-v2"})

	event := readEvent(t, conn)
	if event["type"] != string(EventTypeModelState) {
		t.Fatalf("expected model_state event, got %v", event["type"])
	}
	data, _ := event["data"].(map[string]interface{})
	if data["state"] != "loaded" {
		t.Errorf("expected state loaded, got %v", data["state"])
	}
}

func TestHubSubscription(t *testing.T) {
	config := DefaultHubConfig()
	config.BroadcastConnections = false
	hub, srv := startHub(t, config)

	conn := dial(t, srv)
	waitForClients(t, hub, 1)

	msg, _ := json.Marshal(ClientMessage{Type: "subscribe", Events: []EventType{EventTypeRequestLog}})
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
	// the ping round trip orders the subscription before the broadcasts
	if err := conn.WriteJSON(ClientMessage{Type: "ping"}); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}
	if event := readEvent(t, conn); event["type"] != string(EventTypePong) {
		t.Fatalf("expected pong, got %v", event["type"])
	}

	hub.BroadcastModelState(ModelStateEvent{State: "loading"})
	hub.BroadcastRequestLog(RequestLogEvent{RequestID: "r1", Path: "/v1/embed", StatusCode: 200})

	event := readEvent(t, conn)
	if event["type"] != string(EventTypeRequestLog) || event["request_id"] != "r1" {
		t.Errorf("expected only the request log, got %v", event)
	}
}

func TestHubDisabledEvents(t *testing.T) {
	config := DefaultHubConfig()
	config.BroadcastRequests = false
	hub := NewHub(config, zap.NewNop())

	hub.BroadcastRequestLog(RequestLogEvent{RequestID: "x"})
	hub.BroadcastEvent(Event{Type: "unknown"})
	if len(hub.broadcast) != 0 {
		t.Errorf("expected disabled events dropped, got %d queued", len(hub.broadcast))
	}

	hub.BroadcastModelState(ModelStateEvent{State: "failed"})
	if len(hub.broadcast) != 1 {
		t.Errorf("expected model state queued, got %d", len(hub.broadcast))
	}
}

func TestHubBroadcastNeverBlocks(t *testing.T) {
	hub := NewHub(DefaultHubConfig(), zap.NewNop())
	for i := 0; i < cap(hub.broadcast)+10; i++ {
		hub.BroadcastModelState(ModelStateEvent{State: "loading"})
	}
	if stats := hub.GetStats(); stats.DroppedEvents != 10 {
		t.Errorf("expected 10 dropped events, got %d", stats.DroppedEvents)
	}
}

func TestHubMaxConnections(t *testing.T) {
	config := DefaultHubConfig()
	config.MaxConnections = 1
	hub, srv := startHub(t, config)

	dial(t, srv)
	waitForClients(t, hub, 1)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected second connection rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %v", resp)
	}
}

func TestCheckOrigin(t *testing.T) {
	config := DefaultHubConfig()
	config.AllowedOrigins = []string{"https://app.example.com"}
	hub := NewHub(config, zap.NewNop())

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if !hub.checkOrigin(r) {
		t.Error("expected request without origin allowed")
	}
	r.Header.Set("Origin", "https://evil.example.com")
	if hub.checkOrigin(r) {
		t.Error("expected foreign origin rejected")
	}
	r.Header.Set("Origin", "https://APP.example.com")
	if !hub.checkOrigin(r) {
		t.Error("expected configured origin allowed")
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	if got := ClientIP(r); got != "10.0.0.1" {
		t.Errorf("expected remote host, got %s", got)
	}
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := ClientIP(r); got != "203.0.113.9" {
		t.Errorf("expected first forwarded address, got %s", got)
	}
}
