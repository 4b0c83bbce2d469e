package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"parking-service/internal/model"
	"parking-service/internal/protocol"
)

func TestEventBusRoutesByType(t *testing.T) {
	bus := NewEventBus(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Start(ctx)

	scans := bus.Subscribe(model.EventScan)
	all := bus.Subscribe(AllEvents)

	bus.Publish(model.NewEvent(model.EventGateChanged, "GATE_01", nil))
	bus.Publish(model.NewEvent(model.EventScan, "SCANNER_01", nil))

	select {
	case event := <-scans:
		if event.Type != model.EventScan {
			t.Fatalf("scan subscriber got %s", event.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("scan event not delivered")
	}

	for _, want := range []model.EventType{model.EventGateChanged, model.EventScan} {
		select {
		case event := <-all:
			if event.Type != want {
				t.Fatalf("got %s, want %s", event.Type, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s not delivered to wildcard subscriber", want)
		}
	}
}

func TestDeviceEventHandler(t *testing.T) {
	bus := NewEventBus(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Start(ctx)
	events := bus.Subscribe(AllEvents)

	deh := NewDeviceEventHandler(bus, zap.NewNop())
	deh.StateListener("GATE_01")(protocol.StateConnected, protocol.StateError)
	deh.OnDeviceHealth("GATE_01", model.HealthStatus{DeviceID: "GATE_01", Status: model.HealthCriticalError})

	want := []struct {
		typ      model.EventType
		severity string
	}{
		{model.EventDeviceState, "ERROR"},
		{model.EventDeviceError, "CRITICAL"},
		{model.EventHealthUpdate, "CRITICAL"},
	}
	for _, w := range want {
		select {
		case event := <-events:
			if event.Type != w.typ || event.Severity != w.severity {
				t.Fatalf("got %s/%s, want %s/%s", event.Type, event.Severity, w.typ, w.severity)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s not published", w.typ)
		}
	}
}

func dialDashboard(t *testing.T, server *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) WebSocketMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg WebSocketMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return msg
}

func TestDashboardReceivesSubscribedEvents(t *testing.T) {
	bus := NewEventBus(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Start(ctx)

	hub := NewWebSocketHandler(bus, func() interface{} { return gin.H{"gate": "closed"} }, nil, zap.NewNop())
	go hub.Start(ctx)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/ws", hub.HandleEventConnection)
	server := httptest.NewServer(router)
	defer server.Close()

	conn := dialDashboard(t, server, "?topics=gate_changed")
	if msg := readMessage(t, conn); msg.Type != "initial_status" {
		t.Fatalf("first message = %s, want initial_status", msg.Type)
	}

	waitFor(t, time.Second, func() bool { return hub.GetConnectionStats().TotalConnections == 1 })

	bus.Publish(model.NewEvent(model.EventScan, "SCANNER_01", nil))
	bus.Publish(model.NewEvent(model.EventGateChanged, "GATE_01", gin.H{"isOpen": true}))

	if msg := readMessage(t, conn); msg.Type != string(model.EventGateChanged) {
		t.Fatalf("got %s, want only subscribed topics", msg.Type)
	}

	conn.WriteJSON(WebSocketMessage{Type: "ping", RequestID: "r1"})
	if msg := readMessage(t, conn); msg.Type != "pong" || msg.RequestID != "r1" {
		t.Fatalf("ping answered with %+v", msg)
	}

	conn.WriteJSON(WebSocketMessage{Type: "subscribe", Data: map[string]string{"topic": "scan"}})
	if msg := readMessage(t, conn); msg.Type != "subscribed" {
		t.Fatalf("subscribe answered with %s", msg.Type)
	}
	bus.Publish(model.NewEvent(model.EventScan, "SCANNER_01", nil))
	if msg := readMessage(t, conn); msg.Type != string(model.EventScan) {
		t.Fatalf("got %s after subscribing to scans", msg.Type)
	}

	stats := hub.GetConnectionStats()
	if stats.ByTopic[string(model.EventScan)] != 1 || stats.ByTopic[string(model.EventGateChanged)] != 1 {
		t.Fatalf("topics = %v", stats.ByTopic)
	}
}

func TestDashboardRejectsForeignOrigin(t *testing.T) {
	bus := NewEventBus(zap.NewNop())
	hub := NewWebSocketHandler(bus, nil, []string{"http://dashboard.local"}, zap.NewNop())

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/ws", hub.HandleEventConnection)
	server := httptest.NewServer(router)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	header := http.Header{"Origin": []string{"http://evil.local"}}
	if _, _, err := websocket.DefaultDialer.Dial(url, header); err == nil {
		t.Fatal("foreign origin accepted")
	}

	header.Set("Origin", "http://dashboard.local")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("allowed origin rejected: %v", err)
	}
	conn.Close()
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}
