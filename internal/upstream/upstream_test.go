package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func echoWSServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}))
	return srv
}

func TestManager_ConnectSucceeds(t *testing.T) {
	srv := echoWSServer(t)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	m := New(wsURL, "test-key")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := m.Connect(ctx, "sess-1")
	if err != nil {
		t.Fatalf("expected successful connect, got %v", err)
	}
	defer conn.Close()
}

func TestManager_ConnectFailsAfterRetriesExhausted(t *testing.T) {
	m := New("ws://127.0.0.1:1/does-not-exist", "test-key")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := m.Connect(ctx, "sess-1")
	if err == nil {
		t.Fatalf("expected dial failure against an unreachable host")
	}
}
