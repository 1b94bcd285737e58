package alpaca

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newStreamServer(t *testing.T, authOK bool) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		conn.WriteJSON([]map[string]any{{"T": "success", "msg": "connected"}})

		var auth authMessage
		if err := conn.ReadJSON(&auth); err != nil {
			return
		}
		if !authOK || auth.Key != "key" {
			conn.WriteJSON([]map[string]any{{"T": "error", "code": 402, "msg": "auth failed"}})
			return
		}
		conn.WriteJSON([]map[string]any{{"T": "success", "msg": "authenticated"}})

		var sub subscribeMessage
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		conn.WriteJSON([]map[string]any{{"T": "subscription", "bars": sub.Bars}})
		for i, sym := range sub.Bars {
			conn.WriteJSON([]map[string]any{{
				"T": "b",
				"S": sym,
				"c": 10.0 + float64(i),
				"t": "2024-01-02T15:30:00Z",
			}})
		}
		// hold the connection open until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestStreamDeliversBars(t *testing.T) {
	url := newStreamServer(t, true)
	stream := NewStream(url, "key", "secret", []string{"AAA", "BBB"}, newTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- stream.Run(ctx) }()

	got := map[string]float64{}
	timeout := time.After(5 * time.Second)
	for len(got) < 2 {
		select {
		case bar := <-stream.Bars():
			got[bar.Symbol] = bar.Close
		case <-timeout:
			t.Fatalf("timed out, got %v", got)
		}
	}
	if got["AAA"] != 10 || got["BBB"] != 11 {
		t.Errorf("bars = %v", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	if _, ok := <-stream.Bars(); ok {
		t.Error("bars channel still open")
	}
}

func TestStreamAuthFailure(t *testing.T) {
	url := newStreamServer(t, false)
	stream := NewStream(url, "key", "secret", []string{"AAA"}, newTestLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := stream.Run(ctx); !errors.Is(err, ErrStreamAuth) {
		t.Fatalf("err = %v, want ErrStreamAuth", err)
	}
}
