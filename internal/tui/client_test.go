package tui

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/tidwall/gjson"
)

func TestClientRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret-token" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		var req map[string]any
		if err := wsjson.Read(r.Context(), conn, &req); err != nil {
			return
		}
		wsjson.Write(r.Context(), conn, map[string]any{
			"event":   "finish_command",
			"payload": map[string]any{"command": req["command"]},
		})
		conn.Read(r.Context())
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	if _, err := Dial(ctx, url, "wrong"); err == nil {
		t.Fatal("expected dial to fail with a bad token")
	}

	c, err := Dial(ctx, url, "secret-token")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.Send(ctx, "get_online_skills", nil); err != nil {
		t.Fatal(err)
	}
	ev, err := c.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Event != "finish_command" || gjson.GetBytes(ev.Payload, "command").String() != "get_online_skills" {
		t.Errorf("event = %s %s", ev.Event, ev.Payload)
	}
}
