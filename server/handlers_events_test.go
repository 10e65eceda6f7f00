package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nilsruhmanis-commits-does-he/Twitch-Sound-Alert/events"
)

func newEventServer(t *testing.T, opts Options) (*httptest.Server, *events.Bus) {
	t.Helper()
	bus := events.NewBus()
	opts.Events = bus
	srv := httptest.NewServer(newTestMux(t, opts))
	t.Cleanup(srv.Close)
	// runs before srv.Close so open streams end first
	t.Cleanup(bus.Close)
	return srv, bus
}

func TestEventsSSE(t *testing.T) {
	srv, bus := newEventServer(t, Options{})
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(srv.URL + "/events?kinds=trigger_fired")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	bus.Notify(events.Event{Kind: events.KindChatMessage, User: "viewer", Text: "hi"})
	bus.Notify(events.Event{Kind: events.KindTriggerFired, User: "viewer", Phrase: "!hello", ActionID: "hello.mp3"})

	br := bufio.NewReader(resp.Body)
	var kindLine, dataLine string
	for dataLine == "" {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			kindLine = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			dataLine = strings.TrimPrefix(line, "data: ")
		}
	}
	if kindLine != string(events.KindTriggerFired) {
		t.Errorf("event kind = %q, want trigger_fired", kindLine)
	}
	var e events.Event
	if err := json.Unmarshal([]byte(dataLine), &e); err != nil {
		t.Fatalf("decode %q: %v", dataLine, err)
	}
	if e.Phrase != "!hello" || e.ActionID != "hello.mp3" || e.Time.IsZero() {
		t.Errorf("event = %+v", e)
	}
}

func TestEventsSSEEndsWhenBusCloses(t *testing.T) {
	srv, bus := newEventServer(t, Options{})
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(srv.URL + "/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	bus.Close()
	br := bufio.NewReader(resp.Body)
	for {
		if _, err := br.ReadString('\n'); err != nil {
			return // stream ended
		}
	}
}

func TestEventsWebSocket(t *testing.T) {
	srv, bus := newEventServer(t, Options{})
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events/ws?kinds=state_changed,stopped"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	bus.Notify(events.Event{Kind: events.KindChatMessage, Text: "filtered out"})
	bus.Notify(events.Event{Kind: events.KindStateChanged, State: "joined", Channel: "#somechannel"})
	bus.Notify(events.Event{Kind: events.KindStopped})

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var got []events.Event
	for len(got) < 2 {
		var e events.Event
		if err := conn.ReadJSON(&e); err != nil {
			t.Fatalf("read: %v", err)
		}
		got = append(got, e)
	}
	if got[0].Kind != events.KindStateChanged || got[0].State != "joined" || got[1].Kind != events.KindStopped {
		t.Errorf("events = %+v", got)
	}

	bus.Close()
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("after bus close: %v, want normal close", err)
	}
}

func TestEventsWithoutBus(t *testing.T) {
	h := newTestMux(t, Options{})
	for _, path := range []string{"/events", "/events/ws"} {
		if rec := do(h, http.MethodGet, path, "", nil); rec.Code != http.StatusNotImplemented {
			t.Errorf("GET %s = %d, want 501", path, rec.Code)
		}
	}
}

func TestWebSocketOriginCheck(t *testing.T) {
	srv, _ := newEventServer(t, Options{CORSOrigins: []string{"https://overlay.example.com"}})
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events/ws"

	hdr := http.Header{"Origin": []string{"https://evil.test"}}
	if _, resp, err := websocket.DefaultDialer.DialContext(context.Background(), url, hdr); err == nil {
		t.Fatal("dial from disallowed origin succeeded")
	} else if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("disallowed origin: resp = %v, err = %v", resp, err)
	}

	hdr = http.Header{"Origin": []string{"https://overlay.example.com"}}
	conn, _, err := websocket.DefaultDialer.Dial(url, hdr)
	if err != nil {
		t.Fatalf("dial from allowed origin: %v", err)
	}
	conn.Close()
}
