package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	sseKeepalive = 15 * time.Second
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

// HandleEventsSSE streams bot events as Server-Sent Events until the client
// goes away or the bus closes. ?kinds=a,b filters by event kind.
func (h *Handlers) HandleEventsSSE(w http.ResponseWriter, r *http.Request) {
	if h.opts.Events == nil {
		writeError(w, http.StatusNotImplemented, "event feed not available")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	ch, unsubscribe := h.opts.Events.Subscribe(parseKinds(r)...)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(sseKeepalive)
	defer ticker.Stop()
	enc := json.NewEncoder(w)
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case e, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write([]byte("event: " + string(e.Kind) + "\ndata: ")); err != nil {
				slog.Debug("sse client gone", slog.Any("err", err))
				return
			}
			// Encode terminates the data line; the blank line ends the event.
			if err := enc.Encode(e); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// HandleEventsWS sends the same feed as JSON text frames over a WebSocket.
// Messages from the client are read only to notice when it closes.
func (h *Handlers) HandleEventsWS(w http.ResponseWriter, r *http.Request) {
	if h.opts.Events == nil {
		writeError(w, http.StatusNotImplemented, "event feed not available")
		return
	}
	ch, unsubscribe := h.opts.Events.Subscribe(parseKinds(r)...)
	defer unsubscribe()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", slog.Any("err", err))
		return
	}
	defer conn.Close()
	h.log.Debug("ws client connected", slog.String("remote_addr", r.RemoteAddr))

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					h.log.Debug("ws read error", slog.Any("err", err))
				}
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(wsWriteWait))
			return
		case <-gone:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case e, ok := <-ch:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(wsWriteWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				h.log.Debug("ws write failed", slog.Any("err", err))
				return
			}
		}
	}
}
