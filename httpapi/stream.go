package httpapi

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"pkt.systems/mgdocker/core"
	"pkt.systems/mgdocker/internal/logx"
	"pkt.systems/mgdocker/schema"
	"pkt.systems/pslog"
)

const (
	closeEventName    = "CloseEvent"
	closeEventData    = "close"
	keepaliveInterval = 15 * time.Second
	wsWriteWait       = 10 * time.Second
	wsPongWait        = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// handleSSE opens a session and relays it as server-sent events. Each event
// is named after its key. The stream always ends with the close marker.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, errors.New("stream unsupported"))
		return
	}
	name, taskName := r.PathValue("name"), r.PathValue("task")
	session, err := s.sessions.Open(r.Context(), taskName, name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer session.Close()
	log := logx.WithSession(logx.WithRun(logx.WithTask(pslog.Ctx(r.Context()), taskName, name), string(session.RunID())), session.ID())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	log.Info("http stream opened", "key", session.Key(), "attached", session.Attached())
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	events, errc := pump(ctx, session)
	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()
	for {
		select {
		case <-keepalive.C:
			_, _ = io.WriteString(w, ": keepalive\n\n")
			flusher.Flush()
		case event := <-events:
			if data, ok := sseData(event); ok {
				_ = writeSSEvent(w, event.Key, data)
			}
			if event.Type.Terminal() {
				_ = writeSSEvent(w, closeEventName, closeEventData)
				flusher.Flush()
				log.Info("http stream finished", "result", event.Type)
				return
			}
			flusher.Flush()
		case err := <-errc:
			if errors.Is(err, io.EOF) {
				_ = writeSSEvent(w, closeEventName, closeEventData)
				flusher.Flush()
			}
			log.Info("http stream closed", "err", err)
			return
		}
	}
}

// sseData returns the HTML-escaped text shown for event, if any.
func sseData(event schema.Event) (string, bool) {
	switch event.Type {
	case schema.EventOutput, schema.EventMarker:
		return html.EscapeString(event.Data), true
	case schema.EventFailed:
		return html.EscapeString("\nerror: " + event.Data + "\n"), true
	case schema.EventClosed:
		return html.EscapeString("\nstream closed: " + event.Data + "\n"), true
	default:
		return "", false
	}
}

// writeSSEvent writes one event. Multi-line data becomes one data field per
// line so clients reassemble it exactly.
func writeSSEvent(w io.Writer, name, data string) error {
	var b strings.Builder
	if name != "" {
		fmt.Fprintf(&b, "event: %s\n", name)
	}
	for _, line := range strings.Split(data, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	_, err := io.WriteString(w, b.String())
	return err
}

type wsMessage struct {
	Type  schema.EventType `json:"type"`
	Key   string           `json:"key,omitempty"`
	Data  string           `json:"data,omitempty"`
	RunID schema.RunID     `json:"run_id,omitempty"`
	Time  *time.Time       `json:"time,omitempty"`
}

const wsClose schema.EventType = "close"

// handleWebSocket relays a session as JSON messages and finishes with a close
// message. Resolution errors are answered before the upgrade.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	name, taskName := r.PathValue("name"), r.PathValue("task")
	session, err := s.sessions.Open(r.Context(), taskName, name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer session.Close()
	log := logx.WithSession(logx.WithRun(logx.WithTask(pslog.Ctx(r.Context()), taskName, name), string(session.RunID())), session.ID())

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go readPump(conn, cancel)

	log.Info("websocket stream opened", "key", session.Key(), "attached", session.Attached())
	events, errc := pump(ctx, session)
	ping := time.NewTicker(wsPongWait * 9 / 10)
	defer ping.Stop()
	for {
		select {
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case event := <-events:
			ts := event.Time
			msg := wsMessage{Type: event.Type, Key: event.Key, Data: event.Data, RunID: event.RunID, Time: &ts}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(msg); err != nil {
				log.Warn("websocket write failed", "err", err)
				return
			}
			if event.Type.Terminal() {
				writeWSClose(conn)
				log.Info("websocket stream finished", "result", event.Type)
				return
			}
		case err := <-errc:
			if errors.Is(err, io.EOF) {
				writeWSClose(conn)
			}
			log.Info("websocket stream closed", "err", err)
			return
		}
	}
}

func writeWSClose(conn *websocket.Conn) {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	_ = conn.WriteJSON(wsMessage{Type: wsClose})
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// pump moves session events onto a channel so writers can multiplex them with
// timers. errc receives io.EOF after the terminal event or the context error.
func pump(ctx context.Context, session *core.Session) (<-chan schema.Event, <-chan error) {
	events := make(chan schema.Event)
	errc := make(chan error, 1)
	go func() {
		for {
			event, err := session.Next(ctx)
			if err != nil {
				errc <- err
				return
			}
			select {
			case events <- event:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
	}()
	return events, errc
}
