package dashboard

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/terrarium-sim/terrarium/internal/events"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsBuffer     = 256
	wsReplayPage = 500
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleWS streams the event log over a websocket. ?offset=N replays
// committed history after sequence N first; ?types=a,b filters the
// live feed. Replay and live are stitched without gaps or duplicates
// by subscribing before reading and dropping already-replayed seqs.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	offset, _ := strconv.ParseInt(r.URL.Query().Get("offset"), 10, 64)
	if offset < 0 {
		offset = 0
	}
	var types []string
	if raw := r.URL.Query().Get("types"); raw != "" {
		types = splitCSV(raw)
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("⚠️ ws upgrade: %v", err)
		return
	}

	id := s.wsID()
	bus := s.kernel.Bus()
	live := bus.Subscribe(id, wsBuffer, types...)
	defer bus.Unsubscribe(id)

	s.kernel.Metrics().WSClients.Inc()
	defer s.kernel.Metrics().WSClients.Dec()
	s.logger.Printf("🔌 %s connected (offset %d)", id, offset)

	done := make(chan struct{})
	go s.readPump(conn, done)

	lastSent := s.replay(conn, offset, types)
	if lastSent < 0 {
		conn.Close()
		return
	}

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	defer conn.Close()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-live:
			if !ok {
				return
			}
			if ev.Seq <= lastSent {
				continue
			}
			lastSent = ev.Seq
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// replay pages committed history out to the client and returns the
// last sequence written, or -1 if the connection died.
func (s *Server) replay(conn *websocket.Conn, offset int64, types []string) int64 {
	lastSent := offset
	log := s.kernel.EventLog()
	for {
		page := log.Read(lastSent, wsReplayPage)
		if len(page) == 0 {
			return lastSent
		}
		for _, ev := range page {
			if !typeMatch(ev, types) {
				lastSent = ev.Seq
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return -1
			}
			lastSent = ev.Seq
		}
	}
}

// readPump drains client frames so pongs are processed; the feed is
// one-way otherwise.
func (s *Server) readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(1024)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func typeMatch(ev events.Event, types []string) bool {
	if len(types) == 0 {
		return true
	}
	for _, t := range types {
		if ev.EventType == t {
			return true
		}
	}
	return false
}

func splitCSV(raw string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == ',' {
			if i > start {
				out = append(out, raw[start:i])
			}
			start = i + 1
		}
	}
	return out
}
