package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bankroll/settlement-engine/internal/metrics"
	"github.com/bankroll/settlement-engine/internal/model"
)

// ErrHubBusy is returned by Hub.Publish when the broadcast buffer is full.
var ErrHubBusy = errors.New("outbox: websocket hub buffer full")

const (
	writeWait    = 5 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	clientQueue  = 64
)

// Message is the JSON frame sent to websocket clients.
type Message struct {
	Type string              `json:"type"` // always "balance_change"
	Data model.BalanceChange `json:"data"`
}

// subscriber is one websocket connection and the balances it follows.
// Zero filters match everything.
type subscriber struct {
	conn   *websocket.Conn
	send   chan []byte
	userID int64
	appID  int64
}

func (s *subscriber) wants(c model.BalanceChange) bool {
	return (s.userID == 0 || c.OwnerID == s.userID) && (s.appID == 0 || c.ParentID == s.appID)
}

// Hub fans balance changes out to connected websocket clients. Run owns the
// subscriber set; connections only talk to it over channels.
type Hub struct {
	subs       map[*subscriber]struct{}
	broadcast  chan model.BalanceChange
	register   chan *subscriber
	unregister chan *subscriber
	done       chan struct{}
	count      atomic.Int64
}

func NewHub() *Hub {
	return &Hub{
		subs:       make(map[*subscriber]struct{}),
		broadcast:  make(chan model.BalanceChange, 256),
		register:   make(chan *subscriber),
		unregister: make(chan *subscriber),
		done:       make(chan struct{}),
	}
}

// Run is the hub's event loop. It returns when ctx is done, closing every
// client.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			for s := range h.subs {
				h.remove(s)
			}
			return

		case s := <-h.register:
			h.subs[s] = struct{}{}
			h.setCount()
			slog.Info("ws client connected", "total", len(h.subs), "user_id", s.userID, "app_id", s.appID)

		case s := <-h.unregister:
			h.remove(s)

		case c := <-h.broadcast:
			data, err := json.Marshal(Message{Type: "balance_change", Data: c})
			if err != nil {
				slog.Error("ws encode failed", "err", err)
				continue
			}
			for s := range h.subs {
				if !s.wants(c) {
					continue
				}
				select {
				case s.send <- data:
				default:
					// A client this far behind is dropped rather than
					// holding up everyone else.
					slog.Warn("ws client too slow, dropping", "user_id", s.userID)
					h.remove(s)
				}
			}
		}
	}
}

// remove must only be called from Run.
func (h *Hub) remove(s *subscriber) {
	if _, ok := h.subs[s]; !ok {
		return
	}
	delete(h.subs, s)
	close(s.send)
	h.setCount()
}

func (h *Hub) setCount() {
	h.count.Store(int64(len(h.subs)))
	metrics.WebSocketClients.Set(float64(len(h.subs)))
}

// Publish queues c for the interested clients without waiting for the
// writes. A full buffer is reported so the relay keeps c pending.
func (h *Hub) Publish(_ context.Context, c model.BalanceChange) error {
	select {
	case h.broadcast <- c:
		return nil
	default:
		return ErrHubBusy
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS handles GET /api/v1/ws. Optional user_id and app_id query
// parameters narrow the feed.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	userID, err1 := queryID(r, "user_id")
	appID, err2 := queryID(r, "app_id")
	if err := errors.Join(err1, err2); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}
	s := &subscriber{conn: conn, send: make(chan []byte, clientQueue), userID: userID, appID: appID}

	select {
	case h.register <- s:
	case <-h.done:
		conn.Close()
		return
	}
	go s.writePump()
	go h.readPump(s)
}

// readPump discards client frames; it exists to see pongs and disconnects.
func (h *Hub) readPump(s *subscriber) {
	defer func() {
		select {
		case h.unregister <- s:
		case <-h.done:
		}
		s.conn.Close()
	}()
	s.conn.SetReadLimit(512)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump is the only writer on the connection. It ends when the hub
// closes s.send or a write fails.
func (s *subscriber) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func queryID(r *http.Request, name string) (int64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New(name + " must be a positive integer")
	}
	return id, nil
}
