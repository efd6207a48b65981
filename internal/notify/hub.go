// Package notify fans new-request notices out to connected members over
// websockets. Delivery is best-effort: every active member is considered
// subscribed, a gone or slow client is dropped, and nothing here can fail
// the request creation that triggered the notice.
package notify

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openmutual/pool/internal/events"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Notice is the wire form pushed to clients.
type Notice struct {
	Kind      string    `json:"kind"`
	RequestID string    `json:"request_id"`
	MemberID  string    `json:"member_id"`
	Amount    string    `json:"amount"`
	Reason    string    `json:"reason"`
	Deadline  time.Time `json:"deadline"`
}

type Hub struct {
	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		conns:  make(map[*websocket.Conn]struct{}),
		logger: logger,
	}
}

// ServeWS upgrades the connection and keeps it registered until the
// client goes away. Inbound frames are discarded; the socket is
// notify-only.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()

	go func() {
		defer h.drop(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
	conn.Close()
}

// Run broadcasts RequestCreated events until ctx is done.
func (h *Hub) Run(ctx context.Context, bus *events.Bus) {
	sub := bus.Subscribe(events.TypeRequestCreated)
	defer bus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Ch:
			if !ok {
				return
			}
			data, ok := evt.Data.(events.RequestCreatedData)
			if !ok {
				continue
			}
			h.broadcast(Notice{
				Kind:      "request_created",
				RequestID: data.RequestID,
				MemberID:  data.MemberID,
				Amount:    data.Amount.String(),
				Reason:    data.Reason,
				Deadline:  data.Deadline,
			})
		}
	}
}

func (h *Hub) broadcast(n Notice) {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(n); err != nil {
			h.logger.Warn("dropping notification client", "error", err)
			h.drop(conn)
		}
	}
}

// Close drops every client.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for conn := range h.conns {
		conns = append(conns, conn)
	}
	h.conns = make(map[*websocket.Conn]struct{})
	h.mu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
}
