package websocket

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tronraffle/internal/domain/model"
	"tronraffle/internal/domain/useCases"
)

// notification is the wire envelope pushed to connected front ends. The chat
// front end renders these as user-facing messages.
type notification struct {
	Type   string      `json:"type"`
	ChatID string      `json:"chat_id"`
	At     time.Time   `json:"at"`
	Data   interface{} `json:"data,omitempty"`
}

// Broadcaster implements the Notifier interface over websocket connections.
type Broadcaster struct {
	clients  map[*websocket.Conn]struct{}
	mu       sync.Mutex
	upgrader websocket.Upgrader
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients:  make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
}

var _ useCases.Notifier = (*Broadcaster)(nil)

func (b *Broadcaster) NotifyCredit(res *model.CreditResult) {
	b.broadcast(notification{Type: "credit", ChatID: res.ChatID, At: time.Now().UTC(), Data: res})
}

func (b *Broadcaster) NotifyWinner(res *model.DrawResult) {
	b.broadcast(notification{Type: "winner", ChatID: res.ChatID, At: time.Now().UTC(), Data: res})
}

func (b *Broadcaster) NotifyPayout(rec *model.PayoutRecord) {
	b.broadcast(notification{Type: "payout", ChatID: rec.ChatID, At: time.Now().UTC(), Data: rec})
}

func (b *Broadcaster) NotifyAlert(chatID, message string) {
	b.broadcast(notification{Type: "alert", ChatID: chatID, At: time.Now().UTC(), Data: message})
}

func (b *Broadcaster) broadcast(n notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	msg, err := json.Marshal(n)
	if err != nil {
		log.Printf("failed to marshal notification: %v", err)
		return
	}
	for c := range b.clients {
		if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
			log.Printf("websocket write error: %v", err)
			c.Close()
			delete(b.clients, c)
		}
	}
}

// Handler returns an http.HandlerFunc to accept websocket connections.
func (b *Broadcaster) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := b.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("websocket upgrade error: %v", err)
			return
		}
		b.mu.Lock()
		b.clients[conn] = struct{}{}
		b.mu.Unlock()
		// Read loop to detect closed connections.
		go func() {
			defer func() {
				b.mu.Lock()
				delete(b.clients, conn)
				b.mu.Unlock()
				conn.Close()
			}()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					break
				}
			}
		}()
	}
}
