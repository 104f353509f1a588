package gateway

import (
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// idleAfter marks a websocket client idle in ClientInfo.
const idleAfter = 5 * time.Minute

// ClientRegistry tracks open websocket connections.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{clients: make(map[string]*Client)}
}

func (r *ClientRegistry) Add(client *Client) {
	client.touch()

	r.mu.Lock()
	r.clients[client.ID] = client
	r.mu.Unlock()
}

func (r *ClientRegistry) Remove(clientID string) {
	r.mu.Lock()
	delete(r.clients, clientID)
	r.mu.Unlock()
}

func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Snapshot lists connected clients, oldest connection first.
func (r *ClientRegistry) Snapshot() []ClientInfo {
	r.mu.RLock()
	infos := make([]ClientInfo, 0, len(r.clients))
	for _, c := range r.clients {
		infos = append(infos, c.info(time.Now()))
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ConnectedAt.Before(infos[j].ConnectedAt)
	})
	return infos
}

// CloseAll sends a going-away close frame to every client and closes its
// connection. Read loops then observe the error and unregister themselves.
func (r *ClientRegistry) CloseAll(reason string) {
	r.mu.RLock()
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.RUnlock()

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, reason)
	for _, c := range clients {
		_ = c.Conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = c.Conn.Close()
	}
}
