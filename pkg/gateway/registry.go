package gateway

import (
	"sync"

	"github.com/gorilla/websocket"
)

// Client is one connected gateway consumer.
type Client struct {
	ID            string
	Challenge     string
	Authenticated bool
	AuthAttempts  int

	conn    *websocket.Conn
	writeMu sync.Mutex
}

// WriteJSON sends a JSON message to the client. Writes are serialized;
// the websocket connection allows only one concurrent writer.
func (c *Client) WriteJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

// Close terminates the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// ClientRegistry tracks connected clients.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewClientRegistry constructs an empty registry.
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{clients: make(map[string]*Client)}
}

// Add registers a client.
func (r *ClientRegistry) Add(client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[client.ID] = client
}

// Remove deregisters a client.
func (r *ClientRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, id)
}

// AuthenticatedClients returns a snapshot of authenticated clients.
func (r *ClientRegistry) AuthenticatedClients() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		if c.Authenticated {
			out = append(out, c)
		}
	}
	return out
}

// Count returns the number of connected clients.
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
