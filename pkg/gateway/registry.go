package gateway

import (
	"sort"
	"sync"
	"time"
)

const idleAfter = 5 * time.Minute

// ClientRegistry tracks open connections and the connection that owns each session code.
// A session code belongs to the first connection that uses it until that connection closes.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client
	owners  map[string]string // session code -> client id
}

func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		clients: make(map[string]*Client),
		owners:  make(map[string]string),
	}
}

func (r *ClientRegistry) Add(client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[client.ID] = client
}

// Remove forgets a connection and returns the session codes it owned, sorted
func (r *ClientRegistry) Remove(clientID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.clients, clientID)
	released := r.sessionsOf(clientID)
	for _, sid := range released {
		delete(r.owners, sid)
	}
	return released
}

// Sessions returns the session codes clientID owns, sorted
func (r *ClientRegistry) Sessions(clientID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessionsOf(clientID)
}

// Claim binds sessionID to clientID. It returns false when another open
// connection already owns the session.
func (r *ClientRegistry) Claim(sessionID, clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, ok := r.owners[sessionID]; ok && owner != clientID {
		return false
	}
	r.owners[sessionID] = clientID
	return true
}

// Owns reports whether clientID owns sessionID
func (r *ClientRegistry) Owns(clientID, sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.owners[sessionID] == clientID
}

// Owner returns the connection that owns sessionID
func (r *ClientRegistry) Owner(sessionID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.owners[sessionID]
	if !ok {
		return nil, false
	}
	client, ok := r.clients[id]
	return client, ok
}

// All returns every open connection
func (r *ClientRegistry) All() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]*Client, 0, len(r.clients))
	for _, client := range r.clients {
		clients = append(clients, client)
	}
	return clients
}

func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Touch records inbound activity on a connection
func (r *ClientRegistry) Touch(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if client, ok := r.clients[clientID]; ok {
		client.LastActivity = time.Now()
	}
}

// Snapshot describes every open connection with the sessions it owns
func (r *ClientRegistry) Snapshot() []ClientInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	infos := make([]ClientInfo, 0, len(r.clients))
	for _, client := range r.clients {
		infos = append(infos, ClientInfo{
			ID:           client.ID,
			ConnectedAt:  client.ConnectedAt,
			LastActivity: client.LastActivity,
			IPAddress:    client.IPAddress,
			Sessions:     r.sessionsOf(client.ID),
			Idle:         now.Sub(client.LastActivity) > idleAfter,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ConnectedAt.Before(infos[j].ConnectedAt) })
	return infos
}

// sessionsOf must be called with r.mu held
func (r *ClientRegistry) sessionsOf(clientID string) []string {
	var out []string
	for sid, owner := range r.owners {
		if owner == clientID {
			out = append(out, sid)
		}
	}
	sort.Strings(out)
	return out
}
