package chat

// Registry tracks live clients and the single waiting slot.
//
// A Registry is owned by one Hub goroutine and is not safe for concurrent use.
// Partner links are client IDs resolved through Lookup, so removing a client
// never leaves an owning reference behind.
type Registry struct {
	clients map[string]*Client
	waiting string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[string]*Client),
	}
}

// Add records c as live.
func (r *Registry) Add(c *Client) {
	r.clients[c.ID] = c
}

// Remove forgets the client with the given ID.
func (r *Registry) Remove(id string) {
	delete(r.clients, id)
}

// Lookup resolves a client ID.
func (r *Registry) Lookup(id string) (*Client, bool) {
	if id == "" {
		return nil, false
	}
	c, ok := r.clients[id]
	return c, ok
}

// Len returns the number of live clients.
func (r *Registry) Len() int {
	return len(r.clients)
}

// Each calls fn for every live client in unspecified order.
func (r *Registry) Each(fn func(*Client)) {
	for _, c := range r.clients {
		fn(c)
	}
}

// TryTakeWaiting reads and clears the waiting slot. A slot naming a client
// that is no longer live counts as empty.
func (r *Registry) TryTakeWaiting() (*Client, bool) {
	id := r.waiting
	r.waiting = ""
	return r.Lookup(id)
}

// SetWaiting makes c the sole waiting client, replacing any previous one.
func (r *Registry) SetWaiting(c *Client) {
	r.waiting = c.ID
}

// ClearWaitingIfSelf empties the waiting slot only when it holds c.
// It reports whether the slot was cleared.
func (r *Registry) ClearWaitingIfSelf(c *Client) bool {
	if r.waiting == "" || r.waiting != c.ID {
		return false
	}
	r.waiting = ""
	return true
}

// Waiting returns the waiting client without clearing the slot.
func (r *Registry) Waiting() (*Client, bool) {
	return r.Lookup(r.waiting)
}
