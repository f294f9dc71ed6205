package provider

import "fmt"

// Registry resolves a provider name to its Client, used by the session
// capability when dispatching model-facing commands.
type Registry struct {
	clients map[string]Client
}

// NewRegistry builds a Registry from a set of adapters.
func NewRegistry(clients ...Client) *Registry {
	r := &Registry{clients: make(map[string]Client, len(clients))}
	for _, c := range clients {
		r.clients[c.Name()] = c
	}
	return r
}

// Get resolves a provider by name.
func (r *Registry) Get(name string) (Client, error) {
	c, ok := r.clients[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
	return c, nil
}

// Names lists every registered provider.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.clients))
	for n := range r.clients {
		names = append(names, n)
	}
	return names
}
