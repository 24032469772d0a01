package circuitbreaker

import (
	"net/url"
	"sort"
	"sync"
)

// Registry keeps one breaker per upstream host (URL authority). It is
// created once per process and shared by every HTTP client instance.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      Config
}

// NewRegistry creates a registry whose breakers share the given config.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
	}
}

// Get returns the breaker for a host key, creating it on first use.
func (r *Registry) Get(host string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[host]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring the write lock.
	if b, ok = r.breakers[host]; ok {
		return b
	}

	b = New(host, r.cfg)
	r.breakers[host] = b
	return b
}

// ForURL returns the breaker guarding the URL's authority. Unparseable
// URLs share a single breaker under their raw string so they still get
// failure isolation.
func (r *Registry) ForURL(rawurl string) *Breaker {
	u, err := url.Parse(rawurl)
	if err != nil || u.Host == "" {
		return r.Get(rawurl)
	}
	return r.Get(u.Host)
}

// ResetAll forces every breaker closed.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.breakers {
		b.Reset()
	}
}

// Snapshot returns the state of every breaker, sorted by host, for the
// circuit-breakers CLI verb.
func (r *Registry) Snapshot() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Status, 0, len(r.breakers))
	for host, b := range r.breakers {
		out = append(out, Status{Host: host, State: b.State(), Failures: b.Failures()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}

// Status describes one breaker for reporting.
type Status struct {
	Host     string
	State    State
	Failures int
}
