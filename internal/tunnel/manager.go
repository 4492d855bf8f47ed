package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"golang.ngrok.com/ngrok"
	"golang.ngrok.com/ngrok/config"
)

// ErrNoAuthToken reports an open attempt without a configured ngrok token.
var ErrNoAuthToken = errors.New("ngrok auth token is not configured")

// Info describes one open tunnel.
type Info struct {
	Port      int       `json:"port"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"createdAt"`
}

// forwarder is the slice of the ngrok listener the manager needs.
type forwarder interface {
	URL() string
	Close() error
}

// openForwarder dials ngrok; swapped in tests.
var openForwarder = func(ctx context.Context, port int, token string) (forwarder, error) {
	backend, err := url.Parse(fmt.Sprintf("http://localhost:%d", port))
	if err != nil {
		return nil, err
	}
	return ngrok.ListenAndForward(ctx, backend,
		config.HTTPEndpoint(config.WithScheme(config.SchemeHTTPS)),
		ngrok.WithAuthtoken(token),
	)
}

type entry struct {
	fwd  forwarder
	info Info
}

// Manager tracks open tunnels by port.
type Manager struct {
	token string
	now   func() time.Time

	mu      sync.Mutex
	tunnels map[int]entry
}

// NewManager creates a Manager. An empty token disables Open.
func NewManager(token string) *Manager {
	return &Manager{
		token:   token,
		now:     time.Now,
		tunnels: make(map[int]entry),
	}
}

// Open exposes a local port, replacing any existing tunnel on it. The
// replaced tunnel's close error is swallowed.
func (m *Manager) Open(ctx context.Context, port int) (Info, error) {
	if m.token == "" {
		return Info{}, ErrNoAuthToken
	}
	if port < 1 || port > 65535 {
		return Info{}, fmt.Errorf("invalid port %d", port)
	}

	m.mu.Lock()
	if existing, ok := m.tunnels[port]; ok {
		delete(m.tunnels, port)
		m.mu.Unlock()
		_ = existing.fwd.Close()
		m.mu.Lock()
	}
	m.mu.Unlock()

	fwd, err := openForwarder(ctx, port, m.token)
	if err != nil {
		return Info{}, fmt.Errorf("open tunnel for port %d: %w", port, err)
	}
	info := Info{Port: port, URL: fwd.URL(), CreatedAt: m.now()}

	m.mu.Lock()
	m.tunnels[port] = entry{fwd: fwd, info: info}
	m.mu.Unlock()
	return info, nil
}

// Get returns the tunnel open on port, if any.
func (m *Manager) Get(port int) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.tunnels[port]
	return e.info, ok
}

// List returns open tunnels ordered by port.
func (m *Manager) List() []Info {
	m.mu.Lock()
	out := make([]Info, 0, len(m.tunnels))
	for _, e := range m.tunnels {
		out = append(out, e.info)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// Close tears down the tunnel on port.
func (m *Manager) Close(port int) error {
	m.mu.Lock()
	e, ok := m.tunnels[port]
	delete(m.tunnels, port)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no tunnel open on port %d", port)
	}
	return e.fwd.Close()
}

// CloseAll tears down every tracked tunnel, swallowing close errors.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	entries := make([]entry, 0, len(m.tunnels))
	for _, e := range m.tunnels {
		entries = append(entries, e)
	}
	m.tunnels = make(map[int]entry)
	m.mu.Unlock()
	for _, e := range entries {
		_ = e.fwd.Close()
	}
}
