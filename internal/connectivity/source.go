package connectivity

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"
)

// Source reports the current connectivity state.
type Source interface {
	Probe(ctx context.Context) (State, error)
}

// InterfaceLister lists network interfaces. net.Interfaces satisfies it.
type InterfaceLister func() ([]net.Interface, error)

// ProbeSource inspects local interfaces for the transport type and validates
// reachability with an HTTP request to a probe URL.
type ProbeSource struct {
	url        string
	client     *http.Client
	interfaces InterfaceLister
}

// ProbeOption configures a ProbeSource.
type ProbeOption func(*ProbeSource)

// WithHTTPClient overrides the client used for the reachability request.
func WithHTTPClient(c *http.Client) ProbeOption {
	return func(p *ProbeSource) { p.client = c }
}

// WithInterfaceLister overrides interface discovery.
func WithInterfaceLister(l InterfaceLister) ProbeOption {
	return func(p *ProbeSource) { p.interfaces = l }
}

// NewProbeSource creates a ProbeSource. An empty url treats any up,
// non-loopback interface with an address as validated.
func NewProbeSource(url string, opts ...ProbeOption) *ProbeSource {
	p := &ProbeSource{
		url:        url,
		client:     &http.Client{Timeout: 5 * time.Second},
		interfaces: net.Interfaces,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe returns the current state. Cellular transports are reported metered.
func (p *ProbeSource) Probe(ctx context.Context) (State, error) {
	ifaces, err := p.interfaces()
	if err != nil {
		return Offline, fmt.Errorf("list interfaces: %w", err)
	}

	var types []NetworkType
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		types = append(types, ClassifyInterface(iface.Name))
	}
	netType := bestType(types)
	if netType == NetworkNone {
		return Offline, nil
	}

	state := State{
		Connected: true,
		Type:      netType,
		Metered:   netType == NetworkCellular,
	}
	if p.url == "" {
		state.Validated = true
		return state, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return state, fmt.Errorf("create probe request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return state, nil
	}
	resp.Body.Close()
	state.Validated = resp.StatusCode < 500
	return state, nil
}

// Static is a Source whose state is set explicitly. It backs dev mode and tests.
type Static struct {
	mu    sync.Mutex
	state State
}

// NewStatic returns a Static source reporting state.
func NewStatic(state State) *Static {
	return &Static{state: state}
}

// Set replaces the reported state.
func (s *Static) Set(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// Probe returns the configured state.
func (s *Static) Probe(context.Context) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, nil
}

// Online is a convenient validated, unmetered state for the given type.
func Online(t NetworkType) State {
	return State{Connected: true, Validated: true, Type: t, Metered: t == NetworkCellular}
}
