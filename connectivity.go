package fieldsync

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// ConnectivityState is the device's last known network state.
type ConnectivityState int

const (
	StateOffline ConnectivityState = iota
	StateOnline
)

func (s ConnectivityState) String() string {
	switch s {
	case StateOnline:
		return "online"
	case StateOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// ConnectivityEvent records one state transition.
type ConnectivityEvent struct {
	State ConnectivityState `json:"state"`
	At    time.Time         `json:"at"`
}

// ConnectivityObserver reports the device's network state. The engine
// consumes this interface; the host supplies the implementation. Absence
// of events means the last known state still holds, so implementations
// should emit only on change.
type ConnectivityObserver interface {
	Events() <-chan ConnectivityEvent
	State() ConnectivityState
}

// ManualConnectivity is a host-driven observer. Mobile platforms usually
// surface reachability through their own callbacks; the host forwards
// those here with SetState.
type ManualConnectivity struct {
	mu     sync.Mutex
	state  ConnectivityState
	events chan ConnectivityEvent
}

// NewManualConnectivity creates an observer with the given initial state.
func NewManualConnectivity(initial ConnectivityState) *ManualConnectivity {
	return &ManualConnectivity{
		state:  initial,
		events: make(chan ConnectivityEvent, 8),
	}
}

// SetState records a state change. Setting the current state again emits
// nothing.
func (m *ManualConnectivity) SetState(state ConnectivityState) {
	m.mu.Lock()
	if m.state == state {
		m.mu.Unlock()
		return
	}
	m.state = state
	m.mu.Unlock()

	select {
	case m.events <- ConnectivityEvent{State: state, At: time.Now().UTC()}:
	default:
		// Slow consumer; State() still answers the current state.
	}
}

func (m *ManualConnectivity) Events() <-chan ConnectivityEvent {
	return m.events
}

func (m *ManualConnectivity) State() ConnectivityState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ProbeConnectivity infers network state by probing an HTTP endpoint on an
// interval. Any response, even an error status below 500, proves the
// network path; request failures mean offline.
type ProbeConnectivity struct {
	url      string
	interval time.Duration
	client   HTTPDoer

	mu     sync.Mutex
	state  ConnectivityState
	events chan ConnectivityEvent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProbeConnectivity creates a probe against url. The state starts
// offline until the first probe answers.
func NewProbeConnectivity(url string, interval time.Duration) *ProbeConnectivity {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ProbeConnectivity{
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: 10 * time.Second},
		state:    StateOffline,
		events:   make(chan ConnectivityEvent, 8),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetHTTPClient replaces the probe's HTTP client. Useful for testing.
func (p *ProbeConnectivity) SetHTTPClient(client HTTPDoer) {
	p.client = client
}

// Start begins background probing.
func (p *ProbeConnectivity) Start() {
	p.wg.Add(1)
	go p.probeLoop()
}

// Stop halts probing.
func (p *ProbeConnectivity) Stop() {
	p.cancel()
	p.wg.Wait()
}

func (p *ProbeConnectivity) probeLoop() {
	defer p.wg.Done()

	p.probe()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.probe()
		}
	}
}

func (p *ProbeConnectivity) probe() {
	state := StateOffline

	req, err := http.NewRequestWithContext(p.ctx, http.MethodHead, p.url, nil)
	if err == nil {
		resp, rerr := p.client.Do(req)
		if rerr == nil {
			resp.Body.Close()
			if resp.StatusCode < 500 {
				state = StateOnline
			}
		}
	}

	p.setState(state)
}

func (p *ProbeConnectivity) setState(state ConnectivityState) {
	p.mu.Lock()
	if p.state == state {
		p.mu.Unlock()
		return
	}
	p.state = state
	p.mu.Unlock()

	slog.Info("connectivity changed", "state", state)

	select {
	case p.events <- ConnectivityEvent{State: state, At: time.Now().UTC()}:
	default:
	}
}

func (p *ProbeConnectivity) Events() <-chan ConnectivityEvent {
	return p.events
}

func (p *ProbeConnectivity) State() ConnectivityState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}
