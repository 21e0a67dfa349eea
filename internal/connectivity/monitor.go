// Package connectivity observes the host's network reachability and turns it
// into a single authoritative stream of online/offline transitions.
package connectivity

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/tdrlabs/attendance-offline/internal/events"
	"go.uber.org/zap"
)

// State enumerates the two connectivity states.
type State string

const (
	StateOnline  State = "online"
	StateOffline State = "offline"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultDebounceWindow    = 2 * time.Second
	defaultProbeTimeout      = 5 * time.Second
)

var errMissingBus = errors.New("connectivity: event bus is required")

// Prober answers whether the network currently looks reachable.
type Prober interface {
	Probe(ctx context.Context) bool
}

// HTTPProber issues HEAD requests against a known endpoint. Any response,
// even an error status, proves the network path is up; only transport
// failures count as offline.
type HTTPProber struct {
	client *http.Client
	url    string
}

// NewHTTPProber constructs a prober for the given URL.
func NewHTTPProber(url string, timeout time.Duration) *HTTPProber {
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	return &HTTPProber{
		client: &http.Client{Timeout: timeout},
		url:    url,
	}
}

// Probe reports current reachability.
func (p *HTTPProber) Probe(ctx context.Context) bool {
	request, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return false
	}
	response, err := p.client.Do(request)
	if err != nil {
		return false
	}
	response.Body.Close() //nolint:errcheck
	return true
}

// Snapshot captures the monitor's externally visible state.
type Snapshot struct {
	State            State     `json:"state"`
	LastTransitionAt time.Time `json:"last_transition_at"`
	WasOffline       bool      `json:"was_offline"`
}

// MonitorConfig configures a Monitor.
type MonitorConfig struct {
	Bus               *events.Bus
	Prober            Prober
	HeartbeatInterval time.Duration
	DebounceWindow    time.Duration
	InitialState      State
	Clock             func() time.Time
	Logger            *zap.Logger
}

// Monitor debounces raw connectivity signals (native pushes via SetOnline and
// the polling heartbeat) and publishes went-online / went-offline events at
// most once per genuine transition.
type Monitor struct {
	bus       *events.Bus
	prober    Prober
	heartbeat time.Duration
	debounce  time.Duration
	clock     func() time.Time
	logger    *zap.Logger

	mu             sync.Mutex
	published      State
	raw            State
	settleTimer    *time.Timer
	lastTransition time.Time
	wasOffline     bool
}

// NewMonitor constructs a Monitor. The prober is optional; a monitor without
// one only reacts to SetOnline pushes.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if cfg.Bus == nil {
		return nil, errMissingBus
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	debounce := cfg.DebounceWindow
	if debounce <= 0 {
		debounce = defaultDebounceWindow
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	initial := cfg.InitialState
	if initial == "" {
		initial = StateOnline
	}
	return &Monitor{
		bus:            cfg.Bus,
		prober:         cfg.Prober,
		heartbeat:      heartbeat,
		debounce:       debounce,
		clock:          clock,
		logger:         logger,
		published:      initial,
		raw:            initial,
		lastTransition: clock().UTC(),
		wasOffline:     initial == StateOffline,
	}, nil
}

// Start runs the polling heartbeat until ctx is done. It returns immediately
// when no prober is configured.
func (m *Monitor) Start(ctx context.Context) {
	if m.prober == nil {
		return
	}
	go func() {
		m.observe(m.prober.Probe(ctx))
		ticker := time.NewTicker(m.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.observe(m.prober.Probe(ctx))
			}
		}
	}()
}

// SetOnline feeds a host-pushed connectivity signal into the monitor.
func (m *Monitor) SetOnline(online bool) {
	m.observe(online)
}

// State returns the last published (debounced) state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.published
}

// CurrentSnapshot returns the monitor's externally visible state.
func (m *Monitor) CurrentSnapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		State:            m.published,
		LastTransitionAt: m.lastTransition,
		WasOffline:       m.wasOffline,
	}
}

func (m *Monitor) observe(online bool) {
	observed := StateOffline
	if online {
		observed = StateOnline
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if observed == m.raw {
		return
	}
	m.raw = observed

	// Restarting the timer on every raw change collapses flapping signals
	// into a single event for the final stable state.
	if m.settleTimer != nil {
		m.settleTimer.Stop()
	}
	m.settleTimer = time.AfterFunc(m.debounce, m.commit)
}

func (m *Monitor) commit() {
	m.mu.Lock()

	if m.raw == m.published {
		m.mu.Unlock()
		return
	}
	m.published = m.raw
	m.lastTransition = m.clock().UTC()

	eventType := events.TypeWentOffline
	if m.published == StateOnline {
		eventType = events.TypeWentOnline
		m.wasOffline = false
	} else {
		m.wasOffline = true
	}
	snapshot := Snapshot{
		State:            m.published,
		LastTransitionAt: m.lastTransition,
		WasOffline:       m.wasOffline,
	}
	m.mu.Unlock()

	m.logger.Info("connectivity transition", zap.String("state", string(snapshot.State)))
	m.bus.Publish(events.Event{Type: eventType, Payload: snapshot, Timestamp: snapshot.LastTransitionAt})
}
