package connectivity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"kasirinaja/terminal/internal/remote"
)

type Prober interface {
	Ping(ctx context.Context) error
}

// Monitor tracks whether the back office is reachable. It starts optimistic
// and flips on the outcome of real calls and periodic probes.
type Monitor struct {
	mu       sync.RWMutex
	online   bool
	lastErr  error
	changed  time.Time
	subs     []chan bool
	prober   Prober
	interval time.Duration
	log      *zap.Logger
}

func New(prober Prober, interval time.Duration, log *zap.Logger) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Monitor{
		online:   true,
		changed:  time.Now(),
		prober:   prober,
		interval: interval,
		log:      log,
	}
}

func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Status returns the current state, the last transport error and when the
// state last changed.
func (m *Monitor) Status() (bool, error, time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online, m.lastErr, m.changed
}

func (m *Monitor) MarkOnline() {
	m.set(true, nil)
}

func (m *Monitor) MarkOffline(reason error) {
	m.set(false, reason)
}

// Observe feeds the result of a remote call. Only transport failures take the
// terminal offline; a rejected request still proves the link works.
func (m *Monitor) Observe(err error) {
	if err != nil && remote.IsTransport(err) {
		m.MarkOffline(err)
		return
	}
	m.MarkOnline()
}

// Subscribe returns a channel that receives the new state on every change.
// Slow readers only see the latest state.
func (m *Monitor) Subscribe() <-chan bool {
	ch := make(chan bool, 1)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

func (m *Monitor) set(online bool, reason error) {
	m.mu.Lock()
	if m.online == online {
		if !online {
			m.lastErr = reason
		}
		m.mu.Unlock()
		return
	}
	m.online = online
	m.lastErr = reason
	m.changed = time.Now()
	subs := append([]chan bool(nil), m.subs...)
	m.mu.Unlock()

	if online {
		m.log.Info("back office reachable again")
	} else {
		m.log.Warn("back office unreachable, switching to offline mode", zap.Error(reason))
	}

	for _, ch := range subs {
		select {
		case ch <- online:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- online:
			default:
			}
		}
	}
}

// Probe pings the back office once and records the outcome.
func (m *Monitor) Probe(ctx context.Context) {
	if m.prober == nil {
		return
	}
	if err := m.prober.Ping(ctx); err != nil {
		m.MarkOffline(err)
		return
	}
	m.MarkOnline()
}

// Run probes on the configured interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	m.Probe(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}
