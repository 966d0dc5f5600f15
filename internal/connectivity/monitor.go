// Package connectivity decides whether the remote service is reachable and
// publishes debounced online/offline transitions.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/agentx/backend/internal/logging"
)

// LinkChecker reports link-layer connectivity.
type LinkChecker interface {
	LinkUp(ctx context.Context) bool
}

// Prober checks that the remote service answers.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// Transition is an emitted change of the stable state.
type Transition struct {
	Online bool
	At     time.Time
}

// Config configures a Monitor.
type Config struct {
	PollInterval time.Duration
	Debounce     time.Duration
	ProbeTimeout time.Duration
}

// Monitor combines link state and a reachability probe. Online requires
// both. A changed observation becomes the emitted state only after it has
// held for the debounce window; observations that flip back inside the
// window are discarded.
type Monitor struct {
	link   LinkChecker
	prober Prober
	cfg    Config
	now    func() time.Time

	mu          sync.Mutex
	initialized bool
	online      bool
	pending     *Transition // candidate state and when it was first seen
	reported    *bool       // last platform link report
	subs        map[int]chan Transition
	nextSub     int

	wake chan struct{}
}

// NewMonitor creates a Monitor. The state is offline until the first check.
func NewMonitor(link LinkChecker, prober Prober, cfg Config) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	return &Monitor{
		link:   link,
		prober: prober,
		cfg:    cfg,
		now:    time.Now,
		subs:   make(map[int]chan Transition),
		wake:   make(chan struct{}, 1),
	}
}

// SetClock replaces the time source.
func (m *Monitor) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Online returns the current stable state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe returns a channel receiving every emitted transition and a
// function that cancels the subscription.
func (m *Monitor) Subscribe() (<-chan Transition, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSub
	m.nextSub++
	ch := make(chan Transition, 8)
	m.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if c, ok := m.subs[id]; ok {
				delete(m.subs, id)
				close(c)
			}
		})
	}
}

// ReportLink records a link change pushed by the platform. A link-down
// report is observed at once; a link-up report schedules a probe.
func (m *Monitor) ReportLink(up bool) {
	m.mu.Lock()
	m.reported = &up
	m.mu.Unlock()

	if !up {
		m.Observe(false)
		return
	}
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Check takes one observation: link state, then the probe.
func (m *Monitor) Check(ctx context.Context) bool {
	online := m.linkUp(ctx)
	if online {
		probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
		err := m.prober.Probe(probeCtx)
		cancel()
		if err != nil {
			logging.Debug("Reachability probe failed", map[string]interface{}{"error": err.Error()})
			online = false
		}
	}
	m.Observe(online)
	return online
}

func (m *Monitor) linkUp(ctx context.Context) bool {
	m.mu.Lock()
	reported := m.reported
	m.mu.Unlock()
	if reported != nil && !*reported {
		return false
	}
	if m.link == nil {
		return true
	}
	return m.link.LinkUp(ctx)
}

// Observe feeds one raw observation into the debouncer.
func (m *Monitor) Observe(online bool) {
	m.mu.Lock()
	now := m.now()

	if !m.initialized {
		m.initialized = true
		m.online = online
		m.mu.Unlock()
		if online {
			m.emit(Transition{Online: true, At: now})
		}
		return
	}

	switch {
	case online == m.online:
		m.pending = nil
		m.mu.Unlock()
		return
	case m.pending == nil || m.pending.Online != online:
		m.pending = &Transition{Online: online, At: now}
	}

	if now.Sub(m.pending.At) < m.cfg.Debounce {
		m.mu.Unlock()
		return
	}
	m.online = online
	m.pending = nil
	m.mu.Unlock()

	m.emit(Transition{Online: online, At: now})
}

// pendingWait returns how long until a pending candidate may be confirmed.
func (m *Monitor) pendingWait() (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		return 0, false
	}
	wait := m.cfg.Debounce - m.now().Sub(m.pending.At)
	if wait < 0 {
		wait = 0
	}
	return wait, true
}

func (m *Monitor) emit(t Transition) {
	logging.Info("Connectivity changed", map[string]interface{}{"online": t.Online})

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, ch := range m.subs {
		select {
		case ch <- t:
		default:
			logging.Warn("Dropping connectivity transition for slow subscriber", map[string]interface{}{"subscriber": id})
		}
	}
}

// Run polls until ctx is cancelled. It checks immediately, then every
// PollInterval, sooner when a pending change is due for confirmation or
// the platform reports the link came up.
func (m *Monitor) Run(ctx context.Context) error {
	m.Check(ctx)
	for {
		wait := m.cfg.PollInterval
		if d, ok := m.pendingWait(); ok && d < wait {
			wait = d
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-m.wake:
			timer.Stop()
		case <-timer.C:
		}
		m.Check(ctx)
	}
}
