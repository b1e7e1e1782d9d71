/*
File Name:  monitor.go

Adaptive peer health monitor (§4.5): heartbeat scheduling, RTT EWMA,
health score and state transitions. Grounded in the teacher's Ping.go
autoPingAll/measured-RTT idiom, generalized from Peernet's single fixed
interval into the spec's adaptive interval with per-peer missed-count
state machine.
*/

package health

import (
	"sync"
	"time"

	"github.com/sovereign-comms/mesh-core/routing"
)

// Tuning defaults, per §4.5 and the heartbeat config block (§spec "heartbeat").
const (
	DefaultBaseInterval = 30 * time.Second
	DefaultMinInterval  = 10 * time.Second
	DefaultMaxInterval  = 60 * time.Second
	DefaultMaxMissed    = 3
	DefaultEWMAAlpha    = 0.2

	// DefaultHealthyRTTThreshold gates the DEGRADED -> CONNECTED recovery transition.
	DefaultHealthyRTTThreshold = 250 * time.Millisecond
	// HealthyCyclesToRecover is the number of consecutive miss-free, low-RTT
	// cycles required before a DEGRADED peer is restored to CONNECTED.
	HealthyCyclesToRecover = 2

	intervalGrowthFactor   = 1.5
	intervalShrinkFactor   = 0.5
)

// StateChangeEvent describes a peer health-driven transition, consumed by the relay.
type StateChangeEvent struct {
	PeerID string
	Old    routing.State
	New    routing.State
}

// peerHealth is the per-peer adaptive heartbeat state.
type peerHealth struct {
	rttEwma        time.Duration
	lossRatio      float64
	missed         int
	healthyCycles  int
	currentInterval time.Duration
	pingSentAt     time.Time
	pingOutstanding bool
}

// Monitor tracks heartbeat health for every peer registered in table and
// drives CONNECTED/DEGRADED/DISCONNECTED transitions. It does not own
// transport I/O: callers invoke RecordPingSent/RecordPong/RecordMissed as
// CONTROL_PING/CONTROL_PONG messages are sent and received.
type Monitor struct {
	mutex sync.Mutex

	table *routing.Table

	baseInterval time.Duration
	minInterval  time.Duration
	maxInterval  time.Duration
	maxMissed    int
	ewmaAlpha    float64
	rttThreshold time.Duration

	peers map[string]*peerHealth

	onStateChange func(StateChangeEvent)
}

// Option configures a Monitor at construction time.
type Option func(*Monitor)

// WithIntervals overrides the base/min/max heartbeat intervals.
func WithIntervals(base, min, max time.Duration) Option {
	return func(m *Monitor) {
		m.baseInterval = base
		m.minInterval = min
		m.maxInterval = max
	}
}

// WithMaxMissed overrides the missed-ping threshold before DEGRADED.
func WithMaxMissed(maxMissed int) Option {
	return func(m *Monitor) { m.maxMissed = maxMissed }
}

// WithHealthyRTTThreshold overrides the RTT ceiling for DEGRADED -> CONNECTED recovery.
func WithHealthyRTTThreshold(threshold time.Duration) Option {
	return func(m *Monitor) { m.rttThreshold = threshold }
}

// NewMonitor creates a health monitor bound to table, emitting state-change
// events through onStateChange (may be nil).
func NewMonitor(table *routing.Table, onStateChange func(StateChangeEvent), opts ...Option) *Monitor {
	m := &Monitor{
		table:         table,
		baseInterval:  DefaultBaseInterval,
		minInterval:   DefaultMinInterval,
		maxInterval:   DefaultMaxInterval,
		maxMissed:     DefaultMaxMissed,
		ewmaAlpha:     DefaultEWMAAlpha,
		rttThreshold:  DefaultHealthyRTTThreshold,
		peers:         make(map[string]*peerHealth),
		onStateChange: onStateChange,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Monitor) healthFor(peerID string) *peerHealth {
	ph, ok := m.peers[peerID]
	if !ok {
		ph = &peerHealth{currentInterval: m.baseInterval}
		m.peers[peerID] = ph
	}
	return ph
}

// RecordPingSent starts the RTT timer for a CONTROL_PING just sent to peerID.
func (m *Monitor) RecordPingSent(peerID string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	ph := m.healthFor(peerID)
	ph.pingSentAt = time.Now()
	ph.pingOutstanding = true
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// healthScore computes 100 - clamp(RTT_ms/20, 0, 50) - 10*lossRatio for the
// peer's current RTT EWMA and loss ratio.
func healthScore(rtt time.Duration, lossRatio float64) float64 {
	rttMs := float64(rtt.Milliseconds())
	return 100 - clamp(rttMs/20, 0, 50) - 10*lossRatio
}

// RecordPong processes a matching CONTROL_PONG: computes RTT, updates the
// EWMA (α=0.2), recomputes the health score, resets the missed count, and
// evaluates recovery from DEGRADED.
func (m *Monitor) RecordPong(peerID string) (score float64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	ph := m.healthFor(peerID)
	if !ph.pingOutstanding {
		return healthScore(ph.rttEwma, ph.lossRatio)
	}

	rtt := time.Since(ph.pingSentAt)
	ph.pingOutstanding = false

	if ph.rttEwma == 0 {
		ph.rttEwma = rtt
	} else {
		ph.rttEwma = time.Duration(m.ewmaAlpha*float64(rtt) + (1-m.ewmaAlpha)*float64(ph.rttEwma))
	}
	ph.missed = 0

	if ph.rttEwma < m.rttThreshold {
		ph.healthyCycles++
	} else {
		ph.healthyCycles = 0
	}

	m.maybeRecoverLocked(peerID, ph)
	m.adaptIntervalLocked(ph, true)

	return healthScore(ph.rttEwma, ph.lossRatio)
}

// RecordMissed marks a CONTROL_PING as unanswered, incrementing the missed
// count and applying the DEGRADED / DISCONNECTED transitions.
func (m *Monitor) RecordMissed(peerID string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	ph := m.healthFor(peerID)
	ph.pingOutstanding = false
	ph.missed++
	ph.healthyCycles = 0

	m.maybeDegradeLocked(peerID, ph)
	m.adaptIntervalLocked(ph, false)
}

func (m *Monitor) maybeDegradeLocked(peerID string, ph *peerHealth) {
	peer, ok := m.table.GetPeer(peerID)
	if !ok {
		return
	}

	old := peer.State
	switch {
	case ph.missed >= 2*m.maxMissed:
		peer.State = routing.StateDisconnected
	case ph.missed >= m.maxMissed:
		if peer.State == routing.StateConnected {
			peer.State = routing.StateDegraded
		}
	}
	if peer.State != old {
		m.emit(StateChangeEvent{PeerID: peerID, Old: old, New: peer.State})
	}
}

func (m *Monitor) maybeRecoverLocked(peerID string, ph *peerHealth) {
	peer, ok := m.table.GetPeer(peerID)
	if !ok {
		return
	}

	if peer.State == routing.StateDegraded && ph.healthyCycles >= HealthyCyclesToRecover {
		old := peer.State
		peer.State = routing.StateConnected
		m.emit(StateChangeEvent{PeerID: peerID, Old: old, New: peer.State})
	}
}

func (m *Monitor) emit(event StateChangeEvent) {
	if m.onStateChange != nil {
		m.onStateChange(event)
	}
}

// adaptIntervalLocked grows the heartbeat interval on a healthy exchange and
// shrinks it on a miss, clamped to [minInterval, maxInterval].
func (m *Monitor) adaptIntervalLocked(ph *peerHealth, healthy bool) {
	if healthy {
		ph.currentInterval = time.Duration(float64(ph.currentInterval) * intervalGrowthFactor)
	} else {
		ph.currentInterval = time.Duration(float64(ph.currentInterval) * intervalShrinkFactor)
	}
	if ph.currentInterval > m.maxInterval {
		ph.currentInterval = m.maxInterval
	}
	if ph.currentInterval < m.minInterval {
		ph.currentInterval = m.minInterval
	}
}

// NextInterval returns the current adaptive heartbeat interval for peerID.
func (m *Monitor) NextInterval(peerID string) time.Duration {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.healthFor(peerID).currentInterval
}

// Forget drops all heartbeat state for peerID, e.g. on disconnect.
func (m *Monitor) Forget(peerID string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.peers, peerID)
}
