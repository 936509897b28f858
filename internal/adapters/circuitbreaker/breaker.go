package circuitbreaker

import (
	"log"
	"sync"
	"time"

	"github.com/meridian-chat/meridian/internal/adapters/metrics"
)

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	default:
		return "open"
	}
}

// ReplicaBreaker gates read traffic to the replica. Lag measurements at or
// above the critical threshold, and failed probes, count as failures;
// maxFailures consecutive failures open the breaker. After the cooldown the
// breaker goes half open and the next healthy measurement closes it.
type ReplicaBreaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	openedAt    time.Time
	lastLag     float64
	criticalSec float64
	maxFailures int
	cooldown    time.Duration
}

func NewReplicaBreaker(criticalSec float64, maxFailures int, cooldown time.Duration) *ReplicaBreaker {
	return &ReplicaBreaker{
		state:       StateClosed,
		criticalSec: criticalSec,
		maxFailures: maxFailures,
		cooldown:    cooldown,
	}
}

// RecordLag feeds one successful lag measurement.
func (b *ReplicaBreaker) RecordLag(seconds float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastLag = seconds
	if seconds >= b.criticalSec {
		b.recordFailureLocked()
		return
	}

	b.failures = 0
	if b.state != StateClosed {
		log.Printf("replica breaker closing: lag %.1fs below critical threshold", seconds)
		b.setStateLocked(StateClosed)
	}
}

// RecordProbeFailure feeds one failed probe.
func (b *ReplicaBreaker) RecordProbeFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recordFailureLocked()
}

func (b *ReplicaBreaker) recordFailureLocked() {
	b.failures++
	// A half-open probe that fails reopens immediately.
	if b.state == StateHalfOpen || b.failures >= b.maxFailures {
		if b.state != StateOpen {
			log.Printf("replica breaker opening after %d consecutive failures", b.failures)
		}
		b.openedAt = time.Now()
		b.setStateLocked(StateOpen)
	}
}

func (b *ReplicaBreaker) setStateLocked(s State) {
	b.state = s
	metrics.ReplicaBreakerState.Set(float64(s))
}

// Healthy reports whether reads may go to the replica. An open breaker past
// its cooldown transitions to half open, which lets reads through so the
// next measurement can settle the state.
func (b *ReplicaBreaker) Healthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && time.Since(b.openedAt) >= b.cooldown {
		log.Printf("replica breaker half open: cooldown elapsed")
		b.setStateLocked(StateHalfOpen)
	}
	return b.state != StateOpen
}

func (b *ReplicaBreaker) LagSeconds() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastLag
}

func (b *ReplicaBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
