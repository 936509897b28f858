package postgres

import (
	"context"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-chat/meridian/internal/adapters/metrics"
)

// lagProbe lets the monitor report measurements to the replica breaker and
// read its verdict back for the health gauge.
type lagProbe interface {
	RecordLag(seconds float64)
	RecordProbeFailure()
	Healthy() bool
}

// LagMonitor periodically measures replication lag on the replica and feeds
// the measurement to the replica circuit breaker. A replica that cannot be
// probed counts as a failure; the breaker decides when reads move back to
// the primary.
type LagMonitor struct {
	replica  *pgxpool.Pool
	probe    lagProbe
	interval time.Duration
	warnSec  float64
}

func NewLagMonitor(replica *pgxpool.Pool, probe lagProbe, interval time.Duration, warnSec float64) *LagMonitor {
	return &LagMonitor{
		replica:  replica,
		probe:    probe,
		interval: interval,
		warnSec:  warnSec,
	}
}

// Run polls until the context is canceled. One measurement happens
// immediately so the breaker has data before the first tick.
func (m *LagMonitor) Run(ctx context.Context) {
	m.measure(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.measure(ctx)
		}
	}
}

func (m *LagMonitor) measure(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// Zero when the replica is caught up; the replay functions are null on a
	// primary, which COALESCE treats as no lag.
	const query = `
		SELECT
			COALESCE(EXTRACT(EPOCH FROM (now() - pg_last_xact_replay_timestamp())), 0)::float8,
			COALESCE(pg_wal_lsn_diff(pg_last_wal_receive_lsn(), pg_last_wal_replay_lsn()), 0)::float8`

	var lag, lagBytes float64
	if err := m.replica.QueryRow(ctx, query).Scan(&lag, &lagBytes); err != nil {
		log.Printf("replica lag probe failed: %v", err)
		m.probe.RecordProbeFailure()
		m.publishHealth()
		return
	}
	if lag < 0 {
		lag = 0
	}
	if lagBytes < 0 {
		lagBytes = 0
	}

	metrics.ReplicaLagSeconds.Set(lag)
	metrics.ReplicaLagBytes.Set(lagBytes)
	if lag >= m.warnSec {
		log.Printf("replica lag %.1fs above warning threshold %.1fs", lag, m.warnSec)
	}
	m.probe.RecordLag(lag)
	m.publishHealth()
}

func (m *LagMonitor) publishHealth() {
	if m.probe.Healthy() {
		metrics.ReplicaHealthy.Set(1)
	} else {
		metrics.ReplicaHealthy.Set(0)
	}
}
