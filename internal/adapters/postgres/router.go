package postgres

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-chat/meridian/internal/adapters/metrics"
	"github.com/meridian-chat/meridian/internal/ports"
)

// Router owns the primary pool and, optionally, a replica pool. Writes and
// transactions always hit the primary; reads go to the replica while its
// health signal allows it and silently fall back to the primary otherwise.
type Router struct {
	primary *pgxpool.Pool
	replica *pgxpool.Pool
	health  ports.ReplicaHealth

	lastAcquire map[string]acquireSample
}

// acquireSample is the cumulative acquire state of a pool at the previous
// sampling tick.
type acquireSample struct {
	count    int64
	duration time.Duration
}

func NewRouter(primary *pgxpool.Pool) *Router {
	return &Router{primary: primary, lastAcquire: make(map[string]acquireSample)}
}

// WithReplica attaches a replica pool gated by the given health signal.
func (r *Router) WithReplica(replica *pgxpool.Pool, health ports.ReplicaHealth) *Router {
	r.replica = replica
	r.health = health
	return r
}

func (r *Router) Primary() *pgxpool.Pool {
	return r.primary
}

func (r *Router) Replica() *pgxpool.Pool {
	return r.replica
}

// readPool picks the pool for a read-only query.
func (r *Router) readPool() *pgxpool.Pool {
	if r.replica == nil {
		return r.primary
	}
	if r.health != nil && !r.health.Healthy() {
		metrics.ReplicaFallbacks.Inc()
		return r.primary
	}
	return r.replica
}

// CollectPoolStats publishes pool gauges until the context is canceled.
func (r *Router) CollectPoolStats(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.publishStats("primary", r.primary)
			if r.replica != nil {
				r.publishStats("replica", r.replica)
			}
		}
	}
}

func (r *Router) publishStats(name string, pool *pgxpool.Pool) {
	stat := pool.Stat()
	metrics.DBPoolAcquired.WithLabelValues(name).Set(float64(stat.AcquiredConns()))
	metrics.DBPoolTotal.WithLabelValues(name).Set(float64(stat.TotalConns()))
	metrics.DBPoolSaturation.WithLabelValues(name).Set(saturationRatio(stat.AcquiredConns(), stat.MaxConns()))
	r.sampleAcquireWait(name, stat)
	if stat.AcquiredConns() >= stat.MaxConns() {
		metrics.DBPoolExhaustions.WithLabelValues(name).Inc()
		log.Printf("db pool %s saturated: %d/%d connections acquired, %d waiting",
			name, stat.AcquiredConns(), stat.MaxConns(), stat.EmptyAcquireCount())
	}
}

// sampleAcquireWait observes the mean acquire wait since the previous tick.
// pgxpool only exposes cumulative counters, so the delta between ticks is
// what goes into the histogram.
func (r *Router) sampleAcquireWait(name string, stat *pgxpool.Stat) {
	prev := r.lastAcquire[name]
	current := acquireSample{count: stat.AcquireCount(), duration: stat.AcquireDuration()}
	r.lastAcquire[name] = current

	acquires := current.count - prev.count
	if acquires <= 0 {
		return
	}
	mean := (current.duration - prev.duration) / time.Duration(acquires)
	metrics.DBPoolAcquireWait.WithLabelValues(name).Observe(mean.Seconds())
}

// saturationRatio reports acquired connections as a fraction of the pool
// maximum, clamped to [0, 1].
func saturationRatio(acquired, max int32) float64 {
	if max <= 0 {
		return 0
	}
	ratio := float64(acquired) / float64(max)
	if ratio < 0 {
		return 0
	}
	if ratio > 1 {
		return 1
	}
	return ratio
}

// acquireExhausted reports whether an acquire failure was caused by pool
// saturation rather than an unreachable database: the context deadline
// expired while every connection was handed out.
func acquireExhausted(err error, acquired, max int32) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.DeadlineExceeded) && acquired >= max
}

// PoolConfig builds a pgxpool config from the service database settings.
func PoolConfig(url string, minConns, maxConns int, connectTimeout, idleTimeout time.Duration) (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	cfg.MinConns = int32(minConns)
	cfg.MaxConns = int32(maxConns)
	cfg.ConnConfig.ConnectTimeout = connectTimeout
	cfg.MaxConnIdleTime = idleTimeout
	return cfg, nil
}
