package tags

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ResolverConfig tunes the cache and batch executor.
type ResolverConfig struct {
	// TTL is how long a cached distribution stays fresh.
	TTL time.Duration
	// RefreshMargin triggers a background re-resolution once less than
	// this much of an entry's life remains.
	RefreshMargin time.Duration
	// BatchBaseDelay is the initial accumulate delay before a batch
	// cycle fires its remote call; it doubles each cycle up to
	// BatchMaxDelay and resets once the pending list drains.
	BatchBaseDelay time.Duration
	BatchMaxDelay  time.Duration
	// RatePerSec and Burst throttle remote batch calls.
	RatePerSec float64
	Burst      int
}

// DefaultResolverConfig returns production defaults.
func DefaultResolverConfig() ResolverConfig {
	return ResolverConfig{
		TTL:            10 * time.Minute,
		RefreshMargin:  2 * time.Minute,
		BatchBaseDelay: 50 * time.Millisecond,
		BatchMaxDelay:  2 * time.Second,
		RatePerSec:     5,
		Burst:          5,
	}
}

type cacheEntry struct {
	dist    *Distribution
	expires time.Time
}

// job is one pending expression plus everyone waiting on it. Duplicate
// expressions across concurrent callers collapse into a single job.
type job struct {
	expr string
	done chan struct{}
	dist *Distribution
	err  error
}

// Resolver fronts a DirectoryClient with a TTL cache and a coalescing,
// throttled batch executor. All state is owned by the instance; tests
// may run many resolvers concurrently.
type Resolver struct {
	client  DirectoryClient
	cfg     ResolverConfig
	limiter *rate.Limiter
	log     *logrus.Logger

	mu         sync.Mutex
	cache      map[string]*cacheEntry
	pending    map[string]*job
	running    bool
	delay      time.Duration
	offline    bool
	refreshing map[string]struct{}

	batchCounter prometheus.Counter
	hitCounter   prometheus.Counter
	missCounter  prometheus.Counter
}

// NewResolver creates a resolver over client.
func NewResolver(client DirectoryClient, cfg ResolverConfig, log *logrus.Logger) *Resolver {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.TTL <= 0 {
		cfg = DefaultResolverConfig()
	}
	return &Resolver{
		client:     client,
		cfg:        cfg,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		log:        log,
		cache:      make(map[string]*cacheEntry),
		pending:    make(map[string]*job),
		delay:      cfg.BatchBaseDelay,
		refreshing: make(map[string]struct{}),
	}
}

// SetCounters attaches Prometheus counters for remote batches, cache
// hits and cache misses. Nil counters stay uncounted.
func (r *Resolver) SetCounters(batches, hits, misses prometheus.Counter) {
	r.batchCounter = batches
	r.hitCounter = hits
	r.missCounter = misses
}

func inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// Offline reports whether the last remote call failed.
func (r *Resolver) Offline() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.offline
}

// SetOffline forces the offline flag, primarily for connectivity hints
// from the transport layer.
func (r *Resolver) SetOffline(offline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offline = offline
}

// Resolve is ResolveBatch for a single expression.
func (r *Resolver) Resolve(ctx context.Context, expression string) (*Distribution, error) {
	dists, err := r.ResolveBatch(ctx, []string{expression}, ResolveOptions{})
	if err != nil {
		return nil, err
	}
	return dists[0], nil
}

// ResolveBatch resolves each expression, returning distributions in
// request order. Cache hits are served immediately (scheduling a
// background refresh when near expiry); misses coalesce into the shared
// pending list and ride the current or next batch cycle. A remote
// failure rejects exactly the callers riding the failed cycle.
func (r *Resolver) ResolveBatch(ctx context.Context, expressions []string, opts ResolveOptions) ([]*Distribution, error) {
	if len(expressions) == 0 {
		return nil, ErrEmptyExpression
	}
	for _, expr := range expressions {
		if strings.TrimSpace(expr) == "" {
			return nil, ErrEmptyExpression
		}
	}

	out := make([]*Distribution, len(expressions))
	var jobs []*job
	jobIdx := make(map[int]*job)

	r.mu.Lock()
	for i, expr := range expressions {
		if !opts.Refresh {
			if ent, ok := r.cache[expr]; ok {
				now := time.Now()
				if now.Before(ent.expires) {
					out[i] = ent.dist
					inc(r.hitCounter)
					if ent.expires.Sub(now) < r.cfg.RefreshMargin {
						r.scheduleRefreshLocked(expr)
					}
					continue
				}
				if r.offline {
					// Stale beats a round trip that would hang.
					stale := *ent.dist
					stale.Stale = true
					out[i] = &stale
					continue
				}
			}
		}
		inc(r.missCounter)
		j, ok := r.pending[expr]
		if !ok {
			j = &job{expr: expr, done: make(chan struct{})}
			r.pending[expr] = j
		}
		jobs = append(jobs, j)
		jobIdx[i] = j
	}
	needCycle := len(jobs) > 0 && !r.running
	if needCycle {
		r.running = true
	}
	r.mu.Unlock()

	if needCycle {
		go r.runBatchCycles()
	}

	for i, j := range jobIdx {
		select {
		case <-j.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if j.err != nil {
			return nil, j.err
		}
		out[i] = j.dist
	}
	return out, nil
}

// runBatchCycles drains the pending list: wait the accumulate delay,
// issue one deduplicated remote call, complete the riders, repeat until
// nothing is pending. Jobs added mid-cycle are picked up by the next
// iteration, never lost.
func (r *Resolver) runBatchCycles() {
	for {
		r.mu.Lock()
		delay := r.delay
		r.delay *= 2
		if r.delay > r.cfg.BatchMaxDelay {
			r.delay = r.cfg.BatchMaxDelay
		}
		r.mu.Unlock()

		time.Sleep(delay)

		r.mu.Lock()
		if len(r.pending) == 0 {
			r.running = false
			r.delay = r.cfg.BatchBaseDelay
			r.mu.Unlock()
			return
		}
		batch := r.pending
		r.pending = make(map[string]*job)
		r.mu.Unlock()

		r.executeBatch(batch)
	}
}

// executeBatch performs the remote call for one cycle and settles every
// rider. Failures reject only this cycle's riders; the cache and future
// cycles are unaffected.
func (r *Resolver) executeBatch(batch map[string]*job) {
	exprs := make([]string, 0, len(batch))
	for expr := range batch {
		exprs = append(exprs, expr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.limiter.Wait(ctx); err != nil {
		r.settleBatch(batch, nil, err)
		return
	}

	inc(r.batchCounter)
	dists, err := r.client.ResolveTagsBatch(ctx, exprs)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"expressions": len(exprs),
			"error":       err,
		}).Warn("Tag batch resolution failed")
		r.mu.Lock()
		r.offline = true
		r.mu.Unlock()
		r.settleBatch(batch, nil, err)
		return
	}
	if len(dists) != len(exprs) {
		r.settleBatch(batch, nil, ErrOffline)
		return
	}

	byExpr := make(map[string]*Distribution, len(dists))
	for i, expr := range exprs {
		byExpr[expr] = dists[i]
	}

	r.mu.Lock()
	r.offline = false
	for expr, dist := range byExpr {
		r.cache[expr] = &cacheEntry{dist: dist, expires: time.Now().Add(r.cfg.TTL)}
	}
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{
		"expressions": len(exprs),
	}).Debug("Tag batch resolved")
	r.settleBatch(batch, byExpr, nil)
}

func (r *Resolver) settleBatch(batch map[string]*job, results map[string]*Distribution, err error) {
	for expr, j := range batch {
		if err != nil {
			j.err = err
		} else {
			j.dist = results[expr]
		}
		close(j.done)
	}
}

// scheduleRefreshLocked starts a fire-and-forget re-resolution of a
// near-expiry expression. Callers hold r.mu.
func (r *Resolver) scheduleRefreshLocked(expr string) {
	if _, busy := r.refreshing[expr]; busy {
		return
	}
	r.refreshing[expr] = struct{}{}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_, err := r.ResolveBatch(ctx, []string{expr}, ResolveOptions{Refresh: true})
		if err != nil {
			r.log.WithFields(logrus.Fields{
				"expression": expr,
				"error":      err,
			}).Debug("Background distribution refresh failed")
		}
		r.mu.Lock()
		delete(r.refreshing, expr)
		r.mu.Unlock()
	}()
}

// ResolveDiff resolves both expressions and reports user ids present in
// after but not before (added) and the reverse (removed). Used to
// narrate membership changes as thread notices.
func (r *Resolver) ResolveDiff(ctx context.Context, before, after string) (added, removed []string, err error) {
	dists, err := r.ResolveBatch(ctx, []string{before, after}, ResolveOptions{})
	if err != nil {
		return nil, nil, err
	}
	prev, next := dists[0], dists[1]

	prevSet := make(map[string]struct{}, len(prev.UserIDs))
	for _, u := range prev.UserIDs {
		prevSet[u] = struct{}{}
	}
	nextSet := make(map[string]struct{}, len(next.UserIDs))
	for _, u := range next.UserIDs {
		nextSet[u] = struct{}{}
	}
	for _, u := range next.UserIDs {
		if _, ok := prevSet[u]; !ok {
			added = append(added, u)
		}
	}
	for _, u := range prev.UserIDs {
		if _, ok := nextSet[u]; !ok {
			removed = append(removed, u)
		}
	}
	return added, removed, nil
}

// CacheSize reports the number of cached expressions.
func (r *Resolver) CacheSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}
