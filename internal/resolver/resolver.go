package resolver

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/hilthontt/metrelay/internal/domain"
	"github.com/hilthontt/metrelay/internal/infrastructure/logging"
	"github.com/hilthontt/metrelay/internal/infrastructure/metrics"
	"github.com/hilthontt/metrelay/internal/infrastructure/rate"
	"github.com/hilthontt/metrelay/internal/persistence/assignments"
	"github.com/pkg/errors"
)

type Config struct {
	FullDelay     time.Duration
	BalanceDelay  time.Duration
	BalancePeriod time.Duration
	BalanceWindow time.Duration
	PersistDelay  time.Duration
	PersistPeriod time.Duration
}

func applyConfigDefaults(cfg *Config) {
	if cfg.FullDelay == 0 {
		cfg.FullDelay = 5 * time.Minute
	}
	if cfg.BalanceDelay == 0 {
		cfg.BalanceDelay = 10 * time.Minute
	}
	if cfg.BalancePeriod == 0 {
		cfg.BalancePeriod = 2 * time.Minute
	}
	if cfg.BalanceWindow == 0 {
		cfg.BalanceWindow = 30 * time.Minute
	}
	if cfg.PersistDelay == 0 {
		cfg.PersistDelay = 10 * time.Minute
	}
	if cfg.PersistPeriod == 0 {
		cfg.PersistPeriod = 60 * time.Minute
	}
}

// Resolver pins each metric name to one backend and keeps the pins flat
// across healthy backends as arrival rates evolve.
//
// Two critical sections guard its state: ratesMu for the per-metric arrival
// registry and mu for the metric-to-backend map. When both are needed the
// order is always ratesMu first, then mu.
type Resolver struct {
	cfg     Config
	logger  logging.Logger
	metrics *metrics.Metrics
	store   *assignments.Store

	// servers is the dense index of configured backends. Built once,
	// read-only afterwards.
	servers []*domain.Backend

	ratesMu sync.Mutex
	rates   map[string]*rate.Arrival

	mu          sync.Mutex
	assignments map[string]*domain.Backend

	balanceUntil time.Time
}

func New(backends []*domain.Backend, store *assignments.Store, cfg Config, logger logging.Logger, m *metrics.Metrics) (*Resolver, error) {
	if len(backends) == 0 {
		return nil, errors.New("resolver needs at least one backend")
	}

	applyConfigDefaults(&cfg)

	r := &Resolver{
		cfg:          cfg,
		logger:       logger,
		metrics:      m,
		store:        store,
		servers:      backends,
		rates:        make(map[string]*rate.Arrival),
		assignments:  make(map[string]*domain.Backend),
		balanceUntil: time.Now().Add(cfg.BalanceWindow),
	}

	if store != nil {
		r.assignments = store.Read(backends, r.roundRobinUp)
		if len(r.assignments) > 0 {
			logger.Info(logging.Resolver, logging.Assignment, "restored assignments",
				map[logging.ExtraKey]any{
					logging.Count: len(r.assignments),
					logging.Path:  store.Path(),
				})
		}
	}

	return r, nil
}

// LookupIngest resolves the backend for one data point and feeds both the
// per-metric and the backend arrival estimates. An empty metric name gets a
// random up backend, feeds only the backend estimate and is never pinned.
func (r *Resolver) LookupIngest(metric string) *domain.Backend {
	if metric == "" {
		result := r.randomUp(nil)
		if result != nil {
			result.Arrived()
		}
		return result
	}

	r.arrivedMetric(metric)

	r.mu.Lock()
	result := r.resolveIngestLocked(metric)
	r.mu.Unlock()

	if result != nil {
		result.Arrived()
	}

	return result
}

func (r *Resolver) resolveIngestLocked(metric string) *domain.Backend {
	var result *domain.Backend

	if pinned, ok := r.assignments[metric]; ok {
		if pinned.IsUp() {
			result = pinned
		} else if repl := r.leastLoadedUp(); repl != nil {
			r.assignments[metric] = repl
			result = repl
		}
	} else if b := r.roundRobinUp(len(r.assignments)); b != nil {
		r.assignments[metric] = b
		result = b
	}

	// Liveness can flip between the map read and here; re-check and fall
	// back to any up backend rather than hand out a dead one.
	if result == nil || !result.IsUp() {
		for _, b := range r.servers {
			if b.IsUp() {
				r.assignments[metric] = b
				result = b
				break
			}
		}
	}

	return result
}

// Lookup resolves the backend for a non-ingest line. It never touches the
// per-metric registry and prefers a random up backend over the pinning
// policies; a binding is only recorded when the last-resort scan runs for a
// named metric.
func (r *Resolver) Lookup(metric string) *domain.Backend {
	if metric == "" {
		result := r.randomUp(nil)
		if result == nil || !result.IsUp() {
			for _, b := range r.servers {
				if b.IsUp() {
					result = b
					break
				}
			}
		}
		if result != nil {
			result.Arrived()
		}
		return result
	}

	r.mu.Lock()
	var result *domain.Backend
	if pinned, ok := r.assignments[metric]; ok && pinned.IsUp() {
		result = pinned
	} else {
		result = r.randomUp(nil)
	}
	if result == nil || !result.IsUp() {
		for _, b := range r.servers {
			if b.IsUp() {
				r.assignments[metric] = b
				result = b
				break
			}
		}
	}
	r.mu.Unlock()

	if result != nil {
		result.Arrived()
	}

	return result
}

// arrivedMetric bumps the metric's arrival estimate, creating it on first
// sight. This is the only writer of the rates map.
func (r *Resolver) arrivedMetric(metric string) {
	r.ratesMu.Lock()
	a, ok := r.rates[metric]
	if !ok {
		a = rate.NewArrival()
		r.rates[metric] = a
	}
	r.ratesMu.Unlock()

	a.Arrived()
}

// metricRateLocked requires ratesMu to be held.
func (r *Resolver) metricRateLocked(metric string) float64 {
	if a, ok := r.rates[metric]; ok {
		return a.Rate()
	}
	return 0.0
}

// leastLoadedUp returns the up backend with the lowest arrival rate,
// tie-broken by server index order.
func (r *Resolver) leastLoadedUp() *domain.Backend {
	order := make([]int, len(r.servers))
	rates := make([]float64, len(r.servers))
	for i, b := range r.servers {
		order[i] = i
		rates[i] = b.ArrivalRate()
	}

	sort.SliceStable(order, func(i, j int) bool {
		return rates[order[i]] < rates[order[j]]
	})

	for _, i := range order {
		if r.servers[i].IsUp() {
			return r.servers[i]
		}
	}

	return nil
}

// randomUp samples up to N slots uniformly, skipping down backends and the
// excluded one.
func (r *Resolver) randomUp(except *domain.Backend) *domain.Backend {
	n := len(r.servers)
	for attempt := 0; attempt < n; attempt++ {
		b := r.servers[rand.Intn(n)]
		if !b.IsUp() {
			continue
		}
		if except != nil && b.Equal(except) {
			continue
		}
		return b
	}

	return nil
}

// roundRobinUp stripes by the current assignment population: slot
// size mod N, falling back to a random up backend when that slot is down.
func (r *Resolver) roundRobinUp(size int) *domain.Backend {
	b := r.servers[size%len(r.servers)]
	if b.IsUp() {
		return b
	}

	return r.randomUp(nil)
}

// Assignment is one pinned metric as exposed to operators.
type Assignment struct {
	Metric  string  `json:"metric"`
	Backend string  `json:"backend"`
	Rate    float64 `json:"rate"`
}

// Snapshot returns the current pins sorted by metric name.
func (r *Resolver) Snapshot() []Assignment {
	r.ratesMu.Lock()
	defer r.ratesMu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Assignment, 0, len(r.assignments))
	for m, b := range r.assignments {
		out = append(out, Assignment{
			Metric:  m,
			Backend: b.Addr(),
			Rate:    r.metricRateLocked(m),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Metric < out[j].Metric })

	return out
}
