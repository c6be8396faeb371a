package resolver

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/hilthontt/metrelay/internal/domain"
	"github.com/hilthontt/metrelay/internal/infrastructure/logging"
	"github.com/hilthontt/metrelay/internal/persistence/assignments"
)

// imbalanceThreshold is the factor over the mean backend rate below which
// the incremental balance leaves the pins alone.
const imbalanceThreshold = 1.05

// moveBudgetFactor scales how much of the rate gap one balance run may
// shift, and reassignFraction caps how many pins it may touch.
const (
	moveBudgetFactor = 0.1
	reassignFraction = 0.20
)

// RebalanceAll drops every pin and restripes all known metrics across the
// backends, coldest metric first. The round-robin policy keys off the
// growing map, so the restripe spreads each rate band over the fleet.
func (r *Resolver) RebalanceAll() {
	r.ratesMu.Lock()
	defer r.ratesMu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()

	ordered := r.metricsByRateLocked()

	r.assignments = make(map[string]*domain.Backend, len(ordered))
	for _, m := range ordered {
		b := r.roundRobinUp(len(r.assignments))
		if b == nil {
			// Nothing is up; keep the pin anyway so no metric is lost.
			b = r.servers[len(r.assignments)%len(r.servers)]
		}
		r.assignments[m] = b
	}

	r.logger.Info(logging.Resolver, logging.Rebalance, "full reassignment complete",
		map[logging.ExtraKey]any{logging.Count: len(ordered)})
}

// Balance moves a bounded slice of hot metrics off the busiest backend onto
// the idlest one. Past balanceUntil the assignment set is considered stable
// and the call is a no-op.
func (r *Resolver) Balance() {
	if !time.Now().Before(r.balanceUntil) {
		return
	}

	r.ratesMu.Lock()
	defer r.ratesMu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.servers)

	var mostUsed, leastUsed *domain.Backend
	var mostRate, leastRate, sum float64
	for _, b := range r.servers {
		br := b.ArrivalRate()
		sum += br
		if !b.IsUp() {
			continue
		}
		if mostUsed == nil || br > mostRate {
			mostUsed, mostRate = b, br
		}
		if leastUsed == nil || br < leastRate {
			leastUsed, leastRate = b, br
		}
	}
	if mostUsed == nil {
		return
	}

	avg := sum / float64(n)
	if mostRate <= imbalanceThreshold*avg {
		return
	}

	deltaHigh := (mostRate - avg) * moveBudgetFactor
	deltaLow := (avg - leastRate) * moveBudgetFactor

	ordered := r.metricsByRateLocked()

	// Only above-median metrics are move candidates; churning cold metrics
	// buys nothing.
	skip := len(ordered)/2 + 1
	if skip > len(ordered) {
		skip = len(ordered)
	}
	candidates := ordered[skip:]

	maxToReassign := int(math.Round(reassignFraction * float64(len(r.assignments)) / float64(n)))

	numReassigned := 0
	for _, m := range candidates {
		if deltaHigh <= 0 || numReassigned >= maxToReassign {
			break
		}
		if current := r.assignments[m]; current == nil || !current.Equal(mostUsed) {
			continue
		}

		mr := r.metricRateLocked(m)
		r.assignments[m] = leastUsed
		deltaHigh -= mr
		deltaLow -= mr
		numReassigned++
	}

	if r.metrics != nil {
		r.metrics.RebalanceMoves.Add(float64(numReassigned))
	}

	r.logger.Info(logging.Resolver, logging.Rebalance, "incremental balance complete",
		map[logging.ExtraKey]any{
			logging.Count:       numReassigned,
			logging.BackendAddr: mostUsed.Addr(),
			"RemainingHigh":     deltaHigh,
			"RemainingLow":      deltaLow,
		})
}

// metricsByRateLocked returns all pinned metrics ordered by ascending
// per-metric rate. Requires both ratesMu and mu.
func (r *Resolver) metricsByRateLocked() []string {
	names := make([]string, 0, len(r.assignments))
	rates := make(map[string]float64, len(r.assignments))
	for m := range r.assignments {
		names = append(names, m)
		rates[m] = r.metricRateLocked(m)
	}

	sort.SliceStable(names, func(i, j int) bool {
		if rates[names[i]] != rates[names[j]] {
			return rates[names[i]] < rates[names[j]]
		}
		return names[i] < names[j]
	})

	return names
}

// Persist rewrites the assignment file from a snapshot taken under both
// critical sections, so the rows are mutually consistent.
func (r *Resolver) Persist() error {
	if r.store == nil {
		return nil
	}

	r.ratesMu.Lock()
	defer r.ratesMu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()

	rows := make([]assignments.Row, 0, len(r.assignments))
	for m, b := range r.assignments {
		rows = append(rows, assignments.Row{
			Metric:  m,
			Backend: b,
			Rate:    r.metricRateLocked(m),
		})
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].Metric < rows[j].Metric })

	return r.store.Write(rows)
}

// Start launches the three maintenance schedules. They stop when the
// context is cancelled; a run already in flight finishes.
func (r *Resolver) Start(ctx context.Context) {
	go r.runOnce(ctx, r.cfg.FullDelay, "full reassignment", r.RebalanceAll)
	go r.runPeriodic(ctx, r.cfg.BalanceDelay, r.cfg.BalancePeriod, "incremental balance", r.Balance)
	go r.runPeriodic(ctx, r.cfg.PersistDelay, r.cfg.PersistPeriod, "assignment persistence", func() {
		if err := r.Persist(); err != nil {
			r.logger.Error(logging.IO, logging.Persistence, "failed to persist assignments",
				map[logging.ExtraKey]any{logging.ErrorMessage: err.Error()})
		}
	})
}

func (r *Resolver) runOnce(ctx context.Context, delay time.Duration, name string, fn func()) {
	select {
	case <-ctx.Done():
	case <-time.After(delay):
		r.safeRun(name, fn)
	}
}

func (r *Resolver) runPeriodic(ctx context.Context, delay, period time.Duration, name string, fn func()) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
		r.safeRun(name, fn)
	}

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.safeRun(name, fn)
		}
	}
}

// safeRun keeps a panicking task from killing its timer.
func (r *Resolver) safeRun(name string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error(logging.Resolver, logging.Rebalance, "scheduled task panicked",
				map[logging.ExtraKey]any{
					"Task":               name,
					logging.ErrorMessage: rec,
				})
		}
	}()

	fn()
}
