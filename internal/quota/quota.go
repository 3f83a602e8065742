// Package quota implements the Quota Tracker (C5): per-upstream spending
// windows with lazy DB-backed reconciliation. Rate-limiting beyond this
// spend tracker is an explicit Non-goal (spec §1); this package never
// throttles request rate, only blocks candidates whose spend has crossed
// a configured limit.
package quota

import (
	"context"
	"sync"
	"time"

	"github.com/g1331/AutoRouter-sub005/internal/logging"
	"github.com/g1331/AutoRouter-sub005/internal/model"
)

// Aggregator re-derives the authoritative spend for one upstream/rule from
// persisted billing snapshots — the "re-aggregate from billing snapshots
// since the period start" step in spec §4.5. Implemented by
// internal/requestlog.Store.
type Aggregator interface {
	AggregateSpending(ctx context.Context, upstreamID string, rule model.SpendingRule, periodStart time.Time) (float64, error)
}

type ruleState struct {
	rule  model.SpendingRule
	entry model.QuotaEntry
}

// Tracker holds the in-memory QuotaEntry map per spec §3. A single mutex
// guards the rule maps of every upstream; there is no per-upstream lock.
type Tracker struct {
	mu   sync.Mutex
	byID map[string]map[string]*ruleState // upstreamID -> ruleKey -> state

	urgentThresholdPercent float64
	urgentSyncInterval     time.Duration
	normalSyncInterval     time.Duration
	aggregator             Aggregator
}

// Config carries the reconciler tuning knobs from spec §6.5.
type Config struct {
	UrgentThresholdPercent float64
	UrgentSyncInterval     time.Duration
	NormalSyncInterval     time.Duration
}

// NewTracker creates a Tracker backed by aggregator for reconciliation.
func NewTracker(cfg Config, aggregator Aggregator) *Tracker {
	if cfg.UrgentThresholdPercent <= 0 {
		cfg.UrgentThresholdPercent = 80
	}
	if cfg.UrgentSyncInterval <= 0 {
		cfg.UrgentSyncInterval = time.Minute
	}
	if cfg.NormalSyncInterval <= 0 {
		cfg.NormalSyncInterval = 5 * time.Minute
	}
	return &Tracker{
		byID:                   make(map[string]map[string]*ruleState),
		urgentThresholdPercent: cfg.UrgentThresholdPercent,
		urgentSyncInterval:     cfg.UrgentSyncInterval,
		normalSyncInterval:     cfg.NormalSyncInterval,
		aggregator:             aggregator,
	}
}

// Configure registers the spending rules for an upstream so that
// IsWithinQuota/RecordSpending have entries to operate on. Re-registering
// preserves any existing in-memory spend for rules that still exist.
func (t *Tracker) Configure(upstreamID string, rules []model.SpendingRule) {
	t.mu.Lock()
	defer t.mu.Unlock()
	existing := t.byID[upstreamID]
	next := make(map[string]*ruleState, len(rules))
	for _, r := range rules {
		key := r.RuleKey()
		if existing != nil {
			if prev, ok := existing[key]; ok {
				next[key] = &ruleState{rule: r, entry: prev.entry}
				continue
			}
		}
		next[key] = &ruleState{rule: r, entry: model.QuotaEntry{}}
	}
	t.byID[upstreamID] = next
}

// IsWithinQuota reports whether every configured rule for upstreamID is
// under its limit. Absent rules allow (spec §4.5); an upstream with no
// rules configured is always within quota.
func (t *Tracker) IsWithinQuota(upstreamID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	rules, ok := t.byID[upstreamID]
	if !ok {
		return true
	}
	for _, rs := range rules {
		if rs.entry.CurrentSpending >= rs.rule.Limit {
			return false
		}
	}
	return true
}

// RecordSpending adds cost to every configured rule for upstreamID,
// in-memory only (spec §4.5 step "recordSpending").
func (t *Tracker) RecordSpending(upstreamID string, cost float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rules, ok := t.byID[upstreamID]
	if !ok {
		return
	}
	for _, rs := range rules {
		rs.entry.CurrentSpending += cost
	}
}

// Snapshot returns the current QuotaEntry for one upstream/rule, mainly
// for tests and the routing decision log.
func (t *Tracker) Snapshot(upstreamID, ruleKey string) (model.QuotaEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rules, ok := t.byID[upstreamID]
	if !ok {
		return model.QuotaEntry{}, false
	}
	rs, ok := rules[ruleKey]
	if !ok {
		return model.QuotaEntry{}, false
	}
	return rs.entry, true
}

// periodStart computes the aggregation window start for a rule as of now.
func periodStart(rule model.SpendingRule, now time.Time) time.Time {
	switch rule.PeriodType {
	case "daily":
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	case "monthly":
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	case "rolling":
		return now.Add(-time.Duration(rule.PeriodHours) * time.Hour)
	default:
		return now
	}
}

// ReconcileOnce runs one reconciliation pass across every tracked
// upstream/rule, reaggregating from persisted billing snapshots whenever a
// rule's percent-used crosses the urgent threshold or its last sync is
// stale (spec §4.5's background reconciler). Best-effort: failures are
// logged and retried on the next call.
func (t *Tracker) ReconcileOnce(ctx context.Context, now time.Time) {
	if t.aggregator == nil {
		return
	}
	type job struct {
		upstreamID string
		rs         *ruleState
	}
	var jobs []job

	t.mu.Lock()
	for upstreamID, rules := range t.byID {
		for _, rs := range rules {
			percentUsed := 0.0
			if rs.rule.Limit > 0 {
				percentUsed = rs.entry.CurrentSpending / rs.rule.Limit * 100
			}
			staleFor := now.Sub(rs.entry.LastSyncedAt)
			needsSync := percentUsed >= t.urgentThresholdPercent && staleFor >= t.urgentSyncInterval
			needsSync = needsSync || staleFor >= t.normalSyncInterval
			if needsSync {
				jobs = append(jobs, job{upstreamID: upstreamID, rs: rs})
			}
		}
	}
	t.mu.Unlock()

	for _, j := range jobs {
		start := periodStart(j.rs.rule, now)
		total, err := t.aggregator.AggregateSpending(ctx, j.upstreamID, j.rs.rule, start)
		if err != nil {
			logging.FromContext(ctx).Warn("quota reconciliation failed, retrying next tick",
				"upstream", j.upstreamID, "rule", j.rs.rule.RuleKey(), "error", err)
			continue
		}
		t.mu.Lock()
		j.rs.entry.CurrentSpending = total
		j.rs.entry.LastSyncedAt = now
		t.mu.Unlock()
	}
}

// RunReconciler starts a background loop calling ReconcileOnce at a fixed
// cadence until ctx is cancelled. The cadence is the smaller of the two
// configured intervals so urgent rules are never starved.
func (t *Tracker) RunReconciler(ctx context.Context) {
	tick := t.urgentSyncInterval
	if t.normalSyncInterval < tick {
		tick = t.normalSyncInterval
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.ReconcileOnce(ctx, now)
		}
	}
}

// EstimatedRecoveryAt computes when a rolling-window rule's overshoot is
// expected to have slid out of the window: it scans hour-slices of the
// given historical spend forward until their cumulative cost reaches the
// overshoot, and returns that slice's end plus periodHours (spec §4.5).
// slices must be ordered oldest-first and cover at least periodHours.
func EstimatedRecoveryAt(rule model.SpendingRule, currentSpending float64, now time.Time, slices []HourSlice) *time.Time {
	if rule.PeriodType != "rolling" || currentSpending < rule.Limit {
		return nil
	}
	overshoot := currentSpending - rule.Limit
	var slidOut float64
	for _, sl := range slices {
		slidOut += sl.Cost
		if slidOut >= overshoot {
			recovery := sl.End.Add(time.Duration(rule.PeriodHours) * time.Hour)
			return &recovery
		}
	}
	return nil
}

// HourSlice is one hour-bucket of historical spend used by
// EstimatedRecoveryAt.
type HourSlice struct {
	End  time.Time
	Cost float64
}
