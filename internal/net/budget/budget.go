// Package budget tracks REST request spend. Two signals live here: a
// local daily request counter with a UTC reset hour, and the
// provider's own used-weight report mirrored from response headers.
package budget

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ExhaustedError reports that the daily request budget is spent.
type ExhaustedError struct {
	Market string
	Used   int64
	Limit  int64
	ETA    time.Time
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("budget exhausted for %s: %d/%d requests used, resets at %s",
		e.Market, e.Used, e.Limit, e.ETA.Format("15:04 UTC"))
}

// WarningError reports that usage crossed the warning threshold.
// Requests still proceed; callers log and keep going.
type WarningError struct {
	Market    string
	Used      int64
	Limit     int64
	Threshold float64
}

func (e *WarningError) Error() string {
	utilization := float64(e.Used) / float64(e.Limit) * 100
	return fmt.Sprintf("budget warning for %s: %.1f%% used (%d/%d), threshold %.1f%%",
		e.Market, utilization, e.Used, e.Limit, e.Threshold*100)
}

// Tracker tracks daily request usage for a single market.
type Tracker struct {
	market        string
	limit         int64     // Daily request limit
	used          int64     // Requests used today (atomic)
	resetHour     int       // UTC hour to reset (0-23)
	warnThreshold float64   // Warning threshold (0.0-1.0)
	lastReset     time.Time // Last reset timestamp
	mu            sync.RWMutex

	weightLimit    int64 // Provider weight cap per minute
	usedWeight     int64 // Last reported used weight (atomic)
	weightSeenUnix int64 // When the report arrived (atomic, unix seconds)
}

// NewTracker creates a budget tracker for one market.
func NewTracker(market string, limit int64, resetHour int, warnThreshold float64) *Tracker {
	if resetHour < 0 || resetHour > 23 {
		resetHour = 0
	}
	if warnThreshold <= 0 || warnThreshold > 1 {
		warnThreshold = 0.8
	}

	now := time.Now().UTC()
	return &Tracker{
		market:        market,
		limit:         limit,
		resetHour:     resetHour,
		warnThreshold: warnThreshold,
		lastReset:     getLastResetTime(now, resetHour),
	}
}

// getLastResetTime calculates the last reset time based on current time and reset hour
func getLastResetTime(now time.Time, resetHour int) time.Time {
	today := time.Date(now.Year(), now.Month(), now.Day(), resetHour, 0, 0, 0, time.UTC)
	if now.Hour() >= resetHour {
		return today
	}
	return today.AddDate(0, 0, -1)
}

func (t *Tracker) getNextResetTime() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.lastReset.Add(24 * time.Hour)
}

// checkAndResetIfNeeded rolls the counter over at the reset hour.
func (t *Tracker) checkAndResetIfNeeded() {
	now := time.Now().UTC()
	nextReset := t.getNextResetTime()

	if now.After(nextReset) {
		t.mu.Lock()
		defer t.mu.Unlock()

		// Double-check after acquiring write lock
		if now.After(t.lastReset.Add(24 * time.Hour)) {
			atomic.StoreInt64(&t.used, 0)
			t.lastReset = getLastResetTime(now, t.resetHour)
		}
	}
}

// Consume increments the usage counter. An ExhaustedError means the
// request must not be sent; a WarningError means it was counted but
// the budget is running hot.
func (t *Tracker) Consume() error {
	t.checkAndResetIfNeeded()

	newUsed := atomic.AddInt64(&t.used, 1)

	if newUsed > t.limit {
		// Decrement back since we exceeded
		atomic.AddInt64(&t.used, -1)
		return &ExhaustedError{
			Market: t.market,
			Used:   newUsed - 1,
			Limit:  t.limit,
			ETA:    t.getNextResetTime(),
		}
	}

	utilizationRate := float64(newUsed) / float64(t.limit)
	if utilizationRate >= t.warnThreshold {
		return &WarningError{
			Market:    t.market,
			Used:      newUsed,
			Limit:     t.limit,
			Threshold: t.warnThreshold,
		}
	}

	return nil
}

// SetWeightLimit records the provider's per-minute weight cap so
// ObserveWeight can compute a utilization fraction.
func (t *Tracker) SetWeightLimit(limit int64) {
	atomic.StoreInt64(&t.weightLimit, limit)
}

// ObserveWeight mirrors the used-weight header from a response. The
// provider's count is authoritative; ours is only a local floor.
func (t *Tracker) ObserveWeight(used int64) {
	atomic.StoreInt64(&t.usedWeight, used)
	atomic.StoreInt64(&t.weightSeenUnix, time.Now().Unix())
}

// WeightFraction returns reported weight over the cap, 0 when the
// report is stale or the cap unknown. Reports older than the provider
// window say nothing about the current minute.
func (t *Tracker) WeightFraction() float64 {
	limit := atomic.LoadInt64(&t.weightLimit)
	if limit <= 0 {
		return 0
	}
	seen := atomic.LoadInt64(&t.weightSeenUnix)
	if seen == 0 || time.Since(time.Unix(seen, 0)) > time.Minute {
		return 0
	}
	return float64(atomic.LoadInt64(&t.usedWeight)) / float64(limit)
}

// Stats returns current budget statistics.
func (t *Tracker) Stats() Stats {
	t.checkAndResetIfNeeded()

	t.mu.RLock()
	defer t.mu.RUnlock()

	currentUsed := atomic.LoadInt64(&t.used)
	utilizationRate := float64(currentUsed) / float64(t.limit)

	return Stats{
		Market:          t.market,
		Limit:           t.limit,
		Used:            currentUsed,
		Remaining:       t.limit - currentUsed,
		UtilizationRate: utilizationRate,
		WarnThreshold:   t.warnThreshold,
		ResetHour:       t.resetHour,
		LastReset:       t.lastReset,
		NextReset:       t.lastReset.Add(24 * time.Hour),
		IsWarning:       utilizationRate >= t.warnThreshold,
		IsExhausted:     currentUsed >= t.limit,
		UsedWeight:      atomic.LoadInt64(&t.usedWeight),
		WeightLimit:     atomic.LoadInt64(&t.weightLimit),
	}
}

// Reset manually resets the budget counter.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	atomic.StoreInt64(&t.used, 0)
	t.lastReset = time.Now().UTC()
}

// Stats represents budget tracker statistics.
type Stats struct {
	Market          string    `json:"market"`
	Limit           int64     `json:"limit"`
	Used            int64     `json:"used"`
	Remaining       int64     `json:"remaining"`
	UtilizationRate float64   `json:"utilization_rate"`
	WarnThreshold   float64   `json:"warn_threshold"`
	ResetHour       int       `json:"reset_hour"`
	LastReset       time.Time `json:"last_reset"`
	NextReset       time.Time `json:"next_reset"`
	IsWarning       bool      `json:"is_warning"`
	IsExhausted     bool      `json:"is_exhausted"`
	UsedWeight      int64     `json:"used_weight"`
	WeightLimit     int64     `json:"weight_limit"`
}

// TimeToReset returns the duration until next budget reset.
func (s *Stats) TimeToReset() time.Duration {
	return time.Until(s.NextReset)
}

// Manager holds one tracker per market.
type Manager struct {
	trackers map[string]*Tracker
	mu       sync.RWMutex
}

// NewManager creates an empty budget manager.
func NewManager() *Manager {
	return &Manager{
		trackers: make(map[string]*Tracker),
	}
}

// Track registers a tracker for a market, replacing any existing one.
func (m *Manager) Track(market string, limit int64, resetHour int, warnThreshold float64) *Tracker {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := NewTracker(market, limit, resetHour, warnThreshold)
	m.trackers[market] = t
	return t
}

// For returns the tracker for a market.
func (m *Manager) For(market string) (*Tracker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, exists := m.trackers[market]
	return t, exists
}

// Stats returns statistics for all tracked markets.
func (m *Manager) Stats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]Stats)
	for market, tracker := range m.trackers {
		stats[market] = tracker.Stats()
	}
	return stats
}

// Warnings lists markets sitting above their warning threshold.
func (m *Manager) Warnings() []string {
	stats := m.Stats()
	var warnings []string

	for market, stat := range stats {
		if stat.IsWarning {
			warnings = append(warnings, fmt.Sprintf("%s (%.1f%% used)",
				market, stat.UtilizationRate*100))
		}
	}

	return warnings
}

// Reset resets all trackers.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, tracker := range m.trackers {
		tracker.Reset()
	}
}
