package budget

import (
	"testing"
	"time"
)

func TestTracker_Consume(t *testing.T) {
	tracker := NewTracker("SPOT", 10, 0, 0.8)

	// Consume under warning threshold
	for i := 0; i < 7; i++ {
		if err := tracker.Consume(); err != nil {
			t.Errorf("Should consume request %d: %v", i, err)
		}
	}

	// Should warn at 80%
	err := tracker.Consume() // 8th request = 80%
	if err == nil {
		t.Error("Should warn at 80% threshold")
	}
	if _, isWarning := err.(*WarningError); !isWarning {
		t.Errorf("Should return WarningError, got %T: %v", err, err)
	}

	// Consume remaining, still counted despite warnings
	tracker.Consume() // 9th
	tracker.Consume() // 10th (at limit)

	// Should block further consumption
	err = tracker.Consume()
	if err == nil {
		t.Error("Should block consumption over limit")
	}
	if _, isExhausted := err.(*ExhaustedError); !isExhausted {
		t.Errorf("Should return ExhaustedError, got %T: %v", err, err)
	}

	// Usage count should not increment when blocked
	stats := tracker.Stats()
	if stats.Used != 10 {
		t.Errorf("Usage should be 10 after blocked attempt, got %d", stats.Used)
	}
}

func TestTracker_Stats(t *testing.T) {
	tracker := NewTracker("SPOT", 100, 12, 0.75) // Reset at noon

	// Consume some requests
	for i := 0; i < 30; i++ {
		tracker.Consume()
	}

	stats := tracker.Stats()

	if stats.Market != "SPOT" {
		t.Errorf("Market should be SPOT, got %s", stats.Market)
	}

	if stats.Limit != 100 {
		t.Errorf("Limit should be 100, got %d", stats.Limit)
	}

	if stats.Used != 30 {
		t.Errorf("Used should be 30, got %d", stats.Used)
	}

	if stats.Remaining != 70 {
		t.Errorf("Remaining should be 70, got %d", stats.Remaining)
	}

	expectedUtilization := 0.30 // 30/100
	if abs64(stats.UtilizationRate-expectedUtilization) > 0.01 {
		t.Errorf("Utilization should be %.2f, got %.2f", expectedUtilization, stats.UtilizationRate)
	}

	if stats.WarnThreshold != 0.75 {
		t.Errorf("Warn threshold should be 0.75, got %.2f", stats.WarnThreshold)
	}

	if stats.ResetHour != 12 {
		t.Errorf("Reset hour should be 12, got %d", stats.ResetHour)
	}

	if stats.IsWarning {
		t.Error("Should not be warning at 30% utilization")
	}

	if stats.IsExhausted {
		t.Error("Should not be exhausted at 30% utilization")
	}

	// Check time calculations
	if stats.TimeToReset() <= 0 {
		t.Error("Time to reset should be positive")
	}
}

func TestTracker_Reset(t *testing.T) {
	tracker := NewTracker("SPOT", 50, 0, 0.8)

	// Use up budget
	for i := 0; i < 50; i++ {
		tracker.Consume()
	}

	// Should be exhausted
	stats := tracker.Stats()
	if !stats.IsExhausted {
		t.Error("Should be exhausted after consuming full budget")
	}

	// Reset manually
	tracker.Reset()

	// Should allow requests again
	if err := tracker.Consume(); err != nil {
		t.Errorf("Should consume after reset: %v", err)
	}

	stats = tracker.Stats()
	if stats.Used != 1 {
		t.Errorf("Used should be 1 after reset and one consume, got %d", stats.Used)
	}
}

func TestTracker_AutoReset(t *testing.T) {
	now := time.Now().UTC()

	tracker := NewTracker("SPOT", 100, now.Hour(), 0.8)

	// Manually set last reset to yesterday
	tracker.mu.Lock()
	tracker.lastReset = now.Add(-25 * time.Hour) // 25 hours ago
	tracker.mu.Unlock()

	// Use some budget
	for i := 0; i < 50; i++ {
		tracker.Consume()
	}

	// The rollover happens inside Consume/Stats calls
	if err := tracker.Consume(); err != nil {
		t.Errorf("Should consume after auto-reset: %v", err)
	}

	stats := tracker.Stats()
	if stats.Used >= 50 {
		t.Errorf("Usage should be reset, got %d", stats.Used)
	}
}

func TestTracker_WeightFraction(t *testing.T) {
	tracker := NewTracker("SPOT", 100, 0, 0.8)

	// No cap configured: fraction is unknowable
	tracker.ObserveWeight(1200)
	if got := tracker.WeightFraction(); got != 0 {
		t.Errorf("Fraction without a cap should be 0, got %f", got)
	}

	tracker.SetWeightLimit(6000)
	tracker.ObserveWeight(1200)
	if got := tracker.WeightFraction(); abs64(got-0.2) > 0.001 {
		t.Errorf("Fraction should be 0.2, got %f", got)
	}

	stats := tracker.Stats()
	if stats.UsedWeight != 1200 {
		t.Errorf("Stats should mirror the reported weight, got %d", stats.UsedWeight)
	}
	if stats.WeightLimit != 6000 {
		t.Errorf("Stats should carry the weight cap, got %d", stats.WeightLimit)
	}
}

func TestTracker_WeightReportGoesStale(t *testing.T) {
	tracker := NewTracker("SPOT", 100, 0, 0.8)
	tracker.SetWeightLimit(6000)
	tracker.ObserveWeight(3000)

	// Age the report past the provider window
	tracker.weightSeenUnix = time.Now().Add(-2 * time.Minute).Unix()

	if got := tracker.WeightFraction(); got != 0 {
		t.Errorf("Stale report should not drive pacing, got %f", got)
	}
}

func TestManager_Track(t *testing.T) {
	manager := NewManager()

	manager.Track("SPOT", 1000, 0, 0.8)

	tracker, exists := manager.For("SPOT")
	if !exists {
		t.Error("Market should exist after Track")
	}

	if tracker == nil {
		t.Error("Tracker should not be nil")
	}

	if _, exists := manager.For("FUTURES_USDT"); exists {
		t.Error("Untracked market should not exist")
	}
}

func TestManager_Stats(t *testing.T) {
	manager := NewManager()

	spot := manager.Track("SPOT", 100, 0, 0.8)
	um := manager.Track("FUTURES_USDT", 200, 6, 0.9)

	for i := 0; i < 50; i++ {
		spot.Consume()
	}
	for i := 0; i < 30; i++ {
		um.Consume()
	}

	allStats := manager.Stats()

	if len(allStats) != 2 {
		t.Errorf("Should have stats for 2 markets, got %d", len(allStats))
	}

	if allStats["SPOT"].Used != 50 {
		t.Errorf("SPOT should have used 50, got %d", allStats["SPOT"].Used)
	}

	if allStats["FUTURES_USDT"].Used != 30 {
		t.Errorf("FUTURES_USDT should have used 30, got %d", allStats["FUTURES_USDT"].Used)
	}
}

func TestManager_Warnings(t *testing.T) {
	manager := NewManager()

	low := manager.Track("SPOT", 100, 0, 0.8)
	high := manager.Track("FUTURES_USDT", 100, 0, 0.8)

	for i := 0; i < 50; i++ {
		low.Consume()
	}
	for i := 0; i < 90; i++ {
		high.Consume()
	}

	warnings := manager.Warnings()

	if len(warnings) != 1 {
		t.Errorf("Should have 1 warning, got %d", len(warnings))
	}

	if len(warnings) > 0 && !containsSubstring(warnings[0], "FUTURES_USDT") {
		t.Errorf("Warning should mention the hot market, got %s", warnings[0])
	}
}

func TestExhaustedError(t *testing.T) {
	eta := time.Now().Add(2 * time.Hour)
	err := &ExhaustedError{
		Market: "SPOT",
		Used:   100,
		Limit:  100,
		ETA:    eta,
	}

	msg := err.Error()
	if !containsSubstring(msg, "SPOT") {
		t.Errorf("Error message should contain market name: %s", msg)
	}
	if !containsSubstring(msg, "100/100") {
		t.Errorf("Error message should contain usage: %s", msg)
	}
}

func TestWarningError(t *testing.T) {
	err := &WarningError{
		Market:    "SPOT",
		Used:      80,
		Limit:     100,
		Threshold: 0.8,
	}

	msg := err.Error()
	if !containsSubstring(msg, "SPOT") {
		t.Errorf("Error message should contain market name: %s", msg)
	}
	if !containsSubstring(msg, "80.0%") {
		t.Errorf("Error message should contain utilization percentage: %s", msg)
	}
}

// Helper functions
func abs64(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

func containsSubstring(s, substr string) bool {
	if len(substr) > len(s) {
		return false
	}
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
