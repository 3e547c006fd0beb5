// Package memory samples process heap usage and classifies it into pressure
// tiers consumed by the scanner's scheduling decisions.
package memory

import (
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"comic-index/internal/logging"
	"comic-index/internal/metrics"
)

// Tier classifies current memory pressure.
type Tier int

const (
	// TierNormal means scanning proceeds unthrottled.
	TierNormal Tier = iota
	// TierElevated means usage crossed the high water mark.
	TierElevated
	// TierCritical means usage crossed the critical water mark; non-manual
	// scans are deferred and cache-drop hooks fire.
	TierCritical
)

// String returns the tier name.
func (t Tier) String() string {
	switch t {
	case TierCritical:
		return "critical"
	case TierElevated:
		return "elevated"
	default:
		return "normal"
	}
}

// Config holds memory monitor configuration
type Config struct {
	// MemoryLimitBytes is the soft memory limit (0 = use GOMEMLIMIT or no limit)
	MemoryLimitBytes int64

	// HighWaterMark is the fraction of limit at which the tier becomes
	// Elevated (0.0-1.0)
	HighWaterMark float64

	// CriticalWaterMark is the fraction at which the tier becomes Critical
	CriticalWaterMark float64

	// HysteresisMargin is subtracted from a threshold before a downgrade is
	// accepted, preventing oscillation at the boundary
	HysteresisMargin float64

	// CheckInterval is how often to sample memory usage
	CheckInterval time.Duration
}

// DefaultConfig returns sensible defaults for the monitor
func DefaultConfig() Config {
	return Config{
		MemoryLimitBytes:  0, // Use GOMEMLIMIT if set
		HighWaterMark:     0.7,
		CriticalWaterMark: 0.85,
		HysteresisMargin:  0.05,
		CheckInterval:     5 * time.Second,
	}
}

// Monitor tracks memory usage and exposes the current pressure tier.
type Monitor struct {
	config   Config
	limit    int64
	stopChan chan struct{}
	stopOnce sync.Once

	mu      sync.RWMutex
	current uint64
	tier    Tier
	hooks   []func()
}

// NewMonitor creates a new memory monitor
func NewMonitor(config Config) *Monitor {
	limit := config.MemoryLimitBytes

	// If no explicit limit, try to get GOMEMLIMIT
	if limit == 0 {
		if goMemLimit := debug.SetMemoryLimit(-1); goMemLimit > 0 && goMemLimit < 1<<62 {
			limit = goMemLimit
			logging.Info("Memory monitor using GOMEMLIMIT: %d bytes (%.1f MB)", limit, float64(limit)/(1024*1024))
		}
	}

	if limit == 0 {
		logging.Warn("Memory monitor: no memory limit configured, pressure tier pinned to normal")
	}

	return &Monitor{
		config:   config,
		limit:    limit,
		stopChan: make(chan struct{}),
	}
}

// Start begins the background sampling loop.
func (m *Monitor) Start() {
	if m.limit == 0 {
		return // No limit configured, nothing to monitor
	}

	go m.sampleLoop()
}

// Stop stops the sampling loop. Idempotent.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
}

// RegisterCacheDropHook registers a callback fired once each time the tier
// enters Critical. Hooks must be fast and non-blocking.
func (m *Monitor) RegisterCacheDropHook(hook func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook)
}

func (m *Monitor) sampleLoop() {
	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sample()
		case <-m.stopChan:
			return
		}
	}
}

// sample reads current usage and reclassifies the tier with hysteresis:
// upgrades apply at the raw threshold, downgrades only once usage drops
// below the threshold minus the margin.
func (m *Monitor) sample() {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	m.mu.Lock()
	m.current = stats.Alloc

	usage := float64(stats.Alloc) / float64(m.limit)
	metrics.MemoryUsageRatio.Set(usage)

	oldTier := m.tier
	newTier := oldTier

	switch {
	case usage >= m.config.CriticalWaterMark:
		newTier = TierCritical
	case usage >= m.config.HighWaterMark:
		if oldTier != TierCritical || usage < m.config.CriticalWaterMark-m.config.HysteresisMargin {
			newTier = TierElevated
		}
	default:
		if oldTier == TierNormal || usage < m.config.HighWaterMark-m.config.HysteresisMargin {
			newTier = TierNormal
		} else {
			newTier = TierElevated
		}
	}

	m.tier = newTier
	var hooks []func()
	if newTier == TierCritical && oldTier != TierCritical {
		hooks = append(hooks, m.hooks...)
	}
	m.mu.Unlock()

	metrics.MemoryTier.Set(float64(newTier))

	if newTier != oldTier {
		logging.Info("Memory tier %s -> %s (%.1f%% of limit)", oldTier, newTier, usage*100)
	}

	if len(hooks) > 0 {
		logging.Warn("Memory critical, firing %d cache-drop hooks", len(hooks))
		for _, hook := range hooks {
			metrics.MemoryCacheDropsTotal.Inc()
			hook()
		}
		go runtime.GC()
	}
}

// CurrentTier returns the last sampled tier. Non-blocking; always answers
// with the most recent classification. With no limit configured it reports
// TierNormal so the pipeline is never starved by a missing sample.
func (m *Monitor) CurrentTier() Tier {
	if m.limit == 0 {
		return TierNormal
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tier
}

// GetUsage returns current usage as a fraction of the limit (0.0-1.0).
// Returns 0 if no limit is configured.
func (m *Monitor) GetUsage() float64 {
	if m.limit == 0 {
		return 0
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return float64(m.current) / float64(m.limit)
}

// GetStats returns the current sample and configured limit.
func (m *Monitor) GetStats() (current, limit int64, usage float64) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	currentInt64 := int64(m.current)
	if m.current > 1<<62 {
		currentInt64 = 1 << 62
	}

	var usageRatio float64
	if m.limit > 0 {
		usageRatio = float64(m.current) / float64(m.limit)
	}

	return currentInt64, m.limit, usageRatio
}
