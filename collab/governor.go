package collab

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type GovernorSettings struct {
	CleanupInterval     time.Duration
	MemoryCheckInterval time.Duration
	CacheMaxAge         time.Duration
	MaxCacheSize        int
	MinCacheSize        int
	DuplicateWindow     time.Duration
	// MemoryBudget is the heap size treated as the limit when computing the
	// usage ratio. Go exposes no hard heap cap, so this stands in for one.
	MemoryBudget int64
	HighUsage    float64
	LowUsage     float64
	// flush interval bounds for pressure adaptation
	BaseFlushInterval time.Duration
	MaxFlushInterval  time.Duration
	// UsageRatio samples current memory pressure. Defaults to
	// HeapAlloc / MemoryBudget.
	UsageRatio func() float64
}

func DefaultGovernorSettings() *GovernorSettings {
	settings := &GovernorSettings{
		CleanupInterval:     5 * time.Minute,
		MemoryCheckInterval: 1 * time.Minute,
		CacheMaxAge:         10 * time.Minute,
		MaxCacheSize:        100,
		MinCacheSize:        50,
		DuplicateWindow:     1 * time.Second,
		MemoryBudget:        512 * 1024 * 1024,
		HighUsage:           0.8,
		LowUsage:            0.5,
		BaseFlushInterval:   100 * time.Millisecond,
		MaxFlushInterval:    500 * time.Millisecond,
	}
	settings.UsageRatio = func() float64 {
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)
		return float64(memStats.HeapAlloc) / float64(settings.MemoryBudget)
	}
	return settings
}

type cacheEntry struct {
	timestamp int64
}

// Governor bounds the subsystem's unbounded growth: it periodically evicts
// stale cache entries and buffered events, drops empty listener
// registrations, and adapts the cache size target and flush interval to
// memory pressure. Every periodic job runs on a registry-tracked ticker and
// stops on teardown.
type Governor struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings  *GovernorSettings
	buffer    *SyncBuffer
	listeners *eventListeners
	timers    *timerRegistry
	now       func() time.Time

	mu           sync.Mutex
	cache        map[string]*cacheEntry
	maxCacheSize int
}

func NewGovernorWithDefaults(
	ctx context.Context,
	buffer *SyncBuffer,
	listeners *eventListeners,
	timers *timerRegistry,
) *Governor {
	return NewGovernor(ctx, buffer, listeners, timers, DefaultGovernorSettings(), time.Now)
}

func NewGovernor(
	ctx context.Context,
	buffer *SyncBuffer,
	listeners *eventListeners,
	timers *timerRegistry,
	settings *GovernorSettings,
	now func() time.Time,
) *Governor {
	cancelCtx, cancel := context.WithCancel(ctx)
	governor := &Governor{
		ctx:          cancelCtx,
		cancel:       cancel,
		settings:     settings,
		buffer:       buffer,
		listeners:    listeners,
		timers:       timers,
		now:          now,
		cache:        map[string]*cacheEntry{},
		maxCacheSize: settings.MaxCacheSize,
	}
	go governor.runCleanup()
	go governor.runMemoryCheck()
	return governor
}

func (self *Governor) runCleanup() {
	ticker := self.timers.newTicker(self.settings.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-ticker.C:
			self.cleanup()
		}
	}
}

func (self *Governor) runMemoryCheck() {
	ticker := self.timers.newTicker(self.settings.MemoryCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-ticker.C:
			self.checkMemory()
		}
	}
}

// CacheEvent records an outbound event under key. Returns false if an entry
// for the same key exists within DuplicateWindow, meaning the send is a
// duplicate the caller may drop.
func (self *Governor) CacheEvent(key string, timestamp int64) bool {
	self.mu.Lock()
	defer self.mu.Unlock()

	if existing, ok := self.cache[key]; ok {
		if timestamp-existing.timestamp < self.settings.DuplicateWindow.Milliseconds() {
			return false
		}
	}
	self.cache[key] = &cacheEntry{
		timestamp: timestamp,
	}
	return true
}

// cleanup is one governor pass: age eviction, size cap enforcement,
// empty listener registrations, stale buffered events. Idempotent with no
// new activity.
func (self *Governor) cleanup() int {
	now := self.now().UnixMilli()
	removed := 0

	self.mu.Lock()
	cutoff := now - self.settings.CacheMaxAge.Milliseconds()
	for key, entry := range self.cache {
		if entry.timestamp < cutoff {
			delete(self.cache, key)
			removed += 1
		}
	}
	if excess := len(self.cache) - self.maxCacheSize; 0 < excess {
		keys := maps.Keys(self.cache)
		slices.SortFunc(keys, func(a string, b string) int {
			if self.cache[a].timestamp < self.cache[b].timestamp {
				return -1
			} else if self.cache[b].timestamp < self.cache[a].timestamp {
				return 1
			}
			return 0
		})
		for _, key := range keys[:excess] {
			delete(self.cache, key)
			removed += 1
		}
	}
	self.mu.Unlock()

	if self.listeners != nil {
		removed += self.listeners.dropEmpty()
	}
	if self.buffer != nil {
		removed += self.buffer.cleanup(now)
	}

	if 0 < removed {
		glog.V(1).Infof("[gov]cleanup removed %d\n", removed)
	}
	return removed
}

// checkMemory samples the usage ratio and adapts. Above HighUsage the cache
// target shrinks ~30%, a cleanup pass runs immediately, and the flush
// interval grows toward its ceiling to reduce allocation churn. Below
// LowUsage both relax back toward defaults.
func (self *Governor) checkMemory() {
	usageRatio := self.settings.UsageRatio()

	if self.settings.HighUsage < usageRatio {
		glog.Infof("[gov]high memory usage %.0f%%\n", usageRatio*100)

		self.mu.Lock()
		shrunk := int(float64(self.maxCacheSize) * 0.7)
		if shrunk < self.settings.MinCacheSize {
			shrunk = self.settings.MinCacheSize
		}
		self.maxCacheSize = shrunk
		self.mu.Unlock()

		self.cleanup()

		if self.buffer != nil {
			flushInterval := time.Duration(float64(self.buffer.currentFlushInterval()) * 1.5)
			if self.settings.MaxFlushInterval < flushInterval {
				flushInterval = self.settings.MaxFlushInterval
			}
			self.buffer.setFlushInterval(flushInterval)
		}
	} else if usageRatio < self.settings.LowUsage {
		self.mu.Lock()
		relaxed := self.maxCacheSize + 5
		if self.settings.MaxCacheSize < relaxed {
			relaxed = self.settings.MaxCacheSize
		}
		self.maxCacheSize = relaxed
		self.mu.Unlock()

		if self.buffer != nil {
			flushInterval := time.Duration(float64(self.buffer.currentFlushInterval()) * 0.95)
			if flushInterval < self.settings.BaseFlushInterval {
				flushInterval = self.settings.BaseFlushInterval
			}
			self.buffer.setFlushInterval(flushInterval)
		}
	}
}

// ForceCleanup runs an immediate synchronous reclaim, for callers tearing
// the subsystem down.
func (self *Governor) ForceCleanup() int {
	return self.cleanup()
}

type MemoryStatus struct {
	CacheSize        int           `json:"cacheSize"`
	MaxCacheSize     int           `json:"maxCacheSize"`
	BufferSize       int           `json:"bufferSize"`
	ListenerCount    int           `json:"listenerCount"`
	ActiveTimerCount int           `json:"activeTimerCount"`
	FlushInterval    time.Duration `json:"flushInterval"`
	UsageRatio       float64       `json:"usageRatio"`
}

// Status is the read-only diagnostics accessor.
func (self *Governor) Status() *MemoryStatus {
	self.mu.Lock()
	cacheSize := len(self.cache)
	maxCacheSize := self.maxCacheSize
	self.mu.Unlock()

	status := &MemoryStatus{
		CacheSize:    cacheSize,
		MaxCacheSize: maxCacheSize,
		UsageRatio:   self.settings.UsageRatio(),
	}
	if self.buffer != nil {
		status.BufferSize = self.buffer.size()
		status.FlushInterval = self.buffer.currentFlushInterval()
	}
	if self.listeners != nil {
		status.ListenerCount = self.listeners.count()
	}
	if self.timers != nil {
		status.ActiveTimerCount = self.timers.count()
	}
	return status
}

func (self *Governor) Stop() {
	self.cancel()
}
