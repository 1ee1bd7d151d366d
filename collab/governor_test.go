package collab

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func newTestGovernor(usageRatio *float64) (*Governor, *SyncBuffer, *eventListeners, *timerRegistry, *testClock) {
	clock := newTestClock()
	timers := newTimerRegistry()
	listeners := newEventListeners()

	bufferSettings := DefaultSyncBufferSettings()
	bufferSettings.FlushInterval = time.Hour
	buffer := NewSyncBuffer(func(event *SyncEvent) bool { return false }, timers, bufferSettings)

	settings := DefaultGovernorSettings()
	// far enough out that the periodic jobs never fire during a test
	settings.CleanupInterval = time.Hour
	settings.MemoryCheckInterval = time.Hour
	settings.MaxCacheSize = 10
	settings.MinCacheSize = 4
	settings.UsageRatio = func() float64 {
		return *usageRatio
	}

	governor := NewGovernor(context.Background(), buffer, listeners, timers, settings, clock.now)
	return governor, buffer, listeners, timers, clock
}

func TestGovernorDuplicateWindow(t *testing.T) {
	usageRatio := 0.1
	governor, _, _, timers, _ := newTestGovernor(&usageRatio)
	defer governor.Stop()
	defer timers.stopAll()

	window := governor.settings.DuplicateWindow.Milliseconds()

	assert.Equal(t, governor.CacheEvent("cursor:u1", 1000), true)
	// same key inside the window is a duplicate
	assert.Equal(t, governor.CacheEvent("cursor:u1", 1000+window/2), false)
	// past the window it sends again
	assert.Equal(t, governor.CacheEvent("cursor:u1", 1000+window+1), true)
	// a different key is never suppressed
	assert.Equal(t, governor.CacheEvent("cursor:u2", 1000), true)
}

func TestGovernorCleanupEvictsByAgeAndSize(t *testing.T) {
	usageRatio := 0.1
	governor, _, _, timers, clock := newTestGovernor(&usageRatio)
	defer governor.Stop()
	defer timers.stopAll()

	maxAge := governor.settings.CacheMaxAge

	// 3 stale entries and 15 fresh ones against a cap of 10
	base := clock.now().UnixMilli()
	for i := 0; i < 3; i += 1 {
		governor.CacheEvent(fmt.Sprintf("stale:%d", i), base)
	}
	clock.advance(maxAge + time.Second)
	fresh := clock.now().UnixMilli()
	for i := 0; i < 15; i += 1 {
		governor.CacheEvent(fmt.Sprintf("fresh:%d", i), fresh+int64(i))
	}

	removed := governor.cleanup()
	// 3 by age, then 5 more to reach the size cap, oldest first
	assert.Equal(t, removed, 8)
	assert.Equal(t, governor.Status().CacheSize, 10)

	// idempotent with no new activity
	assert.Equal(t, governor.cleanup(), 0)
}

func TestGovernorCleanupDropsEmptyListenersAndStaleEvents(t *testing.T) {
	usageRatio := 0.1
	governor, buffer, listeners, timers, clock := newTestGovernor(&usageRatio)
	defer governor.Stop()
	defer timers.stopAll()

	listenerId := listeners.on(EventConnected, func(any) {})
	listeners.off(EventConnected, listenerId)
	assert.Equal(t, listeners.count(), 1)

	buffer.Queue(&SyncEvent{Kind: SyncNodeUpdate, Timestamp: clock.now().UnixMilli()})
	clock.advance(buffer.settings.MaxEventAge + time.Second)

	removed := governor.ForceCleanup()
	// the emptied registration and the stale buffered event
	assert.Equal(t, removed, 2)
	assert.Equal(t, listeners.count(), 0)
	assert.Equal(t, buffer.size(), 0)
}

func TestGovernorAdaptsToMemoryPressure(t *testing.T) {
	usageRatio := 0.9
	governor, buffer, _, timers, _ := newTestGovernor(&usageRatio)
	defer governor.Stop()
	defer timers.stopAll()

	settings := governor.settings

	// high pressure shrinks the cache target and slows flushing
	governor.checkMemory()
	status := governor.Status()
	assert.Equal(t, status.MaxCacheSize, 7)
	assert.Equal(t, buffer.currentFlushInterval(), time.Duration(float64(settings.BaseFlushInterval)*1.5))

	// repeated pressure bottoms out at the floor and the ceiling
	for i := 0; i < 10; i += 1 {
		governor.checkMemory()
	}
	status = governor.Status()
	assert.Equal(t, status.MaxCacheSize, settings.MinCacheSize)
	assert.Equal(t, buffer.currentFlushInterval(), settings.MaxFlushInterval)

	// low pressure relaxes back toward defaults
	usageRatio = 0.2
	for i := 0; i < 200; i += 1 {
		governor.checkMemory()
	}
	status = governor.Status()
	assert.Equal(t, status.MaxCacheSize, settings.MaxCacheSize)
	assert.Equal(t, buffer.currentFlushInterval(), settings.BaseFlushInterval)

	// between the thresholds nothing changes
	usageRatio = 0.6
	governor.checkMemory()
	assert.Equal(t, governor.Status().MaxCacheSize, settings.MaxCacheSize)
}

func TestGovernorStatus(t *testing.T) {
	usageRatio := 0.42
	governor, buffer, listeners, timers, clock := newTestGovernor(&usageRatio)
	defer governor.Stop()
	defer timers.stopAll()

	// wait for the governor's two periodic tickers to register
	deadline := time.Now().Add(2 * time.Second)
	for timers.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, timers.count(), 2)

	governor.CacheEvent("k1", clock.now().UnixMilli())
	listeners.on(EventConnected, func(any) {})
	buffer.Queue(&SyncEvent{Kind: SyncNodeUpdate, Timestamp: clock.now().UnixMilli()})

	status := governor.Status()
	assert.Equal(t, status.CacheSize, 1)
	assert.Equal(t, status.ListenerCount, 1)
	assert.Equal(t, status.BufferSize, 1)
	assert.Equal(t, status.UsageRatio, 0.42)
	// the two tickers plus the armed flush timer
	assert.Equal(t, status.ActiveTimerCount, 3)
}

func TestTimerRegistryImmediateTimers(t *testing.T) {
	timers := newTimerRegistry()
	defer timers.stopAll()

	// zero-duration timers fire on their own goroutine possibly before
	// afterFunc returns. every callback must still run and release cleanly
	var wg sync.WaitGroup
	for i := 0; i < 100; i += 1 {
		wg.Add(1)
		timer := timers.afterFunc(0, wg.Done)
		assert.NotEqual(t, timer, nil)
	}
	wg.Wait()

	deadline := time.Now().Add(2 * time.Second)
	for 0 < timers.count() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, timers.count(), 0)
}

func TestTimerRegistryStopAll(t *testing.T) {
	timers := newTimerRegistry()

	fired := make(chan struct{}, 10)
	timers.afterFunc(time.Hour, func() {
		fired <- struct{}{}
	})
	timers.newTicker(time.Hour)
	assert.Equal(t, timers.count(), 2)

	timers.stopAll()
	assert.Equal(t, timers.count(), 0)

	// a stopped registry schedules nothing new
	timer := timers.afterFunc(time.Millisecond, func() {
		fired <- struct{}{}
	})
	assert.Equal(t, timer, nil)

	select {
	case <-fired:
		t.Fatal("timer fired after stopAll")
	case <-time.After(50 * time.Millisecond):
	}
}
