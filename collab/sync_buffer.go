package collab

import (
	"sync"
	"time"

	"github.com/golang/glog"
)

// Sync kinds are the merge keys for buffered transmission. Entries sharing
// (kind, sessionId) within one debounce window collapse to the entry with the
// greatest timestamp.
const (
	SyncWorkflowUpdate  = "workflow-update"
	SyncNodeUpdate      = "node-update"
	SyncEdgeUpdate      = "edge-update"
	SyncSelectionChange = "selection-change"
	SyncUserCursor      = "user-cursor"
	SyncUserStatus      = "user-status"
)

// SyncEvent is the client-side transmission envelope.
type SyncEvent struct {
	Kind      string
	Event     *ClientEvent
	UserId    string
	Timestamp int64
	SessionId Id
}

type SyncBufferSettings struct {
	FlushInterval time.Duration
	MaxEventAge   time.Duration
}

func DefaultSyncBufferSettings() *SyncBufferSettings {
	return &SyncBufferSettings{
		FlushInterval: 100 * time.Millisecond,
		MaxEventAge:   10 * time.Minute,
	}
}

// SyncBuffer coalesces rapid local mutations into throttled, deduplicated
// sends. At most one flush timer is armed at a time. While the transport is
// down, events stay buffered in original relative order and are retried
// after reconnection rather than dropped.
type SyncBuffer struct {
	settings *SyncBufferSettings
	// send transmits one event, reporting false while the transport is down
	send   func(*SyncEvent) bool
	timers *timerRegistry

	mu            sync.Mutex
	events        []*SyncEvent
	flushTimer    *time.Timer
	flushInterval time.Duration
}

func NewSyncBuffer(send func(*SyncEvent) bool, timers *timerRegistry, settings *SyncBufferSettings) *SyncBuffer {
	return &SyncBuffer{
		settings:      settings,
		send:          send,
		timers:        timers,
		flushInterval: settings.FlushInterval,
	}
}

// Queue enqueues for the next debounced flush.
func (self *SyncBuffer) Queue(event *SyncEvent) {
	self.mu.Lock()
	self.events = append(self.events, event)
	if self.flushTimer == nil {
		self.flushTimer = self.timers.afterFunc(self.flushInterval, func() {
			self.mu.Lock()
			self.flushTimer = nil
			self.mu.Unlock()
			self.Flush()
		})
	}
	self.mu.Unlock()
}

// SendImmediate bypasses merging for low-value, high-frequency events where
// staleness matters more than volume. Falls back to the buffer when offline.
func (self *SyncBuffer) SendImmediate(event *SyncEvent) {
	if !self.send(event) {
		self.Queue(event)
	}
}

// Flush drains the queue now, merging by (kind, sessionId). Events that
// cannot be sent are retained at the front of the buffer in order.
func (self *SyncBuffer) Flush() {
	self.mu.Lock()
	if self.flushTimer != nil {
		self.timers.stopTimer(self.flushTimer)
		self.flushTimer = nil
	}
	events := self.events
	self.events = nil
	self.mu.Unlock()

	if len(events) == 0 {
		return
	}

	merged := mergeSyncEvents(events)
	glog.V(2).Infof("[buf]flush %d -> %d\n", len(events), len(merged))

	for i, event := range merged {
		if !self.send(event) {
			self.mu.Lock()
			self.events = append(append([]*SyncEvent{}, merged[i:]...), self.events...)
			self.mu.Unlock()
			return
		}
	}
}

type syncEventKey struct {
	kind      string
	sessionId Id
}

// mergeSyncEvents keeps, per key, the entry with the greatest timestamp, at
// the position of the key's first occurrence.
func mergeSyncEvents(events []*SyncEvent) []*SyncEvent {
	order := []syncEventKey{}
	byKey := map[syncEventKey]*SyncEvent{}
	for _, event := range events {
		key := syncEventKey{
			kind:      event.Kind,
			sessionId: event.SessionId,
		}
		if existing, ok := byKey[key]; !ok {
			order = append(order, key)
			byKey[key] = event
		} else if existing.Timestamp < event.Timestamp {
			byKey[key] = event
		}
	}
	merged := make([]*SyncEvent, 0, len(order))
	for _, key := range order {
		merged = append(merged, byKey[key])
	}
	return merged
}

func (self *SyncBuffer) size() int {
	self.mu.Lock()
	defer self.mu.Unlock()

	return len(self.events)
}

// cleanup drops buffered events older than MaxEventAge.
func (self *SyncBuffer) cleanup(now int64) int {
	self.mu.Lock()
	defer self.mu.Unlock()

	cutoff := now - self.settings.MaxEventAge.Milliseconds()
	kept := make([]*SyncEvent, 0, len(self.events))
	for _, event := range self.events {
		if cutoff <= event.Timestamp {
			kept = append(kept, event)
		}
	}
	removed := len(self.events) - len(kept)
	self.events = kept
	return removed
}

func (self *SyncBuffer) setFlushInterval(flushInterval time.Duration) {
	self.mu.Lock()
	defer self.mu.Unlock()

	self.flushInterval = flushInterval
}

func (self *SyncBuffer) currentFlushInterval() time.Duration {
	self.mu.Lock()
	defer self.mu.Unlock()

	return self.flushInterval
}
