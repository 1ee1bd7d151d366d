package collab

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

// Store-facing event names. The rendering/editor layer subscribes to these
// and feeds local mutations into the Sync* methods.
const (
	EventConnected           = "connected"
	EventDisconnected        = "disconnected"
	EventReconnecting        = "reconnecting"
	EventReconnectFailed     = "reconnect-failed"
	EventProjectState        = "project-state"
	EventUserJoined          = "user-joined"
	EventUserLeft            = "user-left"
	EventRemoteWorkflowDelta = "remote-workflow-delta"
	EventRemoteCursor        = "remote-cursor"
	EventRemoteSelection     = "remote-selection"
	EventRemoteStatus        = "remote-status"
	EventChatMessage         = "chat-message"
	EventActivityLog         = "activity-log"
	EventError               = "error"
)

type ListenerFunc func(data any)

type eventListeners struct {
	mu        sync.Mutex
	listeners map[string]*callbackList[ListenerFunc]
}

func newEventListeners() *eventListeners {
	return &eventListeners{
		listeners: map[string]*callbackList[ListenerFunc]{},
	}
}

func (self *eventListeners) on(event string, callback ListenerFunc) int {
	self.mu.Lock()
	list, ok := self.listeners[event]
	if !ok {
		list = &callbackList[ListenerFunc]{}
		self.listeners[event] = list
	}
	self.mu.Unlock()
	return list.add(callback)
}

func (self *eventListeners) off(event string, callbackId int) {
	self.mu.Lock()
	list, ok := self.listeners[event]
	self.mu.Unlock()
	if ok {
		list.remove(callbackId)
	}
}

func (self *eventListeners) emit(event string, data any) {
	self.mu.Lock()
	list, ok := self.listeners[event]
	self.mu.Unlock()
	if !ok {
		return
	}
	for _, callback := range list.get() {
		callback := callback
		safeCall(func() {
			callback(data)
		})
	}
}

// dropEmpty removes registrations with zero callbacks left.
func (self *eventListeners) dropEmpty() int {
	self.mu.Lock()
	defer self.mu.Unlock()

	dropped := 0
	for event, list := range self.listeners {
		if list.size() == 0 {
			delete(self.listeners, event)
			dropped += 1
		}
	}
	return dropped
}

func (self *eventListeners) count() int {
	self.mu.Lock()
	defer self.mu.Unlock()

	total := 0
	for _, list := range self.listeners {
		total += list.size()
	}
	return total
}

type SyncClientSettings struct {
	Conn     *ConnSettings
	Buffer   *SyncBufferSettings
	Governor *GovernorSettings
	Now      func() time.Time
}

func DefaultSyncClientSettings() *SyncClientSettings {
	return &SyncClientSettings{
		Conn:     DefaultConnSettings(),
		Buffer:   DefaultSyncBufferSettings(),
		Governor: DefaultGovernorSettings(),
		Now:      time.Now,
	}
}

// SyncClient is the store integration layer: it owns the transport, the sync
// buffer, and the resource governor, projects every inbound server event to
// registered listeners, and forwards local state changes into the buffer.
// All methods return immediately; results surface via events.
type SyncClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	user     User
	settings *SyncClientSettings

	conn      *Conn
	buffer    *SyncBuffer
	governor  *Governor
	timers    *timerRegistry
	listeners *eventListeners

	mu               sync.Mutex
	currentProjectId string
}

func NewSyncClientWithDefaults(ctx context.Context, url string, byJwt string, user User) *SyncClient {
	return NewSyncClient(ctx, url, byJwt, user, DefaultSyncClientSettings())
}

func NewSyncClient(
	ctx context.Context,
	url string,
	byJwt string,
	user User,
	settings *SyncClientSettings,
) *SyncClient {
	cancelCtx, cancel := context.WithCancel(ctx)
	client := &SyncClient{
		ctx:       cancelCtx,
		cancel:    cancel,
		user:      user,
		settings:  settings,
		timers:    newTimerRegistry(),
		listeners: newEventListeners(),
	}
	client.buffer = NewSyncBuffer(client.sendSyncEvent, client.timers, settings.Buffer)
	client.governor = NewGovernor(
		cancelCtx,
		client.buffer,
		client.listeners,
		client.timers,
		settings.Governor,
		settings.Now,
	)
	client.conn = NewConn(
		cancelCtx,
		url,
		byJwt,
		client.handleServerEvent,
		client.handleConnEvent,
		settings.Conn,
	)
	return client
}

func (self *SyncClient) On(event string, callback ListenerFunc) int {
	return self.listeners.on(event, callback)
}

func (self *SyncClient) Off(event string, callbackId int) {
	self.listeners.off(event, callbackId)
}

func (self *SyncClient) Connect() {
	self.conn.Connect()
}

func (self *SyncClient) Disconnect() {
	self.conn.Disconnect()
}

func (self *SyncClient) State() ConnectionState {
	return self.conn.State()
}

func (self *SyncClient) SessionId() Id {
	return self.conn.SessionId()
}

func (self *SyncClient) User() User {
	return self.user
}

func (self *SyncClient) MemoryStatus() *MemoryStatus {
	return self.governor.Status()
}

func (self *SyncClient) ForceCleanup() int {
	return self.governor.ForceCleanup()
}

// Close tears the whole subsystem down: connection, periodic jobs, timers.
func (self *SyncClient) Close() {
	self.governor.ForceCleanup()
	self.conn.Close()
	self.governor.Stop()
	self.cancel()
	self.timers.stopAll()
}

func (self *SyncClient) JoinProject(projectId string) {
	self.mu.Lock()
	self.currentProjectId = projectId
	self.mu.Unlock()

	self.sendOrQueue("join-project:"+projectId, self.joinEvent(projectId))
}

func (self *SyncClient) LeaveProject(projectId string) {
	self.mu.Lock()
	if self.currentProjectId == projectId {
		self.currentProjectId = ""
	}
	self.mu.Unlock()

	self.sendOrQueue("leave-project:"+projectId, &ClientEvent{
		Kind: ClientLeaveProject,
		LeaveProject: &LeaveProject{
			ProjectId: projectId,
		},
	})
}

func (self *SyncClient) joinEvent(projectId string) *ClientEvent {
	return &ClientEvent{
		Kind: ClientJoinProject,
		JoinProject: &JoinProject{
			ProjectId: projectId,
			User:      self.user,
		},
	}
}

// SyncWorkflowUpdate enqueues a whole-document replace on the throttled path.
func (self *SyncClient) SyncWorkflowUpdate(bulk *BulkUpdate) {
	self.buffer.Queue(self.newSyncEvent(SyncWorkflowUpdate, &ClientEvent{
		Kind: ClientWorkflowChange,
		WorkflowChange: &WorkflowChange{
			Delta: Delta{
				Kind: DeltaBulkUpdate,
				Bulk: bulk,
			},
		},
	}))
}

// SyncNodeUpdate enqueues a node field update on the throttled path. Rapid
// updates within one debounce window collapse to the newest.
func (self *SyncClient) SyncNodeUpdate(node *Node) {
	self.buffer.Queue(self.newSyncEvent(SyncNodeUpdate, &ClientEvent{
		Kind: ClientWorkflowChange,
		WorkflowChange: &WorkflowChange{
			Delta: Delta{
				Kind: DeltaNodeUpdate,
				Node: node,
			},
		},
	}))
}

func (self *SyncClient) SyncEdgeUpdate(edge *Edge) {
	self.buffer.Queue(self.newSyncEvent(SyncEdgeUpdate, &ClientEvent{
		Kind: ClientWorkflowChange,
		WorkflowChange: &WorkflowChange{
			Delta: Delta{
				Kind: DeltaEdgeUpdate,
				Edge: edge,
			},
		},
	}))
}

// SendWorkflowChange transmits a structural change (add, delete, bulk)
// immediately. The merge key carries the entity id so that queued structural
// changes never collapse into each other while offline.
func (self *SyncClient) SendWorkflowChange(delta *Delta) {
	key := fmt.Sprintf("workflow-change:%s:%s%s", delta.Kind, delta.NodeId, delta.EdgeId)
	if delta.Node != nil {
		key += ":" + delta.Node.Id
	}
	if delta.Edge != nil {
		key += ":" + delta.Edge.Id
	}
	self.buffer.SendImmediate(self.newSyncEvent(key, &ClientEvent{
		Kind: ClientWorkflowChange,
		WorkflowChange: &WorkflowChange{
			Delta: *delta,
		},
	}))
}

// SyncCursorMove sends immediately: a stale cursor is worse than a dropped
// one.
func (self *SyncClient) SyncCursorMove(x float64, y float64, nodeId string) {
	event := self.newSyncEvent(SyncUserCursor, &ClientEvent{
		Kind: ClientCursorMove,
		CursorMove: &Cursor{
			X:      x,
			Y:      y,
			NodeId: nodeId,
		},
	})
	self.governor.CacheEvent(SyncUserCursor+":"+self.user.Id, event.Timestamp)
	self.buffer.SendImmediate(event)
}

func (self *SyncClient) SyncSelectionChange(nodeIds []string, edgeIds []string) {
	event := self.newSyncEvent(SyncSelectionChange, &ClientEvent{
		Kind: ClientSelectionChange,
		SelectionChange: &Selection{
			NodeIds: nodeIds,
			EdgeIds: edgeIds,
		},
	})
	self.governor.CacheEvent(SyncSelectionChange+":"+self.user.Id, event.Timestamp)
	self.buffer.SendImmediate(event)
}

// SyncUserStatus suppresses duplicate status sends inside the governor's
// duplicate window; the key includes the status value so only true
// duplicates are dropped.
func (self *SyncClient) SyncUserStatus(status UserStatus) {
	event := self.newSyncEvent(SyncUserStatus, &ClientEvent{
		Kind: ClientUserStatus,
		UserStatus: &UserStatusChange{
			Status: status,
		},
	})
	if !self.governor.CacheEvent(SyncUserStatus+":"+string(status), event.Timestamp) {
		return
	}
	self.buffer.SendImmediate(event)
}

func (self *SyncClient) SendChatMessage(message string, projectId string) {
	self.sendOrQueue("chat:"+NewId().String(), &ClientEvent{
		Kind: ClientChatMessage,
		ChatMessage: &ChatSend{
			Message:   message,
			ProjectId: projectId,
		},
	})
}

func (self *SyncClient) newSyncEvent(kind string, event *ClientEvent) *SyncEvent {
	return &SyncEvent{
		Kind:      kind,
		Event:     event,
		UserId:    self.user.Id,
		Timestamp: self.settings.Now().UnixMilli(),
		SessionId: self.conn.SessionId(),
	}
}

func (self *SyncClient) sendOrQueue(kind string, event *ClientEvent) {
	self.buffer.SendImmediate(self.newSyncEvent(kind, event))
}

func (self *SyncClient) sendSyncEvent(event *SyncEvent) bool {
	if err := self.conn.Send(event.Event); err != nil {
		glog.V(2).Infof("[c]send deferred %s = %s\n", event.Kind, err)
		return false
	}
	return true
}

func (self *SyncClient) handleConnEvent(event ConnEvent) {
	switch event.Kind {
	case ConnEventConnected:
		// the server binds rooms to sessions, so a reconnect needs a fresh
		// join before anything queued while offline is drained
		self.mu.Lock()
		projectId := self.currentProjectId
		self.mu.Unlock()
		if projectId != "" {
			self.conn.Send(self.joinEvent(projectId))
		}
		self.buffer.Flush()
		self.listeners.emit(EventConnected, self.conn.SessionId())
	case ConnEventDisconnected:
		self.listeners.emit(EventDisconnected, event)
	case ConnEventReconnecting:
		self.listeners.emit(EventReconnecting, event.Attempt)
	case ConnEventReconnectFailed:
		// the only failure that requires manual action from the caller
		self.listeners.emit(EventReconnectFailed, event)
	}
}

func (self *SyncClient) handleServerEvent(event *ServerEvent) {
	switch event.Kind {
	case ServerProjectState:
		self.listeners.emit(EventProjectState, event.ProjectState)
	case ServerUserJoined:
		if event.UserJoined != nil && event.UserJoined.User != nil && event.UserJoined.User.Id == self.user.Id {
			return
		}
		self.listeners.emit(EventUserJoined, event.UserJoined)
	case ServerUserLeft:
		self.listeners.emit(EventUserLeft, event.UserLeft)
	case ServerWorkflowDelta:
		if event.WorkflowDelta != nil && event.WorkflowDelta.SessionId == self.conn.SessionId() {
			// own change echoed back
			return
		}
		self.listeners.emit(EventRemoteWorkflowDelta, event.WorkflowDelta)
	case ServerCursorUpdate:
		self.listeners.emit(EventRemoteCursor, event.CursorUpdate)
	case ServerSelectionUpdate:
		self.listeners.emit(EventRemoteSelection, event.SelectionUpdate)
	case ServerUserStatusUpdate:
		self.listeners.emit(EventRemoteStatus, event.UserStatusUpdate)
	case ServerChatMessage:
		self.listeners.emit(EventChatMessage, event.ChatMessage)
	case ServerActivityLog:
		self.listeners.emit(EventActivityLog, event.ActivityLog)
	case ServerError:
		self.listeners.emit(EventError, event.Error)
	default:
		glog.Infof("[c]unknown server event = %s\n", event.Kind)
	}
}
