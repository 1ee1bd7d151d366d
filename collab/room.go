package collab

import (
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Room is the synchronization boundary for one shared document. All room
// state - members, snapshot, history, chat, activity - is owned by the
// registry that created it and mutated only under the room lock. No other
// component reaches into room internals directly.
type Room struct {
	id        string
	projectId string
	settings  *RegistrySettings

	mu        sync.Mutex
	members   map[string]*roomMember
	workflow  *Workflow
	history   []*Delta
	chat      []*ChatMessage
	activity  []*ActivityLogEntry
	lastSaved int64
}

type roomMember struct {
	presence  *Presence
	sessionId Id
	session   Session
}

func newRoom(projectId string, now int64, settings *RegistrySettings) *Room {
	return &Room{
		id:        "project:" + projectId,
		projectId: projectId,
		settings:  settings,
		members:   map[string]*roomMember{},
		workflow:  NewWorkflow(now),
		lastSaved: now,
	}
}

func (self *Room) Id() string {
	return self.id
}

func (self *Room) ProjectId() string {
	return self.projectId
}

// addMember attaches the session and returns a copy of the new presence.
// The live presence stays private to the room: delivered events must never
// alias state that later handlers mutate.
func (self *Room) addMember(session Session, user User, now int64) (*Presence, int) {
	self.mu.Lock()
	defer self.mu.Unlock()

	presence := &Presence{
		User:         user,
		Status:       UserStatusActive,
		LastActivity: now,
	}
	self.members[user.Id] = &roomMember{
		presence:  presence,
		sessionId: session.SessionId(),
		session:   session,
	}
	joined := *presence
	return &joined, len(self.members)
}

func (self *Room) removeMember(userId string) (*Presence, int, bool) {
	self.mu.Lock()
	defer self.mu.Unlock()

	member, ok := self.members[userId]
	if !ok {
		return nil, len(self.members), false
	}
	delete(self.members, userId)
	return member.presence, len(self.members), true
}

// removeBySession removes every member bound to the session. A session
// participates in at most one room, so more than one match means the
// bookkeeping drifted and this is the cleanup path for it.
func (self *Room) removeBySession(sessionId Id) ([]*Presence, int) {
	self.mu.Lock()
	defer self.mu.Unlock()

	removed := []*Presence{}
	for userId, member := range self.members {
		if member.sessionId == sessionId {
			delete(self.members, userId)
			removed = append(removed, member.presence)
		}
	}
	return removed, len(self.members)
}

func (self *Room) memberBySession(sessionId Id) (*Presence, bool) {
	self.mu.Lock()
	defer self.mu.Unlock()

	for _, member := range self.members {
		if member.sessionId == sessionId {
			return member.presence, true
		}
	}
	return nil, false
}

func (self *Room) memberCount() int {
	self.mu.Lock()
	defer self.mu.Unlock()

	return len(self.members)
}

// broadcast delivers to every member except the named session. Fan-out
// happens under the room lock so that delivery order equals the order in
// which room state transitions were applied. Deliver never blocks, so
// holding the lock across it cannot stall the room.
func (self *Room) broadcast(event *ServerEvent, exceptSessionId Id) {
	self.mu.Lock()
	defer self.mu.Unlock()

	self.broadcastLocked(event, exceptSessionId)
}

// caller holds self.mu
func (self *Room) broadcastLocked(event *ServerEvent, exceptSessionId Id) {
	for _, member := range self.members {
		if member.sessionId != exceptSessionId {
			member.session.Deliver(event)
		}
	}
}

func (self *Room) broadcastAll(event *ServerEvent) {
	self.broadcast(event, Id{})
}

// applyChange stamps the delta with the server clock and the originating
// session, transitions the snapshot, appends to the bounded history, and
// fans the stamped delta out to every other member before the room lock is
// released. Receivers therefore observe deltas in exactly the order they
// were applied; releasing the lock first would let two concurrent changes
// deliver in the opposite order and permanently diverge a last-writer-wins
// replica. needSave reports whether the save gate opened (at most once per
// SaveInterval per room).
func (self *Room) applyChange(delta *Delta, sessionId Id, now int64) (applied bool, needSave bool) {
	self.mu.Lock()
	defer self.mu.Unlock()

	delta.Timestamp = now
	delta.SessionId = sessionId

	if !applyDelta(self.workflow, delta) {
		return false, false
	}

	self.history = append(self.history, delta)
	if limit := self.settings.HistoryLimit; limit < len(self.history) {
		self.history = append([]*Delta{}, self.history[len(self.history)-limit:]...)
	}

	self.broadcastLocked(&ServerEvent{
		Kind:          ServerWorkflowDelta,
		WorkflowDelta: delta,
	}, sessionId)

	if self.settings.SaveInterval.Milliseconds() < now-self.lastSaved {
		self.lastSaved = now
		needSave = true
	}
	return true, needSave
}

func (self *Room) appendChat(message *ChatMessage) {
	self.mu.Lock()
	defer self.mu.Unlock()

	self.chat = append(self.chat, message)
	if limit := self.settings.ChatLimit; limit < len(self.chat) {
		self.chat = append([]*ChatMessage{}, self.chat[len(self.chat)-limit:]...)
	}
}

func (self *Room) appendActivity(entry *ActivityLogEntry) {
	self.mu.Lock()
	defer self.mu.Unlock()

	self.activity = append(self.activity, entry)
	if limit := self.settings.ActivityLimit; limit < len(self.activity) {
		self.activity = append([]*ActivityLogEntry{}, self.activity[len(self.activity)-limit:]...)
	}
}

// state builds the join response: snapshot copy, full presence list, and the
// most recent history entries. Copies so the joiner never aliases live state.
func (self *Room) state() *ProjectState {
	self.mu.Lock()
	defer self.mu.Unlock()

	users := make([]*Presence, 0, len(self.members))
	for _, member := range self.members {
		presence := *member.presence
		users = append(users, &presence)
	}
	slices.SortFunc(users, func(a *Presence, b *Presence) int {
		if a.Id < b.Id {
			return -1
		} else if b.Id < a.Id {
			return 1
		}
		return 0
	})

	historyCount := self.settings.JoinHistoryCount
	if len(self.history) < historyCount {
		historyCount = len(self.history)
	}
	history := make([]*Delta, historyCount)
	copy(history, self.history[len(self.history)-historyCount:])

	chat := make([]*ChatMessage, len(self.chat))
	copy(chat, self.chat)
	activity := make([]*ActivityLogEntry, len(self.activity))
	copy(activity, self.activity)

	return &ProjectState{
		Workflow: self.workflow.clone(),
		Users:    users,
		History:  history,
		Chat:     chat,
		Activity: activity,
	}
}

// snapshot returns a copy of the current workflow for persistence.
func (self *Room) snapshot() *Workflow {
	self.mu.Lock()
	defer self.mu.Unlock()

	return self.workflow.clone()
}

// refreshPresence resolves the presence bound to the session, refreshes
// lastActivity, applies the mutation, and broadcasts the event the mutation
// builds to every other member, all under the room lock so presence updates
// deliver in mutation order. No-op if the session raced with a leave.
func (self *Room) refreshPresence(sessionId Id, now int64, mutate func(*Presence) *ServerEvent) bool {
	self.mu.Lock()
	defer self.mu.Unlock()

	for _, member := range self.members {
		if member.sessionId == sessionId {
			member.presence.LastActivity = now
			if event := mutate(member.presence); event != nil {
				self.broadcastLocked(event, sessionId)
			}
			return true
		}
	}
	return false
}

// sweepInactive removes members whose lastActivity is older than the cutoff.
func (self *Room) sweepInactive(cutoff int64) ([]*Presence, int) {
	self.mu.Lock()
	defer self.mu.Unlock()

	removed := []*Presence{}
	for _, userId := range maps.Keys(self.members) {
		member := self.members[userId]
		if member.presence.LastActivity < cutoff {
			delete(self.members, userId)
			removed = append(removed, member.presence)
		}
	}
	return removed, len(self.members)
}

func (self *Room) lastActivity() int64 {
	self.mu.Lock()
	defer self.mu.Unlock()

	var last int64
	for _, member := range self.members {
		if last < member.presence.LastActivity {
			last = member.presence.LastActivity
		}
	}
	return last
}

func (self *Workflow) clone() *Workflow {
	workflow := &Workflow{
		Nodes:    make(map[string]*Node, len(self.Nodes)),
		Edges:    make(map[string]*Edge, len(self.Edges)),
		Metadata: self.Metadata,
	}
	for nodeId, node := range self.Nodes {
		workflow.Nodes[nodeId] = node.clone()
	}
	for edgeId, edge := range self.Edges {
		workflow.Edges[edgeId] = edge.clone()
	}
	return workflow
}

func (self *Node) clone() *Node {
	node := *self
	if self.Data != nil {
		node.Data = maps.Clone(self.Data)
	}
	return &node
}

func (self *Edge) clone() *Edge {
	edge := *self
	if self.Data != nil {
		edge.Data = maps.Clone(self.Data)
	}
	return &edge
}
