package collab

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

// Session is the outbound half of one attached transport connection.
// Deliver must not block the caller.
type Session interface {
	SessionId() Id
	Deliver(event *ServerEvent)
}

// SaveFunc is the externally supplied persistence hook. It is invoked at most
// once per SaveInterval per room plus once at teardown, off the broadcast
// path. Failures are logged, never propagated: durability is best-effort.
type SaveFunc func(projectId string, workflow *Workflow) error

type RegistrySettings struct {
	HistoryLimit      int
	JoinHistoryCount  int
	ChatLimit         int
	ActivityLimit     int
	SaveInterval      time.Duration
	SweepInterval     time.Duration
	InactivityTimeout time.Duration
	// Now is the injected clock
	Now func() time.Time
}

func DefaultRegistrySettings() *RegistrySettings {
	return &RegistrySettings{
		HistoryLimit:      1000,
		JoinHistoryCount:  50,
		ChatLimit:         1000,
		ActivityLimit:     500,
		SaveInterval:      5 * time.Second,
		SweepInterval:     1 * time.Minute,
		InactivityTimeout: 5 * time.Minute,
		Now:               time.Now,
	}
}

// RoomRegistry creates, attaches and destroys rooms keyed by project id.
// Rooms are destroyed when their last member leaves.
type RoomRegistry struct {
	ctx    context.Context
	cancel context.CancelFunc

	save     SaveFunc
	settings *RegistrySettings

	mu    sync.Mutex
	rooms map[string]*Room
}

func NewRoomRegistryWithDefaults(ctx context.Context, save SaveFunc) *RoomRegistry {
	return NewRoomRegistry(ctx, save, DefaultRegistrySettings())
}

func NewRoomRegistry(ctx context.Context, save SaveFunc, settings *RegistrySettings) *RoomRegistry {
	cancelCtx, cancel := context.WithCancel(ctx)
	registry := &RoomRegistry{
		ctx:      cancelCtx,
		cancel:   cancel,
		save:     save,
		settings: settings,
		rooms:    map[string]*Room{},
	}
	go registry.run()
	return registry
}

func (self *RoomRegistry) run() {
	ticker := time.NewTicker(self.settings.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-ticker.C:
			self.sweepInactive()
		}
	}
}

func (self *RoomRegistry) now() int64 {
	return self.settings.Now().UnixMilli()
}

// JoinRoom attaches the session to the room for the project, creating the
// room with an empty snapshot if absent. The joining session alone receives
// the current project state; everyone else sees user_joined.
// The returned room handle is threaded through subsequent calls.
func (self *RoomRegistry) JoinRoom(session Session, projectId string, user User) *Room {
	now := self.now()

	// the member add happens under the registry lock so that destroyIfEmpty's
	// re-check can never interleave between the map lookup and the add,
	// deleting a room that just gained a member
	self.mu.Lock()
	room, ok := self.rooms[projectId]
	if !ok {
		room = newRoom(projectId, now, self.settings)
		self.rooms[projectId] = room
		glog.V(1).Infof("[reg]create %s\n", room.Id())
	}
	presence, total := room.addMember(session, user, now)
	self.mu.Unlock()

	glog.V(1).Infof("[reg]join %s %s (%d)\n", room.Id(), user.Id, total)

	room.broadcast(&ServerEvent{
		Kind: ServerUserJoined,
		UserJoined: &UserJoined{
			User:       presence,
			TotalUsers: total,
		},
	}, session.SessionId())

	session.Deliver(&ServerEvent{
		Kind:         ServerProjectState,
		ProjectState: room.state(),
	})

	self.logActivity(room, ActivityUserJoined, user.Name, "")
	return room
}

// LeaveRoom detaches the caller, broadcasts the departure with the updated
// member count, and destroys the room if it emptied.
func (self *RoomRegistry) LeaveRoom(room *Room, session Session) {
	removed, total := room.removeBySession(session.SessionId())
	for _, presence := range removed {
		glog.V(1).Infof("[reg]leave %s %s (%d)\n", room.Id(), presence.Id, total)
		room.broadcastAll(&ServerEvent{
			Kind: ServerUserLeft,
			UserLeft: &UserLeft{
				UserId:     presence.Id,
				User:       presence.Name,
				TotalUsers: total,
			},
		})
		self.logActivity(room, ActivityUserLeft, presence.Name, "")
	}
	self.destroyIfEmpty(room)
}

// HandleDisconnect scans all rooms for members bound to the session and
// detaches each. The common path finds at most one; the scan is the safety
// net against inconsistent state.
func (self *RoomRegistry) HandleDisconnect(sessionId Id) {
	self.mu.Lock()
	rooms := maps.Values(self.rooms)
	self.mu.Unlock()

	for _, room := range rooms {
		removed, total := room.removeBySession(sessionId)
		for _, presence := range removed {
			glog.V(1).Infof("[reg]disconnect %s %s (%d)\n", room.Id(), presence.Id, total)
			room.broadcastAll(&ServerEvent{
				Kind: ServerUserLeft,
				UserLeft: &UserLeft{
					UserId:     presence.Id,
					User:       presence.Name,
					TotalUsers: total,
				},
			})
			self.logActivity(room, ActivityUserLeft, presence.Name, "")
		}
		self.destroyIfEmpty(room)
	}
}

// HandleWorkflowChange validates and applies one delta, appends it to
// history, opens the save gate when due, and fans the stamped delta out to
// every other room member. The fan-out happens inside applyChange under the
// room lock, so broadcast order always equals application order.
func (self *RoomRegistry) HandleWorkflowChange(room *Room, session Session, delta *Delta) {
	presence, ok := room.memberBySession(session.SessionId())
	if !ok {
		// raced with leave
		return
	}
	delta.UserId = presence.Id

	applied, needSave := room.applyChange(delta, session.SessionId(), self.now())
	if !applied {
		// unknown kind or malformed payload. logged, not fatal
		return
	}

	if needSave && self.save != nil {
		go self.saveRoom(room)
	}

	self.logActivity(room, ActivityWorkflowChange, presence.Name, string(delta.Kind))
	glog.V(2).Infof("[reg]delta %s %s\n", room.Id(), delta.Kind)
}

func (self *RoomRegistry) HandleCursorMove(room *Room, session Session, cursor *Cursor) {
	room.refreshPresence(session.SessionId(), self.now(), func(p *Presence) *ServerEvent {
		p.Cursor = cursor
		return &ServerEvent{
			Kind: ServerCursorUpdate,
			CursorUpdate: &CursorUpdate{
				UserId: p.Id,
				Cursor: cursor,
			},
		}
	})
}

func (self *RoomRegistry) HandleSelectionChange(room *Room, session Session, selection *Selection) {
	room.refreshPresence(session.SessionId(), self.now(), func(p *Presence) *ServerEvent {
		p.Selection = selection
		return &ServerEvent{
			Kind: ServerSelectionUpdate,
			SelectionUpdate: &SelectionUpdate{
				UserId:    p.Id,
				Selection: selection,
			},
		}
	})
}

func (self *RoomRegistry) HandleUserStatus(room *Room, session Session, status UserStatus) {
	room.refreshPresence(session.SessionId(), self.now(), func(p *Presence) *ServerEvent {
		p.Status = status
		return &ServerEvent{
			Kind: ServerUserStatusUpdate,
			UserStatusUpdate: &UserStatusUpdate{
				UserId: p.Id,
				Status: status,
			},
		}
	})
}

// HandleChatMessage fans the message out to the whole room, sender included.
func (self *RoomRegistry) HandleChatMessage(room *Room, session Session, message string) {
	presence, ok := room.memberBySession(session.SessionId())
	if !ok {
		return
	}
	chatMessage := &ChatMessage{
		Id:        NewId(),
		User:      presence.User,
		Message:   message,
		Timestamp: self.now(),
	}
	room.appendChat(chatMessage)
	room.broadcastAll(&ServerEvent{
		Kind:        ServerChatMessage,
		ChatMessage: chatMessage,
	})
}

// BroadcastMessage lets collaborator services push an event to a whole room.
func (self *RoomRegistry) BroadcastMessage(projectId string, event *ServerEvent) {
	self.mu.Lock()
	room, ok := self.rooms[projectId]
	self.mu.Unlock()
	if !ok {
		return
	}
	room.broadcastAll(event)
}

// ForceDisconnectUser detaches a user from whatever room holds them.
func (self *RoomRegistry) ForceDisconnectUser(userId string) {
	self.mu.Lock()
	rooms := maps.Values(self.rooms)
	self.mu.Unlock()

	for _, room := range rooms {
		presence, total, ok := room.removeMember(userId)
		if !ok {
			continue
		}
		room.broadcastAll(&ServerEvent{
			Kind: ServerUserLeft,
			UserLeft: &UserLeft{
				UserId:     presence.Id,
				User:       presence.Name,
				TotalUsers: total,
				Reason:     "forced",
			},
		})
		self.destroyIfEmpty(room)
	}
}

func (self *RoomRegistry) sweepInactive() {
	now := self.now()
	cutoff := now - self.settings.InactivityTimeout.Milliseconds()

	self.mu.Lock()
	rooms := maps.Values(self.rooms)
	self.mu.Unlock()

	for _, room := range rooms {
		removed, total := room.sweepInactive(cutoff)
		for _, presence := range removed {
			glog.V(1).Infof("[reg]sweep %s %s\n", room.Id(), presence.Id)
			room.broadcastAll(&ServerEvent{
				Kind: ServerUserLeft,
				UserLeft: &UserLeft{
					UserId:     presence.Id,
					User:       presence.Name,
					TotalUsers: total,
					Reason:     "inactive",
				},
			})
		}
		self.destroyIfEmpty(room)
	}
}

func (self *RoomRegistry) destroyIfEmpty(room *Room) {
	if 0 < room.memberCount() {
		return
	}
	self.mu.Lock()
	// re-check under the registry lock. a join may have raced in
	if current, ok := self.rooms[room.projectId]; ok && current == room && room.memberCount() == 0 {
		delete(self.rooms, room.projectId)
		glog.V(1).Infof("[reg]destroy %s\n", room.Id())
	}
	self.mu.Unlock()
}

func (self *RoomRegistry) saveRoom(room *Room) {
	if err := self.save(room.projectId, room.snapshot()); err != nil {
		glog.Infof("[reg]save error %s = %s\n", room.Id(), err)
	}
}

func (self *RoomRegistry) logActivity(room *Room, activityType ActivityType, userName string, action string) {
	entry := &ActivityLogEntry{
		Id:        NewId(),
		Type:      activityType,
		User:      userName,
		Action:    action,
		Timestamp: self.now(),
	}
	room.appendActivity(entry)
	room.broadcastAll(&ServerEvent{
		Kind:        ServerActivityLog,
		ActivityLog: entry,
	})
}

type RoomStats struct {
	Id           string `json:"id"`
	ProjectId    string `json:"projectId"`
	UserCount    int    `json:"userCount"`
	LastActivity int64  `json:"lastActivity"`
}

type RegistryStats struct {
	TotalRooms int         `json:"totalRooms"`
	TotalUsers int         `json:"totalUsers"`
	Rooms      []RoomStats `json:"rooms"`
}

// Stats is the read-only diagnostics accessor for operational tooling.
func (self *RoomRegistry) Stats() *RegistryStats {
	self.mu.Lock()
	rooms := maps.Values(self.rooms)
	self.mu.Unlock()

	stats := &RegistryStats{
		Rooms: []RoomStats{},
	}
	for _, room := range rooms {
		count := room.memberCount()
		stats.TotalRooms += 1
		stats.TotalUsers += count
		stats.Rooms = append(stats.Rooms, RoomStats{
			Id:           room.Id(),
			ProjectId:    room.projectId,
			UserCount:    count,
			LastActivity: room.lastActivity(),
		})
	}
	return stats
}

// Close stops the sweep and saves every remaining room.
func (self *RoomRegistry) Close() {
	self.cancel()

	self.mu.Lock()
	rooms := maps.Values(self.rooms)
	self.mu.Unlock()

	if self.save != nil {
		for _, room := range rooms {
			self.saveRoom(room)
		}
	}
}
