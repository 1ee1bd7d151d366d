package collab

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type ServerSettings struct {
	AuthTimeout    time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingInterval   time.Duration
	SendBufferSize int
	ReadLimit      int64
}

func DefaultServerSettings() *ServerSettings {
	return &ServerSettings{
		AuthTimeout:    5 * time.Second,
		WriteTimeout:   5 * time.Second,
		ReadTimeout:    60 * time.Second,
		PingInterval:   15 * time.Second,
		SendBufferSize: 256,
		ReadLimit:      1 << 20,
	}
}

// Server accepts websocket connections and drives the registry with decoded
// client events. An explicitly constructed instance: multiple independent
// servers can run in one process.
type Server struct {
	ctx    context.Context
	cancel context.CancelFunc

	registry *RoomRegistry
	settings *ServerSettings

	upgrader websocket.Upgrader
}

func NewServerWithDefaults(ctx context.Context, registry *RoomRegistry) *Server {
	return NewServer(ctx, registry, DefaultServerSettings())
}

func NewServer(ctx context.Context, registry *RoomRegistry, settings *ServerSettings) *Server {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Server{
		ctx:      cancelCtx,
		cancel:   cancel,
		registry: registry,
		settings: settings,
		upgrader: websocket.Upgrader{
			// identity comes from the jwt, not the origin
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (self *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[ws]upgrade error = %s\n", err)
		return
	}
	go self.runSession(ws)
}

// clientSession is the server-side half of one connection.
type clientSession struct {
	sessionId Id
	user      User
	send      chan *ServerEvent
	room      *Room
}

func (self *clientSession) SessionId() Id {
	return self.sessionId
}

// Deliver never blocks the broadcast path. A session that cannot drain its
// buffer loses events; the bounded history covers catch-up on rejoin.
func (self *clientSession) Deliver(event *ServerEvent) {
	select {
	case self.send <- event:
	default:
		glog.Infof("[ws]drop %s-> %s\n", self.sessionId, event.Kind)
	}
}

func (self *Server) runSession(ws *websocket.Conn) {
	defer ws.Close()

	session, err := self.authenticate(ws)
	if err != nil {
		glog.Infof("[ws]auth error = %s\n", err)
		return
	}

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case event := <-session.send:
				message, err := EncodeServerEvent(event)
				if err != nil {
					glog.Infof("[ws]encode error = %s\n", err)
					continue
				}
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
					glog.V(1).Infof("[ws]%s-> error = %s\n", session.sessionId, err)
					return
				}
				glog.V(2).Infof("[ws]%s-> %s\n", session.sessionId, event.Kind)
			case <-time.After(self.settings.PingInterval):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
					return
				}
			}
		}
	}()

	defer func() {
		self.registry.HandleDisconnect(session.sessionId)
	}()

	ws.SetReadLimit(self.settings.ReadLimit)
	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[ws]%s<- error = %s\n", session.sessionId, err)
			return
		}
		if messageType != websocket.TextMessage || len(message) == 0 {
			// keepalive
			continue
		}

		event, err := DecodeClientEvent(message)
		if err != nil {
			// protocol errors never crash a handler
			glog.Infof("[ws]%s<- decode error = %s\n", session.sessionId, err)
			session.Deliver(&ServerEvent{
				Kind: ServerError,
				Error: &ErrorEvent{
					Message: "invalid event",
					Error:   err.Error(),
				},
			})
			continue
		}
		self.dispatch(session, event)
	}
}

func (self *Server) authenticate(ws *websocket.Conn) (*clientSession, error) {
	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	_, message, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}

	authRequest := &AuthRequest{}
	if err := json.Unmarshal(message, authRequest); err != nil {
		return nil, err
	}
	user, err := ParseUserFromJwt(authRequest.ByJwt)
	if err != nil {
		return nil, err
	}

	session := &clientSession{
		sessionId: NewId(),
		user:      *user,
		send:      make(chan *ServerEvent, self.settings.SendBufferSize),
	}

	authResponse, err := json.Marshal(&AuthResponse{
		SessionId: session.sessionId,
		User:      session.user,
	})
	if err != nil {
		return nil, err
	}
	ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, authResponse); err != nil {
		return nil, err
	}
	glog.V(1).Infof("[ws]connect %s %s\n", session.sessionId, session.user.Id)
	return session, nil
}

func (self *Server) dispatch(session *clientSession, event *ClientEvent) {
	switch event.Kind {
	case ClientJoinProject:
		if event.JoinProject == nil || event.JoinProject.ProjectId == "" {
			session.Deliver(&ServerEvent{
				Kind: ServerError,
				Error: &ErrorEvent{
					Message: "failed to join project",
					Error:   "missing project id",
				},
			})
			break
		}
		// a session participates in one room at a time
		if session.room != nil {
			self.registry.LeaveRoom(session.room, session)
			session.room = nil
		}
		user := session.user
		if event.JoinProject.User.Name != "" {
			user.Name = event.JoinProject.User.Name
		}
		if event.JoinProject.User.Color != "" {
			user.Color = event.JoinProject.User.Color
		}
		session.room = self.registry.JoinRoom(session, event.JoinProject.ProjectId, user)
	case ClientLeaveProject:
		if session.room == nil {
			break
		}
		self.registry.LeaveRoom(session.room, session)
		session.room = nil
	case ClientWorkflowChange:
		if event.WorkflowChange == nil || session.room == nil {
			reason := "not in a project"
			if event.WorkflowChange == nil {
				reason = "missing delta"
			}
			session.Deliver(&ServerEvent{
				Kind: ServerError,
				Error: &ErrorEvent{
					Message: "failed to apply workflow change",
					Error:   reason,
				},
			})
			break
		}
		delta := event.WorkflowChange.Delta
		self.registry.HandleWorkflowChange(session.room, session, &delta)
	case ClientCursorMove:
		if event.CursorMove == nil || session.room == nil {
			break
		}
		self.registry.HandleCursorMove(session.room, session, event.CursorMove)
	case ClientSelectionChange:
		if event.SelectionChange == nil || session.room == nil {
			break
		}
		self.registry.HandleSelectionChange(session.room, session, event.SelectionChange)
	case ClientUserStatus:
		if event.UserStatus == nil || session.room == nil {
			break
		}
		self.registry.HandleUserStatus(session.room, session, event.UserStatus.Status)
	case ClientChatMessage:
		if event.ChatMessage == nil || session.room == nil {
			break
		}
		self.registry.HandleChatMessage(session.room, session, event.ChatMessage.Message)
	default:
		// unknown events are a logged no-op
		glog.Infof("[ws]%s<- unknown kind = %s\n", session.sessionId, event.Kind)
	}
}

func (self *Server) Close() {
	self.cancel()
}
