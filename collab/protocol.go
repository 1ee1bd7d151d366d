package collab

import (
	"encoding/json"
	"fmt"
)

// Wire protocol between client and server. Each direction is a tagged union:
// a kind plus exactly one payload field set for that kind, dispatched with an
// exhaustive switch rather than string-keyed handler maps.

type ClientEventKind string

const (
	ClientJoinProject     ClientEventKind = "join_project"
	ClientLeaveProject    ClientEventKind = "leave_project"
	ClientWorkflowChange  ClientEventKind = "workflow_change"
	ClientCursorMove      ClientEventKind = "cursor_move"
	ClientSelectionChange ClientEventKind = "selection_change"
	ClientUserStatus      ClientEventKind = "user_status"
	ClientChatMessage     ClientEventKind = "chat_message"
)

type JoinProject struct {
	ProjectId string `json:"projectId"`
	User      User   `json:"user"`
}

type LeaveProject struct {
	ProjectId string `json:"projectId"`
}

type WorkflowChange struct {
	Delta Delta `json:"delta"`
}

type UserStatusChange struct {
	Status UserStatus `json:"status"`
}

type ChatSend struct {
	Message   string `json:"message"`
	ProjectId string `json:"projectId"`
}

type ClientEvent struct {
	Kind            ClientEventKind   `json:"kind"`
	JoinProject     *JoinProject      `json:"joinProject,omitempty"`
	LeaveProject    *LeaveProject     `json:"leaveProject,omitempty"`
	WorkflowChange  *WorkflowChange   `json:"workflowChange,omitempty"`
	CursorMove      *Cursor           `json:"cursorMove,omitempty"`
	SelectionChange *Selection        `json:"selectionChange,omitempty"`
	UserStatus      *UserStatusChange `json:"userStatus,omitempty"`
	ChatMessage     *ChatSend         `json:"chatMessage,omitempty"`
}

type ServerEventKind string

const (
	ServerProjectState     ServerEventKind = "project_state"
	ServerUserJoined       ServerEventKind = "user_joined"
	ServerUserLeft         ServerEventKind = "user_left"
	ServerWorkflowDelta    ServerEventKind = "workflow_delta"
	ServerCursorUpdate     ServerEventKind = "cursor_update"
	ServerSelectionUpdate  ServerEventKind = "selection_update"
	ServerUserStatusUpdate ServerEventKind = "user_status_update"
	ServerChatMessage      ServerEventKind = "chat_message"
	ServerActivityLog      ServerEventKind = "activity_log"
	ServerError            ServerEventKind = "error"
)

// ProjectState is the join response, sent to the joining client only.
type ProjectState struct {
	Workflow *Workflow           `json:"workflow"`
	Users    []*Presence         `json:"users"`
	History  []*Delta            `json:"history"`
	Chat     []*ChatMessage      `json:"chat"`
	Activity []*ActivityLogEntry `json:"activity"`
}

type UserJoined struct {
	User       *Presence `json:"user"`
	TotalUsers int       `json:"totalUsers"`
}

type UserLeft struct {
	UserId     string `json:"userId"`
	User       string `json:"user,omitempty"`
	TotalUsers int    `json:"totalUsers"`
	Reason     string `json:"reason,omitempty"`
}

type CursorUpdate struct {
	UserId string  `json:"userId"`
	Cursor *Cursor `json:"cursor"`
}

type SelectionUpdate struct {
	UserId    string     `json:"userId"`
	Selection *Selection `json:"selection"`
}

type UserStatusUpdate struct {
	UserId string     `json:"userId"`
	Status UserStatus `json:"status"`
}

type ErrorEvent struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

type ServerEvent struct {
	Kind             ServerEventKind   `json:"kind"`
	ProjectState     *ProjectState     `json:"projectState,omitempty"`
	UserJoined       *UserJoined       `json:"userJoined,omitempty"`
	UserLeft         *UserLeft         `json:"userLeft,omitempty"`
	WorkflowDelta    *Delta            `json:"workflowDelta,omitempty"`
	CursorUpdate     *CursorUpdate     `json:"cursorUpdate,omitempty"`
	SelectionUpdate  *SelectionUpdate  `json:"selectionUpdate,omitempty"`
	UserStatusUpdate *UserStatusUpdate `json:"userStatusUpdate,omitempty"`
	ChatMessage      *ChatMessage      `json:"chatMessage,omitempty"`
	ActivityLog      *ActivityLogEntry `json:"activityLog,omitempty"`
	Error            *ErrorEvent       `json:"error,omitempty"`
}

// AuthRequest is the first frame on a new connection.
type AuthRequest struct {
	ByJwt string `json:"byJwt"`
}

// AuthResponse echoes the resolved identity and assigns the session id
// used to stamp every delta from this connection.
type AuthResponse struct {
	SessionId Id   `json:"sessionId"`
	User      User `json:"user"`
}

func EncodeClientEvent(event *ClientEvent) ([]byte, error) {
	return json.Marshal(event)
}

func DecodeClientEvent(message []byte) (*ClientEvent, error) {
	event := &ClientEvent{}
	if err := json.Unmarshal(message, event); err != nil {
		return nil, err
	}
	if event.Kind == "" {
		return nil, fmt.Errorf("missing event kind")
	}
	return event, nil
}

func EncodeServerEvent(event *ServerEvent) ([]byte, error) {
	return json.Marshal(event)
}

func DecodeServerEvent(message []byte) (*ServerEvent, error) {
	event := &ServerEvent{}
	if err := json.Unmarshal(message, event); err != nil {
		return nil, err
	}
	if event.Kind == "" {
		return nil, fmt.Errorf("missing event kind")
	}
	return event, nil
}
