package collab

import (
	"fmt"

	"github.com/oklog/ulid/v2"
)

// Logging convention for the `collab` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on
//     normal operation, with the exception of infrequent lifecycle data that
//     is useful for monitoring
//     this includes:
//     - auth failures and dropped sessions
//     - persistence errors
//     - reconnect exhaustion
// V(1):
//     room lifecycle (create, destroy, join, leave, sweep)
// V(2):
//     per-event tracing - send, receive, flush, merge, cleanup

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func ParseId(idStr string) (Id, error) {
	u, err := ulid.ParseStrict(idStr)
	if err != nil {
		return Id{}, err
	}
	return Id(u), nil
}

func (self Id) IsZero() bool {
	return self == Id{}
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}

// ulids from the same source are ordered by create time
func (self Id) LessThan(b Id) bool {
	return ulid.ULID(self).Compare(ulid.ULID(b)) < 0
}

func (self Id) MarshalJSON() ([]byte, error) {
	return []byte(`"` + self.String() + `"`), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) < 2 || src[0] != '"' || src[len(src)-1] != '"' {
		return fmt.Errorf("invalid id: %s", string(src))
	}
	id, err := ParseId(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = id
	return nil
}

type UserStatus string

const (
	UserStatusActive UserStatus = "active"
	UserStatusIdle   UserStatus = "idle"
	UserStatusAway   UserStatus = "away"
)

type User struct {
	Id    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

type Cursor struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	NodeId string  `json:"nodeId,omitempty"`
}

type Selection struct {
	NodeIds []string `json:"nodeIds"`
	EdgeIds []string `json:"edgeIds"`
}

// Presence is one user's live state within a room.
// Mutated only via that user's own presence messages.
type Presence struct {
	User
	Cursor       *Cursor    `json:"cursor,omitempty"`
	Selection    *Selection `json:"selection,omitempty"`
	Status       UserStatus `json:"status"`
	LastActivity int64      `json:"lastActivity"`
}

type ChatMessage struct {
	Id        Id     `json:"id"`
	User      User   `json:"user"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

type ActivityType string

const (
	ActivityUserJoined     ActivityType = "user_joined"
	ActivityUserLeft       ActivityType = "user_left"
	ActivityWorkflowChange ActivityType = "workflow_change"
	ActivityChatMessage    ActivityType = "chat_message"
)

// ActivityLogEntry is the human-readable feed of room events,
// distinct from the delta history used for state application.
type ActivityLogEntry struct {
	Id        Id           `json:"id"`
	Type      ActivityType `json:"type"`
	User      string       `json:"user"`
	Action    string       `json:"action,omitempty"`
	Timestamp int64        `json:"timestamp"`
}
