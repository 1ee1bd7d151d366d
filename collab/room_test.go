package collab

import (
	"fmt"
	"testing"

	"github.com/go-playground/assert/v2"
)

func testRoomSettings() *RegistrySettings {
	settings := DefaultRegistrySettings()
	settings.HistoryLimit = 5
	settings.JoinHistoryCount = 3
	settings.ChatLimit = 4
	settings.ActivityLimit = 4
	return settings
}

func TestRoomHistoryTrimsOldest(t *testing.T) {
	settings := testRoomSettings()
	room := newRoom("42", 1000, settings)

	sessionId := NewId()
	for i := 0; i < 8; i += 1 {
		applied, _ := room.applyChange(&Delta{
			Kind: DeltaNodeAdd,
			Node: &Node{Id: fmt.Sprintf("n%d", i)},
		}, sessionId, int64(2000+i))
		assert.Equal(t, applied, true)
	}

	assert.Equal(t, len(room.history), settings.HistoryLimit)
	// oldest entries are the ones trimmed
	assert.Equal(t, room.history[0].Node.Id, "n3")
	assert.Equal(t, room.history[len(room.history)-1].Node.Id, "n7")
}

func TestRoomApplyChangeStampsDelta(t *testing.T) {
	room := newRoom("42", 1000, testRoomSettings())
	sessionId := NewId()

	// the server clock and session override whatever the client claims
	delta := &Delta{
		Kind:      DeltaNodeAdd,
		Node:      &Node{Id: "n1"},
		Timestamp: 999999,
		SessionId: NewId(),
	}
	applied, _ := room.applyChange(delta, sessionId, 5000)
	assert.Equal(t, applied, true)
	assert.Equal(t, delta.Timestamp, int64(5000))
	assert.Equal(t, delta.SessionId, sessionId)
}

func TestRoomSaveGate(t *testing.T) {
	settings := testRoomSettings()
	room := newRoom("42", 1000, settings)
	sessionId := NewId()

	saveIntervalMillis := settings.SaveInterval.Milliseconds()

	// within the interval the gate stays closed
	_, needSave := room.applyChange(&Delta{
		Kind: DeltaNodeAdd,
		Node: &Node{Id: "n1"},
	}, sessionId, 1000+saveIntervalMillis/2)
	assert.Equal(t, needSave, false)

	// past the interval it opens once
	_, needSave = room.applyChange(&Delta{
		Kind: DeltaNodeAdd,
		Node: &Node{Id: "n2"},
	}, sessionId, 1000+saveIntervalMillis+1)
	assert.Equal(t, needSave, true)

	// and closes again immediately after
	_, needSave = room.applyChange(&Delta{
		Kind: DeltaNodeAdd,
		Node: &Node{Id: "n3"},
	}, sessionId, 1000+saveIntervalMillis+2)
	assert.Equal(t, needSave, false)
}

func TestRoomChatAndActivityCaps(t *testing.T) {
	settings := testRoomSettings()
	room := newRoom("42", 1000, settings)

	for i := 0; i < 10; i += 1 {
		room.appendChat(&ChatMessage{
			Id:      NewId(),
			Message: fmt.Sprintf("m%d", i),
		})
		room.appendActivity(&ActivityLogEntry{
			Id:     NewId(),
			Type:   ActivityWorkflowChange,
			Action: fmt.Sprintf("a%d", i),
		})
	}

	assert.Equal(t, len(room.chat), settings.ChatLimit)
	assert.Equal(t, room.chat[0].Message, "m6")
	assert.Equal(t, len(room.activity), settings.ActivityLimit)
	assert.Equal(t, room.activity[0].Action, "a6")
}

func TestRoomStateCopiesAndBoundsHistory(t *testing.T) {
	settings := testRoomSettings()
	room := newRoom("42", 1000, settings)
	sessionId := NewId()

	session := newTestSession()
	room.addMember(session, User{Id: "u1", Name: "alice"}, 1000)

	for i := 0; i < 5; i += 1 {
		room.applyChange(&Delta{
			Kind: DeltaNodeAdd,
			Node: &Node{Id: fmt.Sprintf("n%d", i)},
		}, sessionId, int64(2000+i))
	}

	state := room.state()
	assert.Equal(t, len(state.Users), 1)
	assert.Equal(t, len(state.History), settings.JoinHistoryCount)
	assert.Equal(t, state.History[0].Node.Id, "n2")
	assert.Equal(t, len(state.Workflow.Nodes), 5)

	// mutating the returned state must not touch the live room
	state.Workflow.Nodes["n0"].Label = "mutated"
	delete(state.Workflow.Nodes, "n1")
	assert.Equal(t, room.workflow.Nodes["n0"].Label, "")
	assert.Equal(t, len(room.workflow.Nodes), 5)
}

func TestRoomRemoveBySession(t *testing.T) {
	room := newRoom("42", 1000, testRoomSettings())

	a := newTestSession()
	b := newTestSession()
	room.addMember(a, User{Id: "u1"}, 1000)
	room.addMember(b, User{Id: "u2"}, 1000)

	removed, total := room.removeBySession(a.SessionId())
	assert.Equal(t, len(removed), 1)
	assert.Equal(t, removed[0].Id, "u1")
	assert.Equal(t, total, 1)

	// removing again is a no-op
	removed, total = room.removeBySession(a.SessionId())
	assert.Equal(t, len(removed), 0)
	assert.Equal(t, total, 1)
}

func TestRoomSweepInactive(t *testing.T) {
	room := newRoom("42", 1000, testRoomSettings())

	a := newTestSession()
	b := newTestSession()
	room.addMember(a, User{Id: "u1"}, 1000)
	room.addMember(b, User{Id: "u2"}, 1000)

	// u2 is still active
	room.refreshPresence(b.SessionId(), 9000, func(p *Presence) *ServerEvent {
		return nil
	})

	removed, total := room.sweepInactive(5000)
	assert.Equal(t, len(removed), 1)
	assert.Equal(t, removed[0].Id, "u1")
	assert.Equal(t, total, 1)
}
