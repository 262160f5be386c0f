package conversation

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustInsert(t *testing.T, ct *ConversationTree, msg *Message) *Message {
	t.Helper()
	require.NoError(t, ct.Insert(msg))
	return msg
}

func TestInsertRejectsUnknownParent(t *testing.T) {
	ct := NewConversationTree()

	msg := NewMessage(RoleUser, WithParentID("missing"), WithEditGroupID(NewGroupID()))
	err := ct.Insert(msg)
	require.Error(t, err)
}

func TestInsertRejectsDuplicateID(t *testing.T) {
	ct := NewConversationTree()

	msg := mustInsert(t, ct, NewMessage(RoleUser, WithEditGroupID(NewGroupID())))
	err := ct.Insert(NewMessage(RoleUser, WithID(msg.ID), WithEditGroupID(NewGroupID())))
	require.Error(t, err)
}

func TestActivePathFollowsLinearConversation(t *testing.T) {
	ct := NewConversationTree()

	g0 := NewGroupID()
	u0 := mustInsert(t, ct, NewMessage(RoleUser, WithEditGroupID(g0), WithContent("hello")))
	a0 := mustInsert(t, ct, NewMessage(RoleAssistant, WithParentID(u0.ID), WithEditGroupID(g0), WithContent("hi")))

	g1 := NewGroupID()
	u1 := mustInsert(t, ct, NewMessage(RoleUser, WithParentID(a0.ID), WithEditGroupID(g1), WithContent("more")))

	path := ct.ActivePath()
	require.Len(t, path, 3)
	assert.Equal(t, u0.ID, path[0].ID)
	assert.Equal(t, a0.ID, path[1].ID)
	assert.Equal(t, u1.ID, path[2].ID)
}

func TestRegenerateSiblingBecomesActive(t *testing.T) {
	ct := NewConversationTree()

	g0 := NewGroupID()
	u0 := mustInsert(t, ct, NewMessage(RoleUser, WithEditGroupID(g0)))
	a0 := mustInsert(t, ct, NewMessage(RoleAssistant, WithParentID(u0.ID), WithEditGroupID(g0), WithContent("first answer")))

	// regenerate: same parent, same edit group
	a1 := mustInsert(t, ct, NewMessage(RoleAssistant, WithParentID(u0.ID), WithEditGroupID(g0), WithContent("second answer")))

	path := ct.ActivePath()
	require.Len(t, path, 2)
	assert.Equal(t, a1.ID, path[1].ID)

	// the demoted sibling is untouched and still stored
	original, exists := ct.GetMessageByID(a0.ID)
	require.True(t, exists)
	assert.Equal(t, "first answer", original.Content)
}

func TestSetActiveAlternativeSwitchesBack(t *testing.T) {
	ct := NewConversationTree()

	g0 := NewGroupID()
	u0 := mustInsert(t, ct, NewMessage(RoleUser, WithEditGroupID(g0)))
	a0 := mustInsert(t, ct, NewMessage(RoleAssistant, WithParentID(u0.ID), WithEditGroupID(g0)))
	mustInsert(t, ct, NewMessage(RoleAssistant, WithParentID(u0.ID), WithEditGroupID(g0)))

	slot := Slot{ParentID: u0.ID, EditGroupID: g0}
	require.NoError(t, ct.SetActiveAlternative(slot, a0.ID))

	path := ct.ActivePath()
	require.Len(t, path, 2)
	assert.Equal(t, a0.ID, path[1].ID)
}

func TestSetActiveAlternativeRejectsForeignMessage(t *testing.T) {
	ct := NewConversationTree()

	g0 := NewGroupID()
	u0 := mustInsert(t, ct, NewMessage(RoleUser, WithEditGroupID(g0)))
	a0 := mustInsert(t, ct, NewMessage(RoleAssistant, WithParentID(u0.ID), WithEditGroupID(g0)))

	// a0 does not live in the root slot
	err := ct.SetActiveAlternative(Slot{ParentID: NullNode, EditGroupID: g0}, a0.ID)
	require.Error(t, err)

	err = ct.SetActiveAlternative(Slot{ParentID: u0.ID, EditGroupID: g0}, "missing")
	require.Error(t, err)
}

func TestEditForkRestoresWholeSubtree(t *testing.T) {
	ct := NewConversationTree()

	// u0 -> a0 under g0
	g0 := NewGroupID()
	u0 := mustInsert(t, ct, NewMessage(RoleUser, WithEditGroupID(g0), WithContent("v1")))
	a0 := mustInsert(t, ct, NewMessage(RoleAssistant, WithParentID(u0.ID), WithEditGroupID(g0), WithContent("answer to v1")))

	// edited version of u0: same parent (root), fresh group
	g1 := NewGroupID()
	u1 := mustInsert(t, ct, NewMessage(RoleUser, WithEditGroupID(g1), WithContent("v2")))
	a1 := mustInsert(t, ct, NewMessage(RoleAssistant, WithParentID(u1.ID), WithEditGroupID(g1), WithContent("answer to v2")))

	path := ct.ActivePath()
	require.Len(t, path, 2)
	assert.Equal(t, u1.ID, path[0].ID)
	assert.Equal(t, a1.ID, path[1].ID)

	// switching back to the original edit restores its continuation too
	require.NoError(t, ct.SetActiveAlternative(Slot{ParentID: NullNode, EditGroupID: g0}, u0.ID))

	path = ct.ActivePath()
	require.Len(t, path, 2)
	assert.Equal(t, u0.ID, path[0].ID)
	assert.Equal(t, a0.ID, path[1].ID)
}

func TestSiblingsOrderedByCreationTime(t *testing.T) {
	ct := NewConversationTree()

	g0 := NewGroupID()
	u0 := mustInsert(t, ct, NewMessage(RoleUser, WithEditGroupID(g0)))

	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	a0 := mustInsert(t, ct, NewMessage(RoleAssistant, WithParentID(u0.ID), WithEditGroupID(g0), WithTime(t0)))
	a1 := mustInsert(t, ct, NewMessage(RoleAssistant, WithParentID(u0.ID), WithEditGroupID(g0), WithTime(t0.Add(time.Second))))
	a2 := mustInsert(t, ct, NewMessage(RoleAssistant, WithParentID(u0.ID), WithEditGroupID(g0), WithTime(t0.Add(2*time.Second))))

	siblings := ct.Siblings(Slot{ParentID: u0.ID, EditGroupID: g0})
	require.Equal(t, []NodeID{a0.ID, a1.ID, a2.ID}, siblings)
}

func TestRekeyUpdatesChildrenAndPointers(t *testing.T) {
	ct := NewConversationTree()

	g0 := NewGroupID()
	u0 := mustInsert(t, ct, NewMessage(RoleUser, WithEditGroupID(g0)))
	a0 := mustInsert(t, ct, NewMessage(RoleAssistant, WithParentID(u0.ID), WithEditGroupID(g0)))

	g1 := NewGroupID()
	u1 := mustInsert(t, ct, NewMessage(RoleUser, WithParentID(a0.ID), WithEditGroupID(g1)))

	require.NoError(t, ct.Rekey(a0.ID, "srv-42"))

	_, exists := ct.GetMessageByID(a0.ID)
	assert.False(t, exists)

	renamed, exists := ct.GetMessageByID("srv-42")
	require.True(t, exists)
	assert.Equal(t, NodeID("srv-42"), renamed.ID)

	child, _ := ct.GetMessageByID(u1.ID)
	assert.Equal(t, NodeID("srv-42"), child.ParentID)

	path := ct.ActivePath()
	require.Len(t, path, 3)
	assert.Equal(t, NodeID("srv-42"), path[1].ID)
	assert.Equal(t, u1.ID, path[2].ID)
}

func TestRekeyRejectsCollision(t *testing.T) {
	ct := NewConversationTree()

	g0 := NewGroupID()
	u0 := mustInsert(t, ct, NewMessage(RoleUser, WithEditGroupID(g0)))
	a0 := mustInsert(t, ct, NewMessage(RoleAssistant, WithParentID(u0.ID), WithEditGroupID(g0)))

	err := ct.Rekey(a0.ID, u0.ID)
	require.Error(t, err)

	err = ct.Rekey("missing", "whatever")
	require.Error(t, err)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	ct := NewConversationTree()

	g0 := NewGroupID()
	u0 := mustInsert(t, ct, NewMessage(RoleUser, WithEditGroupID(g0), WithContent("hello")))
	a0 := mustInsert(t, ct, NewMessage(RoleAssistant, WithParentID(u0.ID), WithEditGroupID(g0), WithContent("hi"), WithStatus(StatusComplete)))
	a1 := mustInsert(t, ct, NewMessage(RoleAssistant, WithParentID(u0.ID), WithEditGroupID(g0), WithContent("hi there"), WithStatus(StatusComplete)))

	slot := Slot{ParentID: u0.ID, EditGroupID: g0}
	require.NoError(t, ct.SetActiveAlternative(slot, a0.ID))

	file := filepath.Join(t.TempDir(), "conversation.json")
	require.NoError(t, ct.SaveToFile(file))

	loaded := NewConversationTree()
	require.NoError(t, loaded.LoadFromFile(file))

	require.Len(t, loaded.Nodes, 3)
	active, ok := loaded.ActiveAlternative(slot)
	require.True(t, ok)
	assert.Equal(t, a0.ID, active)

	path := loaded.ActivePath()
	require.Len(t, path, 2)
	assert.Equal(t, "hi", path[1].Content)

	_, exists := loaded.GetMessageByID(a1.ID)
	assert.True(t, exists)
}
