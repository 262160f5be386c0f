package conversation

import (
	"encoding/json"
	"os"
	"sort"

	"github.com/pkg/errors"
)

// Slot addresses one conversational position: all messages sharing a parent
// and an edit group are alternative versions of that position.
type Slot struct {
	ParentID    NodeID  `json:"parentID"`
	EditGroupID GroupID `json:"editGroupID"`
}

// ConversationTree stores the message graph of one conversation.
//
// Nodes are kept in a flat map keyed by NodeID; relationships are expressed
// only through the ParentID and EditGroupID fields, never through raw
// pointers, which keeps the structure serializable and safe under arbitrary
// fork patterns.
//
// Two pointer maps select what is visible:
//   - active maps a Slot to the sibling currently shown for that slot
//   - current maps a parent to the edit group that continues the transcript
//     below it (a parent can carry several unrelated forks, one per group)
//
// The visible transcript is obtained by starting at the root slot and
// repeatedly following current + active until no continuation exists.
type ConversationTree struct {
	Nodes map[NodeID]*Message

	active  map[Slot]NodeID
	current map[NodeID]GroupID
}

func NewConversationTree() *ConversationTree {
	return &ConversationTree{
		Nodes:   make(map[NodeID]*Message),
		active:  make(map[Slot]NodeID),
		current: make(map[NodeID]GroupID),
	}
}

// Insert adds a message to the tree and makes it the active alternative of
// its slot; the slot's group becomes the current continuation under the
// parent. Non-root messages must reference an existing parent.
func (ct *ConversationTree) Insert(msg *Message) error {
	if msg == nil {
		return errors.New("cannot insert nil message")
	}
	if msg.ID == NullNode {
		return errors.New("cannot insert message without id")
	}
	if _, exists := ct.Nodes[msg.ID]; exists {
		return errors.Errorf("message %s already exists", msg.ID)
	}
	if msg.ParentID != NullNode {
		if _, exists := ct.Nodes[msg.ParentID]; !exists {
			return errors.Errorf("parent %s does not exist", msg.ParentID)
		}
	}

	ct.Nodes[msg.ID] = msg
	slot := Slot{ParentID: msg.ParentID, EditGroupID: msg.EditGroupID}
	ct.active[slot] = msg.ID
	ct.current[msg.ParentID] = msg.EditGroupID

	return nil
}

// Rekey renames a node from oldID to newID, updating parent references of its
// children and both pointer maps. Used when the backend confirms the real id
// of an optimistically inserted message.
func (ct *ConversationTree) Rekey(oldID NodeID, newID NodeID) error {
	if oldID == newID {
		return nil
	}
	msg, exists := ct.Nodes[oldID]
	if !exists {
		return errors.Errorf("message %s does not exist", oldID)
	}
	if _, exists := ct.Nodes[newID]; exists {
		return errors.Errorf("message %s already exists", newID)
	}

	delete(ct.Nodes, oldID)
	msg.ID = newID
	ct.Nodes[newID] = msg

	for _, child := range ct.Nodes {
		if child.ParentID == oldID {
			child.ParentID = newID
		}
	}

	newActive := make(map[Slot]NodeID, len(ct.active))
	for slot, id := range ct.active {
		if slot.ParentID == oldID {
			slot.ParentID = newID
		}
		if id == oldID {
			id = newID
		}
		newActive[slot] = id
	}
	ct.active = newActive

	if group, ok := ct.current[oldID]; ok {
		delete(ct.current, oldID)
		ct.current[newID] = group
	}

	return nil
}

// ActiveAlternative returns the sibling currently selected for a slot.
func (ct *ConversationTree) ActiveAlternative(slot Slot) (NodeID, bool) {
	id, ok := ct.active[slot]
	return id, ok
}

// SetActiveAlternative switches which sibling is visible for a slot. It is a
// pure pointer update: no message content, status, or parent link changes.
// The slot's group also becomes the current continuation under the parent, so
// switching between edit versions restores that version's whole subtree.
func (ct *ConversationTree) SetActiveAlternative(slot Slot, id NodeID) error {
	msg, exists := ct.Nodes[id]
	if !exists {
		return errors.Errorf("message %s does not exist", id)
	}
	if msg.ParentID != slot.ParentID || msg.EditGroupID != slot.EditGroupID {
		return errors.Errorf("message %s does not belong to slot (%s, %s)", id, slot.ParentID, slot.EditGroupID)
	}

	ct.active[slot] = id
	ct.current[slot.ParentID] = slot.EditGroupID
	return nil
}

// Siblings returns all message ids in a slot, ordered by creation time (id as
// tie-break).
func (ct *ConversationTree) Siblings(slot Slot) []NodeID {
	var siblings []*Message
	for _, msg := range ct.Nodes {
		if msg.ParentID == slot.ParentID && msg.EditGroupID == slot.EditGroupID {
			siblings = append(siblings, msg)
		}
	}
	sort.Slice(siblings, func(i, j int) bool {
		if siblings[i].CreatedAt.Equal(siblings[j].CreatedAt) {
			return siblings[i].ID < siblings[j].ID
		}
		return siblings[i].CreatedAt.Before(siblings[j].CreatedAt)
	})

	ret := make([]NodeID, 0, len(siblings))
	for _, msg := range siblings {
		ret = append(ret, msg.ID)
	}
	return ret
}

// ActivePath returns the visible transcript: from the root slot, follow the
// current group and its active alternative down to a leaf. It is a pure
// projection and safe to call mid-stream; streaming messages appear with
// their partial content.
func (ct *ConversationTree) ActivePath() Conversation {
	var thread Conversation

	parent := NullNode
	for {
		group, ok := ct.current[parent]
		if !ok {
			break
		}
		id, ok := ct.active[Slot{ParentID: parent, EditGroupID: group}]
		if !ok {
			break
		}
		node, exists := ct.Nodes[id]
		if !exists {
			break
		}
		thread = append(thread, node)
		parent = id
	}

	return thread
}

func (ct *ConversationTree) GetMessageByID(id NodeID) (*Message, bool) {
	ret, exists := ct.Nodes[id]
	return ret, exists
}

// Intermediate representation for (un)marshaling: map keys cannot be structs,
// so active pointers are stored as a list.
type treeAlias struct {
	Nodes   map[NodeID]*Message `json:"nodes"`
	Active  []activeEntry       `json:"active"`
	Current map[NodeID]GroupID  `json:"current"`
}

type activeEntry struct {
	Slot   Slot   `json:"slot"`
	Active NodeID `json:"active"`
}

func (ct *ConversationTree) MarshalJSON() ([]byte, error) {
	alias := treeAlias{
		Nodes:   ct.Nodes,
		Current: ct.current,
	}
	for slot, id := range ct.active {
		alias.Active = append(alias.Active, activeEntry{Slot: slot, Active: id})
	}
	sort.Slice(alias.Active, func(i, j int) bool {
		if alias.Active[i].Slot.ParentID == alias.Active[j].Slot.ParentID {
			return alias.Active[i].Slot.EditGroupID < alias.Active[j].Slot.EditGroupID
		}
		return alias.Active[i].Slot.ParentID < alias.Active[j].Slot.ParentID
	})
	return json.Marshal(alias)
}

func (ct *ConversationTree) UnmarshalJSON(data []byte) error {
	var alias treeAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}

	ct.Nodes = alias.Nodes
	if ct.Nodes == nil {
		ct.Nodes = make(map[NodeID]*Message)
	}
	ct.current = alias.Current
	if ct.current == nil {
		ct.current = make(map[NodeID]GroupID)
	}
	ct.active = make(map[Slot]NodeID, len(alias.Active))
	for _, entry := range alias.Active {
		ct.active[entry.Slot] = entry.Active
	}
	return nil
}

func (ct *ConversationTree) SaveToFile(filename string) error {
	data, err := json.MarshalIndent(ct, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}

func (ct *ConversationTree) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, ct)
}
