package conversation

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

func errorMessageNotFound(id NodeID) error {
	return errors.Errorf("message %s does not exist", id)
}

// ManagerImpl owns one conversation tree. A mutex guards the tree because
// observers (the rendering layer) read the active path while a turn is
// mutating it; all mutation still happens on a single logical thread of
// control per conversation.
type ManagerImpl struct {
	mu   sync.RWMutex
	Tree *ConversationTree

	ConversationID uuid.UUID
}

var _ Manager = (*ManagerImpl)(nil)

type ManagerOption func(*ManagerImpl)

func WithManagerConversationID(conversationID uuid.UUID) ManagerOption {
	return func(m *ManagerImpl) {
		m.ConversationID = conversationID
	}
}

func WithMessages(messages ...*Message) ManagerOption {
	return func(m *ManagerImpl) {
		for _, msg := range messages {
			_ = m.Tree.Insert(msg)
		}
	}
}

func NewManager(options ...ManagerOption) *ManagerImpl {
	ret := &ManagerImpl{
		ConversationID: uuid.Nil,
		Tree:           NewConversationTree(),
	}
	for _, option := range options {
		option(ret)
	}

	if ret.ConversationID == uuid.Nil {
		ret.ConversationID = uuid.New()
	}

	return ret
}

func (m *ManagerImpl) CreatePendingTurn(parentID NodeID, groupID GroupID, role Role, optimisticID NodeID, options ...MessageOption) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	options = append([]MessageOption{
		WithID(optimisticID),
		WithParentID(parentID),
		WithEditGroupID(groupID),
	}, options...)
	msg := NewMessage(role, options...)
	msg.Status = StatusPending

	if err := m.Tree.Insert(msg); err != nil {
		return nil, err
	}

	log.Trace().
		Str("conversation_id", m.ConversationID.String()).
		Str("message_id", msg.ID.String()).
		Str("parent_id", parentID.String()).
		Str("edit_group_id", groupID.String()).
		Str("role", string(role)).
		Msg("created pending turn")

	return msg, nil
}

func (m *ManagerImpl) ReconcileID(optimisticID NodeID, realID NodeID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.Tree.Rekey(optimisticID, realID); err != nil {
		return err
	}

	log.Trace().
		Str("conversation_id", m.ConversationID.String()).
		Str("optimistic_id", optimisticID.String()).
		Str("real_id", realID.String()).
		Msg("reconciled message id")

	return nil
}

func (m *ManagerImpl) AppendToken(id NodeID, fragment string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, exists := m.Tree.GetMessageByID(id)
	if !exists {
		log.Warn().Str("message_id", id.String()).Msg("append token to unknown message")
		return
	}
	if msg.Status.Terminal() {
		// Stray frame after cancellation or completion, discard.
		log.Trace().
			Str("message_id", id.String()).
			Str("status", string(msg.Status)).
			Msg("discarding token for terminal message")
		return
	}

	msg.Status = StatusStreaming
	msg.Content += fragment
	msg.LastUpdate = time.Now()
}

func (m *ManagerImpl) Finalize(id NodeID, finalContent *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, exists := m.Tree.GetMessageByID(id)
	if !exists {
		return errorMessageNotFound(id)
	}
	if msg.Status.Terminal() {
		return nil
	}

	if finalContent != nil {
		msg.Content = *finalContent
	}
	msg.Status = StatusComplete
	msg.LastUpdate = time.Now()

	return nil
}

func (m *ManagerImpl) MarkCancelled(id NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, exists := m.Tree.GetMessageByID(id)
	if !exists || msg.Status.Terminal() {
		return
	}

	msg.Status = StatusCancelled
	msg.LastUpdate = time.Now()
}

func (m *ManagerImpl) MarkError(id NodeID, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, exists := m.Tree.GetMessageByID(id)
	if !exists || msg.Status.Terminal() {
		return
	}

	msg.Status = StatusError
	msg.ErrorReason = reason
	msg.LastUpdate = time.Now()
}

func (m *ManagerImpl) Fork(parentID NodeID, groupID GroupID, role Role, content string, options ...MessageOption) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	options = append([]MessageOption{
		WithParentID(parentID),
		WithEditGroupID(groupID),
		WithContent(content),
		WithStatus(StatusComplete),
	}, options...)
	msg := NewMessage(role, options...)

	if err := m.Tree.Insert(msg); err != nil {
		return nil, err
	}

	log.Trace().
		Str("conversation_id", m.ConversationID.String()).
		Str("message_id", msg.ID.String()).
		Str("parent_id", parentID.String()).
		Str("edit_group_id", groupID.String()).
		Msg("forked alternative")

	return msg, nil
}

func (m *ManagerImpl) Edit(id NodeID, content string) (*Message, error) {
	m.mu.RLock()
	msg, exists := m.Tree.GetMessageByID(id)
	m.mu.RUnlock()
	if !exists {
		return nil, errorMessageNotFound(id)
	}

	// An edit is a fresh fork point: same parent, new edit group. The old
	// continuation stays stored and selectable.
	return m.Fork(msg.ParentID, NewGroupID(), msg.Role, content)
}

func (m *ManagerImpl) SetActiveAlternative(parentID NodeID, groupID GroupID, id NodeID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.Tree.SetActiveAlternative(Slot{ParentID: parentID, EditGroupID: groupID}, id)
}

func (m *ManagerImpl) ActivePath() Conversation {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.Tree.ActivePath()
}

func (m *ManagerImpl) GetMessage(id NodeID) (*Message, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.Tree.GetMessageByID(id)
}

func (m *ManagerImpl) Siblings(parentID NodeID, groupID GroupID) []NodeID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.Tree.Siblings(Slot{ParentID: parentID, EditGroupID: groupID})
}

func (m *ManagerImpl) SaveToFile(filename string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.Tree.SaveToFile(filename)
}

func (m *ManagerImpl) LoadFromFile(filename string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.Tree.LoadFromFile(filename)
}
