package conversation

import (
	"time"

	"github.com/google/uuid"
)

// NodeID identifies a message node in a conversation tree.
//
// Backend-assigned ids are opaque strings, so NodeID wraps a string rather
// than a uuid. Locally created nodes get a generated uuid-shaped id until the
// backend supplies the real one (see ManagerImpl.ReconcileID).
type NodeID string

var NullNode NodeID = ""

func NewNodeID() NodeID {
	return NodeID(uuid.NewString())
}

func (id NodeID) String() string {
	return string(id)
}

// GroupID identifies an edit group: the set of sibling messages that are
// alternative versions of the same conversational slot. Two messages with the
// same parent but different groups are unrelated forks; same parent and same
// group means alternative versions of one slot.
type GroupID string

var NullGroup GroupID = ""

func NewGroupID() GroupID {
	return GroupID(uuid.NewString())
}

func (id GroupID) String() string {
	return string(id)
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Status tracks the lifecycle of a message. Transitions only ever move
// forward through pending -> streaming -> {complete, cancelled, error}.
type Status string

const (
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusComplete  Status = "complete"
	StatusCancelled Status = "cancelled"
	StatusError     Status = "error"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusComplete, StatusCancelled, StatusError:
		return true
	case StatusPending, StatusStreaming:
		return false
	}
	return false
}

// Message is a single node in the conversation tree. Content is mutable only
// while the message is pending or streaming; once a terminal status is
// reached the accumulated text is frozen.
type Message struct {
	ID          NodeID  `json:"id"`
	ParentID    NodeID  `json:"parentID"`
	EditGroupID GroupID `json:"editGroupID"`

	Role    Role   `json:"role"`
	Content string `json:"content"`
	Status  Status `json:"status"`

	// ErrorReason carries the backend- or transport-supplied reason when
	// Status is error.
	ErrorReason string `json:"errorReason,omitempty"`

	CreatedAt  time.Time `json:"createdAt"`
	LastUpdate time.Time `json:"lastUpdate"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

type MessageOption func(*Message)

func WithID(id NodeID) MessageOption {
	return func(m *Message) {
		m.ID = id
	}
}

func WithParentID(parentID NodeID) MessageOption {
	return func(m *Message) {
		m.ParentID = parentID
	}
}

func WithEditGroupID(groupID GroupID) MessageOption {
	return func(m *Message) {
		m.EditGroupID = groupID
	}
}

func WithContent(content string) MessageOption {
	return func(m *Message) {
		m.Content = content
	}
}

func WithStatus(status Status) MessageOption {
	return func(m *Message) {
		m.Status = status
	}
}

func WithTime(t time.Time) MessageOption {
	return func(m *Message) {
		m.CreatedAt = t
		m.LastUpdate = t
	}
}

func WithMetadata(metadata map[string]interface{}) MessageOption {
	return func(m *Message) {
		m.Metadata = metadata
	}
}

func NewMessage(role Role, options ...MessageOption) *Message {
	now := time.Now()
	ret := &Message{
		ID:         NewNodeID(),
		Role:       role,
		Status:     StatusPending,
		CreatedAt:  now,
		LastUpdate: now,
	}

	for _, option := range options {
		option(ret)
	}

	return ret
}

// Conversation is a linear sequence of messages, typically the active path of
// a tree from root to leaf.
type Conversation []*Message

// GetSinglePrompt concatenates the conversation into a single prompt string,
// one "[role]: text" line per message.
func (messages Conversation) GetSinglePrompt() string {
	if len(messages) == 0 {
		return ""
	}

	if len(messages) == 1 {
		return messages[0].Content
	}

	prompt := ""
	for _, message := range messages {
		prompt += "[" + string(message.Role) + "]: " + message.Content + "\n"
	}

	return prompt
}
