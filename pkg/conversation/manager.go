// Package conversation provides the branch-aware message store for a chat
// conversation.
//
// Conversations are not flat lists: editing a message or regenerating an
// answer forks an alternative continuation, and the user can revisit old
// alternatives at any time. The package implements this as a flat node map
// with explicit parent / edit-group fields plus active-alternative pointers,
// and exposes the mutation operations a streaming turn needs: insert a
// pending message under an optimistic id, reconcile that id against the
// backend-assigned one, append streamed tokens, and finalize, cancel, or fail
// the message.
//
// All mutations are no-ops once a message has reached a terminal status,
// which is what makes cancellation races harmless: frames that were already
// in flight when a turn was cancelled are simply discarded.
package conversation

// Manager defines the interface for conversation tree operations.
type Manager interface {
	// CreatePendingTurn inserts a pending message under a caller-supplied
	// optimistic id, so the UI can show it before the backend confirms it.
	CreatePendingTurn(parentID NodeID, groupID GroupID, role Role, optimisticID NodeID, options ...MessageOption) (*Message, error)

	// ReconcileID atomically rekeys an optimistic id to the backend-assigned
	// one; all subsequent mutations address the real id.
	ReconcileID(optimisticID NodeID, realID NodeID) error

	// AppendToken concatenates a streamed fragment to a message's content,
	// moving it to streaming if needed. No-op once the message is terminal.
	AppendToken(id NodeID, fragment string)

	// Finalize marks a message complete. A non-nil finalContent replaces the
	// token-accumulated text (the backend's final text wins over any drift).
	Finalize(id NodeID, finalContent *string) error

	// MarkCancelled / MarkError move a message to a terminal status while
	// preserving the content accumulated so far.
	MarkCancelled(id NodeID)
	MarkError(id NodeID, reason string)

	// Fork creates a new message as the active alternative of the given
	// slot, demoting the previous active sibling (which stays selectable).
	Fork(parentID NodeID, groupID GroupID, role Role, content string, options ...MessageOption) (*Message, error)

	// Edit creates an alternative version of message id under a fresh edit
	// group: a new fork point, independent of the message's own siblings.
	Edit(id NodeID, content string) (*Message, error)

	// SetActiveAlternative switches the visible sibling of a slot. Pure
	// pointer update, no network effect.
	SetActiveAlternative(parentID NodeID, groupID GroupID, id NodeID) error

	// ActivePath returns the visible transcript, including partial content
	// of a message that is still streaming.
	ActivePath() Conversation

	GetMessage(id NodeID) (*Message, bool)
	Siblings(parentID NodeID, groupID GroupID) []NodeID

	SaveToFile(filename string) error
}
