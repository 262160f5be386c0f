package session

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/go-go-golems/figaro/pkg/conversation"
)

var ErrTurnHandleNil = errors.New("turn handle is nil")

// TurnHandle represents a single in-flight chat turn.
//
// It is cancelable and waitable. The underlying stream is always driven by
// context cancellation.
type TurnHandle struct {
	ConversationID string
	TurnID         string

	done chan struct{}

	mu          sync.Mutex
	cancel      context.CancelFunc
	cancelled   bool
	assistantID conversation.NodeID
	err         error

	// onCancel runs exactly once, synchronously inside Cancel, before the
	// stream context is cancelled. It moves the in-flight message to
	// cancelled so that any frame still in flight lands on a terminal
	// message and is discarded.
	onCancel func(assistantID conversation.NodeID)
}

func newTurnHandle(conversationID, turnID string, assistantID conversation.NodeID, cancel context.CancelFunc, onCancel func(conversation.NodeID)) *TurnHandle {
	return &TurnHandle{
		ConversationID: conversationID,
		TurnID:         turnID,
		done:           make(chan struct{}),
		cancel:         cancel,
		assistantID:    assistantID,
		onCancel:       onCancel,
	}
}

// AssistantID returns the id of the in-flight assistant message; after the
// meta frame this is the backend-assigned id, before it the optimistic one.
func (h *TurnHandle) AssistantID() conversation.NodeID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.assistantID
}

func (h *TurnHandle) setAssistantID(id conversation.NodeID) {
	h.mu.Lock()
	h.assistantID = id
	h.mu.Unlock()
}

// Cancel aborts the turn. The in-flight message is marked cancelled (not
// error) and keeps the content accumulated so far. Safe to call multiple
// times.
func (h *TurnHandle) Cancel() {
	if h == nil {
		return
	}
	h.mu.Lock()
	if h.cancelled {
		h.mu.Unlock()
		return
	}
	h.cancelled = true
	assistantID := h.assistantID
	onCancel := h.onCancel
	cancel := h.cancel
	h.mu.Unlock()

	if onCancel != nil {
		onCancel(assistantID)
	}
	if cancel != nil {
		cancel()
	}
}

func (h *TurnHandle) isCancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

func (h *TurnHandle) setResult(err error) {
	h.mu.Lock()
	h.err = err
	cancel := h.cancel
	h.cancel = nil
	h.mu.Unlock()

	// release the turn context even on the happy path
	if cancel != nil {
		cancel()
	}
	close(h.done)
}

// Wait blocks until the turn reaches a terminal state and returns the turn
// error, if any. Cancellation is not an error.
func (h *TurnHandle) Wait() error {
	if h == nil {
		return ErrTurnHandleNil
	}
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// IsRunning reports whether the turn appears to still be in flight.
func (h *TurnHandle) IsRunning() bool {
	if h == nil {
		return false
	}
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}
