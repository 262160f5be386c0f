// Package session orchestrates one logical chat turn end-to-end: it builds
// the outgoing turn request from the conversation tree, opens the response
// stream, routes incoming frames into tree mutations, and exposes cancel and
// retry to the caller.
//
// Per conversation the session is a small state machine:
//
//	idle -> awaiting-meta   turn submitted, pending nodes created, stream open
//	awaiting-meta -> streaming   meta frame received, optimistic id reconciled
//	streaming -> streaming       token frames appended
//	streaming|awaiting-meta -> finishing -> idle   done/error frame, or cancel
//
// Only one turn may be in flight per conversation; submitting a new turn
// while one is active first cancels the active one (last-writer-wins), with
// the partial content preserved in the tree.
package session

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/figaro/pkg/conversation"
	"github.com/go-go-golems/figaro/pkg/events"
	"github.com/go-go-golems/figaro/pkg/streaming"
)

type TurnState string

const (
	TurnStateIdle         TurnState = "idle"
	TurnStateAwaitingMeta TurnState = "awaiting-meta"
	TurnStateStreaming    TurnState = "streaming"
	TurnStateFinishing    TurnState = "finishing"
)

var (
	ErrSessionNil   = errors.New("session is nil")
	ErrNoActiveTurn = errors.New("session has no active turn")
	// ErrStreamClosed reports a connection that ended without a done or
	// error frame; end-of-stream is signalled by a terminal frame, not by
	// connection close.
	ErrStreamClosed = errors.New("stream closed before a terminal frame")

	ErrNotAssistantMessage = errors.New("only assistant messages can be regenerated")
	ErrNothingToRetry      = errors.New("active path has no assistant message to retry")
)

// Transport opens one streaming turn request. *streaming.Client implements
// it; tests substitute an in-process fake.
type Transport interface {
	StreamTurn(ctx context.Context, req *streaming.TurnRequest) (*streaming.Stream, error)
}

// Session drives the turns of a single conversation. It owns the
// conversation manager exclusively; all tree mutation happens on the frame
// loop goroutine of the active turn.
type Session struct {
	ConversationID string
	Manager        conversation.Manager

	transport Transport
	publisher *events.PublisherManager
	model     string

	mu     sync.Mutex
	active *TurnHandle
	state  TurnState
}

type SessionOption func(*Session)

func WithManager(manager conversation.Manager) SessionOption {
	return func(s *Session) {
		s.Manager = manager
	}
}

func WithPublisherManager(publisher *events.PublisherManager) SessionOption {
	return func(s *Session) {
		s.publisher = publisher
	}
}

// WithModel sets the model-selection hint sent with every turn request.
func WithModel(model string) SessionOption {
	return func(s *Session) {
		s.model = model
	}
}

func NewSession(conversationID string, transport Transport, options ...SessionOption) *Session {
	ret := &Session{
		ConversationID: conversationID,
		transport:      transport,
		state:          TurnStateIdle,
	}
	for _, option := range options {
		option(ret)
	}

	if ret.Manager == nil {
		ret.Manager = conversation.NewManager()
	}
	if ret.publisher == nil {
		ret.publisher = events.NewPublisherManager()
	}

	return ret
}

// PublisherManager exposes the event fan-out so observers can subscribe
// their publishers before submitting turns.
func (s *Session) PublisherManager() *events.PublisherManager {
	return s.publisher
}

func (s *Session) State() TurnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state TurnState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// SendMessage submits a new user turn continuing the active path. The user
// message starts a fresh slot under the current leaf; the assistant reply
// shares that slot's edit group.
func (s *Session) SendMessage(ctx context.Context, text string) (*TurnHandle, error) {
	if s == nil {
		return nil, ErrSessionNil
	}
	s.interruptActive()

	parentID := conversation.NullNode
	if path := s.Manager.ActivePath(); len(path) > 0 {
		parentID = path[len(path)-1].ID
	}
	groupID := conversation.NewGroupID()

	userMsg, err := s.Manager.CreatePendingTurn(parentID, groupID, conversation.RoleUser, conversation.NewNodeID(),
		conversation.WithContent(text))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create user message")
	}

	req := &streaming.TurnRequest{
		ConversationID:  s.ConversationID,
		Text:            text,
		ParentMessageID: optionalID(parentID),
		Model:           s.model,
	}

	return s.startTurn(ctx, req, userMsg, userMsg.ID, groupID)
}

// EditMessage submits an alternative version of an existing message: same
// parent, fresh edit group. The prior continuation stays stored and can be
// reselected through SetActiveAlternative.
func (s *Session) EditMessage(ctx context.Context, id conversation.NodeID, text string) (*TurnHandle, error) {
	if s == nil {
		return nil, ErrSessionNil
	}
	s.interruptActive()

	edited, err := s.Manager.Edit(id, text)
	if err != nil {
		return nil, errors.Wrap(err, "failed to edit message")
	}

	req := &streaming.TurnRequest{
		ConversationID:  s.ConversationID,
		Text:            text,
		ParentMessageID: optionalID(edited.ParentID),
		Edit:            &streaming.EditDescriptor{EditGroupID: edited.EditGroupID.String()},
		Model:           s.model,
	}

	return s.startTurn(ctx, req, edited, edited.ID, edited.EditGroupID)
}

// Regenerate requests a new answer for the slot of assistant message id. The
// new message shares the original's parent and edit group, becoming the
// active alternative; the original stays selectable.
func (s *Session) Regenerate(ctx context.Context, id conversation.NodeID) (*TurnHandle, error) {
	if s == nil {
		return nil, ErrSessionNil
	}

	msg, exists := s.Manager.GetMessage(id)
	if !exists {
		return nil, errors.Errorf("message %s does not exist", id)
	}
	if msg.Role != conversation.RoleAssistant {
		return nil, ErrNotAssistantMessage
	}

	s.interruptActive()

	req := &streaming.TurnRequest{
		ConversationID:  s.ConversationID,
		Regenerate:      true,
		ParentMessageID: optionalID(msg.ParentID),
		Edit:            &streaming.EditDescriptor{EditGroupID: msg.EditGroupID.String()},
		Model:           s.model,
	}

	return s.startTurn(ctx, req, nil, msg.ParentID, msg.EditGroupID)
}

// Retry regenerates the last assistant message on the active path, typically
// after a failed or cancelled turn.
func (s *Session) Retry(ctx context.Context) (*TurnHandle, error) {
	if s == nil {
		return nil, ErrSessionNil
	}

	path := s.Manager.ActivePath()
	for i := len(path) - 1; i >= 0; i-- {
		if path[i].Role == conversation.RoleAssistant {
			return s.Regenerate(ctx, path[i].ID)
		}
	}
	return nil, ErrNothingToRetry
}

// CancelActive cancels the current in-flight turn, if any. The in-flight
// message keeps its partial content and moves to cancelled, not error.
func (s *Session) CancelActive() error {
	if s == nil {
		return ErrSessionNil
	}
	s.mu.Lock()
	h := s.active
	s.mu.Unlock()
	if h == nil || !h.IsRunning() {
		return ErrNoActiveTurn
	}
	h.Cancel()
	return nil
}

// interruptActive enforces the one-turn-per-conversation rule:
// last-writer-wins, prior partial content preserved in the tree.
func (s *Session) interruptActive() {
	s.mu.Lock()
	h := s.active
	s.mu.Unlock()
	if h != nil && h.IsRunning() {
		log.Debug().Str("turn_id", h.TurnID).Msg("cancelling active turn before new submission")
		h.Cancel()
		_ = h.Wait()
	}
}

func (s *Session) startTurn(
	ctx context.Context,
	req *streaming.TurnRequest,
	userMsg *conversation.Message,
	assistantParent conversation.NodeID,
	groupID conversation.GroupID,
) (*TurnHandle, error) {
	assistantMsg, err := s.Manager.CreatePendingTurn(assistantParent, groupID, conversation.RoleAssistant, conversation.NewNodeID())
	if err != nil {
		return nil, errors.Wrap(err, "failed to create pending assistant message")
	}

	runCtx, cancel := context.WithCancel(ctx)

	turnID := uuid.NewString()
	handle := newTurnHandle(s.ConversationID, turnID, assistantMsg.ID, cancel, func(assistantID conversation.NodeID) {
		s.Manager.MarkCancelled(assistantID)
	})

	s.setState(TurnStateAwaitingMeta)

	stream, err := s.transport.StreamTurn(runCtx, req)
	if err != nil {
		cancel()
		s.Manager.MarkError(assistantMsg.ID, err.Error())
		if userMsg != nil {
			s.Manager.MarkError(userMsg.ID, err.Error())
		}
		s.setState(TurnStateIdle)
		return nil, err
	}

	// The backend accepted the turn; the user's own message is final.
	if userMsg != nil {
		_ = s.Manager.Finalize(userMsg.ID, nil)
	}

	s.mu.Lock()
	s.active = handle
	s.mu.Unlock()

	go s.runTurn(runCtx, handle, stream)

	return handle, nil
}

// runTurn is the frame loop: the only goroutine mutating the tree for the
// duration of the turn. Frame arrival is the sole suspension point; between
// frames the active path may be read freely by observers.
func (s *Session) runTurn(ctx context.Context, handle *TurnHandle, stream *streaming.Stream) {
	logger := log.With().
		Str("conversation_id", s.ConversationID).
		Str("turn_id", handle.TurnID).
		Logger()

	// token frames that arrive before meta; replayed once the id is known
	var buffered []string
	flush := func() {
		for _, delta := range buffered {
			s.Manager.AppendToken(handle.AssistantID(), delta)
		}
		buffered = nil
	}

	sawTerminal := false
	var turnErr error

	for frame := range stream.Frames() {
		if handle.isCancelled() {
			// drain; the terminal status guard makes late frames no-ops anyway
			continue
		}

		e, err := events.NewEventFromJson(frame.Data)
		if err != nil {
			logger.Warn().Err(err).Str("payload", string(frame.Data)).Msg("skipping malformed frame")
			continue
		}

		switch ev := e.(type) {
		case *events.EventMeta:
			realID := conversation.NodeID(ev.MessageID)
			if err := s.Manager.ReconcileID(handle.AssistantID(), realID); err != nil {
				logger.Warn().Err(err).Msg("failed to reconcile assistant message id")
			} else {
				handle.setAssistantID(realID)
			}
			flush()
			s.setState(TurnStateStreaming)

		case *events.EventToken:
			if s.State() == TurnStateAwaitingMeta {
				buffered = append(buffered, ev.Delta)
			} else {
				s.Manager.AppendToken(handle.AssistantID(), ev.Delta)
			}

		case *events.EventDone:
			s.setState(TurnStateFinishing)
			flush()
			_ = s.Manager.Finalize(handle.AssistantID(), ev.FinalContent)
			sawTerminal = true

		case *events.EventError:
			s.setState(TurnStateFinishing)
			s.Manager.MarkError(handle.AssistantID(), ev.ErrorString)
			sawTerminal = true
			turnErr = errors.Errorf("backend error: %s", ev.ErrorString)
		}

		s.publishEvent(e, handle)
	}

	if !sawTerminal {
		switch {
		case handle.isCancelled() || ctx.Err() != nil:
			// explicit cancel, or the caller's deadline expired; both are a
			// cancel, not an error
			s.Manager.MarkCancelled(handle.AssistantID())
		case stream.Err() != nil:
			turnErr = stream.Err()
			s.Manager.MarkError(handle.AssistantID(), turnErr.Error())
		default:
			turnErr = ErrStreamClosed
			s.Manager.MarkError(handle.AssistantID(), ErrStreamClosed.Error())
		}
	}

	stream.Close()

	s.mu.Lock()
	if s.active == handle {
		s.active = nil
	}
	s.state = TurnStateIdle
	s.mu.Unlock()

	handle.setResult(turnErr)
}

// publishEvent fans the parsed event out to subscribed observers, stamped
// with correlation metadata. Mutation already happened; observer failures
// never affect the tree.
func (s *Session) publishEvent(e events.Event, handle *TurnHandle) {
	md := events.EventMetadata{
		ConversationID: s.ConversationID,
		MessageID:      handle.AssistantID().String(),
		TurnID:         handle.TurnID,
		Model:          s.model,
	}

	switch ev := e.(type) {
	case *events.EventMeta:
		if ev.Model != "" {
			md.Model = ev.Model
		}
		ev.Metadata_ = md
	case *events.EventToken:
		ev.Metadata_ = md
	case *events.EventDone:
		ev.Metadata_ = md
	case *events.EventError:
		ev.Metadata_ = md
	}

	s.publisher.PublishBlind(e)
}

func optionalID(id conversation.NodeID) *string {
	if id == conversation.NullNode {
		return nil
	}
	s := id.String()
	return &s
}
