package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/figaro/pkg/helpers"
)

// ChatEventHandler defines an interface for handling the typed events of one
// chat turn. The rendering layer implements this to observe the stream.
type ChatEventHandler interface {
	HandleMeta(ctx context.Context, e *EventMeta) error
	HandleToken(ctx context.Context, e *EventToken) error
	HandleDone(ctx context.Context, e *EventDone) error
	HandleError(ctx context.Context, e *EventError) error
}

// EventRouter fans parsed chat events out to registered handlers over an
// in-process gochannel pub/sub.
type EventRouter struct {
	logger     watermill.LoggerAdapter
	Publisher  message.Publisher
	Subscriber message.Subscriber
	router     *message.Router
	verbose    bool
}

type EventRouterOption func(*EventRouter)

func WithLogger(logger watermill.LoggerAdapter) EventRouterOption {
	return func(r *EventRouter) {
		r.logger = logger
	}
}

func WithVerbose(verbose bool) EventRouterOption {
	return func(r *EventRouter) {
		r.verbose = verbose
		r.logger = helpers.NewWatermill(log.Logger)
	}
}

func NewEventRouter(options ...EventRouterOption) (*EventRouter, error) {
	ret := &EventRouter{
		logger: watermill.NopLogger{},
	}

	for _, o := range options {
		o(ret)
	}

	goPubSub := gochannel.NewGoChannel(gochannel.Config{
		BlockPublishUntilSubscriberAck: true,
	}, ret.logger)
	ret.Publisher = goPubSub
	ret.Subscriber = goPubSub

	router, err := message.NewRouter(message.RouterConfig{}, ret.logger)
	if err != nil {
		return nil, err
	}

	ret.router = router

	return ret, nil
}

func (e *EventRouter) Close() error {
	log.Debug().Msg("Closing publisher")
	err := e.Publisher.Close()
	if err != nil {
		log.Error().Err(err).Msg("Failed to close pubsub")
		// not returning just yet
	}

	log.Debug().Msg("Closing router")
	err = e.router.Close()
	if err != nil {
		log.Error().Err(err).Msg("Failed to close router")
		// not returning just yet
	}

	return nil
}

// NewChatDispatchHandler creates a watermill handler that parses chat events
// and dispatches them to the matching method of the provided ChatEventHandler.
// A single malformed message is logged and skipped rather than killing the
// handler.
func NewChatDispatchHandler(handler ChatEventHandler) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		defer msg.Ack()

		e, err := NewEventFromJson(msg.Payload)
		if err != nil {
			log.Warn().Str("message_id", msg.UUID).
				Str("payload", string(msg.Payload)).
				Err(err).
				Msg("failed to parse chat event from message payload")
			return nil
		}

		msgCtx := msg.Context()
		var handlerErr error
		switch ev := e.(type) {
		case *EventMeta:
			handlerErr = handler.HandleMeta(msgCtx, ev)
		case *EventToken:
			handlerErr = handler.HandleToken(msgCtx, ev)
		case *EventDone:
			handlerErr = handler.HandleDone(msgCtx, ev)
		case *EventError:
			handlerErr = handler.HandleError(msgCtx, ev)
		default:
			log.Warn().Str("message_id", msg.UUID).
				Str("event_type", string(e.Type())).
				Msg("unhandled chat event type")
		}

		if handlerErr != nil {
			log.Error().Str("message_id", msg.UUID).Err(handlerErr).Msg("error processing chat event")
			return handlerErr
		}

		return nil
	}
}

func (e *EventRouter) AddHandler(name string, topic string, f func(msg *message.Message) error) {
	e.router.AddNoPublisherHandler(name, topic, e.Subscriber, f)
}

// DumpRawEvents prints each raw event payload, trimming metadata unless the
// router was created with WithVerbose.
func (e *EventRouter) DumpRawEvents(msg *message.Message) error {
	defer msg.Ack()

	var s map[string]interface{}
	err := json.Unmarshal(msg.Payload, &s)
	if err != nil {
		return err
	}
	if !e.verbose {
		delete(s, "meta")
	}
	s_, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(s_))
	return nil
}

func (e *EventRouter) Running() chan struct{} {
	return e.router.Running()
}

func (e *EventRouter) IsRunning() bool {
	return e.router.IsRunning()
}

func (e *EventRouter) Run(ctx context.Context) error {
	return e.router.Run(ctx)
}

func (e *EventRouter) RunHandlers(ctx context.Context) error {
	return e.router.RunHandlers(ctx)
}
