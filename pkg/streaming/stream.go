package streaming

import (
	"context"
	"sync"
)

// Frame is one discrete unit of the incoming response stream: the JSON
// payload of a single delimiter-terminated data line, in arrival order.
type Frame struct {
	Data []byte
}

// Stream is one open response stream. Frames() yields frames until the
// producer signals end-of-stream or the stream fails; after the channel is
// closed, Err() reports how the stream ended: nil for a clean close, a
// non-nil error for a mid-stream drop.
//
// Whether a clean close actually completed the turn is not the transport's
// call; the consumer decides based on whether it saw a terminal frame.
type Stream struct {
	frames chan Frame
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

func newStream(cancel context.CancelFunc) *Stream {
	return &Stream{
		frames: make(chan Frame),
		cancel: cancel,
	}
}

func (s *Stream) Frames() <-chan Frame {
	return s.frames
}

// Err returns the terminal transport error, if any. Only valid after the
// Frames channel has been closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close cancels the stream and releases the underlying connection. Safe to
// call multiple times and concurrently with frame delivery.
func (s *Stream) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Stream) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// NewPipe returns a Stream plus a writer end for feeding it frames directly,
// for tests and in-process fake backends.
func NewPipe() (*Stream, *PipeWriter) {
	ctx, cancel := context.WithCancel(context.Background())
	s := newStream(cancel)
	return s, &PipeWriter{stream: s, ctx: ctx}
}

type PipeWriter struct {
	stream *Stream
	ctx    context.Context

	closeOnce sync.Once
}

// Send delivers one frame; it returns false if the stream was cancelled.
func (w *PipeWriter) Send(data []byte) bool {
	select {
	case w.stream.frames <- Frame{Data: data}:
		return true
	case <-w.ctx.Done():
		return false
	}
}

// Close ends the stream; a nil err is a clean end-of-stream, a non-nil err a
// mid-stream drop.
func (w *PipeWriter) Close(err error) {
	w.closeOnce.Do(func() {
		if err != nil {
			w.stream.fail(err)
		}
		close(w.stream.frames)
	})
}

// Cancelled reports whether the consumer side cancelled the stream.
func (w *PipeWriter) Cancelled() bool {
	select {
	case <-w.ctx.Done():
		return true
	default:
		return false
	}
}
