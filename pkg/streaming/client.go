package streaming

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// TurnRequest is the outgoing request for one chat turn.
type TurnRequest struct {
	ConversationID string `json:"conversation_id"`
	// Text is absent for a pure regenerate.
	Text       string `json:"text,omitempty"`
	Regenerate bool   `json:"regenerate,omitempty"`
	// ParentMessageID is the explicit fork point; nil denotes a new root.
	ParentMessageID *string         `json:"parent_message_id,omitempty"`
	Edit            *EditDescriptor `json:"edit,omitempty"`
	Model           string          `json:"model,omitempty"`
}

type EditDescriptor struct {
	EditGroupID string `json:"edit_group_id"`
}

// StatusError is returned when the backend answers with a non-success HTTP
// status before any frame was received.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("stream request failed with status %d: %s", e.StatusCode, e.Body)
}

// ErrStreamDropped marks a connection lost mid-stream, as opposed to a clean
// end-of-stream from the producer.
var ErrStreamDropped = errors.New("stream connection dropped")

// Client opens streaming turn requests against the chat backend. One Client
// can serve many conversations; each StreamTurn call is single-shot and the
// caller enforces at most one open stream per conversation.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiToken   string
}

type ClientOption func(*Client)

func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithAPIToken(token string) ClientOption {
	return func(c *Client) {
		c.apiToken = token
	}
}

// NewClient initializes a client posting to baseURL, the full streaming
// endpoint of the chat backend.
func NewClient(baseURL string, options ...ClientOption) *Client {
	ret := &Client{
		httpClient: &http.Client{},
		baseURL:    baseURL,
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
	}
}

var dataPrefix = []byte("data: ")

// StreamTurn opens one streaming turn. The returned Stream yields frames
// until the producer ends the stream, the connection drops, or the stream is
// cancelled (via ctx or Stream.Close). The connection stays open until one of
// those happens.
//
// A non-2xx response is reported immediately as a *StatusError; a read
// failure mid-stream surfaces as ErrStreamDropped on Stream.Err.
func (c *Client) StreamTurn(ctx context.Context, req *TurnRequest) (*Stream, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal turn request")
	}

	ctx, cancel := context.WithCancel(ctx)

	req_, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewBuffer(body))
	if err != nil {
		cancel()
		return nil, err
	}
	c.setHeaders(req_)

	resp, err := c.httpClient.Do(req_)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "failed to open stream")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer func(Body io.ReadCloser) {
			_ = Body.Close()
		}(resp.Body)
		defer cancel()
		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	stream := newStream(cancel)

	go func() {
		defer func(Body io.ReadCloser) {
			_ = Body.Close()
		}(resp.Body)
		defer close(stream.frames)

		// The scanner only ever hands out whole delimiter-terminated lines
		// and buffers incomplete trailing data, so a frame boundary can never
		// split inside an encoded character.
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := scanner.Bytes()
			if !bytes.HasPrefix(line, dataPrefix) {
				// comments, event:/id: fields and blank keep-alive lines
				continue
			}

			data := make([]byte, len(line)-len(dataPrefix))
			copy(data, line[len(dataPrefix):])

			select {
			case stream.frames <- Frame{Data: data}:
			case <-ctx.Done():
				return
			}
		}

		if err := scanner.Err(); err != nil {
			if ctx.Err() != nil {
				// cancelled by the caller, not a drop
				return
			}
			log.Debug().Err(err).Msg("stream read failed")
			stream.fail(errors.Wrap(ErrStreamDropped, err.Error()))
		}
	}()

	return stream, nil
}
