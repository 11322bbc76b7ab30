package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/carelink/carelink/internal/platform/eventstream"
)

const chatStreamPath = "/v1/assistant/chat"

// Image input limits. Media types mirror what the platform accepts for
// message attachments.
const (
	MaxImages        = 4
	MaxImageBytes    = 5 << 20
	DefaultIdleLimit = 120 * time.Second
)

var allowedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
	"image/heic": true,
}

// ErrTurnInFlight is returned by Send while a previous turn is still
// streaming. Event ordering is only guaranteed within a single stream, so
// turns never interleave.
var ErrTurnInFlight = errors.New("chat: a turn is already in flight")

// ToolCallStatus tracks the lifecycle of one tool invocation.
type ToolCallStatus string

const (
	ToolCallRunning   ToolCallStatus = "running"
	ToolCallCompleted ToolCallStatus = "completed"
)

// ToolCall is one server-side tool invocation reported during a turn, in
// start order.
type ToolCall struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Status        ToolCallStatus `json:"status"`
	ResultPreview string         `json:"result_preview,omitempty"`
}

// TurnStatus is the terminal outcome of a turn. Every turn ends in exactly
// one of these states.
type TurnStatus string

const (
	TurnComplete TurnStatus = "complete"
	TurnFailed   TurnStatus = "failed"
)

// Turn is one user message plus the assistant's accumulated response. Once
// returned by Send it is immutable; the session keeps no reference to it.
type Turn struct {
	UserMessage    string     `json:"user_message"`
	Content        string     `json:"content"`
	ToolCalls      []ToolCall `json:"tool_calls,omitempty"`
	ConversationID string     `json:"conversation_id,omitempty"`
	Risk           *RiskCheck `json:"risk,omitempty"`
	RiskAlert      bool       `json:"risk_alert"`
	Status         TurnStatus `json:"status"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	CompletedAt    time.Time  `json:"completed_at"`
}

// ImageInput is one image attached to an outgoing user message.
type ImageInput struct {
	Name      string `json:"name"`
	MediaType string `json:"media_type"`
	Data      []byte `json:"data"`
}

// Streamer opens a request whose response is a server-sent event stream.
// *rest.Client satisfies it.
type Streamer interface {
	Stream(ctx context.Context, method, path string, body interface{}) (io.ReadCloser, error)
}

// CrisisHandler is invoked at most once per turn when the stream flags a risk
// alert. The crisis flow itself is outside the communication core.
type CrisisHandler func(conversationID string)

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithIdleLimit bounds the wait between consecutive stream events. A stalled
// stream fails the turn instead of hanging forever.
func WithIdleLimit(d time.Duration) SessionOption {
	return func(s *Session) { s.idleLimit = d }
}

// WithCrisisHandler registers the risk-alert side effect.
func WithCrisisHandler(h CrisisHandler) SessionOption {
	return func(s *Session) { s.onCrisis = h }
}

// WithSessionLogger attaches a logger.
func WithSessionLogger(log zerolog.Logger) SessionOption {
	return func(s *Session) { s.log = log }
}

// Session executes assistant turns one at a time and carries the conversation
// id between turns.
type Session struct {
	streamer  Streamer
	onCrisis  CrisisHandler
	idleLimit time.Duration
	log       zerolog.Logger

	mu             sync.Mutex
	inFlight       bool
	conversationID string
}

// NewSession creates a Session over the given stream opener.
func NewSession(streamer Streamer, opts ...SessionOption) *Session {
	s := &Session{
		streamer:  streamer,
		idleLimit: DefaultIdleLimit,
		log:       zerolog.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ConversationID returns the id captured from stream metadata, carried into
// the next turn's request.
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

type sendRequest struct {
	Message        string       `json:"message"`
	ConversationID string       `json:"conversation_id,omitempty"`
	Images         []ImageInput `json:"images,omitempty"`
}

func validateImages(images []ImageInput) error {
	if len(images) > MaxImages {
		return fmt.Errorf("chat: at most %d images per message, got %d", MaxImages, len(images))
	}
	for _, img := range images {
		if !allowedImageTypes[img.MediaType] {
			return fmt.Errorf("chat: media type %q not allowed", img.MediaType)
		}
		if len(img.Data) > MaxImageBytes {
			return fmt.Errorf("chat: image %q exceeds %d bytes", img.Name, MaxImageBytes)
		}
	}
	return nil
}

// Send executes one turn end-to-end and returns the finalized record. Exactly
// one terminal outcome is produced: a Turn with status complete or failed.
// Only opening failures (validation, transport, auth) return a nil Turn with
// an error. Cancelling ctx aborts the stream and discards the partial buffer;
// the caller gets ctx's error and no Turn.
func (s *Session) Send(ctx context.Context, message string, images []ImageInput) (*Turn, error) {
	if strings.TrimSpace(message) == "" && len(images) == 0 {
		return nil, errors.New("chat: empty message")
	}
	if err := validateImages(images); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		return nil, ErrTurnInFlight
	}
	s.inFlight = true
	convID := s.conversationID
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inFlight = false
		s.mu.Unlock()
	}()

	body, err := s.streamer.Stream(ctx, http.MethodPost, chatStreamPath, sendRequest{
		Message:        message,
		ConversationID: convID,
		Images:         images,
	})
	if err != nil {
		return nil, err
	}
	defer body.Close()

	turn, err := s.consume(ctx, message, body)
	if err != nil {
		return nil, err
	}

	if turn.ConversationID != "" {
		s.mu.Lock()
		s.conversationID = turn.ConversationID
		s.mu.Unlock()
	}
	return turn, nil
}

// consume runs the event loop for one stream. The reader goroutine owns the
// body; closing the body (via the deferred close in Send once ctx is done)
// unblocks it.
func (s *Session) consume(ctx context.Context, message string, body io.ReadCloser) (*Turn, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		rec eventstream.Record
		err error
	}
	records := make(chan result)
	go func() {
		r := eventstream.NewReader(body)
		for {
			rec, err := r.Next()
			select {
			case records <- result{rec, err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	turn := &Turn{UserMessage: message}
	var buf strings.Builder
	toolIndex := map[string]int{}
	crisisFired := false
	finalContent := ""

	idle := time.NewTimer(s.idleLimit)
	defer idle.Stop()

	fail := func(msg string) (*Turn, error) {
		turn.Status = TurnFailed
		turn.ErrorMessage = msg
		turn.Content = ""
		turn.CompletedAt = time.Now()
		return turn, nil
	}
	complete := func() (*Turn, error) {
		turn.Status = TurnComplete
		turn.Content = finalContent
		turn.CompletedAt = time.Now()
		return turn, nil
	}

	for {
		select {
		case <-ctx.Done():
			// Abort: discard the partial buffer, no client-visible turn.
			body.Close()
			return nil, ctx.Err()
		case <-idle.C:
			body.Close()
			return fail(fmt.Sprintf("stream stalled: no event within %s", s.idleLimit))
		case res := <-records:
			if res.err != nil {
				if errors.Is(res.err, io.EOF) {
					return fail("stream ended before message_complete")
				}
				return fail(res.err.Error())
			}

			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(s.idleLimit)

			ev, err := DecodeEvent(res.rec)
			if err != nil {
				s.log.Warn().Err(err).Str("event", res.rec.Event).Msg("skipping malformed stream event")
				continue
			}

			switch ev := ev.(type) {
			case TextDelta:
				buf.WriteString(ev.Text)
				finalContent = buf.String()
			case ToolStart:
				if _, known := toolIndex[ev.ToolID]; known {
					continue
				}
				toolIndex[ev.ToolID] = len(turn.ToolCalls)
				turn.ToolCalls = append(turn.ToolCalls, ToolCall{
					ID:     ev.ToolID,
					Name:   ev.ToolName,
					Status: ToolCallRunning,
				})
			case ToolEnd:
				idx, known := toolIndex[ev.ToolID]
				if !known {
					// ToolEnd without a matching start never creates an entry.
					continue
				}
				turn.ToolCalls[idx].Status = ToolCallCompleted
				turn.ToolCalls[idx].ResultPreview = ev.ResultPreview
			case RiskCheck:
				risk := ev
				turn.Risk = &risk
			case Metadata:
				if ev.ConversationID != "" {
					turn.ConversationID = ev.ConversationID
				}
				if ev.RiskAlert {
					turn.RiskAlert = true
					if !crisisFired && s.onCrisis != nil {
						crisisFired = true
						s.onCrisis(ev.ConversationID)
					}
				}
			case MessageComplete:
				// Terminal value wins over the delta concatenation.
				finalContent = ev.Content
				if ev.Risk != nil {
					turn.Risk = ev.Risk
				}
				return complete()
			case StreamErr:
				// Terminal failure; remaining events for the turn are dropped.
				return fail(ev.Message)
			}
		}
	}
}
