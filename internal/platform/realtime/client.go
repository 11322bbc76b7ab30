// Package realtime maintains the persistent duplex channel to the platform.
// It dispatches inbound frames to registered handlers by their type
// discriminator and transparently reconnects with capped exponential backoff,
// re-establishing active thread subscriptions before signaling ready.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/carelink/carelink/internal/platform/auth"
)

// State is the connection lifecycle of the client. Transitions:
// disconnected -> connecting -> subscribing -> ready, and back to
// connecting on unexpected closure.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateSubscribing  State = "subscribing"
	StateReady        State = "ready"
)

// Frame is one inbound push message.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// clientCommand is an outbound subscription control frame.
type clientCommand struct {
	Action   string `json:"action"`
	ThreadID string `json:"thread_id"`
}

// Handler consumes the payload of one inbound frame type. Handlers run on the
// read loop goroutine; they must not block.
type Handler func(payload json.RawMessage)

// ReadyHook is invoked every time the channel reaches ready. reconnected is
// false for the initial connection only.
type ReadyHook func(reconnected bool)

// ErrNotConnected is returned by Subscribe/Unsubscribe when the channel has
// not been started.
var ErrNotConnected = errors.New("realtime: channel not started")

// Option configures a Client.
type Option func(*Client)

// WithBackoff sets the reconnect backoff bounds. base must be positive; the
// client never retries with zero delay.
func WithBackoff(base, max time.Duration) Option {
	return func(c *Client) {
		c.backoffBase = base
		c.backoffMax = max
	}
}

// WithLogger attaches a logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithDialer overrides the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// Client is the duplex channel client. All exported methods are safe for
// concurrent use.
type Client struct {
	url         string
	creds       *auth.Credentials
	dialer      *websocket.Dialer
	log         zerolog.Logger
	backoffBase time.Duration
	backoffMax  time.Duration

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	handlers map[string]Handler
	subs     map[string]bool
	ready    []ReadyHook
	started  bool
	stop     context.CancelFunc
	done     chan struct{}
}

// NewClient creates a Client for the given websocket URL.
func NewClient(url string, creds *auth.Credentials, opts ...Option) *Client {
	c := &Client{
		url:         url,
		creds:       creds,
		dialer:      websocket.DefaultDialer,
		log:         zerolog.Nop(),
		backoffBase: 500 * time.Millisecond,
		backoffMax:  30 * time.Second,
		state:       StateDisconnected,
		handlers:    make(map[string]Handler),
		subs:        make(map[string]bool),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// OnFrame registers the handler for an inbound frame type, replacing any
// previous registration.
func (c *Client) OnFrame(frameType string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[frameType] = h
}

// OnReady registers a hook fired each time the channel becomes ready.
func (c *Client) OnReady(h ReadyHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = append(c.ready, h)
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscriptions returns the currently tracked thread subscriptions.
func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for id := range c.subs {
		out = append(out, id)
	}
	return out
}

// Start opens the channel and keeps it open until ctx is cancelled or Close
// is called. It returns once the connect loop is running; readiness is
// reported through OnReady hooks.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("realtime: already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.started = true
	c.stop = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.run(runCtx)
	return nil
}

// Close tears the channel down and stops reconnecting.
func (c *Client) Close() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	stop := c.stop
	done := c.done
	c.mu.Unlock()

	stop()
	<-done
	return nil
}

// Subscribe registers interest in a thread and, when connected, sends the
// subscribe frame. The subscription survives reconnects until Unsubscribe.
// Subscribing to an already-subscribed thread is a no-op.
func (c *Client) Subscribe(threadID string) error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if c.subs[threadID] {
		c.mu.Unlock()
		return nil
	}
	c.subs[threadID] = true
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		// Queued; the connect loop replays subscriptions on (re)connect.
		return nil
	}
	return c.send(clientCommand{Action: "subscribe", ThreadID: threadID})
}

// Unsubscribe drops interest in a thread. A no-op when not subscribed.
func (c *Client) Unsubscribe(threadID string) error {
	c.mu.Lock()
	if !c.subs[threadID] {
		c.mu.Unlock()
		return nil
	}
	delete(c.subs, threadID)
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return c.send(clientCommand{Action: "unsubscribe", ThreadID: threadID})
}

// send serializes one outbound frame. gorilla permits one concurrent writer,
// so writes go through the client mutex.
func (c *Client) send(cmd clientCommand) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	if err := c.conn.WriteJSON(cmd); err != nil {
		return fmt.Errorf("realtime: write %s: %w", cmd.Action, err)
	}
	return nil
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// run is the connect/read loop: dial, replay subscriptions, signal ready,
// pump frames, and on failure back off and try again.
func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	defer c.setState(StateDisconnected)

	attempt := 0
	connectedBefore := false

	for {
		if ctx.Err() != nil {
			return
		}
		c.setState(StateConnecting)

		conn, err := c.dial(ctx)
		if err != nil {
			if errors.Is(err, auth.ErrUnauthorized) || ctx.Err() != nil {
				// Session invalid: reconnecting would loop on 401s.
				return
			}
			attempt++
			delay := c.backoffDelay(attempt)
			c.log.Warn().Err(err).Dur("retry_in", delay).Msg("realtime dial failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		attempt = 0

		// The connection is installed before the replay so a Subscribe
		// arriving mid-connect either joins the set being replayed or sends
		// its own frame on this connection; it can never fall between the
		// two.
		c.mu.Lock()
		c.conn = conn
		c.state = StateSubscribing
		c.mu.Unlock()

		if err := c.replaySubscriptions(); err != nil {
			c.log.Warn().Err(err).Msg("realtime resubscribe failed")
			c.mu.Lock()
			c.conn = nil
			c.mu.Unlock()
			conn.Close()
			continue
		}

		c.mu.Lock()
		c.state = StateReady
		hooks := append([]ReadyHook(nil), c.ready...)
		c.mu.Unlock()

		for _, h := range hooks {
			h(connectedBefore)
		}
		connectedBefore = true

		c.readLoop(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if tok := c.creds.Token(); tok != "" {
		header.Set("Authorization", "Bearer "+tok)
	}
	conn, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			c.creds.Invalidate("401 on websocket dial")
			return nil, fmt.Errorf("realtime dial: %w", auth.ErrUnauthorized)
		}
		return nil, fmt.Errorf("realtime dial: %w", err)
	}
	return conn, nil
}

// replaySubscriptions re-issues every tracked subscription on the freshly
// installed connection, before the channel is reported ready. The lock is
// held across the writes, so a concurrent Subscribe either lands in the set
// being replayed or sends its own frame once the replay finishes. The server
// treats duplicate subscribes as idempotent.
func (c *Client) replaySubscriptions() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.subs {
		if err := c.conn.WriteJSON(clientCommand{Action: "subscribe", ThreadID: id}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	connDone := make(chan struct{})
	defer close(connDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-connDone:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.log.Info().Err(err).Msg("realtime connection lost")
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.log.Warn().Err(err).Msg("realtime: dropping malformed frame")
			continue
		}

		c.mu.Lock()
		handler := c.handlers[frame.Type]
		c.mu.Unlock()
		if handler == nil {
			c.log.Debug().Str("type", frame.Type).Msg("realtime: no handler for frame type")
			continue
		}
		handler(frame.Payload)
	}
}

// backoffDelay computes the capped exponential delay with jitter for the
// given attempt number (1-based).
func (c *Client) backoffDelay(attempt int) time.Duration {
	delay := c.backoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.backoffMax {
			delay = c.backoffMax
			break
		}
	}
	// Up to 25% jitter so a fleet of clients does not reconnect in lockstep.
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	delay += jitter
	if delay > c.backoffMax {
		delay = c.backoffMax
	}
	if delay <= 0 {
		delay = c.backoffBase
	}
	return delay
}
