package sandbox

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// pushFrame is one outbound realtime message, matching what the duplex
// client expects on the wire.
type pushFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// clientCommand is an inbound subscription control frame.
type clientCommand struct {
	Action   string `json:"action"`
	ThreadID string `json:"thread_id"`
}

// wsClient represents a single websocket connection and the threads it is
// subscribed to.
type wsClient struct {
	id      string
	threads map[string]struct{}
	send    chan []byte
}

// hub is the central connection manager: clients subscribe to thread topics
// and receive frames broadcast to those topics. All operations are
// thread-safe via sync.RWMutex.
type hub struct {
	mu      sync.RWMutex
	clients map[string]map[*wsClient]struct{} // thread id -> set of clients
	all     map[*wsClient]struct{}
	log     zerolog.Logger
}

func newHub(log zerolog.Logger) *hub {
	return &hub{
		clients: make(map[string]map[*wsClient]struct{}),
		all:     make(map[*wsClient]struct{}),
		log:     log,
	}
}

// register adds a freshly upgraded connection to the hub.
func (h *hub) register(client *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.all[client] = struct{}{}
}

// unregister removes a client from the hub and all thread subscriptions, and
// closes its send channel.
func (h *hub) unregister(client *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for threadID := range client.threads {
		if subscribers, ok := h.clients[threadID]; ok {
			delete(subscribers, client)
			if len(subscribers) == 0 {
				delete(h.clients, threadID)
			}
		}
	}
	delete(h.all, client)
	close(client.send)
}

// subscribe adds a thread subscription. Duplicate subscribes are idempotent,
// which is what lets reconnecting clients blindly replay their set.
func (h *hub) subscribe(client *wsClient, threadID string) {
	if threadID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[threadID] == nil {
		h.clients[threadID] = make(map[*wsClient]struct{})
	}
	h.clients[threadID][client] = struct{}{}
	client.threads[threadID] = struct{}{}
}

// unsubscribe drops a thread subscription. A no-op when not subscribed.
func (h *hub) unsubscribe(client *wsClient, threadID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if subscribers, ok := h.clients[threadID]; ok {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(h.clients, threadID)
		}
	}
	delete(client.threads, threadID)
}

// processCommand dispatches an inbound control frame.
func (h *hub) processCommand(client *wsClient, cmd clientCommand) {
	switch cmd.Action {
	case "subscribe":
		h.subscribe(client, cmd.ThreadID)
	case "unsubscribe":
		h.unsubscribe(client, cmd.ThreadID)
	}
}

// broadcast sends a typed frame to every client subscribed to the thread.
func (h *hub) broadcast(threadID, frameType string, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		h.log.Error().Err(err).Str("type", frameType).Msg("sandbox: failed to marshal frame payload")
		return
	}
	data, err := json.Marshal(pushFrame{Type: frameType, Payload: raw})
	if err != nil {
		h.log.Error().Err(err).Str("type", frameType).Msg("sandbox: failed to marshal frame")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients[threadID] {
		select {
		case client.send <- data:
		default:
			// Client buffer full; skip to avoid blocking.
		}
	}
}

// clientCount returns the total number of connected clients.
func (h *hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// topicCount returns the number of clients subscribed to a thread.
func (h *hub) topicCount(threadID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[threadID])
}

// ---------------------------------------------------------------------------
// Websocket endpoint
// ---------------------------------------------------------------------------

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Dev-only server; every origin is local.
	},
}

// handleWS upgrades the HTTP connection, registers the client, and starts the
// read/write pumps.
func (s *Server) handleWS(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := &wsClient{
		id:      uuid.New().String(),
		threads: make(map[string]struct{}),
		send:    make(chan []byte, 256),
	}
	s.hub.register(client)
	s.log.Debug().Str("client_id", client.id).Msg("sandbox: websocket connected")

	go s.writePump(client, ws)
	go s.readPump(client, ws)

	return nil
}

func (s *Server) readPump(client *wsClient, ws *gorillawebsocket.Conn) {
	defer func() {
		s.hub.unregister(client)
		ws.Close()
	}()

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			break
		}

		var cmd clientCommand
		if err := json.Unmarshal(message, &cmd); err != nil {
			continue // Ignore malformed commands.
		}
		s.hub.processCommand(client, cmd)
	}
}

func (s *Server) writePump(client *wsClient, ws *gorillawebsocket.Conn) {
	defer ws.Close()

	for message := range client.send {
		if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
			break
		}
	}
}
