package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"gymdesk/internal/config"
	"gymdesk/internal/infrastructure"
	"gymdesk/pkg/contracts/domain"
	"gymdesk/pkg/contracts/events"
)

const (
	defaultWriteWait  = 10 * time.Second
	defaultPongWait   = 60 * time.Second
	defaultSendBuffer = 16
	maxMessageSize    = 512
)

type outbound struct {
	ctx         context.Context
	messageType events.MessageType
	data        []byte
}

// Hub fans license status messages out to every connected desktop shell.
// The client set is owned by the run goroutine.
type Hub struct {
	clients    map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	broadcast  chan outbound

	writeWait  time.Duration
	pongWait   time.Duration
	pingPeriod time.Duration

	logger  *slog.Logger
	metrics *OTelMetrics

	mu      sync.RWMutex
	count   int
	latest  []byte
	running bool
	stopped bool
	quit    chan struct{}
	done    chan struct{}
}

// NewHub creates a hub using the websocket timings from cfg
func NewHub(cfg config.WebSocketConfig, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}

	h := &Hub{
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan outbound, 16),
		writeWait:  cfg.WriteWait,
		pongWait:   cfg.PongWait,
		pingPeriod: cfg.PingPeriod,
		logger:     logger.With(slog.String("component", "websocket.hub")),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	if h.writeWait <= 0 {
		h.writeWait = defaultWriteWait
	}
	if h.pongWait <= 0 {
		h.pongWait = defaultPongWait
	}
	if h.pingPeriod <= 0 || h.pingPeriod >= h.pongWait {
		h.pingPeriod = (h.pongWait * 9) / 10
	}
	return h
}

// SetMetrics attaches OpenTelemetry instruments
func (h *Hub) SetMetrics(m *OTelMetrics) {
	h.metrics = m
}

// Start runs the hub loop. Calling it twice is a no-op.
func (h *Hub) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running || h.stopped {
		return
	}
	h.running = true
	go h.run()
}

// Stop disconnects every client and waits for the hub loop to exit. A
// stopped hub cannot be restarted.
func (h *Hub) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	h.stopped = true
	h.mu.Unlock()

	close(h.quit)
	<-h.done
}

func (h *Hub) run() {
	defer close(h.done)
	for {
		select {
		case <-h.quit:
			for client := range h.clients {
				h.drop(client)
			}
			h.logger.Info("Hub shutting down")
			return

		case client := <-h.register:
			h.clients[client] = struct{}{}
			h.setCount(len(h.clients))
			h.metrics.RecordConnection(client.ctx())

			h.logger.InfoContext(client.ctx(), "Client registered",
				slog.Int("total_clients", len(h.clients)),
				slog.String("client_id", client.id),
				slog.String("remote_addr", client.remoteAddr))

			// New shells get the last known status straight away
			if latest := h.Latest(); latest != nil {
				select {
				case client.send <- latest:
				default:
				}
			}

		case client := <-h.unregister:
			if _, ok := h.clients[client]; !ok {
				continue
			}
			h.drop(client)
			h.metrics.RecordDisconnection(client.ctx(), time.Since(client.connectedAt), "closed")
			h.logger.InfoContext(client.ctx(), "Client unregistered",
				slog.Int("total_clients", len(h.clients)),
				slog.String("client_id", client.id),
				slog.Duration("connection_duration", time.Since(client.connectedAt)))

		case msg := <-h.broadcast:
			h.metrics.RecordBroadcast(msg.ctx, string(msg.messageType), len(h.clients))
			for client := range h.clients {
				select {
				case client.send <- msg.data:
				default:
					h.drop(client)
					h.metrics.RecordDroppedMessage(msg.ctx, string(msg.messageType))
					h.metrics.RecordDisconnection(client.ctx(), time.Since(client.connectedAt), "slow_consumer")
					h.logger.WarnContext(client.ctx(), "Client send buffer full, disconnecting",
						slog.String("client_id", client.id))
				}
			}
		}
	}
}

// drop removes client and closes its send channel, which ends its write pump
func (h *Hub) drop(client *Client) {
	delete(h.clients, client)
	close(client.send)
	h.setCount(len(h.clients))
}

func (h *Hub) setCount(n int) {
	h.mu.Lock()
	h.count = n
	h.mu.Unlock()
}

// Register adds a client. It reports false when the hub is not running.
func (h *Hub) Register(client *Client) bool {
	if !h.Running() {
		return false
	}
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) remove(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Running reports whether the hub loop is active
func (h *Hub) Running() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Latest returns the last broadcast license status message, if any
func (h *Hub) Latest() []byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.latest
}

// Broadcast sends msg to every connected client. Messages sent while the
// hub is stopped are discarded.
func (h *Hub) Broadcast(ctx context.Context, msg events.WebSocketMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.ErrorContext(ctx, "Failed to marshal websocket message",
			slog.String("type", string(msg.Type)),
			slog.String("error", err.Error()))
		return
	}
	if msg.Type == events.MessageTypeLicenseStatus {
		h.mu.Lock()
		h.latest = data
		h.mu.Unlock()
	}
	if !h.Running() {
		return
	}

	select {
	case h.broadcast <- outbound{ctx: context.WithoutCancel(ctx), messageType: msg.Type, data: data}:
	case <-h.done:
	case <-ctx.Done():
		h.logger.WarnContext(ctx, "Dropped websocket broadcast",
			slog.String("type", string(msg.Type)),
			slog.String("reason", ctx.Err().Error()))
	}
}

// OnLicenseStatus pushes every published license status to the shell
func (h *Hub) OnLicenseStatus(ctx context.Context, status domain.LicenseStatus) {
	h.Broadcast(ctx, events.NewLicenseStatusMessage(status, infrastructure.GetTraceID(ctx)))
}
