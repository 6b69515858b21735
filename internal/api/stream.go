package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/tirs/engine/internal/fabric"
)

// streamedEvents is every fabric event type the dashboard cares about.
var streamedEvents = []fabric.EventType{
	fabric.EventIntentEvaluated,
	fabric.EventIntentRejected,
	fabric.EventEnforcement,
	fabric.EventAppealDecided,
	fabric.EventResurrection,
	fabric.EventChainTamper,
}

// RiskStreamer fans live risk events out to WebSocket dashboards.
type RiskStreamer struct {
	bus        fabric.EventBus
	clients    map[*websocket.Conn]bool
	broadcast  chan *fabric.Event
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	upgrader   websocket.Upgrader

	startOnce sync.Once
	unsubs    []func()
}

// NewRiskStreamer builds a streamer over the event bus.
func NewRiskStreamer(bus fabric.EventBus) *RiskStreamer {
	return &RiskStreamer{
		bus:        bus,
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan *fabric.Event, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// The CORS allow-list governs the REST surface; the
				// dashboard socket accepts any origin.
				return true
			},
		},
	}
}

// Start subscribes to the bus and launches the broadcast loop.
func (rs *RiskStreamer) Start() {
	rs.startOnce.Do(func() {
		for _, et := range streamedEvents {
			unsub := rs.bus.Subscribe(et, func(ctx context.Context, e *fabric.Event) error {
				select {
				case rs.broadcast <- e:
				default:
					// Slow dashboards drop events rather than blocking
					// the fabric.
				}
				return nil
			})
			rs.unsubs = append(rs.unsubs, unsub)
		}
		go rs.run()
	})
}

func (rs *RiskStreamer) run() {
	for {
		select {
		case client := <-rs.register:
			rs.mu.Lock()
			rs.clients[client] = true
			total := len(rs.clients)
			rs.mu.Unlock()
			slog.Info("[Stream] dashboard connected", "total", total)

		case client := <-rs.unregister:
			rs.mu.Lock()
			if _, ok := rs.clients[client]; ok {
				delete(rs.clients, client)
				client.Close()
			}
			total := len(rs.clients)
			rs.mu.Unlock()
			slog.Info("[Stream] dashboard disconnected", "total", total)

		case event := <-rs.broadcast:
			rs.mu.Lock()
			for client := range rs.clients {
				if err := client.WriteJSON(event); err != nil {
					slog.Warn("[Stream] write failed, dropping client", "error", err)
					client.Close()
					delete(rs.clients, client)
				}
			}
			rs.mu.Unlock()
		}
	}
}

// HandleWebSocket upgrades the connection and keeps it registered until
// the peer goes away.
func (rs *RiskStreamer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := rs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[Stream] websocket upgrade failed", "error", err)
		return
	}

	rs.register <- conn

	go func() {
		defer func() { rs.unregister <- conn }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
