package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultObserverPort is the default port for the WebSocket observer.
	DefaultObserverPort = 8765

	// EventsEndpoint is the path for WebSocket connections.
	EventsEndpoint = "/events"

	// HealthEndpoint is the path for health checks.
	HealthEndpoint = "/health"

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

// Observer is a WebSocket server that streams room events to external
// clients. Clients may filter to a single room and replay recent history
// on connect.
type Observer struct {
	bus      *Bus
	port     int
	upgrader websocket.Upgrader
	server   *http.Server

	clients    map[*client]bool
	clientsMu  sync.RWMutex
	register   chan *client
	unregister chan *client

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	runningMu sync.RWMutex
}

type client struct {
	conn *websocket.Conn
	send chan []byte

	// roomID filters the stream; empty means all rooms.
	roomID        string
	replayHistory bool
	historyCount  int
}

func (c *client) wants(e Event) bool {
	return c.roomID == "" || c.roomID == e.RoomID
}

// ObserverConfig configures the WebSocket observer.
type ObserverConfig struct {
	Port          int
	ReplayHistory bool
	HistoryCount  int
}

// DefaultObserverConfig returns the default observer configuration.
func DefaultObserverConfig() ObserverConfig {
	return ObserverConfig{
		Port:          DefaultObserverPort,
		ReplayHistory: true,
		HistoryCount:  100,
	}
}

// NewObserver creates an observer attached to the given bus.
func NewObserver(b *Bus, config ObserverConfig) *Observer {
	ctx, cancel := context.WithCancel(context.Background())

	return &Observer{
		bus:  b,
		port: config.Port,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Local tooling connects from arbitrary origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start begins serving WebSocket clients.
func (o *Observer) Start() error {
	o.runningMu.Lock()
	if o.running {
		o.runningMu.Unlock()
		return fmt.Errorf("observer already running")
	}
	o.running = true
	o.runningMu.Unlock()

	o.bus.Subscribe(EventType(""), o.handleBusEvent)

	o.wg.Add(1)
	go o.runClientManager()

	mux := http.NewServeMux()
	mux.HandleFunc(EventsEndpoint, o.handleWebSocket)
	mux.HandleFunc(HealthEndpoint, o.handleHealth)
	mux.HandleFunc("/", o.handleIndex)

	corsHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		mux.ServeHTTP(w, r)
	})

	o.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", o.port),
		Handler: corsHandler,
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		log.Info().Int("port", o.port).Msg("observer listening")
		if err := o.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("observer server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the observer.
func (o *Observer) Stop() error {
	o.runningMu.Lock()
	if !o.running {
		o.runningMu.Unlock()
		return nil
	}
	o.running = false
	o.runningMu.Unlock()

	o.cancel()

	o.clientsMu.Lock()
	for c := range o.clients {
		close(c.send)
		delete(o.clients, c)
	}
	o.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := o.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("observer shutdown: %w", err)
	}

	o.wg.Wait()
	log.Info().Msg("observer stopped")
	return nil
}

// IsRunning reports whether the observer is serving.
func (o *Observer) IsRunning() bool {
	o.runningMu.RLock()
	defer o.runningMu.RUnlock()
	return o.running
}

// ClientCount returns the number of connected clients.
func (o *Observer) ClientCount() int {
	o.clientsMu.RLock()
	defer o.clientsMu.RUnlock()
	return len(o.clients)
}

func (o *Observer) runClientManager() {
	defer o.wg.Done()

	for {
		select {
		case c := <-o.register:
			o.clientsMu.Lock()
			o.clients[c] = true
			total := len(o.clients)
			o.clientsMu.Unlock()
			log.Debug().Int("clients", total).Msg("observer client connected")

			if c.replayHistory {
				o.replayToClient(c)
			}

		case c := <-o.unregister:
			o.clientsMu.Lock()
			if _, ok := o.clients[c]; ok {
				delete(o.clients, c)
				close(c.send)
				c.conn.Close()
			}
			remaining := len(o.clients)
			o.clientsMu.Unlock()
			log.Debug().Int("clients", remaining).Msg("observer client disconnected")

		case <-o.ctx.Done():
			return
		}
	}
}

func (o *Observer) replayToClient(c *client) {
	var history []Event
	if c.roomID != "" {
		history = o.bus.RoomHistory(c.roomID, c.historyCount)
	} else {
		history = o.bus.HistoryTail(c.historyCount)
	}

	for _, event := range history {
		data, err := json.Marshal(event)
		if err != nil {
			continue
		}
		select {
		case c.send <- data:
		default:
			return
		}
	}
}

func (o *Observer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	replay := r.URL.Query().Get("replay") != "false"
	count := 100
	if n := r.URL.Query().Get("count"); n != "" {
		if parsed, err := strconv.Atoi(n); err == nil && parsed > 0 {
			count = parsed
		}
	}

	conn, err := o.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{
		conn:          conn,
		send:          make(chan []byte, 256),
		roomID:        r.URL.Query().Get("room"),
		replayHistory: replay,
		historyCount:  count,
	}

	o.register <- c

	o.wg.Add(2)
	go o.writePump(c)
	go o.readPump(c)
}

func (o *Observer) writePump(c *client) {
	defer o.wg.Done()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Flush anything already queued into the same frame.
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-o.ctx.Done():
			return
		}
	}
}

func (o *Observer) readPump(c *client) {
	defer o.wg.Done()
	defer func() {
		o.unregister <- c
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// The stream is one-way; reads exist only to notice disconnects.
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debug().Err(err).Msg("websocket read error")
			}
			break
		}
	}
}

func (o *Observer) handleBusEvent(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal event")
		return
	}

	o.clientsMu.RLock()
	targets := make([]*client, 0, len(o.clients))
	for c := range o.clients {
		if c.wants(event) {
			targets = append(targets, c)
		}
	}
	o.clientsMu.RUnlock()

	for _, c := range targets {
		select {
		case c.send <- data:
		default:
			o.unregister <- c
		}
	}
}

func (o *Observer) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := struct {
		Status      string `json:"status"`
		Service     string `json:"service"`
		Port        int    `json:"port"`
		Clients     int    `json:"clients"`
		BusSubs     int    `json:"bus_subscriptions"`
		HistorySize int    `json:"history_size"`
	}{
		Status:      "healthy",
		Service:     "salon-observer",
		Port:        o.port,
		Clients:     o.ClientCount(),
		BusSubs:     o.bus.SubscriptionsCount(),
		HistorySize: len(o.bus.History()),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

func (o *Observer) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	info := struct {
		Name       string   `json:"name"`
		WebSocket  string   `json:"websocket_endpoint"`
		Health     string   `json:"health_endpoint"`
		EventTypes []string `json:"event_types"`
	}{
		Name:      "salon room event observer",
		WebSocket: EventsEndpoint,
		Health:    HealthEndpoint,
		EventTypes: []string{
			string(EventMessage),
			string(EventTypingStart),
			string(EventTypingStop),
			string(EventStateUpdate),
			string(EventResponseDropped),
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(info)
}
