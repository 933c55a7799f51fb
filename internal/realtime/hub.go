package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"coinwatch/internal/alerting"
)

const (
	writeTimeout   = 10 * time.Second
	pongTimeout    = 60 * time.Second
	pingInterval   = 30 * time.Second
	maxMessageSize = 4096

	defaultMaxClients = 100
	defaultSendBuffer = 256
)

// Client actions.
const (
	ActionJoinUserRoom     = "join_user_room"
	ActionSubscribeCoins   = "subscribe_coins"
	ActionUnsubscribeCoins = "unsubscribe_coins"
)

// Options configure the hub.
type Options struct {
	MaxClients     int
	SendBuffer     int
	AllowedOrigins []string
}

// Message is the server to client envelope.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
	Time string `json:"time"`
}

type priceUpdatePayload struct {
	CoinID         string      `json:"coinId"`
	CurrentPrice   json.Number `json:"currentPrice"`
	PriceChange24h json.Number `json:"priceChange24h"`
}

type alertTriggeredPayload struct {
	AlertID      string      `json:"alertId"`
	CoinID       string      `json:"coinId"`
	Condition    string      `json:"condition"`
	Threshold    json.Number `json:"threshold"`
	CurrentPrice json.Number `json:"currentPrice"`
	TriggeredAt  string      `json:"triggeredAt"`
}

type command struct {
	Action string   `json:"action"`
	UserID string   `json:"userId"`
	Coins  []string `json:"coins"`
}

// Hub tracks websocket clients, their owner room and coin subscriptions, and
// implements alerting.Sink on top of them.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*client]struct{}
	opts     Options
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu          sync.RWMutex
	owner       string
	ownerPinned bool
	coins       map[string]struct{}
}

// NewHub builds an empty hub.
func NewHub(opts Options, logger zerolog.Logger) *Hub {
	if opts.MaxClients <= 0 {
		opts.MaxClients = defaultMaxClients
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	h := &Hub{
		clients: make(map[*client]struct{}),
		opts:    opts,
		logger:  logger.With().Str("component", "realtime_hub").Logger(),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades an anonymous connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.Serve(w, r, "")
}

// Serve upgrades the connection. A non-empty owner pins the client to that
// owner room; join_user_room cannot change it afterwards.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, owner string) {
	if h.ClientCount() >= h.opts.MaxClients {
		http.Error(w, "server at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{
		hub:         h,
		conn:        conn,
		send:        make(chan []byte, h.opts.SendBuffer),
		owner:       owner,
		ownerPinned: owner != "",
		coins:       make(map[string]struct{}),
	}
	if !h.register(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server at capacity"),
			time.Now().Add(writeTimeout))
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	if len(h.clients) >= h.opts.MaxClients {
		h.mu.Unlock()
		h.logger.Warn().Int("max_clients", h.opts.MaxClients).Msg("websocket client rejected")
		return false
	}
	h.clients[c] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug().Int("clients", total).Str("owner", c.owner).Msg("websocket client connected")
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	h.removeLocked(c)
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug().Int("clients", total).Msg("websocket client disconnected")
}

// removeLocked must be called with h.mu held.
func (h *Hub) removeLocked(c *client) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// PublishPriceUpdate sends the update to clients subscribed to the coin and
// to clients with no coin subscription.
func (h *Hub) PublishPriceUpdate(_ context.Context, update alerting.PriceUpdate) error {
	data, err := encode(alerting.KindPriceUpdate, newPriceUpdatePayload(update), update.Time)
	if err != nil {
		return err
	}
	h.deliver(data, func(c *client) bool { return c.wantsCoin(update.AssetID) })
	return nil
}

// 前端按数字处理 priceChange24h，缺失时发 0
func newPriceUpdatePayload(update alerting.PriceUpdate) priceUpdatePayload {
	change := decimal.Zero
	if update.Change24h.Valid {
		change = update.Change24h.Decimal
	}
	return priceUpdatePayload{
		CoinID:         update.AssetID,
		CurrentPrice:   number(update.Price),
		PriceChange24h: number(change),
	}
}

// PublishAlertTriggered sends the alert to the owner room only.
func (h *Hub) PublishAlertTriggered(_ context.Context, alert alerting.AlertTriggered) error {
	data, err := encode(alerting.KindAlertTriggered, alertTriggeredPayload{
		AlertID:      alert.AlertID,
		CoinID:       alert.AssetID,
		Condition:    string(alert.Condition),
		Threshold:    number(alert.Threshold),
		CurrentPrice: number(alert.CurrentPrice),
		TriggeredAt:  alert.TriggeredAt.UTC().Format(time.RFC3339Nano),
	}, alert.TriggeredAt)
	if err != nil {
		return err
	}
	h.deliver(data, func(c *client) bool { return c.inRoom(alert.OwnerID) })
	return nil
}

// deliver never blocks; clients whose buffer is full are dropped.
func (h *Hub) deliver(data []byte, match func(*client) bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var dropped int
	for c := range h.clients {
		if !match(c) {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.removeLocked(c)
			dropped++
		}
	}
	if dropped > 0 {
		h.logger.Warn().Int("dropped", dropped).Msg("slow websocket clients dropped")
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.removeLocked(c)
	}
}

func encode(kind string, payload any, at time.Time) ([]byte, error) {
	if at.IsZero() {
		at = time.Now()
	}
	return json.Marshal(Message{Type: kind, Data: payload, Time: at.UTC().Format(time.RFC3339Nano)})
}

func number(d decimal.Decimal) json.Number {
	return json.Number(d.String())
}

func (c *client) wantsCoin(coin string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.coins) == 0 {
		return true
	}
	_, ok := c.coins[coin]
	return ok
}

func (c *client) inRoom(owner string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return owner != "" && c.owner == owner
}

func (c *client) handle(cmd command) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch cmd.Action {
	case ActionJoinUserRoom:
		if c.ownerPinned {
			if cmd.UserID != c.owner {
				c.hub.logger.Warn().Str("owner", c.owner).Str("requested", cmd.UserID).Msg("join_user_room ignored for authenticated client")
			}
			return
		}
		c.owner = cmd.UserID
	case ActionSubscribeCoins:
		for _, coin := range cmd.Coins {
			if coin != "" {
				c.coins[coin] = struct{}{}
			}
		}
	case ActionUnsubscribeCoins:
		for _, coin := range cmd.Coins {
			delete(c.coins, coin)
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug().Err(err).Msg("websocket read error")
			}
			return
		}
		var cmd command
		if err := json.Unmarshal(raw, &cmd); err != nil {
			c.hub.logger.Debug().Err(err).Msg("ignoring malformed websocket command")
			continue
		}
		c.handle(cmd)
	}
}

var _ alerting.Sink = (*Hub)(nil)
