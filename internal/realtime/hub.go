package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/kartikmendiratta/BCH-1/internal/apperr"
	"github.com/kartikmendiratta/BCH-1/internal/auth"
	"github.com/kartikmendiratta/BCH-1/internal/metrics"
	"github.com/kartikmendiratta/BCH-1/internal/models"

	"go.uber.org/zap"
)

// Event names on the wire
const (
	EventJoinTrade   = "join_trade"
	EventLeaveTrade  = "leave_trade"
	EventSendMessage = "send_message"
	EventNewMessage  = "new_message"
	EventTradeUpdate = "trade_update"
	EventError       = "error"
)

const (
	maxContentLen = 4000
	seqStripes    = 64
)

// Store is the persistence chat needs
type Store interface {
	GetTrade(ctx context.Context, id int) (*models.Trade, error)
	CreateMessage(ctx context.Context, msg *models.Message) (*models.Message, error)
}

// Authenticator resolves a token to a user
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*auth.Identity, error)
}

// Envelope is the frame format in both directions
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// TradeUpdate is the payload of a trade_update event
type TradeUpdate struct {
	TradeID int                `json:"tradeId"`
	Status  models.TradeStatus `json:"status"`
}

// ErrorPayload is the payload of an error event
type ErrorPayload struct {
	Message string `json:"message"`
}

type sendMessageRequest struct {
	TradeID json.RawMessage `json:"tradeId"`
	Content string          `json:"content"`
	Token   string          `json:"token,omitempty"`
}

// Options tune the websocket side of the hub
type Options struct {
	SendBuffer     int
	WriteWait      time.Duration
	PongWait       time.Duration
	AllowedOrigins []string
}

func (o *Options) setDefaults() {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
}

// Hub is the room registry: trade id -> connected clients. Broadcast walks a
// snapshot of a room and never blocks on a slow client; a client whose buffer
// is full is dropped from every room.
type Hub struct {
	store   Store
	auth    Authenticator
	logger  *zap.Logger
	metrics *metrics.Metrics
	opts    Options

	mu      sync.RWMutex
	rooms   map[int]map[*Client]struct{}
	clients map[*Client]struct{}

	// seq serializes persist+broadcast per room so listeners see messages
	// in the store's insertion order. The stripe is held across the store
	// write, so a slow insert also delays sends to other rooms hashed to the
	// same stripe.
	seq [seqStripes]sync.Mutex
}

// NewHub creates a hub. logger and m may be nil.
func NewHub(store Store, authenticator Authenticator, opts Options, logger *zap.Logger, m *metrics.Metrics) *Hub {
	opts.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		store:   store,
		auth:    authenticator,
		logger:  logger,
		metrics: m,
		opts:    opts,
		rooms:   make(map[int]map[*Client]struct{}),
		clients: make(map[*Client]struct{}),
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.metrics.ClientConnected()
}

// unregister removes the client from every room and closes its send buffer
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	_, known := h.clients[c]
	delete(h.clients, c)
	for tradeID, members := range h.rooms {
		if _, ok := members[c]; ok {
			delete(members, c)
			if len(members) == 0 {
				delete(h.rooms, tradeID)
			}
		}
	}
	rooms := len(h.rooms)
	h.mu.Unlock()

	c.close()
	if known {
		h.metrics.ClientDisconnected()
		h.metrics.SetRooms(rooms)
	}
}

// Close disconnects every client. Their write pumps send a close frame and
// hang up.
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.unregister(c)
	}
	h.logger.Info("realtime hub closed", zap.Int("clients", len(clients)))
}

// Join subscribes a client to a trade's events. Listening needs no
// authorization; sending is checked per message.
func (h *Hub) Join(c *Client, tradeID int) {
	h.mu.Lock()
	members, ok := h.rooms[tradeID]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[tradeID] = members
	}
	members[c] = struct{}{}
	rooms := len(h.rooms)
	h.mu.Unlock()

	h.metrics.SetRooms(rooms)
	h.logger.Debug("client joined trade room", zap.String("client_id", c.id), zap.Int("trade_id", tradeID))
}

// Leave unsubscribes a client from a trade's events
func (h *Hub) Leave(c *Client, tradeID int) {
	h.mu.Lock()
	if members, ok := h.rooms[tradeID]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, tradeID)
		}
	}
	rooms := len(h.rooms)
	h.mu.Unlock()

	h.metrics.SetRooms(rooms)
}

// RoomSize reports how many clients listen on a trade
func (h *Hub) RoomSize(tradeID int) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[tradeID])
}

func (h *Hub) broadcast(tradeID int, frame []byte) {
	h.mu.RLock()
	members := make([]*Client, 0, len(h.rooms[tradeID]))
	for c := range h.rooms[tradeID] {
		members = append(members, c)
	}
	h.mu.RUnlock()

	for _, c := range members {
		if !c.trySend(frame) {
			h.logger.Warn("dropping slow realtime client", zap.String("client_id", c.id), zap.Int("trade_id", tradeID))
			h.metrics.ClientDropped()
			h.unregister(c)
		}
	}
}

// PublishStatusChange tells a trade's room about a new status. Delivery is
// best effort to whoever is connected right now.
func (h *Hub) PublishStatusChange(tradeID int, status models.TradeStatus) {
	frame, err := encode(EventTradeUpdate, TradeUpdate{TradeID: tradeID, Status: status})
	if err != nil {
		h.logger.Error("failed to encode trade update", zap.Error(err))
		return
	}
	h.broadcast(tradeID, frame)
}

// SendMessage authenticates the sender, persists the message and broadcasts
// the stored copy to the whole room, sender included. token falls back to
// the one presented at handshake.
func (h *Hub) SendMessage(ctx context.Context, c *Client, tradeID int, content, token string) (*models.Message, error) {
	if token == "" {
		token = c.token
	}
	if token == "" {
		return nil, fmt.Errorf("%w: not authenticated", apperr.ErrUnauthenticated)
	}
	identity, err := h.auth.Authenticate(ctx, token)
	if err != nil {
		return nil, err
	}

	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("%w: message content is required", apperr.ErrValidation)
	}
	if utf8.RuneCountInString(content) > maxContentLen {
		return nil, fmt.Errorf("%w: message too long (max %d characters)", apperr.ErrValidation, maxContentLen)
	}

	trade, err := h.store.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if !trade.IsParticipant(identity.UserID) {
		return nil, fmt.Errorf("%w: not a participant of this trade", apperr.ErrForbidden)
	}

	lock := &h.seq[tradeID%seqStripes]
	lock.Lock()
	defer lock.Unlock()

	msg, err := h.store.CreateMessage(ctx, &models.Message{
		TradeID:  tradeID,
		SenderID: identity.UserID,
		Content:  content,
	})
	if err != nil {
		return nil, err
	}

	frame, err := encode(EventNewMessage, msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	h.broadcast(tradeID, frame)
	h.metrics.MessageBroadcast()
	return msg, nil
}

// handle dispatches one inbound frame. Failures are reported to the sender
// only; the connection stays open.
func (h *Hub) handle(ctx context.Context, c *Client, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.sendError("malformed frame")
		return
	}

	switch env.Event {
	case EventJoinTrade:
		tradeID, err := parseTradeID(env.Data)
		if err != nil {
			c.sendError(err.Error())
			return
		}
		h.Join(c, tradeID)

	case EventLeaveTrade:
		tradeID, err := parseTradeID(env.Data)
		if err != nil {
			c.sendError(err.Error())
			return
		}
		h.Leave(c, tradeID)

	case EventSendMessage:
		var req sendMessageRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			c.sendError("malformed send_message payload")
			return
		}
		tradeID, err := parseTradeID(req.TradeID)
		if err != nil {
			c.sendError(err.Error())
			return
		}
		if _, err := h.SendMessage(ctx, c, tradeID, req.Content, req.Token); err != nil {
			if !apperr.Is(err) {
				h.logger.Error("failed to send message", zap.Int("trade_id", tradeID), zap.Error(err))
				c.sendError("Failed to send message")
				return
			}
			c.sendError(apperr.Message(err))
		}

	default:
		c.sendError(fmt.Sprintf("unknown event %q", env.Event))
	}
}

// parseTradeID accepts a trade id as a JSON number or a numeric string
func parseTradeID(raw json.RawMessage) (int, error) {
	var id int
	if err := json.Unmarshal(raw, &id); err == nil && id > 0 {
		return id, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if _, err := fmt.Sscan(s, &id); err == nil && id > 0 {
			return id, nil
		}
	}
	return 0, errors.New("invalid trade id")
}

func encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}
