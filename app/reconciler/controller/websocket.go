package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v4"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/virtualvasu/saferoads-filecoin/pkg/ledger"
	"github.com/virtualvasu/saferoads-filecoin/pkg/redis"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ClientMessage represents messages sent by WebSocket clients.
type ClientMessage struct {
	Action  string `json:"action"`  // "subscribe" or "unsubscribe"
	Account string `json:"account"` // account address, or "*" for every account
}

// ServerMessage represents messages sent to WebSocket clients.
type ServerMessage struct {
	Type    string      `json:"type"` // "summary.refreshed", "incident.verified", "subscribed", "unsubscribed", "info", "error"
	Payload interface{} `json:"payload"`
}

const wildcard = "*"

// Subscriptions tracks the accounts one client follows.
type Subscriptions struct {
	accounts *xsync.Map[string, struct{}]
}

func NewSubscriptions() *Subscriptions {
	return &Subscriptions{accounts: xsync.NewMap[string, struct{}]()}
}

// Subscribe adds account. Addresses are matched case-insensitively.
func (s *Subscriptions) Subscribe(account string) {
	s.accounts.Store(strings.ToLower(account), struct{}{})
}

func (s *Subscriptions) Unsubscribe(account string) {
	s.accounts.Delete(strings.ToLower(account))
}

// IsSubscribed checks account. The wildcard matches every account.
func (s *Subscriptions) IsSubscribed(account string) bool {
	if _, ok := s.accounts.Load(wildcard); ok {
		return true
	}
	_, ok := s.accounts.Load(strings.ToLower(account))
	return ok
}

// normalizeSubscription validates the account of a client message.
func normalizeSubscription(account string) (string, error) {
	if account == wildcard {
		return wildcard, nil
	}
	parsed, err := ledger.ParseAccount(account)
	if err != nil {
		return "", err
	}
	return strings.ToLower(parsed.String()), nil
}

// HandleWebSocket upgrades the connection and streams account events.
//
// Client sends: {"action": "subscribe", "account": "0x7099..."}
// Client sends: {"action": "subscribe", "account": "*"}
// Client sends: {"action": "unsubscribe", "account": "0x7099..."}
//
// Server sends:
// - {"type": "summary.refreshed", "payload": {...event}}
// - {"type": "incident.verified", "payload": {...event}}
// - {"type": "subscribed", "payload": {"account": "0x7099..."}}
// - {"type": "error", "payload": {"message": "..."}}
func (c *Controller) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if c.App.RedisClient == nil {
		http.Error(w, "Real-time events not available (Redis disabled)", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.App.Logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}
	defer func() {
		if err := conn.Close(); err != nil {
			c.App.Logger.Debug("Failed to close WebSocket connection", zap.Error(err))
		}
	}()

	c.App.Logger.Info("WebSocket client connected", zap.String("remote_addr", r.RemoteAddr))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	subs := NewSubscriptions()
	send := make(chan ServerMessage, 256)

	var wg sync.WaitGroup
	c.goSafe(&wg, cancel, r.RemoteAddr, "redis subscriber", func() { c.subscribeToRedis(ctx, send, subs) })
	c.goSafe(&wg, cancel, r.RemoteAddr, "ping ticker", func() { c.sendPings(ctx, conn) })

	var writer sync.WaitGroup
	c.goSafe(&writer, cancel, r.RemoteAddr, "message writer", func() { c.writeMessages(conn, send) })

	// Blocks until the connection closes
	c.readClientMessages(ctx, conn, cancel, subs, send)

	// producers first, then the writer
	cancel()
	wg.Wait()
	close(send)
	writer.Wait()

	c.App.Logger.Info("WebSocket client disconnected", zap.String("remote_addr", r.RemoteAddr))
}

// goSafe runs fn in a goroutine tracked by wg. A panic cancels the connection.
func (c *Controller) goSafe(wg *sync.WaitGroup, cancel context.CancelFunc, remote, name string, fn func()) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				c.App.Logger.Error("Panic in WebSocket goroutine",
					zap.String("goroutine", name),
					zap.Any("panic", rec),
					zap.String("stack", string(debug.Stack())),
					zap.String("remote_addr", remote))
				cancel()
			}
		}()
		fn()
	}()
}

// subscribeToRedis follows the account event patterns, reconnecting with
// exponential backoff until ctx is done. Clients are told when Redis is lost.
func (c *Controller) subscribeToRedis(ctx context.Context, send chan<- ServerMessage, subs *Subscriptions) {
	const (
		initialBackoff = 1 * time.Second
		maxBackoff     = 30 * time.Second
		backoffFactor  = 2.0
		jitterFactor   = 0.1
	)

	backoff := initialBackoff
	for attempt := 1; ; attempt++ {
		err := c.attemptRedisSubscription(ctx, send, subs, attempt)
		if ctx.Err() != nil {
			return
		}
		c.App.Logger.Warn("Redis subscription ended, will retry",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff))

		if !trySend(ctx, send, ServerMessage{
			Type: "error",
			Payload: map[string]interface{}{
				"message":     "Redis connection lost, attempting to reconnect...",
				"retryIn":     backoff.Seconds(),
				"attempt":     attempt,
				"recoverable": true,
			},
		}) {
			return
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff = CalculateNextBackoff(backoff, maxBackoff, backoffFactor, jitterFactor)
	}
}

func (c *Controller) attemptRedisSubscription(ctx context.Context, send chan<- ServerMessage, subs *Subscriptions, attempt int) error {
	pubsub := c.App.RedisClient.PSubscribe(ctx,
		redis.Pattern(redis.EventSummaryRefreshed),
		redis.Pattern(redis.EventIncidentVerified))
	defer func() {
		if err := pubsub.Close(); err != nil {
			c.App.Logger.Debug("Error closing Redis subscription", zap.Error(err))
		}
	}()

	receiveCtx, receiveCancel := context.WithTimeout(ctx, 5*time.Second)
	defer receiveCancel()
	if _, err := pubsub.Receive(receiveCtx); err != nil {
		return fmt.Errorf("failed to confirm Redis subscription: %w", err)
	}

	if !trySend(ctx, send, ServerMessage{
		Type:    "info",
		Payload: map[string]interface{}{"message": "Redis connection established", "attempt": attempt},
	}) {
		return ctx.Err()
	}
	return c.processRedisMessages(ctx, pubsub, send, subs)
}

// processRedisMessages forwards the events of subscribed accounts until the
// channel closes (nil) or ctx is done.
func (c *Controller) processRedisMessages(ctx context.Context, pubsub *goredis.PubSub, send chan<- ServerMessage, subs *Subscriptions) error {
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			out, ok := c.eventMessage(msg.Channel, msg.Payload, subs)
			if !ok {
				continue
			}
			if !trySend(ctx, send, out) {
				return ctx.Err()
			}
		}
	}
}

// eventMessage converts one pub/sub message for a client. ok is false when
// the client does not follow the account or the message is malformed.
func (c *Controller) eventMessage(channel, payload string, subs *Subscriptions) (ServerMessage, bool) {
	account, eventType, ok := redis.ParseChannel(channel)
	if !ok {
		c.App.Logger.Warn("Unexpected Redis channel", zap.String("channel", channel))
		return ServerMessage{}, false
	}
	if !subs.IsSubscribed(account) {
		return ServerMessage{}, false
	}
	if !json.Valid([]byte(payload)) {
		c.App.Logger.Error("Malformed Redis message", zap.String("channel", channel))
		return ServerMessage{}, false
	}
	return ServerMessage{Type: eventType, Payload: json.RawMessage(payload)}, true
}

func trySend(ctx context.Context, send chan<- ServerMessage, msg ServerMessage) bool {
	select {
	case send <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

// CalculateNextBackoff grows current by factor, capped at max, with +/- jitterFactor jitter.
// The result never drops below current.
func CalculateNextBackoff(current, max time.Duration, factor, jitterFactor float64) time.Duration {
	next := time.Duration(float64(current) * factor)
	if next > max {
		next = max
	}

	jitter := float64(next) * jitterFactor * (2*rand.Float64() - 1)
	nextWithJitter := time.Duration(float64(next) + jitter)

	if nextWithJitter < current {
		nextWithJitter = current
	}
	if nextWithJitter > max {
		nextWithJitter = max
	}
	return nextWithJitter
}

// sendPings keeps the connection alive; pongs reset the read deadline.
func (c *Controller) sendPings(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second)); err != nil {
				c.App.Logger.Debug("Failed to send ping", zap.Error(err))
				return
			}
		}
	}
}

func (c *Controller) writeMessages(conn *websocket.Conn, send <-chan ServerMessage) {
	for msg := range send {
		if err := conn.WriteJSON(msg); err != nil {
			c.App.Logger.Debug("Failed to write WebSocket message", zap.Error(err))
			// keep draining so producers never block
			for range send {
			}
			return
		}
	}
}

// readClientMessages handles subscription requests until the connection closes.
func (c *Controller) readClientMessages(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc, subs *Subscriptions, send chan<- ServerMessage) {
	const readTimeout = 60 * time.Second
	if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		c.App.Logger.Error("Failed to set read deadline", zap.Error(err))
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for ctx.Err() == nil {
		var msg ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.App.Logger.Warn("WebSocket read error", zap.Error(err))
			}
			cancel()
			return
		}
		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			cancel()
			return
		}

		var reply ServerMessage
		switch msg.Action {
		case "subscribe", "unsubscribe":
			account, err := normalizeSubscription(msg.Account)
			if err != nil {
				reply = ServerMessage{Type: "error", Payload: map[string]string{"message": "account: " + err.Error()}}
				break
			}
			if msg.Action == "subscribe" {
				subs.Subscribe(account)
				reply = ServerMessage{Type: "subscribed", Payload: map[string]string{"account": account}}
			} else {
				subs.Unsubscribe(account)
				reply = ServerMessage{Type: "unsubscribed", Payload: map[string]string{"account": account}}
			}
			c.App.Logger.Debug("WebSocket subscription changed", zap.String("action", msg.Action), zap.String("account", account))
		default:
			reply = ServerMessage{Type: "error", Payload: map[string]string{"message": "unknown action: " + msg.Action}}
		}
		if !trySend(ctx, send, reply) {
			return
		}
	}
}
