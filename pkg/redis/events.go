package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Events published on channels "incidents:<account>:<event>".
const (
	EventSummaryRefreshed = "summary.refreshed"
	EventIncidentVerified = "incident.verified"

	channelPrefix = "incidents"
)

// Event is the message carried on an incidents channel.
type Event struct {
	Type       string          `json:"type"`
	Account    string          `json:"account"`
	IncidentID uint64          `json:"incidentId,omitempty"`
	TxHash     string          `json:"txHash,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	At         time.Time       `json:"at"`
}

// NewEvent builds an event with payload encoded as JSON.
func NewEvent(eventType, account string, payload any) (Event, error) {
	ev := Event{Type: eventType, Account: strings.ToLower(account), At: time.Now().UTC()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return ev, fmt.Errorf("encode %s payload: %w", eventType, err)
		}
		ev.Payload = raw
	}
	return ev, nil
}

// Publisher fans events out to live subscribers.
type Publisher interface {
	PublishEvent(ctx context.Context, ev Event)
}

// Discard drops every event. Used when Redis is disabled.
var Discard Publisher = discard{}

type discard struct{}

func (discard) PublishEvent(context.Context, Event) {}

// Channel is the channel of one event type for one account. Accounts are lowercased.
func Channel(account, eventType string) string {
	return fmt.Sprintf("%s:%s:%s", channelPrefix, strings.ToLower(account), eventType)
}

// Pattern matches eventType for every account.
func Pattern(eventType string) string {
	return fmt.Sprintf("%s:*:%s", channelPrefix, eventType)
}

// ParseChannel splits a channel name back into account and event type.
func ParseChannel(channel string) (account, eventType string, ok bool) {
	parts := strings.Split(channel, ":")
	if len(parts) != 3 || parts[0] != channelPrefix || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// PublishEvent publishes ev on its account channel. Best-effort like Publish.
func (c *Client) PublishEvent(ctx context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		c.logger.Warn("Failed to encode event", zap.String("type", ev.Type), zap.Error(err))
		return
	}
	c.Publish(ctx, Channel(ev.Account, ev.Type), data)
}
