package redis

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelRoundTrip(t *testing.T) {
	ch := Channel("0x70997970C51812dc3A010C7d01b50e0d17dc79C8", EventSummaryRefreshed)
	assert.Equal(t, "incidents:0x70997970c51812dc3a010c7d01b50e0d17dc79c8:summary.refreshed", ch)

	account, event, ok := ParseChannel(ch)
	require.True(t, ok)
	assert.Equal(t, "0x70997970c51812dc3a010c7d01b50e0d17dc79c8", account)
	assert.Equal(t, EventSummaryRefreshed, event)

	assert.Equal(t, "incidents:*:incident.verified", Pattern(EventIncidentVerified))
}

func TestParseChannelRejectsForeignChannels(t *testing.T) {
	for _, ch := range []string{"", "blocks:1:block.indexed", "incidents::summary.refreshed", "incidents:a:b:c"} {
		_, _, ok := ParseChannel(ch)
		assert.False(t, ok, ch)
	}
}

func TestNewEvent(t *testing.T) {
	ev, err := NewEvent(EventIncidentVerified, "0xABC", map[string]uint64{"id": 2})
	require.NoError(t, err)
	assert.Equal(t, "0xabc", ev.Account)
	assert.False(t, ev.At.IsZero())

	var payload map[string]uint64
	require.NoError(t, json.Unmarshal(ev.Payload, &payload))
	assert.Equal(t, uint64(2), payload["id"])

	_, err = NewEvent(EventIncidentVerified, "0xabc", func() {})
	assert.Error(t, err)
}
