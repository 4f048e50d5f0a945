package websocket

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leaderboard-stats/internal/domain"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	go hub.Run()
	t.Cleanup(hub.Stop)
	return hub
}

func subscribedClient(t *testing.T, hub *Hub, topics ...string) *Client {
	t.Helper()
	client := NewClient(hub, nil, hub.logger)
	hub.Register(client)
	for _, topic := range topics {
		hub.Subscribe(client, topic)
	}
	require.Eventually(t, func() bool {
		for _, topic := range topics {
			if hub.GetSubscriberCount(topic) == 0 {
				return false
			}
		}
		return true
	}, time.Second, time.Millisecond)
	return client
}

func receive(t *testing.T, c *Client) Message {
	t.Helper()
	select {
	case data := <-c.send:
		var msg Message
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message received")
		return Message{}
	}
}

func assertSilent(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.send:
		t.Fatalf("unexpected message %s", data)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestFirstPlaceFanOut(t *testing.T) {
	hub := startHub(t)
	feed := subscribedClient(t, hub, TopicFirstPlaces)
	beatmap := subscribedClient(t, hub, BeatmapTopic("abc"))
	loser := subscribedClient(t, hub, PlayerTopic(7))
	other := subscribedClient(t, hub, BeatmapTopic("def"))

	hub.BroadcastFirstPlace(domain.FirstPlaceChange{
		Key:            domain.FirstPlaceKey{BeatmapMD5: "abc"},
		Outcome:        domain.OutcomePromoted,
		PreviousHolder: 7,
		Holder:         9,
	})

	msg := receive(t, feed)
	assert.Equal(t, MessageTypeFirstPlace, msg.Type)
	assert.NotEmpty(t, msg.ID)
	receive(t, beatmap)
	receive(t, loser)
	assertSilent(t, other)
}

func TestClientSubscribedTwiceReceivesOnce(t *testing.T) {
	hub := startHub(t)
	client := subscribedClient(t, hub, TopicModeration, PlayerTopic(3))

	hub.BroadcastModeration(domain.ModerationEvent{PlayerID: 3, Action: domain.ActionBan, Status: "banned"})

	msg := receive(t, client)
	assert.Equal(t, MessageTypeModeration, msg.Type)
	assertSilent(t, client)
}

func TestUnregisterDropsSubscriptions(t *testing.T) {
	hub := startHub(t)
	client := subscribedClient(t, hub, TopicModeration)
	require.Eventually(t, func() bool { return hub.GetTotalConnections() == 1 }, time.Second, time.Millisecond)

	hub.Unregister(client)

	assert.Eventually(t, func() bool {
		return hub.GetTotalConnections() == 0 && hub.GetSubscriberCount(TopicModeration) == 0
	}, time.Second, time.Millisecond)
}

func TestHandleMessage(t *testing.T) {
	hub := startHub(t)
	client := subscribedClient(t, hub)

	client.handleMessage(&ClientMessage{Type: MessageTypeSubscribe})
	assert.Equal(t, MessageTypeError, receive(t, client).Type)

	client.handleMessage(&ClientMessage{Type: MessageTypePing})
	assert.Equal(t, MessageTypePong, receive(t, client).Type)

	client.handleMessage(&ClientMessage{Type: MessageTypeSubscribe, Topic: TopicFirstPlaces})
	ack := receive(t, client)
	assert.Equal(t, "subscribed", ack.Type)
	assert.Equal(t, TopicFirstPlaces, ack.Topic)
}

func TestValidTopic(t *testing.T) {
	tests := []struct {
		topic string
		want  bool
	}{
		{TopicFirstPlaces, true},
		{TopicModeration, true},
		{BeatmapTopic("0123456789abcdef0123456789abcdef"), true},
		{BeatmapTopic("not-an-md5"), false},
		{PlayerTopic(1000), true},
		{"player:0", false},
		{"player:abc", false},
		{"scores", false},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidTopic(tt.topic))
		})
	}
}

func TestHandleMessageRejectsBadTopics(t *testing.T) {
	hub := startHub(t)
	client := subscribedClient(t, hub)

	client.handleMessage(&ClientMessage{Type: MessageTypeSubscribe, Topic: "scores"})
	assert.Equal(t, MessageTypeError, receive(t, client).Type)

	client.handleMessage(&ClientMessage{Type: MessageTypeUnsubscribe, Topic: TopicModeration})
	assert.Equal(t, MessageTypeError, receive(t, client).Type)

	client.handleMessage(&ClientMessage{Type: "shout"})
	assert.Equal(t, MessageTypeError, receive(t, client).Type)
	assert.Zero(t, hub.GetSubscriberCount("scores"))
}
