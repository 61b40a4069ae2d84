package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialHub(t *testing.T, hub *Hub, channel string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, channel)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return hub.Subscribers(channel) == 1 }, time.Second, 5*time.Millisecond)
	return conn
}

func TestHub_DeliversToChannelSubscribers(t *testing.T) {
	hub := NewHub(nil)
	conn := dialHub(t, hub, "http-request-execution")

	err := hub.Publish(context.Background(), "http-request-execution", StatusUpdate{NodeID: "n1", Status: StatusLoading})
	require.NoError(t, err)

	var msg Message
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "http-request-execution", msg.Channel)
	assert.Equal(t, TopicStatus, msg.Topic)
	assert.Equal(t, StatusUpdate{NodeID: "n1", Status: StatusLoading}, msg.Data)
}

func TestHub_OtherChannelsNotDelivered(t *testing.T) {
	hub := NewHub(nil)
	conn := dialHub(t, hub, "openai-execution")

	require.NoError(t, hub.Publish(context.Background(), "discord-execution", StatusUpdate{NodeID: "x", Status: StatusSuccess}))
	require.NoError(t, hub.Publish(context.Background(), "openai-execution", StatusUpdate{NodeID: "y", Status: StatusSuccess}))

	var msg Message
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "y", msg.Data.NodeID)
}

func TestHub_UnsubscribesOnDisconnect(t *testing.T) {
	hub := NewHub(nil)
	conn := dialHub(t, hub, "gemini-execution")

	conn.Close()

	assert.Eventually(t, func() bool { return hub.Subscribers("gemini-execution") == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.NoError(t, hub.Publish(context.Background(), "gemini-execution", StatusUpdate{NodeID: "n", Status: StatusError}))
}

func TestHub_RejectsDisallowedOrigin(t *testing.T) {
	hub := NewHub([]string{"http://app.example.com"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, "c")
	}))
	defer srv.Close()

	header := http.Header{"Origin": []string{"http://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), header)

	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestRecorder(t *testing.T) {
	rec := &Recorder{}
	ctx := context.Background()

	require.NoError(t, rec.Publish(ctx, "a", StatusUpdate{NodeID: "n1", Status: StatusLoading}))
	require.NoError(t, rec.Publish(ctx, "a", StatusUpdate{NodeID: "n2", Status: StatusLoading}))
	require.NoError(t, rec.Publish(ctx, "a", StatusUpdate{NodeID: "n1", Status: StatusSuccess}))

	assert.Len(t, rec.Messages(), 3)
	assert.Equal(t, []Status{StatusLoading, StatusSuccess}, rec.ForNode("n1"))

	rec.Err = errors.New("down")
	assert.Error(t, rec.Publish(ctx, "a", StatusUpdate{NodeID: "n3", Status: StatusError}))
	assert.Len(t, rec.Messages(), 4)
}
