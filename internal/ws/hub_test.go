package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgnsrekt/whereami/internal/broadcast"
	"github.com/dgnsrekt/whereami/internal/extract"
	"github.com/dgnsrekt/whereami/internal/location"
)

func startHub(t *testing.T, feed *broadcast.Broadcaster[*location.Location]) (*Hub, string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub := NewHub(feed, nil)
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(srv.Close)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	typ, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, typ)

	var m Message
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func TestHub_StreamsSnapshotThenUpdates(t *testing.T) {
	feed := broadcast.New[*location.Location](nil, 8, (*location.Location).Clone, nil)
	hub, url := startHub(t, feed)
	conn := dial(t, url)

	m := readMessage(t, conn)
	assert.Equal(t, "snapshot", m.Type)
	assert.Nil(t, m.Location)

	require.Eventually(t, func() bool { return hub.Len() == 1 }, 3*time.Second, 5*time.Millisecond)

	feed.Publish(&location.Location{
		WorldID:       "wrld_a",
		InstanceID:    "1",
		Region:        "us",
		Access:        extract.AccessPublic,
		WorldImageURL: "https://example/a.png",
		JoinURL:       location.LaunchURL("wrld_a", "1"),
	})

	m = readMessage(t, conn)
	assert.Equal(t, "update", m.Type)
	assert.Equal(t, uint64(1), m.Seq)
	require.NotNil(t, m.Location)
	assert.Equal(t, "wrld_a:1", m.Location.RoomID)
	assert.Equal(t, "/api/world/wrld_a/image", m.Location.Image)
	require.NotNil(t, m.Location.JoinURL)

	feed.Publish(nil)
	m = readMessage(t, conn)
	assert.Equal(t, uint64(2), m.Seq)
	assert.Nil(t, m.Location)
}

func TestHub_ClientDisconnectUnsubscribes(t *testing.T) {
	feed := broadcast.New[*location.Location](nil, 8, nil, nil)
	hub, url := startHub(t, feed)
	conn := dial(t, url)
	readMessage(t, conn)
	require.Eventually(t, func() bool { return hub.Len() == 1 && feed.Len() == 1 }, 3*time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return hub.Len() == 0 && feed.Len() == 0 }, 3*time.Second, 5*time.Millisecond)
}

func TestHub_FeedCloseEndsConnection(t *testing.T) {
	feed := broadcast.New[*location.Location](nil, 8, nil, nil)
	_, url := startHub(t, feed)
	conn := dial(t, url)
	readMessage(t, conn)

	feed.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestHub_RejectsWhenFeedClosed(t *testing.T) {
	feed := broadcast.New[*location.Location](nil, 8, nil, nil)
	feed.Close()
	_, url := startHub(t, feed)

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 503, resp.StatusCode)
}
