package eventbus

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestBridge_ForwardsPublishedEventAsJSONFrame(t *testing.T) {
	bus := New(8)
	bridge := NewBridge(bus, "stream_progress")
	defer bridge.Close()

	srv := httptest.NewServer(bridge)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	time.Sleep(10 * time.Millisecond)
	bus.Publish("stream_progress", map[string]int{"line": 3})

	conn.SetReadDeadline(time.Now().Add(time.Second))
	var got struct {
		Name string         `json:"name"`
		Data map[string]int `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&got))
	require.Equal(t, "stream_progress", got.Name)
	require.Equal(t, 3, got.Data["line"])
}
