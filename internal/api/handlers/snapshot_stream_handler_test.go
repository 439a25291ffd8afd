package handlers

import (
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startStream(t *testing.T) (*SnapshotStreamHandler, *httptest.Server, *atomic.Int64) {
	t.Helper()
	var count atomic.Int64
	h := NewSnapshotStreamHandler(testLogger(), func(n int) { count.Store(int64(n)) })
	h.Start()

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ws/snapshots", h.HandleWebSocket)
	srv := httptest.NewServer(r)

	t.Cleanup(func() {
		h.Stop()
		srv.Close()
	})
	return h, srv, &count
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/snapshots" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestSnapshotStream_Broadcast(t *testing.T) {
	h, srv, count := startStream(t)

	all := dial(t, srv, "")
	pixelOnly := dial(t, srv, "?device=pixel")
	emuOnly := dial(t, srv, "?device=emu")

	require.Eventually(t, func() bool { return h.ClientCount() == 3 && count.Load() == 3 }, time.Second, 10*time.Millisecond)

	h.BroadcastSnapshot(sampleSnapshot("snap-1"))

	for _, conn := range []*websocket.Conn{all, pixelOnly} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var event SnapshotEvent
		require.NoError(t, conn.ReadJSON(&event))
		assert.Equal(t, "snapshot", event.Type)
		assert.Equal(t, "pixel", event.DeviceID)
		require.NotNil(t, event.Snapshot)
		assert.Equal(t, "snap-1", event.Snapshot.ID)
	}

	// 订阅其他设备的客户端收不到
	emuOnly.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var event SnapshotEvent
	assert.Error(t, emuOnly.ReadJSON(&event))
}

func TestSnapshotStream_Disconnect(t *testing.T) {
	h, srv, count := startStream(t)

	conn := dial(t, srv, "")
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	conn.Close()

	require.Eventually(t, func() bool { return h.ClientCount() == 0 && count.Load() == 0 }, time.Second, 10*time.Millisecond)
}

func TestSnapshotStream_DropsWhenFull(t *testing.T) {
	h := NewSnapshotStreamHandler(testLogger(), nil)

	// 未启动广播协程，通道填满后继续广播不会阻塞
	for i := 0; i < cap(h.broadcast)+10; i++ {
		h.BroadcastSnapshot(sampleSnapshot("snap"))
	}
	assert.Len(t, h.broadcast, cap(h.broadcast))
}
