package handlers

import (
	"net/http"
	"sync"
	"time"

	"github.com/devhelper/devhelper-go/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const writeWait = 10 * time.Second

// SnapshotEvent 推送给 WebSocket 客户端的消息
type SnapshotEvent struct {
	Type      string           `json:"type"`
	DeviceID  string           `json:"device_id,omitempty"`
	Snapshot  *domain.Snapshot `json:"snapshot"`
	Timestamp int64            `json:"timestamp"`
}

// streamClient 一个订阅者，device 为空表示接收全部设备
type streamClient struct {
	conn   *websocket.Conn
	device string
}

// SnapshotStreamHandler 实时快照推送
type SnapshotStreamHandler struct {
	logger      *logrus.Logger
	upgrader    websocket.Upgrader
	clients     map[*streamClient]struct{}
	clientMutex sync.RWMutex
	broadcast   chan SnapshotEvent
	stop        chan struct{}
	stopOnce    sync.Once

	// 客户端数量变化时回调，用于更新指标
	onClientsChanged func(n int)
}

// NewSnapshotStreamHandler 创建推送处理器
func NewSnapshotStreamHandler(logger *logrus.Logger, onClientsChanged func(n int)) *SnapshotStreamHandler {
	return &SnapshotStreamHandler{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients:          make(map[*streamClient]struct{}),
		broadcast:        make(chan SnapshotEvent, 100),
		stop:             make(chan struct{}),
		onClientsChanged: onClientsChanged,
	}
}

// Start 启动广播服务
func (h *SnapshotStreamHandler) Start() {
	go h.runBroadcaster()
}

// Stop 停止广播并断开所有客户端
func (h *SnapshotStreamHandler) Stop() {
	h.stopOnce.Do(func() {
		close(h.stop)

		h.clientMutex.Lock()
		for client := range h.clients {
			client.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(time.Second))
			client.conn.Close()
			delete(h.clients, client)
		}
		h.clientMutex.Unlock()
		h.notifyCount()
	})
}

func (h *SnapshotStreamHandler) runBroadcaster() {
	for {
		select {
		case <-h.stop:
			return
		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

// deliver 只有广播协程写连接，写失败的客户端被移除
func (h *SnapshotStreamHandler) deliver(msg SnapshotEvent) {
	var dead []*streamClient

	h.clientMutex.RLock()
	for client := range h.clients {
		if client.device != "" && client.device != msg.DeviceID {
			continue
		}
		client.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := client.conn.WriteJSON(msg); err != nil {
			h.logger.WithError(err).Warn("Failed to write to WebSocket client")
			dead = append(dead, client)
		}
	}
	h.clientMutex.RUnlock()

	if len(dead) == 0 {
		return
	}
	h.clientMutex.Lock()
	for _, client := range dead {
		client.conn.Close()
		delete(h.clients, client)
	}
	h.clientMutex.Unlock()
	h.notifyCount()
}

// HandleWebSocket 处理WebSocket连接
// GET /ws/snapshots?device=<id>
func (h *SnapshotStreamHandler) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade to WebSocket")
		return
	}

	client := &streamClient{conn: conn, device: c.Query("device")}

	h.clientMutex.Lock()
	h.clients[client] = struct{}{}
	h.clientMutex.Unlock()
	h.notifyCount()

	h.logger.WithField("device_filter", client.device).Info("WebSocket client connected")

	// 只读取以感知断开，客户端消息被忽略
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.WithError(err).Warn("WebSocket error")
			}
			break
		}
	}

	h.clientMutex.Lock()
	_, present := h.clients[client]
	delete(h.clients, client)
	h.clientMutex.Unlock()
	if present {
		conn.Close()
		h.notifyCount()
	}

	h.logger.WithField("device_filter", client.device).Info("WebSocket client disconnected")
}

// BroadcastSnapshot 广播新快照，通道满时丢弃
func (h *SnapshotStreamHandler) BroadcastSnapshot(snapshot *domain.Snapshot) {
	msg := SnapshotEvent{
		Type:      "snapshot",
		DeviceID:  snapshot.DeviceID,
		Snapshot:  snapshot,
		Timestamp: time.Now().Unix(),
	}

	select {
	case h.broadcast <- msg:
		h.logger.WithField("snapshot_id", snapshot.ID).Debug("Snapshot broadcasted")
	default:
		h.logger.Warn("Broadcast channel is full, dropping message")
	}
}

// ClientCount 当前连接数
func (h *SnapshotStreamHandler) ClientCount() int {
	h.clientMutex.RLock()
	defer h.clientMutex.RUnlock()
	return len(h.clients)
}

func (h *SnapshotStreamHandler) notifyCount() {
	if h.onClientsChanged != nil {
		h.onClientsChanged(h.ClientCount())
	}
}
