// ============================================================================
// SceneScape WebSocket Hub - 任務即時推送
// ============================================================================
//
// Package: internal/server
// 文件: hub.go
// 功能: 把 Controller 的任務變更推送給所有 /ws/tasks 連線
//
// 訊息格式:
//   {"type": "snapshot", "tasks": [...], "stats": {...}}  連線後第一則
//   {"type": "task", "task": {...}}                       每次任務變更
//
// 背壓:
//   每個連線有固定大小的發送佇列。佇列已滿時丟棄該則訊息，
//   不會阻塞 Worker（監聽函式在 Worker goroutine 上執行）。
//
// ============================================================================

package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/ChuLiYu/scenescape/internal/controller"
	"github.com/ChuLiYu/scenescape/pkg/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
	sendBuffer     = 64
)

// 訊息類型
const (
	MessageSnapshot = "snapshot"
	MessageTask     = "task"
)

// Message WebSocket 推送訊息
type Message struct {
	Type  string       `json:"type"`
	Task  *JobView     `json:"task,omitempty"`
	Tasks []JobView    `json:"tasks,omitempty"`
	Stats *types.Stats `json:"stats,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsClient 單一 WebSocket 連線
type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Hub 管理所有 WebSocket 連線
type Hub struct {
	ctrl *controller.Controller
	log  logrus.FieldLogger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool

	unsubscribe func()
}

// NewHub 建立 Hub 並訂閱 Controller 的任務變更
func NewHub(ctrl *controller.Controller, logger logrus.FieldLogger) *Hub {
	h := &Hub{
		ctrl:    ctrl,
		log:     logger.WithField("component", "ws"),
		clients: make(map[*wsClient]struct{}),
	}
	h.unsubscribe = ctrl.Subscribe(h.broadcastJob)
	return h
}

// ClientCount 返回目前連線數
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeWS 升級連線並開始推送
func (h *Hub) ServeWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	client := &wsClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}

	// 快照與註冊在同一把鎖內完成：broadcastJob 也要這把鎖，
	// 鎖之前通知過的變更已在快照裡，之後的變更一定排在快照後面
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	snapshot, err := h.snapshot()
	if err != nil {
		h.mu.Unlock()
		h.log.WithError(err).Error("Failed to encode snapshot")
		conn.Close()
		return
	}
	client.send <- snapshot
	h.clients[client] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()

	h.log.WithFields(logrus.Fields{"client_id": client.id, "clients": count}).Info("WebSocket client connected")

	go h.writePump(client)
	go h.readPump(client)
}

// snapshot 編碼目前所有任務與統計
func (h *Hub) snapshot() ([]byte, error) {
	stats := h.ctrl.Stats()
	return json.Marshal(Message{
		Type:  MessageSnapshot,
		Tasks: newJobViews(h.ctrl.List(controller.ListOptions{}), time.Now()),
		Stats: &stats,
	})
}

// broadcastJob 由 Controller 在狀態變更時呼叫，不能阻塞
func (h *Hub) broadcastJob(job types.Job) {
	view := newJobView(job, time.Now())
	data, err := json.Marshal(Message{Type: MessageTask, Task: &view})
	if err != nil {
		h.log.WithError(err).WithField("job_id", job.ID).Error("Failed to encode job update")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			h.log.WithField("client_id", client.id).Debug("WebSocket send buffer full, dropping update")
		}
	}
}

// remove 移除連線並關閉其發送佇列（只執行一次）
func (h *Hub) remove(client *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	h.log.WithFields(logrus.Fields{"client_id": client.id, "clients": len(h.clients)}).Info("WebSocket client disconnected")
}

// Close 取消訂閱並關閉所有連線
func (h *Hub) Close() {
	h.unsubscribe()

	h.mu.Lock()
	h.closed = true
	clients := make([]*wsClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		h.remove(client)
	}
}

// readPump 只處理 pong 與關閉；客戶端不送指令
func (h *Hub) readPump(client *wsClient) {
	defer func() {
		h.remove(client)
		client.conn.Close()
	}()

	client.conn.SetReadLimit(maxMessageSize)
	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.WithError(err).WithField("client_id", client.id).Debug("WebSocket read error")
			}
			return
		}
	}
}

func (h *Hub) writePump(client *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				h.log.WithError(err).WithField("client_id", client.id).Debug("WebSocket write error")
				return
			}

		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
