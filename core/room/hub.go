package room

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"DrumRoom/core/protocol"
	"DrumRoom/logger"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 512 * 1024
	sendBufferSize = 256
)

// Client 一个 WebSocket 连接，同一时间最多属于一个房间
type Client struct {
	Hub  *Hub
	Conn *websocket.Conn
	Send chan []byte

	id     string
	mu     sync.Mutex
	roomID string
	closed bool
}

// NewClient 创建连接对象
func NewClient(hub *Hub, conn *websocket.Conn, id string) *Client {
	return &Client{
		Hub:  hub,
		Conn: conn,
		Send: make(chan []byte, sendBufferSize),
		id:   id,
	}
}

// ID 连接标识，即房间成员标识
func (c *Client) ID() string {
	return c.id
}

// Deliver queues a frame without blocking. It reports false when the
// buffer is full or the connection is already closed.
func (c *Client) Deliver(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

// SendMessage 发送消息给客户端，缓冲区满时丢弃
func (c *Client) SendMessage(msg *protocol.Message) error {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if !c.Deliver(data) {
		logger.Warn("dropping message for slow client",
			logger.ConnID(c.id),
			logger.String("type", string(msg.Type)))
	}
	return nil
}

// RoomID 当前所在房间
func (c *Client) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

func (c *Client) setRoomID(roomID string) {
	c.mu.Lock()
	c.roomID = roomID
	c.mu.Unlock()
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}

// Hub 连接管理中心：登记所有活跃连接，连接注销后通知房间层
type Hub struct {
	clients map[string]*Client

	register   chan *Client
	unregister chan *Client

	// onUnregister 在连接注销后异步调用
	onUnregister func(*Client)

	mu   sync.RWMutex
	done chan struct{}
	once sync.Once
}

// NewHub 创建 Hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// OnUnregister sets the callback run after a connection is removed. It must
// be set before Run.
func (h *Hub) OnUnregister(fn func(*Client)) {
	h.onUnregister = fn
}

// Run 启动 Hub 主循环
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			h.mu.Unlock()
			logger.Debug("client registered", logger.ConnID(client.id))

		case client := <-h.unregister:
			h.removeClient(client)

		case <-h.done:
			h.cleanup()
			return
		}
	}
}

// Stop 停止 Hub，关闭所有连接的发送通道
func (h *Hub) Stop() {
	h.once.Do(func() { close(h.done) })
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	current, ok := h.clients[client.id]
	if ok && current == client {
		delete(h.clients, client.id)
	}
	h.mu.Unlock()

	if !ok || current != client {
		return
	}
	client.close()
	logger.Debug("client unregistered",
		logger.ConnID(client.id),
		logger.RoomID(client.RoomID()))

	if h.onUnregister != nil {
		go h.onUnregister(client)
	}
}

func (h *Hub) cleanup() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, client := range h.clients {
		client.close()
	}
	h.clients = make(map[string]*Client)
}

// Register 注册客户端
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		client.close()
	}
}

// Unregister 注销客户端；Hub 停止后调用不会阻塞
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// ClientCount 当前连接数
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ========== Client 方法 ==========

// ReadPump 读取消息循环，每个连接一个 goroutine
func (c *Client) ReadPump(ctx context.Context, handler func(ctx context.Context, client *Client, msg *protocol.Message)) {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Warn("websocket read error",
					logger.ErrorField(err),
					logger.ConnID(c.id),
					logger.RoomID(c.RoomID()))
			}
			return
		}

		var msg protocol.Message
		if err := json.Unmarshal(message, &msg); err != nil {
			logger.Warn("invalid message format",
				logger.ErrorField(err),
				logger.ConnID(c.id))
			continue
		}

		// 应用层心跳
		if msg.Type == protocol.TypePing {
			c.Conn.SetReadDeadline(time.Now().Add(pongWait))
			c.SendMessage(&protocol.Message{Type: protocol.TypePong, RequestID: msg.RequestID})
			continue
		}

		handler(ctx, c, &msg)
	}
}

// WritePump 写入消息循环，合并发送队列中积压的消息
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(c.Send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.Send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
