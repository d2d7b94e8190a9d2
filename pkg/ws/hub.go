package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// MessageType WebSocket 消息类型
const (
	MsgTypeInit  = "init"  // 初始化数据
	MsgTypeError = "error" // 错误消息
)

// Topic 订阅主题，停车场中对应采集站编号
type Topic int

// TopicAll 订阅全部主题 (看板)
const TopicAll Topic = 0

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096
	sendBuffer     = 256
)

// ErrHubClosed Hub 已停止
var ErrHubClosed = errors.New("websocket hub closed")

// Message WebSocket 消息结构
type Message struct {
	Type  string      `json:"type"`
	Topic Topic       `json:"topic"`
	Data  interface{} `json:"data"`
}

type envelope struct {
	topic Topic
	data  []byte
}

// Client WebSocket 客户端
type Client struct {
	hub   *Hub
	conn  *websocket.Conn
	topic Topic
	send  chan []byte
	init  []byte
}

// Hub 按主题分发的 WebSocket 连接管理中心
type Hub struct {
	logger     *zap.Logger
	topics     map[Topic]map[*Client]struct{}
	broadcast  chan envelope
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex

	// 初始数据提供者回调，返回 nil 时不发送
	initMu      sync.RWMutex
	getInitData func(Topic) interface{}
}

// NewHub 创建 Hub
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:     logger,
		topics:     make(map[Topic]map[*Client]struct{}),
		broadcast:  make(chan envelope, sendBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// SetInitDataProvider 设置初始数据提供者
func (h *Hub) SetInitDataProvider(provider func(Topic) interface{}) {
	h.initMu.Lock()
	defer h.initMu.Unlock()
	h.getInitData = provider
}

// Run 运行 Hub，ctx 取消后关闭所有客户端
func (h *Hub) Run(ctx context.Context) error {
	defer h.shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil

		case client := <-h.register:
			h.mu.Lock()
			subs, ok := h.topics[client.topic]
			if !ok {
				subs = make(map[*Client]struct{})
				h.topics[client.topic] = subs
			}
			subs[client] = struct{}{}
			// 新客户端的缓冲区为空，初始数据总是排在第一条
			if client.init != nil {
				client.send <- client.init
				client.init = nil
			}
			h.mu.Unlock()
			h.logger.Info("WebSocket client connected",
				zap.Int("topic", int(client.topic)),
				zap.Int("total_clients", h.ClientCount()),
			)

		case client := <-h.unregister:
			h.mu.Lock()
			h.remove(client)
			h.mu.Unlock()
			h.logger.Info("WebSocket client disconnected",
				zap.Int("topic", int(client.topic)),
				zap.Int("total_clients", h.ClientCount()),
			)

		case env := <-h.broadcast:
			h.mu.Lock()
			for _, client := range h.recipients(env.topic) {
				select {
				case client.send <- env.data:
				default:
					// 慢消费者，关闭连接
					h.remove(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// recipients 主题订阅者加上全部主题的订阅者，调用方持有锁
func (h *Hub) recipients(topic Topic) []*Client {
	var out []*Client
	if topic == TopicAll {
		for _, subs := range h.topics {
			for client := range subs {
				out = append(out, client)
			}
		}
		return out
	}
	for client := range h.topics[topic] {
		out = append(out, client)
	}
	for client := range h.topics[TopicAll] {
		out = append(out, client)
	}
	return out
}

// remove 调用方持有锁
func (h *Hub) remove(client *Client) {
	subs, ok := h.topics[client.topic]
	if !ok {
		return
	}
	if _, ok := subs[client]; !ok {
		return
	}
	delete(subs, client)
	close(client.send)
	if len(subs) == 0 {
		delete(h.topics, client.topic)
	}
}

func (h *Hub) shutdown() {
	close(h.done)
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic, subs := range h.topics {
		for client := range subs {
			close(client.send)
		}
		delete(h.topics, topic)
	}
}

// initData 在调用方协程中生成初始数据，提供者可能较慢，不能阻塞 Run
func (h *Hub) initData(topic Topic) []byte {
	h.initMu.RLock()
	provider := h.getInitData
	h.initMu.RUnlock()
	if provider == nil {
		return nil
	}

	initData := provider(topic)
	if initData == nil {
		return nil
	}

	data, err := json.Marshal(Message{Type: MsgTypeInit, Topic: topic, Data: initData})
	if err != nil {
		h.logger.Error("Failed to marshal init data", zap.Error(err))
		return nil
	}
	return data
}

// Publish 向主题发布结构化消息，队列满或 Hub 已停止时丢弃
func (h *Hub) Publish(topic Topic, msgType string, data interface{}) {
	payload, err := json.Marshal(Message{Type: msgType, Topic: topic, Data: data})
	if err != nil {
		h.logger.Error("Failed to marshal broadcast message", zap.String("type", msgType), zap.Error(err))
		return
	}

	select {
	case <-h.done:
		return
	default:
	}

	select {
	case h.broadcast <- envelope{topic: topic, data: payload}:
	case <-h.done:
	default:
		h.logger.Warn("Broadcast queue full, message dropped",
			zap.String("type", msgType),
			zap.Int("topic", int(topic)),
		)
	}
}

// ClientCount 获取客户端数量
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, subs := range h.topics {
		n += len(subs)
	}
	return n
}

// NewClient 创建订阅指定主题的客户端
func NewClient(hub *Hub, conn *websocket.Conn, topic Topic) *Client {
	return &Client{
		hub:   hub,
		conn:  conn,
		topic: topic,
		send:  make(chan []byte, sendBuffer),
	}
}

// Register 生成初始数据后注册客户端
func (c *Client) Register() error {
	select {
	case <-c.hub.done:
		return ErrHubClosed
	default:
	}

	c.init = c.hub.initData(c.topic)
	select {
	case c.hub.register <- c:
		return nil
	case <-c.hub.done:
		return ErrHubClosed
	}
}

// Unregister 注销客户端
func (c *Client) Unregister() {
	select {
	case c.hub.unregister <- c:
	case <-c.hub.done:
	}
}

// ReadPump 读取消息（保持连接活跃）
func (c *Client) ReadPump() {
	defer func() {
		c.Unregister()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
		// 采集站通过 HTTP 上报，这里不处理客户端消息
	}
}

// WritePump 发送消息
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
