// Package station 采集站客户端，订阅服务端推送并通过 HTTP 上报刷卡和抓拍
package station

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/langchou/parkgate/internal/models"
	"go.uber.org/zap"
)

// Message 服务端推送的消息
type Message struct {
	Type  string          `json:"type"`
	Topic int             `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

// Callbacks 推送回调
type Callbacks struct {
	OnAutoCapture func(req models.CaptureRequest) // 需要拍照
	OnGateCommand func(cmd models.GateCommand)    // 道闸指令
	OnOutcome     func(action string, raw []byte) // 会话结果
	OnConnect     func()                          // 连接成功
	OnDisconnect  func(err error)                 // 断开连接
}

// Client 采集站客户端
type Client struct {
	logger     *zap.Logger
	baseURL    string
	station    models.Station
	httpClient *http.Client
	callbacks  Callbacks

	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration
}

// NewClient 创建采集站客户端
func NewClient(logger *zap.Logger, baseURL string, station models.Station) *Client {
	return &Client{
		logger:  logger,
		baseURL: strings.TrimRight(baseURL, "/"),
		station: station,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		reconnectDelay:    1 * time.Second,
		maxReconnectDelay: 30 * time.Second,
	}
}

// SetCallbacks 设置回调函数
func (c *Client) SetCallbacks(callbacks Callbacks) {
	c.callbacks = callbacks
}

// Station 采集站编号
func (c *Client) Station() models.Station {
	return c.station
}

func (c *Client) wsURL() string {
	u := c.baseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return fmt.Sprintf("%s/ws/stations/%d", u, c.station)
}

// Stream 订阅采集站推送，断开后指数退避重连，ctx 取消时返回 nil
func (c *Client) Stream(ctx context.Context) error {
	delay := c.reconnectDelay
	for {
		err := c.streamOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}

		if err == nil {
			// 连接过，重置退避
			delay = c.reconnectDelay
		}
		c.logger.Warn("Station stream disconnected, will retry",
			zap.Stringer("station", c.station),
			zap.Duration("delay", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		delay *= 2
		if delay > c.maxReconnectDelay {
			delay = c.maxReconnectDelay
		}
	}
}

// streamOnce 建立一次连接并读取直到断开，握手失败时返回错误
func (c *Client) streamOnce(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, c.wsURL(), nil)
	if err != nil {
		return fmt.Errorf("dial station stream: %w", err)
	}
	defer conn.Close()

	c.logger.Info("Station stream connected", zap.Stringer("station", c.station))
	if c.callbacks.OnConnect != nil {
		c.callbacks.OnConnect()
	}

	// ctx 取消时关闭连接以结束读取
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	var readErr error
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				readErr = err
			}
			break
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("Failed to parse station message",
				zap.String("message", string(data)),
				zap.Error(err))
			continue
		}
		c.handleMessage(&msg)
	}

	if c.callbacks.OnDisconnect != nil {
		c.callbacks.OnDisconnect(readErr)
	}
	return nil
}

// handleMessage 处理消息
func (c *Client) handleMessage(msg *Message) {
	switch msg.Type {
	case "auto_capture":
		var req models.CaptureRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			c.logger.Warn("Invalid auto_capture message", zap.Error(err))
			return
		}
		if req.Station != c.station {
			return
		}
		if c.callbacks.OnAutoCapture != nil {
			c.callbacks.OnAutoCapture(req)
		}

	case "gate_command":
		var cmd models.GateCommand
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			c.logger.Warn("Invalid gate_command message", zap.Error(err))
			return
		}
		if c.callbacks.OnGateCommand != nil {
			c.callbacks.OnGateCommand(cmd)
		}

	case "outcome":
		var head struct {
			Action string `json:"action"`
		}
		_ = json.Unmarshal(msg.Data, &head)
		if c.callbacks.OnOutcome != nil {
			c.callbacks.OnOutcome(head.Action, msg.Data)
		}

	default:
		c.logger.Debug("Unknown station message type", zap.String("type", msg.Type))
	}
}

type scanRequest struct {
	TagID   string         `json:"tagId"`
	Station models.Station `json:"stationIndex"`
}

type captureRequest struct {
	TagID     string         `json:"tagId"`
	Station   models.Station `json:"stationIndex"`
	PlateText string         `json:"plateText,omitempty"`
	Image     string         `json:"image,omitempty"`
}

// Scan 上报刷卡
func (c *Client) Scan(ctx context.Context, tagID string) (json.RawMessage, error) {
	return c.post(ctx, "/api/stations/scan", scanRequest{TagID: tagID, Station: c.station})
}

// Capture 上报抓拍，plateText 和 image 至少一个非空
func (c *Client) Capture(ctx context.Context, tagID, plateText, image string) (json.RawMessage, error) {
	return c.post(ctx, "/api/stations/capture", captureRequest{
		TagID:     tagID,
		Station:   c.station,
		PlateText: plateText,
		Image:     image,
	})
}

// PollGateCommand 轮询道闸指令，没有时返回 nil
func (c *Client) PollGateCommand(ctx context.Context, tagID string) (*models.GateCommand, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/stations/gate-commands/"+tagID, nil)
	if err != nil {
		return nil, fmt.Errorf("create poll request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll gate command: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("poll gate command failed: status=%d body=%s", resp.StatusCode, string(body))
	}

	var out struct {
		Data models.GateCommand `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode gate command: %w", err)
	}
	return &out.Data, nil
}

// post 发送 JSON 请求，返回 data 字段
func (c *Client) post(ctx context.Context, path string, body interface{}) (json.RawMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s failed: status=%d body=%s", path, resp.StatusCode, string(respBody))
	}

	var out struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", path, err)
	}
	return out.Data, nil
}
