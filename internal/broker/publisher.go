// Package broker 通过 RabbitMQ 发布会话结果并接收收款确认
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	// OutcomeQueue 会话结果队列
	OutcomeQueue = "parking.outcomes"
	// PaymentConfirmQueue 收款确认队列
	PaymentConfirmQueue = "parking.payments.confirm"
)

// dialTimeout 单次建立连接的上限
const dialTimeout = 5 * time.Second

// Publisher 持久化消息发布者，连接断开后下次发布时重连
type Publisher struct {
	url    string
	logger *zap.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewPublisher 创建发布者，不会立即连接
func NewPublisher(url string, logger *zap.Logger) *Publisher {
	return &Publisher{url: url, logger: logger}
}

// Publish 将 v 序列化为 JSON 发布到持久队列，连接耗时受 ctx 限制
func (p *Publisher) Publish(ctx context.Context, queue string, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	ch, err := p.channel(ctx)
	if err != nil {
		return err
	}

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		p.drop(ch)
		return fmt.Errorf("queue declare %s: %w", queue, err)
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx, "", queue, false, false, pub); err != nil {
		p.drop(ch)
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	return nil
}

// channel 返回可用的通道，需要重连时在锁外拨号
func (p *Publisher) channel(ctx context.Context) (*amqp.Channel, error) {
	p.mu.Lock()
	if p.ch != nil && !p.ch.IsClosed() && p.conn != nil && !p.conn.IsClosed() {
		ch := p.ch
		p.mu.Unlock()
		return ch, nil
	}
	p.reset()
	p.mu.Unlock()

	conn, ch, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil && !p.ch.IsClosed() {
		// 并发重连时保留先建立的连接
		_ = conn.Close()
		return p.ch, nil
	}
	p.conn, p.ch = conn, ch
	p.logger.Info("Connected to message broker")
	return ch, nil
}

// dial 建立连接，TCP 和 AMQP 握手都不超过 ctx 剩余时间与 dialTimeout 中较小者
func (p *Publisher) dial(ctx context.Context) (*amqp.Connection, *amqp.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, fmt.Errorf("dial broker: %w", err)
	}
	timeout := dialTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}

	conn, err := amqp.DialConfig(p.url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(timeout),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("channel open: %w", err)
	}
	return conn, ch, nil
}

// drop 丢弃出错的通道，下次发布时重连
func (p *Publisher) drop(ch *amqp.Channel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == ch {
		p.reset()
	}
}

// reset 调用方持有锁
func (p *Publisher) reset() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

// Close 关闭连接
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reset()
}
