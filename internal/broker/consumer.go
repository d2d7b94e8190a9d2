package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/langchou/parkgate/internal/models"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	minBackoff = time.Second
	maxBackoff = 30 * time.Second
)

// ConfirmHandler 处理一条收款确认
type ConfirmHandler func(ctx context.Context, req models.PaymentConfirmation) error

// Consumer 消费收款确认队列
type Consumer struct {
	url     string
	queue   string
	handler ConfirmHandler
	logger  *zap.Logger
}

// NewPaymentConsumer 创建收款确认消费者
func NewPaymentConsumer(url string, handler ConfirmHandler, logger *zap.Logger) *Consumer {
	return &Consumer{
		url:     url,
		queue:   PaymentConfirmQueue,
		handler: handler,
		logger:  logger,
	}
}

// Run 连接并消费，断线后指数退避重连，ctx 取消时返回 nil
func (c *Consumer) Run(ctx context.Context) error {
	backoff := minBackoff
	for {
		conn, err := amqp.Dial(c.url)
		if err != nil {
			c.logger.Warn("Failed to dial broker, retrying",
				zap.Duration("backoff", backoff),
				zap.Error(err),
			)
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = minBackoff

		err = c.consumeLoop(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("Consume loop ended, reconnecting", zap.Error(err))
		if !sleep(ctx, 2*time.Second) {
			return nil
		}
	}
}

func (c *Consumer) consumeLoop(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(10, 0, false); err != nil {
		c.logger.Warn("Failed to set QoS", zap.Error(err))
	}

	if _, err := ch.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}

	msgs, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}
	c.logger.Info("Consuming payment confirmations", zap.String("queue", c.queue))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			if err := c.handle(ctx, d.Body); err != nil {
				c.logger.Warn("Failed to handle payment confirmation", zap.Error(err))
				// 不重新入队，避免死循环
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, body []byte) error {
	var req models.PaymentConfirmation
	if err := json.Unmarshal(body, &req); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	if req.ConfirmedBy == "" {
		req.ConfirmedBy = "broker"
	}
	if err := c.handler(ctx, req); err != nil {
		return fmt.Errorf("confirm session %s: %w", req.SessionID, err)
	}
	return nil
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// sleep 等待 d，ctx 取消时返回 false
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
