package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	xerrors "AAHB-Assistant/internal/errors"
	"AAHB-Assistant/internal/mcp"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ContentType 是桥接消息体的 MIME 类型。
const ContentType = "application/cbor"

// RabbitMQConfig 描述 RabbitMQ 桥接的连接参数。
type RabbitMQConfig struct {
	URL        string `yaml:"url"`
	Inbound    string `yaml:"inbound"`
	Outbound   string `yaml:"outbound"`
	Prefetch   int    `yaml:"prefetch"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// RabbitMQBridge 使用 RabbitMQ 队列传递信封，消费采用手动确认。
type RabbitMQBridge struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	inbound  string
	outbound string
	logger   *slog.Logger
	mu       sync.Mutex

	compressAbove int
}

// NewRabbitMQBridge 创建 RabbitMQ 桥接并声明收发队列。
func NewRabbitMQBridge(cfg RabbitMQConfig, opts ...Option) (*RabbitMQBridge, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "RabbitMQ URL 不能为空")
	}
	inbound := cfg.Inbound
	if inbound == "" {
		inbound = "aahb.inbound"
	}
	outbound := cfg.Outbound
	if outbound == "" {
		outbound = "aahb.outbound"
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTransportFailure, err, "连接 RabbitMQ 失败")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeTransportFailure, err, "创建 RabbitMQ channel 失败")
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return nil, xerrors.Wrap(xerrors.CodeTransportFailure, err, "设置 RabbitMQ QOS 失败")
		}
	}
	for _, queue := range []string{inbound, outbound} {
		if _, err := ch.QueueDeclare(queue, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, xerrors.Wrap(xerrors.CodeTransportFailure, err, "声明 RabbitMQ 队列失败")
		}
	}

	o := buildOptions("rabbitmq", opts)
	return &RabbitMQBridge{conn: conn, ch: ch, inbound: inbound, outbound: outbound, logger: o.logger, compressAbove: o.compressAbove}, nil
}

// Publish 将信封发布到 outbound 队列。
func (b *RabbitMQBridge) Publish(ctx context.Context, env mcp.Envelope) error {
	if b == nil || b.ch == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ 桥接未初始化")
	}
	msg, err := publishing(env, b.compressAbove)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ch.PublishWithContext(ctx, "", b.outbound, false, false, msg); err != nil {
		return xerrors.Wrap(xerrors.CodeTransportFailure, err, "RabbitMQ 发布信封失败")
	}
	return nil
}

// publishing 将信封转换为 AMQP 消息，头部字段同时映射到消息属性。
func publishing(env mcp.Envelope, compressAbove int) (amqp.Publishing, error) {
	body, compressed, err := encodeBody(env, compressAbove)
	if err != nil {
		return amqp.Publishing{}, err
	}
	encoding := ""
	if compressed {
		encoding = EncodingZstd
	}
	return amqp.Publishing{
		ContentType:     ContentType,
		ContentEncoding: encoding,
		DeliveryMode:    amqp.Persistent,
		MessageId:       env.Header.MessageID,
		CorrelationId:   env.Header.ContextID,
		Type:            string(env.Header.MessageType),
		AppId:           env.Header.Source,
		Timestamp:       env.Header.Time().Truncate(time.Second),
		Body:            body,
	}, nil
}

// Consume 使用手动确认模式消费 inbound 队列。解析失败的消息直接确认丢弃，
// handler 失败的消息重新入队并结束消费。
func (b *RabbitMQBridge) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if b == nil || b.ch == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ 桥接未初始化")
	}
	if workerCount <= 0 {
		workerCount = 1
	}
	msgs, err := b.ch.Consume(b.inbound, "", false, false, false, false, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeTransportFailure, err, "订阅 RabbitMQ 队列失败")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, workerCount)
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-msgs:
					if !ok {
						return
					}
					if _, handlerErr := deliver(ctx, b.logger, msg.Body, handler); handlerErr != nil {
						_ = msg.Nack(false, true)
						errCh <- handlerErr
						return
					}
					_ = msg.Ack(false)
				}
			}
		}()
	}

	var result error
	select {
	case <-ctx.Done():
		result = ctx.Err()
	case result = <-errCh:
	}
	cancel()
	wg.Wait()
	return result
}

// Close 关闭 RabbitMQ 连接。
func (b *RabbitMQBridge) Close() error {
	if b == nil {
		return nil
	}
	if b.ch != nil {
		_ = b.ch.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

var _ Bridge = (*RabbitMQBridge)(nil)
