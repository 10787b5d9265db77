package bridge

import (
	"context"
	"errors"
	"log/slog"
	"time"

	xerrors "AAHB-Assistant/internal/errors"
	"AAHB-Assistant/internal/mcp"

	"github.com/redis/go-redis/v9"
)

// RedisConfig 描述 Redis 桥接的连接参数。
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// Inbound 是本进程消费的 list，Outbound 是发布给远端智能体的 list。
	Inbound   string        `yaml:"inbound"`
	Outbound  string        `yaml:"outbound"`
	BlockWait time.Duration `yaml:"block_wait"`
}

// RedisBridge 使用 Redis list（LPUSH/BRPOP）传递二进制编码的信封。
type RedisBridge struct {
	client   *redis.Client
	inbound  string
	outbound string
	wait     time.Duration
	logger   *slog.Logger

	compressAbove int
}

// NewRedisBridge 创建 Redis 桥接实例并检查连接。
func NewRedisBridge(cfg RedisConfig, opts ...Option) (*RedisBridge, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeTransportFailure, err, "连接 Redis 失败")
	}
	return newRedisBridge(client, cfg, opts...), nil
}

func newRedisBridge(client *redis.Client, cfg RedisConfig, opts ...Option) *RedisBridge {
	inbound := cfg.Inbound
	if inbound == "" {
		inbound = "aahb:inbound"
	}
	outbound := cfg.Outbound
	if outbound == "" {
		outbound = "aahb:outbound"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	o := buildOptions("redis", opts)
	return &RedisBridge{client: client, inbound: inbound, outbound: outbound, wait: wait, logger: o.logger, compressAbove: o.compressAbove}
}

// Publish 将信封编码后推入 outbound list。
func (b *RedisBridge) Publish(ctx context.Context, env mcp.Envelope) error {
	body, _, err := encodeBody(env, b.compressAbove)
	if err != nil {
		return err
	}
	if err := b.client.LPush(ctx, b.outbound, body).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeTransportFailure, err, "Redis 发布信封失败")
	}
	return nil
}

// Consume 通过 BRPOP 从 inbound list 获取信封。handler 失败时信封被放回队尾并结束消费。
func (b *RedisBridge) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			for {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				default:
				}
				values, err := b.client.BRPop(ctx, b.wait, b.inbound).Result()
				if err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
						errCh <- err
						return
					}
					if errors.Is(err, redis.Nil) {
						continue
					}
					errCh <- xerrors.Wrap(xerrors.CodeTransportFailure, err, "Redis 取信封失败")
					return
				}
				if len(values) != 2 {
					continue
				}
				body := []byte(values[1])
				if decoded, handlerErr := deliver(ctx, b.logger, body, handler); decoded && handlerErr != nil {
					if err := b.client.RPush(context.Background(), b.inbound, body).Err(); err != nil {
						b.logger.Error("信封放回 Redis 失败", slog.Any("error", err))
					}
					errCh <- handlerErr
					return
				}
			}
		}()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Close 关闭 Redis 连接。
func (b *RedisBridge) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}

var _ Bridge = (*RedisBridge)(nil)
