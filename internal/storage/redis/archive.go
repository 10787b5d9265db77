package redis

import (
	"context"
	"strings"
	"time"

	xerrors "AAHB-Assistant/internal/errors"
	"AAHB-Assistant/internal/mcp"

	"github.com/redis/go-redis/v9"
)

// Config 描述 Redis 归档的连接参数。
type Config struct {
	Address  string        `yaml:"address"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
}

// Archive 将每个会话的信封保存在 Redis list 中。
type Archive struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// Open 创建 Redis 归档并检查连接。
func Open(ctx context.Context, cfg Config) (*Archive, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	return newArchive(client, cfg), nil
}

func newArchive(client *redis.Client, cfg Config) *Archive {
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = "aahb:context"
	}
	return &Archive{client: client, prefix: prefix, ttl: cfg.TTL}
}

func (a *Archive) historyKey(contextID string) string {
	return a.prefix + ":" + contextID + ":history"
}

func (a *Archive) idsKey(contextID string) string {
	return a.prefix + ":" + contextID + ":ids"
}

// Save 追加信封，message_id 已归档时忽略。
func (a *Archive) Save(ctx context.Context, env mcp.Envelope) error {
	if env.Header.MessageID == "" || env.Header.ContextID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "归档信封缺少 message_id 或 context_id")
	}
	body, err := mcp.EncodeBinary(env)
	if err != nil {
		return err
	}

	idsKey := a.idsKey(env.Header.ContextID)
	added, err := a.client.SAdd(ctx, idsKey, env.Header.MessageID).Result()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录归档消息 ID 失败")
	}
	if added == 0 {
		return nil
	}

	historyKey := a.historyKey(env.Header.ContextID)
	pipe := a.client.TxPipeline()
	pipe.RPush(ctx, historyKey, body)
	if a.ttl > 0 {
		pipe.Expire(ctx, historyKey, a.ttl)
		pipe.Expire(ctx, idsKey, a.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 Redis 归档失败")
	}
	return nil
}

// List 返回会话最近的 limit 条信封。
func (a *Archive) List(ctx context.Context, contextID string, limit int) ([]mcp.Envelope, error) {
	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	values, err := a.client.LRange(ctx, a.historyKey(contextID), start, -1).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 Redis 归档失败")
	}
	history := make([]mcp.Envelope, 0, len(values))
	for _, value := range values {
		env, err := mcp.DecodeBinary([]byte(value))
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 Redis 归档失败")
		}
		history = append(history, env)
	}
	return history, nil
}

// Close 关闭 Redis 连接。
func (a *Archive) Close() error {
	if a == nil || a.client == nil {
		return nil
	}
	return a.client.Close()
}
