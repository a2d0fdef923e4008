package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Mieluoxxx/cvp-standby/internal/models"
	rdb "github.com/redis/go-redis/v9"
)

// Stream 名称后缀
const (
	StreamFailover  = "failover-events"
	StreamAuthority = "authority"
	StreamAlerts    = "alerts"
)

// streamClient RedisPublisher 用到的 go-redis 方法
type streamClient interface {
	XAdd(ctx context.Context, a *rdb.XAddArgs) *rdb.StringCmd
	Ping(ctx context.Context) *rdb.StatusCmd
	Close() error
}

// RedisOptions Redis 发布器参数
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string // stream 名前缀
	MaxLen   int64  // 每个 stream 的近似最大长度，0 表示不裁剪
}

// RedisPublisher 通过 Redis Streams 发布通知
type RedisPublisher struct {
	c      streamClient
	prefix string
	maxLen int64
}

// NewRedisPublisher 创建 Redis 发布器
func NewRedisPublisher(opts RedisOptions) *RedisPublisher {
	client := rdb.NewClient(&rdb.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return newRedisPublisher(client, opts.Prefix, opts.MaxLen)
}

func newRedisPublisher(c streamClient, prefix string, maxLen int64) *RedisPublisher {
	if prefix == "" {
		prefix = "cvp-standby"
	}
	return &RedisPublisher{c: c, prefix: prefix, maxLen: maxLen}
}

// Ping 检查 Redis 连接
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.c.Ping(ctx).Err()
}

// PublishFailover 发布切换事件
func (p *RedisPublisher) PublishFailover(ctx context.Context, event *models.FailoverEvent) error {
	return p.add(ctx, StreamFailover, "failover", event)
}

// PublishAuthority 发布配置权变更
func (p *RedisPublisher) PublishAuthority(ctx context.Context, change AuthorityChange) error {
	return p.add(ctx, StreamAuthority, "authority", change)
}

// PublishAlert 发布告警
func (p *RedisPublisher) PublishAlert(ctx context.Context, alert Alert) error {
	return p.add(ctx, StreamAlerts, alert.Level, alert)
}

// Close 关闭连接
func (p *RedisPublisher) Close() error {
	return p.c.Close()
}

// StreamName 返回带前缀的 stream 名
func (p *RedisPublisher) StreamName(suffix string) string {
	return p.prefix + ":" + suffix
}

func (p *RedisPublisher) add(ctx context.Context, stream, kind string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("序列化通知失败: %w", err)
	}

	args := &rdb.XAddArgs{
		Stream: p.StreamName(stream),
		Values: map[string]any{
			"kind":    kind,
			"payload": string(body),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}

	if err := p.c.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("写入 %s 失败: %w", args.Stream, err)
	}
	return nil
}
