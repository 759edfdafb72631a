package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	xerrors "AgentHive/internal/errors"
	"AgentHive/pkg/logger"
)

// RedisBusConfig 描述 Redis 事件总线的连接参数。
type RedisBusConfig struct {
	Address  string
	Password string
	DB       int
	Channel  string
}

// RedisBus 基于 Redis PUB/SUB 实现跨进程的事件广播。
// 与 MemoryBus 相同，投递是尽力而为的：订阅者离线期间的事件不会补发。
type RedisBus struct {
	client  *redis.Client
	channel string
	log     *slog.Logger

	mu     sync.Mutex
	closed bool
}

// NewRedisBus 创建 Redis 事件总线。
func NewRedisBus(cfg RedisBusConfig) (*RedisBus, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	channel := cfg.Channel
	if channel == "" {
		channel = "agenthive:events"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接 Redis 失败")
	}
	return &RedisBus{
		client:  client,
		channel: channel,
		log:     logger.Named("bus.redis"),
	}, nil
}

// Publish 将事件序列化后发布到 Redis 频道。
func (b *RedisBus) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return xerrors.Wrap(CodeBusPublish, err, "序列化事件失败")
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return xerrors.Wrap(CodeBusPublish, err, "发布事件到 Redis 失败")
	}
	return nil
}

// Subscribe 订阅事件频道，转发循环随订阅关闭或 ctx 取消而退出。
func (b *RedisBus) Subscribe(ctx context.Context) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, xerrors.New(CodeBusClosed, "redis bus 已关闭")
	}
	b.mu.Unlock()

	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, xerrors.Wrap(CodeBusPublish, err, "订阅 Redis 频道失败")
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		ch:     make(chan Event, defaultSubscriberBuffer),
	}
	go sub.forward(b.log)
	return sub, nil
}

// Close 关闭 Redis 连接。
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.client.Close()
}

type redisSubscription struct {
	pubsub *redis.PubSub
	ch     chan Event
	once   sync.Once
}

func (s *redisSubscription) C() <-chan Event { return s.ch }

// Close 取消订阅。
func (s *redisSubscription) Close() {
	s.once.Do(func() {
		_ = s.pubsub.Close()
	})
}

// forward 把 Redis 消息解码并转发到订阅通道。
func (s *redisSubscription) forward(log *slog.Logger) {
	defer close(s.ch)
	for msg := range s.pubsub.Channel() {
		var event Event
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			log.Warn("解析事件失败", slog.Any("error", err))
			continue
		}
		select {
		case s.ch <- event:
		default:
			log.Warn("订阅者缓冲已满，丢弃事件", slog.String("task_id", event.TaskID))
		}
	}
}

var _ Bus = (*RedisBus)(nil)
