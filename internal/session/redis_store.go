package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "AI-Orchestra/internal/errors"
)

// RedisStoreConfig 描述 Redis 会话存储的连接参数。
type RedisStoreConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

// RedisStore 把每个会话整体 JSON 编码后存为一个带 TTL 的键。
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisStore 创建 Redis 会话存储并验证连通性。
func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "orchestra:sessions"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl, now: time.Now}, nil
}

func (s *RedisStore) key(id string) string {
	return s.prefix + ":" + id
}

// Get 返回会话。
func (s *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	raw, err := s.client.Get(ctx, s.key(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取会话失败")
	}
	var stored Session
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解码会话失败")
	}
	return &stored, nil
}

// Append 追加消息并刷新 TTL，会话不存在时自动建档。
func (s *RedisStore) Append(ctx context.Context, id string, msg Message) error {
	stored, err := s.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		stored = &Session{ID: id, CreatedAt: s.now().UTC()}
	} else if err != nil {
		return err
	}
	stored.Messages = append(stored.Messages, msg)

	encoded, err := json.Marshal(stored)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码会话失败")
	}
	if err := s.client.Set(ctx, s.key(id), encoded, s.ttl).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入会话失败")
	}
	return nil
}

// Delete 删除会话。
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	removed, err := s.client.Del(ctx, s.key(id)).Result()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除会话失败")
	}
	if removed == 0 {
		return ErrNotFound
	}
	return nil
}

// Stats 扫描前缀下的全部会话键做规模统计。
// 只用于低频的状态接口，可以接受 SCAN 的开销。
func (s *RedisStore) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	iter := s.client.Scan(ctx, 0, s.prefix+":*", 0).Iterator()
	for iter.Next(ctx) {
		stats.ActiveSessions++
		raw, err := s.client.Get(ctx, iter.Val()).Result()
		if err != nil {
			continue
		}
		var stored Session
		if err := json.Unmarshal([]byte(raw), &stored); err != nil {
			continue
		}
		stats.TotalMessages += len(stored.Messages)
	}
	if err := iter.Err(); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "扫描会话失败")
	}
	return stats, nil
}

// Close 释放连接。
func (s *RedisStore) Close() error {
	return s.client.Close()
}
