package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"mailsync/backend/internal/config"
	"mailsync/backend/internal/domain"
)

// ErrCacheMiss 缓存未命中。
var ErrCacheMiss = errors.New("cache miss")

// Cache Redis 缓存实现，承担账户热数据缓存、追踪 ID 反查缓存
// 与跨进程账户同步锁。
type Cache struct {
	client *goredis.Client
}

// NewCache 创建 Redis 缓存实例。
func NewCache(cfg config.RedisConfig) (*Cache, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Cache{client: client}, nil
}

// ========== 账户缓存 ==========

// CacheAccount 缓存账户信息。
func (c *Cache) CacheAccount(account *domain.Account, ttl time.Duration) error {
	key := fmt.Sprintf("account:%s", account.ID)
	data, err := json.Marshal(account)
	if err != nil {
		return err
	}
	ctx := context.Background()
	return c.client.Set(ctx, key, data, ttl).Err()
}

// GetCachedAccount 获取缓存的账户信息。
func (c *Cache) GetCachedAccount(accountID string) (*domain.Account, error) {
	key := fmt.Sprintf("account:%s", accountID)
	ctx := context.Background()
	data, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, err
	}

	var account domain.Account
	if err := json.Unmarshal([]byte(data), &account); err != nil {
		return nil, err
	}
	return &account, nil
}

// DeleteCachedAccount 删除缓存的账户信息。
func (c *Cache) DeleteCachedAccount(accountID string) error {
	key := fmt.Sprintf("account:%s", accountID)
	return c.client.Del(context.Background(), key).Err()
}

// ========== 追踪缓存 ==========

// CacheTrackingID 缓存追踪 ID 到邮件 ID 的映射。
// 打开信标是热点路径，命中缓存可以跳过数据库反查。
func (c *Cache) CacheTrackingID(trackingID, messageID string, ttl time.Duration) error {
	key := fmt.Sprintf("tracking:%s", trackingID)
	return c.client.Set(context.Background(), key, messageID, ttl).Err()
}

// GetCachedTrackingID 获取追踪 ID 对应的邮件 ID。
func (c *Cache) GetCachedTrackingID(trackingID string) (string, error) {
	key := fmt.Sprintf("tracking:%s", trackingID)
	messageID, err := c.client.Get(context.Background(), key).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return "", ErrCacheMiss
		}
		return "", err
	}
	return messageID, nil
}

// ========== 账户同步锁 ==========

// AcquireSyncLock 用 SET NX 获取跨进程账户锁，带 TTL 防止
// 持有者崩溃后锁永久滞留。
func (c *Cache) AcquireSyncLock(accountID string, ttl time.Duration) (bool, error) {
	key := fmt.Sprintf("synclock:%s", accountID)
	return c.client.SetNX(context.Background(), key, "1", ttl).Result()
}

// ReleaseSyncLock 释放跨进程账户锁。
func (c *Cache) ReleaseSyncLock(accountID string) error {
	key := fmt.Sprintf("synclock:%s", accountID)
	return c.client.Del(context.Background(), key).Err()
}

// Ping 测试 Redis 连接。
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close 关闭 Redis 连接。
func (c *Cache) Close() error {
	return c.client.Close()
}
