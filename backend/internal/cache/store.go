package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// ErrNotFound 表示键不存在（或已过期被 Redis 回收）。
var ErrNotFound = errors.New("cache: key not found")

// Store 是协作核心对共享存储的全部要求。
// 组件层只依赖这个接口，不直接接触 redis 客户端，
// 这样多实例部署时的正确性只押在存储的原子原语上（SETNX / INCR），
// 进程内永远不缓存可变状态。
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetIfNotExists 原子创建，键已存在时返回 false。锁抢占的唯一入口。
	SetIfNotExists(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	// DeleteExisting 删除并报告键是否由本次调用真正移除（DEL 计数）。
	// 多实例并发清理同一个键时只有一个调用方拿到 true，
	// 广播跟着 true 走才能保证每条恰好一次。
	DeleteExisting(ctx context.Context, key string) (bool, error)
	// CompareAndDelete 仅当存储值与 expected 完全一致时删除，
	// GET+DEL 在服务端原子执行。释放租约必须走这里：
	// 读到的租约随时可能过期易主，普通 DEL 会误删新持有者的键。
	CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error)
	Scan(ctx context.Context, pattern string) ([]string, error)
	// Incr 返回递增后的值，用作操作日志的到达序号；
	// 每次调用都重设 ttl，计数器随最后一条日志一起过期，不会无限堆积。
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// redisStore 是基于 go-redis 的 Store 实现。
type redisStore struct {
	rdb *redis.Client
}

func NewRedisStore(redisURL string) (Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &redisStore{rdb: client}, nil
}

// NewRedisStoreWithClient 复用已有连接（测试用 miniredis 时走这里）。
func NewRedisStoreWithClient(client *redis.Client) Store {
	return &redisStore{rdb: client}
}

func (s *redisStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return b, nil
}

func (s *redisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *redisStore) SetIfNotExists(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return ok, nil
}

func (s *redisStore) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("del %s: %w", key, err)
	}
	return nil
}

func (s *redisStore) DeleteExisting(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Del(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("del %s: %w", key, err)
	}
	return n > 0, nil
}

var compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (s *redisStore) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	n, err := compareAndDeleteScript.Run(ctx, s.rdb, []string{key}, expected).Int64()
	if err != nil {
		return false, fmt.Errorf("compare-and-delete %s: %w", key, err)
	}
	return n > 0, nil
}

func (s *redisStore) Scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", pattern, err)
	}
	return keys, nil
}

func (s *redisStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := s.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	return incr.Val(), nil
}
