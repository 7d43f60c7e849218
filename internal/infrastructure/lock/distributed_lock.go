package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

var ErrLockFailed = errors.New("获取分布式锁失败")

// DistributedLock 基于 Redis SETNX 的分布式锁
//
// 加锁：SET key value NX EX timeout
//   - NX 保证互斥，EX 防止持有者崩溃后死锁
//   - value 记录持有者标识，释放时校验，避免误删别人的锁
//
// 释放：Lua 脚本保证"校验 value + 删除 key"的原子性
type DistributedLock struct {
	client     *redis.Client
	key        string
	value      string
	expiration time.Duration
}

// NewDistributedLock 创建分布式锁
func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock 尝试获取锁（非阻塞）
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	success, err := l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
	if err != nil {
		return false, err
	}
	return success, nil
}

// Lock 阻塞式获取锁（带重试）
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
			// 继续重试
		}
	}
	return ErrLockFailed
}

// Unlock 释放锁，只删除自己持有的锁
func (l *DistributedLock) Unlock(ctx context.Context) error {
	script := `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`
	_, err := l.client.Eval(ctx, script, []string{l.key}, l.value).Result()
	return err
}

// NewRmaLock 创建退货单锁（按单据维度）
// 同一张退货单的转移请求跨实例串行化；不同退货单互不影响
func NewRmaLock(client *redis.Client, rmaNo string, ttl time.Duration) *DistributedLock {
	key := fmt.Sprintf("rma:lock:%s", rmaNo)
	return NewDistributedLock(client, key, uuid.NewString(), ttl)
}

// NewCreditNumberLock 创建贷记单编号锁（全局一把）
// 编号必须严格递增且不重复，扫描-加一-写入期间不允许并发
// 编号段只有一个，这里用全局锁是刻意的
func NewCreditNumberLock(client *redis.Client, ttl time.Duration) *DistributedLock {
	return NewDistributedLock(client, "credit:number:lock", uuid.NewString(), ttl)
}
