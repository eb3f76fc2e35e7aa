package collab

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"boardsync/backend/internal/cache"
)

// lockGrace：Redis 键的物理 TTL 比租约多出的窗口。
// 租约到期后键还活着一小段，ExpireSweep 才有机会观测到过期
// 并广播 reason=expired；读路径以逻辑租约 ExpiresAt 为准。
const lockGrace = 30 * time.Second

// AcquireResult：抢锁失败是稳态流量不是错误，用结果变体表达。
type AcquireResult struct {
	Granted bool `json:"granted"`
	// Granted=true 时是拿到的锁，false 时是当前持有者的锁。
	Lock          *FieldLock `json:"lock,omitempty"`
	CurrentHolder *FieldLock `json:"currentHolder,omitempty"`
}

// FieldLockManager 管理 (itemId, field) 上的互斥编辑租约。
// 正确性完全押在 SETNX 的原子性上：抢占是单次原子写，
// 绝不读-改-写，多实例并发抢同一个 target 不会双赢。
type FieldLockManager struct {
	store      cache.Store
	bcast      Broadcast
	defaultTTL time.Duration
	maxTTL     time.Duration
}

func NewFieldLockManager(store cache.Store, bcast Broadcast, defaultTTL, maxTTL time.Duration) *FieldLockManager {
	return &FieldLockManager{store: store, bcast: bcast, defaultTTL: defaultTTL, maxTTL: maxTTL}
}

func (m *FieldLockManager) clampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return m.defaultTTL
	}
	if ttl > m.maxTTL {
		return m.maxTTL
	}
	return ttl
}

// Acquire 尝试原子抢占。拿到则广播 field_locked；
// 被占则读出当前持有者原样返回（granted=false 是正常结果）。
// 撞上只剩物理宽限期的过期租约时，清掉再补抢一次。
func (m *FieldLockManager) Acquire(ctx context.Context, target Target, holderUserID, holderDisplayName string, ttl time.Duration) AcquireResult {
	ttl = m.clampTTL(ttl)
	now := time.Now()
	lock := FieldLock{
		SchemaVersion:     SchemaVersion,
		Target:            target,
		HolderUserID:      holderUserID,
		HolderDisplayName: holderDisplayName,
		AcquiredAt:        now,
		ExpiresAt:         now.Add(ttl),
	}
	b, err := json.Marshal(lock)
	if err != nil {
		log.Printf("lock marshal failed item=%s field=%s err=%v", target.ItemID, target.Field, err)
		return AcquireResult{}
	}
	key := cache.LockKey(target.ItemID, target.Field)

	for attempt := 0; attempt < 2; attempt++ {
		ok, err := m.store.SetIfNotExists(ctx, key, b, ttl+lockGrace)
		if err != nil {
			// 软失败：存储不可用时按未授予处理，不往上抛
			log.Printf("lock acquire failed item=%s field=%s err=%v", target.ItemID, target.Field, err)
			return AcquireResult{}
		}
		if ok {
			m.bcast.Emit(ItemRoom(target.ItemID), EventFieldLocked, FieldLockedPayload{Lock: lock})
			return AcquireResult{Granted: true, Lock: &lock}
		}

		cur, raw, err := m.read(ctx, key)
		if err != nil {
			if errors.Is(err, cache.ErrNotFound) {
				continue // 持有者刚释放，补抢一次
			}
			log.Printf("lock read failed item=%s field=%s err=%v", target.ItemID, target.Field, err)
			return AcquireResult{}
		}
		if cur.Expired(time.Now()) {
			// 租约已过，只剩宽限期的尸体；按读到的值守卫删除
			// （尸体可能刚被别人清掉重占，不能盲删），然后补抢
			_, _ = m.store.CompareAndDelete(ctx, key, raw)
			continue
		}
		return AcquireResult{CurrentHolder: cur}
	}
	return AcquireResult{}
}

// Release 仅持有者本人可释放；非持有者或无锁时是无广播的 no-op。
// 删除按读到的租约值守卫：校验和删除之间租约可能过期易主，
// 盲删会摘掉新持有者的锁。
func (m *FieldLockManager) Release(ctx context.Context, target Target, holderUserID string) bool {
	key := cache.LockKey(target.ItemID, target.Field)
	cur, raw, err := m.read(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			log.Printf("lock release read failed item=%s field=%s err=%v", target.ItemID, target.Field, err)
		}
		return false
	}
	if cur.HolderUserID != holderUserID || cur.Expired(time.Now()) {
		return false
	}
	removed, err := m.store.CompareAndDelete(ctx, key, raw)
	if err != nil {
		log.Printf("lock release delete failed item=%s field=%s err=%v", target.ItemID, target.Field, err)
		return false
	}
	if !removed {
		return false // 校验后锁已易主或已清掉，别人的锁不动
	}
	m.bcast.Emit(ItemRoom(target.ItemID), EventFieldUnlocked, FieldUnlockedPayload{
		Target:       target,
		HolderUserID: cur.HolderUserID,
		Reason:       UnlockReasonExplicit,
	})
	return true
}

// ReleaseAll 释放某用户持有的全部锁（连接断开时的兜底清理），
// 每把各广播一次 reason=disconnect。
func (m *FieldLockManager) ReleaseAll(ctx context.Context, holderUserID string) {
	keys, err := m.store.Scan(ctx, cache.LockPatternAll())
	if err != nil {
		log.Printf("lock releaseAll scan failed user=%s err=%v", holderUserID, err)
		return
	}
	for _, key := range keys {
		cur, raw, err := m.read(ctx, key)
		if err != nil {
			continue
		}
		if cur.HolderUserID != holderUserID {
			continue
		}
		removed, err := m.store.CompareAndDelete(ctx, key, raw)
		if err != nil {
			log.Printf("lock releaseAll delete failed key=%s err=%v", key, err)
			continue
		}
		if !removed {
			continue // 锁已易主或已被别处清掉
		}
		m.bcast.Emit(ItemRoom(cur.Target.ItemID), EventFieldUnlocked, FieldUnlockedPayload{
			Target:       cur.Target,
			HolderUserID: cur.HolderUserID,
			Reason:       UnlockReasonDisconnect,
		})
	}
}

// ExpireSweep 回收过期租约并广播 reason=expired。
// 删除按读到的值守卫：两个实例同时清扫，只有真正删掉键的那个广播。
func (m *FieldLockManager) ExpireSweep(ctx context.Context) {
	keys, err := m.store.Scan(ctx, cache.LockPatternAll())
	if err != nil {
		log.Printf("lock sweep scan failed err=%v", err)
		return
	}
	now := time.Now()
	for _, key := range keys {
		cur, raw, err := m.read(ctx, key)
		if err != nil {
			continue // 已被释放
		}
		if !cur.Expired(now) {
			continue
		}
		removed, err := m.store.CompareAndDelete(ctx, key, raw)
		if err != nil {
			log.Printf("lock sweep delete failed key=%s err=%v", key, err)
			continue
		}
		if !removed {
			continue // 另一个清扫实例赢了，它去广播
		}
		m.bcast.Emit(ItemRoom(cur.Target.ItemID), EventFieldUnlocked, FieldUnlockedPayload{
			Target:       cur.Target,
			HolderUserID: cur.HolderUserID,
			Reason:       UnlockReasonExpired,
		})
	}
}

func (m *FieldLockManager) read(ctx context.Context, key string) (*FieldLock, []byte, error) {
	b, err := m.store.Get(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	var lock FieldLock
	if err := json.Unmarshal(b, &lock); err != nil {
		return nil, nil, err
	}
	return &lock, b, nil
}
