package collab

import (
	"context"
	"time"
)

// Sweeper 周期性驱动 presence 和锁的过期清扫。
// 多实例同时跑也安全：删除按存储里的值原子守卫，
// 同一条目只有删成功的实例广播。
type Sweeper struct {
	presence *PresenceRegistry
	locks    *FieldLockManager
	interval time.Duration
}

func NewSweeper(presence *PresenceRegistry, locks *FieldLockManager, interval time.Duration) *Sweeper {
	return &Sweeper{presence: presence, locks: locks, interval: interval}
}

// Run 阻塞直到 ctx 取消，调用方自行 go 出去。
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.presence.ExpireSweep(ctx)
			s.locks.ExpireSweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}
