package collab

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sort"
	"time"

	"boardsync/backend/internal/cache"
)

// PresenceRegistry 维护每个文档的在线花名册。
// 记录的权威过期判断是逻辑的（lastSeenAt + TTL），Redis 自身的 TTL
// 只作为兜底（3 倍逻辑 TTL），留出清扫窗口让 ExpireSweep 能看到
// 过期条目并广播离开事件；直接依赖 Redis 过期会把事件吞掉。
type PresenceRegistry struct {
	store cache.Store
	bcast Broadcast
	ttl   time.Duration
}

func NewPresenceRegistry(store cache.Store, bcast Broadcast, ttl time.Duration) *PresenceRegistry {
	return &PresenceRegistry{store: store, bcast: bcast, ttl: ttl}
}

func (p *PresenceRegistry) safetyTTL() time.Duration { return p.ttl * 3 }

// Join 以 (documentId, userId) 为键 upsert 会话并返回当前完整花名册。
// 同一用户的多条连接共用一条记录，后写覆盖（last-write-wins）。
// 广播 presence_updated（完整花名册 + 加入者摘要）。
func (p *PresenceRegistry) Join(ctx context.Context, sess Session) ([]Session, error) {
	sess.SchemaVersion = SchemaVersion
	sess.LastSeenAt = time.Now()

	b, err := json.Marshal(sess)
	if err != nil {
		return nil, err
	}
	key := cache.SessionKey(sess.DocumentID, sess.UserID)
	if err := p.store.Set(ctx, key, b, p.safetyTTL()); err != nil {
		// 软失败：店面不可用时登记失败，但不往网关层抛
		log.Printf("presence join failed doc=%s user=%s err=%v", sess.DocumentID, sess.UserID, err)
		return nil, err
	}

	roster, err := p.Roster(ctx, sess.DocumentID)
	if err != nil {
		return nil, err
	}
	p.bcast.Emit(DocRoom(sess.DocumentID), EventPresenceUpdated, PresenceUpdatedPayload{
		DocumentID: sess.DocumentID,
		Roster:     roster,
		Joined:     &sess,
	})
	return roster, nil
}

// Refresh 延长 TTL 并替换 customState（nil 表示保持不变）。
// 不改变花名册形状，所以不重新广播（合并心跳风暴）。
// 条目不存在时不凭空创建，那是 Join 的职责。
func (p *PresenceRegistry) Refresh(ctx context.Context, docID, userID string, customState map[string]any) error {
	key := cache.SessionKey(docID, userID)
	b, err := p.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil
		}
		log.Printf("presence refresh failed doc=%s user=%s err=%v", docID, userID, err)
		return err
	}
	var sess Session
	if err := json.Unmarshal(b, &sess); err != nil {
		log.Printf("presence refresh: bad session record doc=%s user=%s err=%v", docID, userID, err)
		return err
	}
	sess.LastSeenAt = time.Now()
	if customState != nil {
		sess.CustomState = customState
	}
	nb, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	if err := p.store.Set(ctx, key, nb, p.safetyTTL()); err != nil {
		log.Printf("presence refresh failed doc=%s user=%s err=%v", docID, userID, err)
		return err
	}
	return nil
}

// Leave 显式移除并广播离开事件。
// 只有真正删掉键的调用方广播：和并发清扫或重复 leave 赛跑时，
// DEL 计数为零的一方安静退出，离开事件不翻倍。
func (p *PresenceRegistry) Leave(ctx context.Context, docID, userID string) error {
	key := cache.SessionKey(docID, userID)
	removed, err := p.store.DeleteExisting(ctx, key)
	if err != nil {
		log.Printf("presence leave failed doc=%s user=%s err=%v", docID, userID, err)
		return err
	}
	if !removed {
		return nil // 已经不在了，不重复广播
	}
	p.bcast.Emit(DocRoom(docID), EventPresenceLeft, PresenceLeftPayload{
		DocumentID: docID,
		UserID:     userID,
	})
	return nil
}

// Roster 返回文档当前的在线花名册（逻辑未过期的会话），按 userId 排序。
func (p *PresenceRegistry) Roster(ctx context.Context, docID string) ([]Session, error) {
	keys, err := p.store.Scan(ctx, cache.SessionPattern(docID))
	if err != nil {
		log.Printf("presence roster scan failed doc=%s err=%v", docID, err)
		return nil, err
	}
	now := time.Now()
	roster := make([]Session, 0, len(keys))
	for _, key := range keys {
		b, err := p.store.Get(ctx, key)
		if err != nil {
			continue // 清扫和读取并发，条目消失属正常
		}
		var sess Session
		if err := json.Unmarshal(b, &sess); err != nil {
			log.Printf("presence roster: bad session record key=%s err=%v", key, err)
			continue
		}
		if sess.Expired(p.ttl, now) {
			continue
		}
		roster = append(roster, sess)
	}
	sort.Slice(roster, func(i, j int) bool { return roster[i].UserID < roster[j].UserID })
	return roster, nil
}

// ExpireSweep 清理 lastSeenAt+TTL < now 的会话，每条恰好广播一次离开事件。
// 删除按读到的值守卫：多个实例同时清扫同一条目，只有删成功的广播；
// 判定和删除之间条目被心跳刷新的话，校验失败，活会话不受波及。
func (p *PresenceRegistry) ExpireSweep(ctx context.Context) {
	keys, err := p.store.Scan(ctx, cache.SessionPattern("*"))
	if err != nil {
		log.Printf("presence sweep scan failed err=%v", err)
		return
	}
	now := time.Now()
	for _, key := range keys {
		b, err := p.store.Get(ctx, key)
		if err != nil {
			continue // 已被别处移除
		}
		var sess Session
		if err := json.Unmarshal(b, &sess); err != nil {
			log.Printf("presence sweep: bad session record key=%s err=%v", key, err)
			continue
		}
		if !sess.Expired(p.ttl, now) {
			continue
		}
		removed, err := p.store.CompareAndDelete(ctx, key, b)
		if err != nil {
			log.Printf("presence sweep delete failed key=%s err=%v", key, err)
			continue
		}
		if !removed {
			continue // 别的实例先清掉了，或条目刚被刷新
		}
		p.bcast.Emit(DocRoom(sess.DocumentID), EventPresenceLeft, PresenceLeftPayload{
			DocumentID: sess.DocumentID,
			UserID:     sess.UserID,
			Expired:    true,
		})
	}
}
