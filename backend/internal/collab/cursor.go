package collab

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"boardsync/backend/internal/cache"
)

// CursorBroadcaster 转发光标/选区这类高频、可丢的瞬态数据。
// 没有冲突语义，后写覆盖；TTL 比 presence 短（丢了代价低）。
type CursorBroadcaster struct {
	store cache.Store
	bcast Broadcast
	ttl   time.Duration
}

func NewCursorBroadcaster(store cache.Store, bcast Broadcast, ttl time.Duration) *CursorBroadcaster {
	return &CursorBroadcaster{store: store, bcast: bcast, ttl: ttl}
}

// Update 写入光标状态并做两级扇出：
// - 文档房间收粗粒度 x/y（头像条 / minimap 视角）
// - 带 itemId 时条目房间再收一条，含 field/selection（字段内光标渲染）
// 两个受众需要的精度不同，所以故意发两次。
// 发起者自己不用回显，按 connectionId 排除。
func (c *CursorBroadcaster) Update(ctx context.Context, sess Session, cursor CursorState) error {
	cursor.SchemaVersion = SchemaVersion
	cursor.UserID = sess.UserID
	cursor.DocumentID = sess.DocumentID
	cursor.UpdatedAt = time.Now()

	b, err := json.Marshal(cursor)
	if err != nil {
		return err
	}
	key := cache.CursorKey(cursor.DocumentID, cursor.UserID)
	if err := c.store.Set(ctx, key, b, c.ttl); err != nil {
		// 软失败：光标丢一拍没关系，广播照发
		log.Printf("cursor store failed doc=%s user=%s err=%v", cursor.DocumentID, cursor.UserID, err)
	}

	docPayload := CursorPayload{Cursor: CursorState{
		SchemaVersion: cursor.SchemaVersion,
		UserID:        cursor.UserID,
		DocumentID:    cursor.DocumentID,
		X:             cursor.X,
		Y:             cursor.Y,
		UpdatedAt:     cursor.UpdatedAt,
	}}
	c.bcast.EmitExcept(DocRoom(cursor.DocumentID), EventCursorUpdated, docPayload, sess.ConnectionID)

	if cursor.ItemID != "" {
		c.bcast.EmitExcept(ItemRoom(cursor.ItemID), EventItemCursorUpdated, CursorPayload{Cursor: cursor}, sess.ConnectionID)
	}
	return nil
}
