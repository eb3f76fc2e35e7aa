package collab

import "time"

// SchemaVersion 写进每条缓存记录里，后续格式变更时按版本迁移，
// 避免老实例读到新格式直接反序列化失败。
const SchemaVersion = 1

// Target 定位一个可编辑字段：某个条目上的某个字段。
type Target struct {
	ItemID string `json:"itemId"`
	Field  string `json:"field"`
}

// Session 是一条在线会话（花名册条目），键是 (documentId, userId)。
// 同一用户开多个标签页只占一条记录，元数据按最后写入为准
// （避免头像重复显示；多连接细节见 ConnectionID 注释）。
type Session struct {
	SchemaVersion int    `json:"schemaVersion"`
	UserID        string `json:"userId"`
	DocumentID    string `json:"documentId"`
	DisplayName   string `json:"displayName"`
	AvatarRef     string `json:"avatarRef,omitempty"`
	// 最近一次刷新该记录的连接。同用户其他连接的 id 会被覆盖掉。
	ConnectionID string         `json:"connectionId"`
	CustomState  map[string]any `json:"customState,omitempty"`
	LastSeenAt   time.Time      `json:"lastSeenAt"`
}

// Expired 判断逻辑过期：lastSeenAt + ttl < now。
func (s *Session) Expired(ttl time.Duration, now time.Time) bool {
	return s.LastSeenAt.Add(ttl).Before(now)
}

// Selection 是字段内的选区 [start, end)。
type Selection struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// CursorState 短 TTL、每次整体覆盖，不留历史。
type CursorState struct {
	SchemaVersion int        `json:"schemaVersion"`
	UserID        string     `json:"userId"`
	DocumentID    string     `json:"documentId"`
	X             float64    `json:"x"`
	Y             float64    `json:"y"`
	ItemID        string     `json:"itemId,omitempty"`
	Field         string     `json:"field,omitempty"`
	Selection     *Selection `json:"selection,omitempty"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// FieldLock 是 (itemId, field) 上的短租约编辑锁。
// 不变量：任一时刻同一个 target 至多一把活锁。
type FieldLock struct {
	SchemaVersion     int       `json:"schemaVersion"`
	Target            Target    `json:"target"`
	HolderUserID      string    `json:"holderUserId"`
	HolderDisplayName string    `json:"holderDisplayName"`
	AcquiredAt        time.Time `json:"acquiredAt"`
	ExpiresAt         time.Time `json:"expiresAt"`
}

func (l *FieldLock) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// 操作类型
const (
	OpInsert = "insert"
	OpDelete = "delete"
	OpRetain = "retain"
	OpUpdate = "update"
)

// Operation 追加进日志后不可变；ID 用于重传去重。
// IssuedAt 用毫秒时间戳，比较并发窗口用。
type Operation struct {
	SchemaVersion int    `json:"schemaVersion"`
	ID            string `json:"id"`
	Type          string `json:"type"` // insert / delete / retain / update
	Target        Target `json:"target"`
	Position      int    `json:"position,omitempty"`
	Content       string `json:"content,omitempty"`
	Length        int    `json:"length,omitempty"`
	AuthorUserID  string `json:"authorUserId"`
	ClientID      string `json:"clientId"`
	IssuedAt      int64  `json:"issuedAt"` // unix 毫秒
}

// 冲突类型：目前只有并发编辑一种，保留字符串形式便于扩展。
const ConflictConcurrentEdit = "concurrent_edit"

// Conflict 是建议性标记，不阻止操作生效；
// 下游可以做人工合并或 "last delete wins" 的 UI 处理。
type Conflict struct {
	Type      string    `json:"type"`
	Operation Operation `json:"operation"`
}

// TransformResult：变换后的操作一定会被应用，conflicts 只是提示。
type TransformResult struct {
	TransformedOperation Operation  `json:"transformedOperation"`
	Conflicts            []Conflict `json:"conflicts"`
}
