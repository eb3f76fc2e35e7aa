package collab

// Broadcast 是协作核心对外部广播通道的全部要求。
// ws.Hub 是进程内实现（带 Redis Pub/Sub 跨实例转发）。
type Broadcast interface {
	Emit(room, event string, payload any)
	// EmitExcept 跳过指定连接（比如光标更新不用回显给发起者）。
	EmitExcept(room, event string, payload any, excludeConnectionID string)
}

// 房间命名：文档级粗粒度一个房间，条目级细粒度一个房间。
func DocRoom(docID string) string   { return "doc:" + docID }
func ItemRoom(itemID string) string { return "item:" + itemID }

// 广播事件名（对外事件表）
const (
	EventPresenceUpdated   = "presence_updated"
	EventPresenceLeft      = "presence_left"
	EventCursorUpdated     = "cursor_updated"
	EventItemCursorUpdated = "item_cursor_updated"
	EventFieldLocked       = "field_locked"
	EventFieldUnlocked     = "field_unlocked"
	EventOperationApplied  = "operation_applied"
)

// 解锁原因：显式释放 / 连接断开 / 租约到期。
// 三种都回到同样的未锁定状态，区别只影响下游的 UX 文案。
const (
	UnlockReasonExplicit   = "explicit"
	UnlockReasonDisconnect = "disconnect"
	UnlockReasonExpired    = "expired"
)

// PresenceUpdatedPayload：join/refresh 时广播完整花名册 + 触发者摘要。
type PresenceUpdatedPayload struct {
	DocumentID string    `json:"documentId"`
	Roster     []Session `json:"roster"`
	Joined     *Session  `json:"joined,omitempty"`
}

// PresenceLeftPayload：显式离开或 TTL 清扫，各广播一次。
type PresenceLeftPayload struct {
	DocumentID string `json:"documentId"`
	UserID     string `json:"userId"`
	Expired    bool   `json:"expired"`
}

// CursorPayload 文档级（粗粒度 x/y）与条目级（含 field/selection）共用。
type CursorPayload struct {
	Cursor CursorState `json:"cursor"`
}

type FieldLockedPayload struct {
	Lock FieldLock `json:"lock"`
}

type FieldUnlockedPayload struct {
	Target       Target `json:"target"`
	HolderUserID string `json:"holderUserId"`
	Reason       string `json:"reason"` // explicit / disconnect / expired
}

type OperationAppliedPayload struct {
	Operation Operation  `json:"operation"`
	Conflicts []Conflict `json:"conflicts"`
}
