package ws

import (
	"boardsync/backend/internal/collab"
)

// ClientMessage 是入站帧的统一信封，按 Type 分发。
type ClientMessage struct {
	Type       string `json:"type"`
	DocumentID string `json:"documentId,omitempty"`
	ItemID     string `json:"itemId,omitempty"`
	Field      string `json:"field,omitempty"`

	// cursor_update
	X         float64           `json:"x,omitempty"`
	Y         float64           `json:"y,omitempty"`
	Selection *collab.Selection `json:"selection,omitempty"`

	// lock_field：租期毫秒，0 走服务端默认
	DurationMS int64 `json:"durationMs,omitempty"`

	// update_state
	CustomState map[string]any `json:"customState,omitempty"`

	// operation：authorUserId / issuedAt 由服务端填，客户端给了也覆盖
	Operation *collab.Operation `json:"operation,omitempty"`
}

// EventMessage 是广播到房间的出站帧（Hub 统一格式）。
type EventMessage struct {
	Type    string `json:"type"`
	Room    string `json:"room,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

func (m EventMessage) MessageType() string { return m.Type }

// ServerMessage 是只发给当前连接的直达帧（ack / 错误 / 查询结果）。
type ServerMessage struct {
	Type       string                  `json:"type"`
	DocumentID string                  `json:"documentId,omitempty"`
	Content    string                  `json:"content,omitempty"`
	Roster     []collab.Session        `json:"roster,omitempty"`
	Lock       *collab.AcquireResult   `json:"lock,omitempty"`
	Released   *bool                   `json:"released,omitempty"`
	Result     *collab.TransformResult `json:"result,omitempty"`
}

func (m ServerMessage) MessageType() string { return m.Type }

// OutboundMessage：出站帧的公共接口。
type OutboundMessage interface {
	MessageType() string
}
