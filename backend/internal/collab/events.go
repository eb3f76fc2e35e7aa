package collab

import "time"

// OpAppliedEvent 是发往 Kafka 的操作落地事件，供核心之外的
// 消费者（自动化规则、审计）订阅；按 itemId 作 key 保证
// 同一条目的事件落在同一分区、有序消费。
type OpAppliedEvent struct {
	EventType  string     `json:"eventType"` // 固定 "OP_APPLIED"
	DocumentID string     `json:"documentId,omitempty"`
	ItemID     string     `json:"itemId"`
	Field      string     `json:"field"`
	Operation  Operation  `json:"operation"`
	Conflicts  []Conflict `json:"conflicts,omitempty"`
	AppliedAt  time.Time  `json:"appliedAt"`
}
