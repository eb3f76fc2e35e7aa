package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"
	"unicode/utf8"

	"boardsync/backend/internal/cache"
)

// ErrUnknownField：操作引用的 (itemId, field) 在底层文档里不存在。
// 这是硬错误：拒绝该操作、不进日志，让客户端重新同步而不是悄悄漂移。
var ErrUnknownField = errors.New("collab: unknown item field")

// FieldCatalog 回答某个条目字段是否真实存在（底层实体在 MySQL 里）。
type FieldCatalog interface {
	FieldExists(ctx context.Context, itemID, field string) (bool, error)
}

// logRecord 是日志里的一条持久记录：到达序号 + 当时算出的变换结果。
// 结果一起存，重传同一个 op.ID 时才能原样返回（幂等）。
type logRecord struct {
	SchemaVersion int             `json:"schemaVersion"`
	Seq           int64           `json:"seq"` // 到达序号，日志内排序用
	Result        TransformResult `json:"result"`
}

// OperationTransformer 维护每个 (itemId, field) 的追加日志，
// 并把并发编辑折叠成一个一致的顺序。
//
// 日志顺序是“到达顺序”（INCR 序号），不是全局因果序：两个实例
// 竞争追加并发操作时，交错取决于网络时机。变换只针对追加那一刻
// 日志里可见、且仍在 GC 窗口内的操作。没有版本向量，乱序到达下
// 不保证形式化收敛，与源系统行为一致（待与干系人确认再加固）。
type OperationTransformer struct {
	store      cache.Store
	catalog    FieldCatalog
	bcast      Broadcast
	dispatcher *KafkaDispatcher // 可为 nil（无 Kafka 部署）
	horizon    time.Duration    // 日志条目保留窗口
}

func NewOperationTransformer(store cache.Store, catalog FieldCatalog, bcast Broadcast, dispatcher *KafkaDispatcher, horizon time.Duration) *OperationTransformer {
	return &OperationTransformer{
		store:      store,
		catalog:    catalog,
		bcast:      bcast,
		dispatcher: dispatcher,
		horizon:    horizon,
	}
}

// Append 落一条操作：
//  1. 按 op.ID 去重，重传返回当初的 TransformResult，不重追加不重广播
//  2. 取同字段、不同 clientId、issuedAt 不早于本操作的日志条目
//     （发起方来不及看到的“并发候选”），按到达序折叠变换
//  3. 持久化变换后的操作，向条目房间广播 operation_applied
func (t *OperationTransformer) Append(ctx context.Context, op Operation) (TransformResult, error) {
	if op.ID == "" || op.Target.ItemID == "" || op.Target.Field == "" {
		return TransformResult{}, fmt.Errorf("collab: malformed operation id=%q", op.ID)
	}
	switch op.Type {
	case OpInsert, OpDelete, OpRetain, OpUpdate:
	default:
		return TransformResult{}, fmt.Errorf("collab: unknown operation type %q", op.Type)
	}

	ok, err := t.catalog.FieldExists(ctx, op.Target.ItemID, op.Target.Field)
	if err != nil {
		return TransformResult{}, fmt.Errorf("field lookup: %w", err)
	}
	if !ok {
		return TransformResult{}, ErrUnknownField
	}

	key := cache.OpKey(op.Target.ItemID, op.Target.Field, op.ID)
	if rec, err := t.readRecord(ctx, key); err == nil {
		return rec.Result, nil // 重传，幂等返回
	} else if !errors.Is(err, cache.ErrNotFound) {
		log.Printf("oplog dedup read failed op=%s err=%v", op.ID, err)
		return TransformResult{}, err
	}

	op.SchemaVersion = SchemaVersion
	candidates, err := t.concurrentCandidates(ctx, op)
	if err != nil {
		return TransformResult{}, err
	}

	conflicts := make([]Conflict, 0)
	for _, other := range candidates {
		if transform(&op, other) {
			conflicts = append(conflicts, Conflict{Type: ConflictConcurrentEdit, Operation: other})
		}
	}
	result := TransformResult{TransformedOperation: op, Conflicts: conflicts}

	// 序号计数器每次递增都续上日志窗口的 TTL：计数器和它编号的
	// 最后一条日志同时过期，既不给每个编辑过的字段留永久键，
	// 也不会在还有存活日志时归零打乱到达序。
	seq, err := t.store.Incr(ctx, cache.OpSeqKey(op.Target.ItemID, op.Target.Field), t.horizon)
	if err != nil {
		log.Printf("oplog seq failed op=%s err=%v", op.ID, err)
		return TransformResult{}, err
	}
	rec := logRecord{SchemaVersion: SchemaVersion, Seq: seq, Result: result}
	b, err := json.Marshal(rec)
	if err != nil {
		return TransformResult{}, err
	}
	// 追加是单次原子写；同一 op.ID 并发重传只有一个胜出，
	// 输家读回胜者的结果，保证日志里恰好一条。
	created, err := t.store.SetIfNotExists(ctx, key, b, t.horizon)
	if err != nil {
		log.Printf("oplog append failed op=%s err=%v", op.ID, err)
		return TransformResult{}, err
	}
	if !created {
		if prev, err := t.readRecord(ctx, key); err == nil {
			return prev.Result, nil
		}
		return result, nil
	}

	t.bcast.Emit(ItemRoom(op.Target.ItemID), EventOperationApplied, OperationAppliedPayload{
		Operation: op,
		Conflicts: conflicts,
	})
	if t.dispatcher != nil {
		t.dispatcher.EnqueueApplied(ctx, op, conflicts)
	}
	return result, nil
}

// concurrentCandidates：同 (itemId, field)、不同 clientId、
// issuedAt >= 本操作 issuedAt 的日志条目，按到达序返回。
func (t *OperationTransformer) concurrentCandidates(ctx context.Context, op Operation) ([]Operation, error) {
	keys, err := t.store.Scan(ctx, cache.OpPattern(op.Target.ItemID, op.Target.Field))
	if err != nil {
		log.Printf("oplog scan failed item=%s field=%s err=%v", op.Target.ItemID, op.Target.Field, err)
		return nil, err
	}
	type seqOp struct {
		seq int64
		op  Operation
	}
	picked := make([]seqOp, 0, len(keys))
	for _, key := range keys {
		rec, err := t.readRecord(ctx, key)
		if err != nil {
			continue // GC 和读取并发，条目消失属正常
		}
		logged := rec.Result.TransformedOperation
		if logged.ClientID == op.ClientID {
			continue
		}
		if logged.IssuedAt < op.IssuedAt {
			continue
		}
		picked = append(picked, seqOp{seq: rec.Seq, op: logged})
	}
	sort.Slice(picked, func(i, j int) bool { return picked[i].seq < picked[j].seq })
	out := make([]Operation, len(picked))
	for i, so := range picked {
		out[i] = so.op
	}
	return out, nil
}

func (t *OperationTransformer) readRecord(ctx context.Context, key string) (*logRecord, error) {
	b, err := t.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var rec logRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("bad oplog record %s: %w", key, err)
	}
	return &rec, nil
}

// transform 把 target 往 other（已在日志里）之后调整，返回是否冲突。
//
// 规则（位置相等按 "other 先到" 破平，被移动的永远是 target，
// 以日志到达序为准，不看客户端身份也不看钟）：
//   - insert/insert: other.pos <= target.pos → target 右移 len(other.content)，无冲突
//   - insert/delete: other.pos <  target.pos → target 左移 other.length，夹到 0
//   - delete/insert: other.pos <= target.pos → target 右移 len(other.content)
//   - delete/delete: 必然冲突（重叠删除无法纯位置调和），位置仍左移
//     other.length 夹到 0 保持可应用，冲突交给上层处理
//   - 其余组合（retain/update 等）不动也不冲突
func transform(target *Operation, other Operation) bool {
	switch {
	case target.Type == OpInsert && other.Type == OpInsert:
		if other.Position <= target.Position {
			target.Position += utf8.RuneCountInString(other.Content)
		}
	case target.Type == OpInsert && other.Type == OpDelete:
		if other.Position < target.Position {
			target.Position = clampPos(target.Position - other.Length)
		}
	case target.Type == OpDelete && other.Type == OpInsert:
		if other.Position <= target.Position {
			target.Position += utf8.RuneCountInString(other.Content)
		}
	case target.Type == OpDelete && other.Type == OpDelete:
		target.Position = clampPos(target.Position - other.Length)
		return true
	}
	return false
}

// 负数位置夹到 0：宁可可用性也不报错（严格正确性让位）。
func clampPos(p int) int {
	if p < 0 {
		return 0
	}
	return p
}
