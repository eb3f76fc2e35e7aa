package cache

import "fmt"

// 键语义：
// - SessionKey(docID,userID):  在线会话（String<JSON Session>，逻辑过期看 lastSeenAt+TTL）
// - CursorKey(docID,userID):   光标状态（String<JSON CursorState>，短 TTL，整体覆盖）
// - LockKey(itemID,field):     字段编辑锁（String<JSON FieldLock>，SETNX 抢占）
// - OpKey(itemID,field,opID):  操作日志条目（String<JSON LogRecord>，GC TTL 回收）
// - OpSeqKey(itemID,field):    操作日志到达序号（INCR 计数器）
//
// 所有键带 "sync:" 前缀；schemaVersion 变更时在值里迁移，不改键。

const (
	keySessionFmt = "sync:presence:%s:%s" // docID, userID
	keyCursorFmt  = "sync:cursor:%s:%s"   // docID, userID
	keyLockFmt    = "sync:lock:%s:%s"     // itemID, field
	keyOpFmt      = "sync:oplog:%s:%s:%s" // itemID, field, opID
	keyOpSeqFmt   = "sync:opseq:%s:%s"    // itemID, field
)

func SessionKey(docID, userID string) string { return fmt.Sprintf(keySessionFmt, docID, userID) }
func SessionPattern(docID string) string     { return fmt.Sprintf(keySessionFmt, docID, "*") }
func CursorKey(docID, userID string) string  { return fmt.Sprintf(keyCursorFmt, docID, userID) }
func LockKey(itemID, field string) string    { return fmt.Sprintf(keyLockFmt, itemID, field) }
func LockPatternAll() string                 { return fmt.Sprintf(keyLockFmt, "*", "*") }
func OpKey(itemID, field, opID string) string {
	return fmt.Sprintf(keyOpFmt, itemID, field, opID)
}
func OpPattern(itemID, field string) string { return fmt.Sprintf(keyOpFmt, itemID, field, "*") }
func OpSeqKey(itemID, field string) string  { return fmt.Sprintf(keyOpSeqFmt, itemID, field) }
