package collab

import (
	"context"
	"sync"
	"testing"

	"boardsync/backend/internal/cache"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (cache.Store, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	return cache.NewRedisStoreWithClient(client), s
}

type recordedEvent struct {
	Room    string
	Event   string
	Payload any
	Exclude string
}

// broadcastRecorder 记录广播调用，代替 ws.Hub 做断言。
type broadcastRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *broadcastRecorder) Emit(room, event string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{Room: room, Event: event, Payload: payload})
}

func (r *broadcastRecorder) EmitExcept(room, event string, payload any, excludeConnectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{Room: room, Event: event, Payload: payload, Exclude: excludeConnectionID})
}

func (r *broadcastRecorder) byEvent(event string) []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []recordedEvent
	for _, e := range r.events {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

// racingStore 在第一次 CompareAndDelete 之前执行注入的动作，
// 复现“校验和删除之间另一个实例动了键”的交错。
type racingStore struct {
	cache.Store
	once   sync.Once
	before func(ctx context.Context, key string)
}

func (s *racingStore) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	s.once.Do(func() { s.before(ctx, key) })
	return s.Store.CompareAndDelete(ctx, key, expected)
}

// fakeCatalog：测试用的字段目录，key 为 "itemID|field"。
type fakeCatalog map[string]bool

func (f fakeCatalog) FieldExists(_ context.Context, itemID, field string) (bool, error) {
	return f[itemID+"|"+field], nil
}
