package collab

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"boardsync/backend/internal/cache"
)

func newTestPresence(t *testing.T) (*PresenceRegistry, cache.Store, *broadcastRecorder) {
	t.Helper()
	store, _ := newTestStore(t)
	rec := &broadcastRecorder{}
	return NewPresenceRegistry(store, rec, time.Minute), store, rec
}

// 把已存会话的 lastSeenAt 改到过去，模拟心跳停了。
func backdateSession(t *testing.T, store cache.Store, docID, userID string, age time.Duration) {
	t.Helper()
	ctx := context.Background()
	key := cache.SessionKey(docID, userID)
	b, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	var sess Session
	if err := json.Unmarshal(b, &sess); err != nil {
		t.Fatalf("unmarshal session: %v", err)
	}
	sess.LastSeenAt = time.Now().Add(-age)
	nb, _ := json.Marshal(sess)
	if err := store.Set(ctx, key, nb, time.Hour); err != nil {
		t.Fatalf("set session: %v", err)
	}
}

func TestJoinReturnsRosterAndBroadcasts(t *testing.T) {
	p, _, rec := newTestPresence(t)
	ctx := context.Background()

	roster, err := p.Join(ctx, Session{UserID: "u1", DocumentID: "doc-1", DisplayName: "Ann", ConnectionID: "conn-1"})
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if len(roster) != 1 || roster[0].UserID != "u1" {
		t.Fatalf("roster = %+v, want [u1]", roster)
	}

	roster, err = p.Join(ctx, Session{UserID: "u2", DocumentID: "doc-1", DisplayName: "Bob", ConnectionID: "conn-2"})
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if len(roster) != 2 {
		t.Fatalf("roster size = %d, want 2", len(roster))
	}

	events := rec.byEvent(EventPresenceUpdated)
	if len(events) != 2 {
		t.Fatalf("presence_updated broadcast %d times, want 2", len(events))
	}
	payload := events[1].Payload.(PresenceUpdatedPayload)
	if payload.Joined == nil || payload.Joined.UserID != "u2" {
		t.Fatalf("joined summary = %+v, want u2", payload.Joined)
	}
	if events[1].Room != DocRoom("doc-1") {
		t.Fatalf("room = %q, want %q", events[1].Room, DocRoom("doc-1"))
	}
}

// 同一用户多条连接只占一条花名册记录，元数据后写覆盖。
func TestJoinCollapsesConnectionsPerUser(t *testing.T) {
	p, _, _ := newTestPresence(t)
	ctx := context.Background()

	if _, err := p.Join(ctx, Session{UserID: "u1", DocumentID: "doc-1", DisplayName: "Ann", ConnectionID: "tab-1"}); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	roster, err := p.Join(ctx, Session{UserID: "u1", DocumentID: "doc-1", DisplayName: "Ann", ConnectionID: "tab-2"})
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if len(roster) != 1 {
		t.Fatalf("roster size = %d, want 1", len(roster))
	}
	if roster[0].ConnectionID != "tab-2" {
		t.Fatalf("connectionId = %q, want tab-2 (last write wins)", roster[0].ConnectionID)
	}
}

func TestRefreshExtendsAndReplacesState(t *testing.T) {
	p, _, _ := newTestPresence(t)
	ctx := context.Background()

	if _, err := p.Join(ctx, Session{UserID: "u1", DocumentID: "doc-1", ConnectionID: "c1"}); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if err := p.Refresh(ctx, "doc-1", "u1", map[string]any{"tool": "paint"}); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	roster, err := p.Roster(ctx, "doc-1")
	if err != nil {
		t.Fatalf("roster failed: %v", err)
	}
	if got := roster[0].CustomState["tool"]; got != "paint" {
		t.Fatalf("customState tool = %v, want paint", got)
	}

	// 不存在的会话不会被 Refresh 凭空创建
	if err := p.Refresh(ctx, "doc-1", "ghost", nil); err != nil {
		t.Fatalf("refresh of absent session errored: %v", err)
	}
	roster, _ = p.Roster(ctx, "doc-1")
	if len(roster) != 1 {
		t.Fatalf("roster size = %d, want 1 (refresh must not create)", len(roster))
	}
}

func TestExpireSweepBroadcastsExactlyOnce(t *testing.T) {
	p, store, rec := newTestPresence(t)
	ctx := context.Background()

	if _, err := p.Join(ctx, Session{UserID: "u1", DocumentID: "doc-1", ConnectionID: "c1"}); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	backdateSession(t, store, "doc-1", "u1", 2*time.Hour)

	p.ExpireSweep(ctx)
	p.ExpireSweep(ctx) // 第二轮不得重复广播

	left := rec.byEvent(EventPresenceLeft)
	if len(left) != 1 {
		t.Fatalf("presence_left broadcast %d times, want 1", len(left))
	}
	payload := left[0].Payload.(PresenceLeftPayload)
	if !payload.Expired || payload.UserID != "u1" {
		t.Fatalf("payload = %+v, want expired u1", payload)
	}

	roster, err := p.Roster(ctx, "doc-1")
	if err != nil {
		t.Fatalf("roster failed: %v", err)
	}
	if len(roster) != 0 {
		t.Fatalf("roster = %+v, want empty after sweep", roster)
	}
}

func TestExplicitLeaveThenSweepNoDoubleBroadcast(t *testing.T) {
	p, _, rec := newTestPresence(t)
	ctx := context.Background()

	if _, err := p.Join(ctx, Session{UserID: "u1", DocumentID: "doc-1", ConnectionID: "c1"}); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if err := p.Leave(ctx, "doc-1", "u1"); err != nil {
		t.Fatalf("leave failed: %v", err)
	}
	p.ExpireSweep(ctx)

	left := rec.byEvent(EventPresenceLeft)
	if len(left) != 1 {
		t.Fatalf("presence_left broadcast %d times, want 1", len(left))
	}
	if left[0].Payload.(PresenceLeftPayload).Expired {
		t.Fatal("explicit leave must not be marked expired")
	}

	// 再次 Leave 是无广播的 no-op
	if err := p.Leave(ctx, "doc-1", "u1"); err != nil {
		t.Fatalf("second leave errored: %v", err)
	}
	if len(rec.byEvent(EventPresenceLeft)) != 1 {
		t.Fatal("repeated leave must not re-broadcast")
	}
}

// 两个实例同时清扫同一条过期会话，只有删成功的那边广播离开。
func TestPresenceExpireSweepRacingOtherInstance(t *testing.T) {
	store, _ := newTestStore(t)
	rec := &broadcastRecorder{}
	ctx := context.Background()

	racing := &racingStore{Store: store, before: func(ctx context.Context, key string) {
		// 另一个实例的清扫抢先删掉了同一条目
		if _, err := store.DeleteExisting(ctx, key); err != nil {
			t.Errorf("racing delete: %v", err)
		}
	}}
	p := NewPresenceRegistry(racing, rec, time.Minute)

	if _, err := p.Join(ctx, Session{UserID: "u1", DocumentID: "doc-1", ConnectionID: "c1"}); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	backdateSession(t, store, "doc-1", "u1", 2*time.Hour)

	p.ExpireSweep(ctx)

	if got := len(rec.byEvent(EventPresenceLeft)); got != 0 {
		t.Fatalf("lost the delete race but still broadcast %d departures", got)
	}
}

// 清扫判定后会话刚被心跳刷新：守卫删除落空，活会话不能被摘掉。
func TestExpireSweepSparesRefreshedSession(t *testing.T) {
	store, _ := newTestStore(t)
	rec := &broadcastRecorder{}
	ctx := context.Background()

	fresh := Session{SchemaVersion: SchemaVersion, UserID: "u1", DocumentID: "doc-1", ConnectionID: "c1", LastSeenAt: time.Now()}
	freshRaw, _ := json.Marshal(fresh)
	racing := &racingStore{Store: store, before: func(ctx context.Context, key string) {
		if err := store.Set(ctx, key, freshRaw, time.Hour); err != nil {
			t.Errorf("refresh session: %v", err)
		}
	}}
	p := NewPresenceRegistry(racing, rec, time.Minute)

	if _, err := p.Join(ctx, fresh); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	backdateSession(t, store, "doc-1", "u1", 2*time.Hour)

	p.ExpireSweep(ctx)

	if got := len(rec.byEvent(EventPresenceLeft)); got != 0 {
		t.Fatalf("refreshed session swept, %d departures broadcast", got)
	}
	roster, err := p.Roster(ctx, "doc-1")
	if err != nil {
		t.Fatalf("roster failed: %v", err)
	}
	if len(roster) != 1 || roster[0].UserID != "u1" {
		t.Fatalf("roster = %+v, want [u1]", roster)
	}
}

// 过期但还没被清扫的会话不出现在花名册里。
func TestRosterFiltersExpired(t *testing.T) {
	p, store, _ := newTestPresence(t)
	ctx := context.Background()

	if _, err := p.Join(ctx, Session{UserID: "u1", DocumentID: "doc-1", ConnectionID: "c1"}); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if _, err := p.Join(ctx, Session{UserID: "u2", DocumentID: "doc-1", ConnectionID: "c2"}); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	backdateSession(t, store, "doc-1", "u1", 2*time.Hour)

	roster, err := p.Roster(ctx, "doc-1")
	if err != nil {
		t.Fatalf("roster failed: %v", err)
	}
	if len(roster) != 1 || roster[0].UserID != "u2" {
		t.Fatalf("roster = %+v, want [u2]", roster)
	}
}
