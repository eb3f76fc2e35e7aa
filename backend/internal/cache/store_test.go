package cache

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
)

func setupTestStore(t *testing.T) (Store, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	return NewRedisStoreWithClient(client), s
}

func TestGetSetDelete(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	if err := store.Set(ctx, "k1", []byte("v1"), time.Minute); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	b, err := store.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if string(b) != "v1" {
		t.Fatalf("value = %q, want v1", b)
	}

	if err := store.Delete(ctx, "k1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := store.Get(ctx, "k1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err after delete = %v, want ErrNotFound", err)
	}
	// 删除不存在的键不报错
	if err := store.Delete(ctx, "k1"); err != nil {
		t.Fatalf("delete of absent key errored: %v", err)
	}
}

func TestSetTTLExpires(t *testing.T) {
	store, s := setupTestStore(t)
	ctx := context.Background()

	if err := store.Set(ctx, "k1", []byte("v1"), time.Second); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	s.FastForward(2 * time.Second)
	if _, err := store.Get(ctx, "k1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err after ttl = %v, want ErrNotFound", err)
	}
}

func TestSetIfNotExists(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	ok, err := store.SetIfNotExists(ctx, "lock", []byte("a"), time.Minute)
	if err != nil || !ok {
		t.Fatalf("first setnx = (%v, %v), want (true, nil)", ok, err)
	}
	ok, err = store.SetIfNotExists(ctx, "lock", []byte("b"), time.Minute)
	if err != nil || ok {
		t.Fatalf("second setnx = (%v, %v), want (false, nil)", ok, err)
	}
	// 输家不能覆盖赢家的值
	b, _ := store.Get(ctx, "lock")
	if string(b) != "a" {
		t.Fatalf("value = %q, want a", b)
	}
}

func TestScanPattern(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	for _, k := range []string{
		SessionKey("doc-1", "u1"),
		SessionKey("doc-1", "u2"),
		SessionKey("doc-2", "u3"),
		CursorKey("doc-1", "u1"),
	} {
		if err := store.Set(ctx, k, []byte("x"), time.Minute); err != nil {
			t.Fatalf("set %s failed: %v", k, err)
		}
	}

	keys, err := store.Scan(ctx, SessionPattern("doc-1"))
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	sort.Strings(keys)
	want := []string{SessionKey("doc-1", "u1"), SessionKey("doc-1", "u2")}
	if len(keys) != 2 || keys[0] != want[0] || keys[1] != want[1] {
		t.Fatalf("scan = %v, want %v", keys, want)
	}
}

func TestDeleteExistingReportsRemoval(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	if err := store.Set(ctx, "k1", []byte("v1"), time.Minute); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	removed, err := store.DeleteExisting(ctx, "k1")
	if err != nil || !removed {
		t.Fatalf("first delete = (%v, %v), want (true, nil)", removed, err)
	}
	// 第二个删除方拿不到 true，广播跟着 true 走才不会翻倍
	removed, err = store.DeleteExisting(ctx, "k1")
	if err != nil || removed {
		t.Fatalf("second delete = (%v, %v), want (false, nil)", removed, err)
	}
}

func TestCompareAndDelete(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	if err := store.Set(ctx, "lease", []byte("holder-a"), time.Minute); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	// 值不匹配：键易主后过期的删除到达，不能动
	removed, err := store.CompareAndDelete(ctx, "lease", []byte("holder-b"))
	if err != nil || removed {
		t.Fatalf("mismatched cad = (%v, %v), want (false, nil)", removed, err)
	}
	if b, _ := store.Get(ctx, "lease"); string(b) != "holder-a" {
		t.Fatalf("value after mismatched cad = %q, want holder-a", b)
	}

	removed, err = store.CompareAndDelete(ctx, "lease", []byte("holder-a"))
	if err != nil || !removed {
		t.Fatalf("matched cad = (%v, %v), want (true, nil)", removed, err)
	}
	if _, err := store.Get(ctx, "lease"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err after cad = %v, want ErrNotFound", err)
	}
	// 键已不存在时也是 false
	removed, err = store.CompareAndDelete(ctx, "lease", []byte("holder-a"))
	if err != nil || removed {
		t.Fatalf("cad of absent key = (%v, %v), want (false, nil)", removed, err)
	}
}

func TestIncrMonotonic(t *testing.T) {
	store, s := setupTestStore(t)
	ctx := context.Background()

	key := OpSeqKey("item-1", "title")
	for want := int64(1); want <= 3; want++ {
		n, err := store.Incr(ctx, key, time.Second)
		if err != nil {
			t.Fatalf("incr failed: %v", err)
		}
		if n != want {
			t.Fatalf("incr = %d, want %d", n, want)
		}
	}

	// 计数器带 TTL，窗口过了随日志一起消失，不永久堆积
	s.FastForward(2 * time.Second)
	n, err := store.Incr(ctx, key, time.Second)
	if err != nil {
		t.Fatalf("incr after ttl failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("incr after ttl = %d, want 1", n)
	}
}
