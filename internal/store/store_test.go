package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	goredis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/thaitype/serverless-rate-limiter/internal/config"
	"github.com/thaitype/serverless-rate-limiter/internal/models"
)

// ── backends ──────────────────────────────────────────────────────────────────

func newTestSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	s, err := NewSQLStore(db)
	if err != nil {
		t.Fatalf("new sql store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client)
}

// forEachStore runs fn against every RecordStore implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, s RecordStore)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, newTestSQLStore(t)) })
	t.Run("redis", func(t *testing.T) { fn(t, newTestRedisStore(t)) })
}

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func rec(rule, resource string, at time.Time) models.NotificationRecord {
	return models.NotificationRecord{RuleName: rule, ResourceID: resource, LastNotifiedAt: at}
}

// ── contract ──────────────────────────────────────────────────────────────────

func TestStoreGetMissing(t *testing.T) {
	forEachStore(t, func(t *testing.T, s RecordStore) {
		_, ok, err := s.Get(context.Background(), "r1", "AzureContainerApp:/x")
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			t.Error("expected no record")
		}
	})
}

func TestStorePutGetOverwrite(t *testing.T) {
	forEachStore(t, func(t *testing.T, s RecordStore) {
		ctx := context.Background()
		if err := s.Put(ctx, rec("r1", "AwsEC2Instance:i-1", t0)); err != nil {
			t.Fatal(err)
		}
		got, ok, err := s.Get(ctx, "r1", "AwsEC2Instance:i-1")
		if err != nil || !ok {
			t.Fatalf("get: ok=%v err=%v", ok, err)
		}
		if !got.LastNotifiedAt.Equal(t0) {
			t.Errorf("got %s, want %s", got.LastNotifiedAt, t0)
		}

		later := t0.Add(2 * time.Hour)
		if err := s.Put(ctx, rec("r1", "AwsEC2Instance:i-1", later)); err != nil {
			t.Fatal(err)
		}
		got, _, _ = s.Get(ctx, "r1", "AwsEC2Instance:i-1")
		if !got.LastNotifiedAt.Equal(later) {
			t.Errorf("overwrite: got %s, want %s", got.LastNotifiedAt, later)
		}
	})
}

func TestStoreKeepsTimestampPrecision(t *testing.T) {
	at := t0.Add(123456 * time.Microsecond)
	forEachStore(t, func(t *testing.T, s RecordStore) {
		ctx := context.Background()
		if err := s.Put(ctx, rec("r1", "AwsEC2Instance:i-1", at)); err != nil {
			t.Fatal(err)
		}
		got, _, err := s.Get(ctx, "r1", "AwsEC2Instance:i-1")
		if err != nil {
			t.Fatal(err)
		}
		if !got.LastNotifiedAt.Truncate(TimestampPrecision).Equal(at) {
			t.Errorf("got %s, want %s", got.LastNotifiedAt, at)
		}
	})
}

func TestStoreDelete(t *testing.T) {
	forEachStore(t, func(t *testing.T, s RecordStore) {
		ctx := context.Background()
		s.Put(ctx, rec("r1", "a", t0))
		s.Put(ctx, rec("r1", "b", t0))

		if err := s.Delete(ctx, "r1", "a"); err != nil {
			t.Fatal(err)
		}
		if err := s.Delete(ctx, "r1", "never-existed"); err != nil {
			t.Errorf("deleting a missing record should not fail: %v", err)
		}
		if _, ok, _ := s.Get(ctx, "r1", "a"); ok {
			t.Error("record a should be gone")
		}
		if _, ok, _ := s.Get(ctx, "r1", "b"); !ok {
			t.Error("record b should remain")
		}
	})
}

func TestStoreDeleteRuleAndList(t *testing.T) {
	forEachStore(t, func(t *testing.T, s RecordStore) {
		ctx := context.Background()
		s.Put(ctx, rec("keep", "a", t0))
		s.Put(ctx, rec("drop", "a", t0))
		s.Put(ctx, rec("drop", "b", t0))

		if err := s.DeleteRule(ctx, "drop"); err != nil {
			t.Fatal(err)
		}

		all, err := s.List(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(all) != 1 || all[0].RuleName != "keep" || all[0].ResourceID != "a" {
			t.Errorf("expected only keep/a; got %+v", all)
		}
	})
}

func TestStoreListMultipleRules(t *testing.T) {
	forEachStore(t, func(t *testing.T, s RecordStore) {
		ctx := context.Background()
		s.Put(ctx, rec("r1", "x", t0))
		s.Put(ctx, rec("r2", "y", t0.Add(time.Minute)))

		all, err := s.List(ctx)
		if err != nil {
			t.Fatal(err)
		}
		sort.Slice(all, func(i, j int) bool { return all[i].RuleName < all[j].RuleName })
		if len(all) != 2 || all[0].ResourceID != "x" || all[1].ResourceID != "y" {
			t.Errorf("unexpected list: %+v", all)
		}
		if !all[1].LastNotifiedAt.Equal(t0.Add(time.Minute)) {
			t.Errorf("timestamp not preserved: %s", all[1].LastNotifiedAt)
		}
	})
}

func TestStorePing(t *testing.T) {
	forEachStore(t, func(t *testing.T, s RecordStore) {
		if err := s.Ping(context.Background()); err != nil {
			t.Errorf("ping: %v", err)
		}
	})
}

// ── backend specifics ─────────────────────────────────────────────────────────

func TestMemoryStoreClosed(t *testing.T) {
	s := NewMemoryStore()
	s.Close()
	if err := s.Put(context.Background(), rec("r", "a", t0)); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed; got %v", err)
	}
}

func TestRedisStoreKeyLayout(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	s := NewRedisStore(client)

	if err := s.Put(context.Background(), rec("daily", "AwsRDSInstance:db-1", t0)); err != nil {
		t.Fatal(err)
	}
	got := mr.HGet("srl:notify:daily", "AwsRDSInstance:db-1")
	if got != t0.Format(time.RFC3339Nano) {
		t.Errorf("unexpected stored value %q", got)
	}
}

func TestRedisStoreCorruptValue(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	s := NewRedisStore(client)

	mr.HSet("srl:notify:r1", "a", "yesterday")
	if _, _, err := s.Get(context.Background(), "r1", "a"); err == nil {
		t.Error("expected parse error for corrupt timestamp")
	}
}

func TestOpen(t *testing.T) {
	s, err := Open(config.StoreConfig{Driver: "memory"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*MemoryStore); !ok {
		t.Errorf("expected *MemoryStore; got %T", s)
	}

	mr := miniredis.RunT(t)
	rs, err := Open(config.StoreConfig{Driver: "redis", DSN: mr.Addr()})
	if err != nil {
		t.Fatal(err)
	}
	defer rs.Close()
	if err := rs.Ping(context.Background()); err != nil {
		t.Errorf("redis ping: %v", err)
	}

	if _, err := Open(config.StoreConfig{Driver: "cassandra"}); err == nil {
		t.Error("expected error for unknown driver")
	}
}

func TestBuildSQLiteDSN(t *testing.T) {
	cases := map[string]string{
		"srl.db":                     "file:srl.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)",
		"file:/data/srl.db?cache=on": "file:/data/srl.db?cache=on&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)",
		"file:x?mode=memory":         "file:x?mode=memory",
	}
	for in, want := range cases {
		if got := buildSQLiteDSN(in); got != want {
			t.Errorf("buildSQLiteDSN(%q) = %q; want %q", in, got, want)
		}
	}
}
