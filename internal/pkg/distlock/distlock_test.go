package distlock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return mr, client
}

func TestRedisLock_ExclusiveAcquire(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx := context.Background()

	a := NewRedisLock(client, "source-health:7", time.Minute)
	b := NewRedisLock(client, "source-health:7", time.Minute)

	ok, err := a.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("first Acquire() = %v, %v", ok, err)
	}
	ok, err = b.Acquire(ctx)
	if err != nil || ok {
		t.Fatalf("second Acquire() = %v, %v; want false", ok, err)
	}

	if err := b.Release(ctx); !errors.Is(err, ErrNotHeld) {
		t.Errorf("non-owner Release() = %v, want ErrNotHeld", err)
	}
	if err := a.Release(ctx); err != nil {
		t.Fatalf("owner Release() error: %v", err)
	}
	ok, err = b.Acquire(ctx)
	if err != nil || !ok {
		t.Errorf("Acquire() after release = %v, %v", ok, err)
	}
}

func TestRedisLock_ExpiresAndExtends(t *testing.T) {
	mr, client := setupTestRedis(t)
	ctx := context.Background()

	lock := NewRedisLock(client, "source-health:1", time.Second)
	if ok, _ := lock.Acquire(ctx); !ok {
		t.Fatal("Acquire() failed")
	}
	if err := lock.Extend(ctx, time.Minute); err != nil {
		t.Fatalf("Extend() error: %v", err)
	}
	mr.FastForward(30 * time.Second)
	if !mr.Exists(lock.Key()) {
		t.Fatal("extended lock expired early")
	}

	mr.FastForward(time.Minute)
	if err := lock.Release(ctx); !errors.Is(err, ErrNotHeld) {
		t.Errorf("Release() after expiry = %v, want ErrNotHeld", err)
	}
}

func TestLocalLock(t *testing.T) {
	ctx := context.Background()
	a := NewLocalLock("source-health:3")
	b := NewLocalLock("source-health:3")
	other := NewLocalLock("source-health:4")

	if ok, _ := a.Acquire(ctx); !ok {
		t.Fatal("first Acquire() failed")
	}
	if ok, _ := b.Acquire(ctx); ok {
		t.Fatal("second Acquire() on the same key succeeded")
	}
	if ok, _ := other.Acquire(ctx); !ok {
		t.Fatal("Acquire() on another key failed")
	}
	if err := a.Release(ctx); err != nil {
		t.Fatalf("Release() error: %v", err)
	}
	if ok, _ := b.Acquire(ctx); !ok {
		t.Error("Acquire() after release failed")
	}
	b.Release(ctx)
	other.Release(ctx)
}

func TestPGAdvisoryLock(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()
	ctx := context.Background()

	lock := NewPGAdvisoryLock(db, "source-health:9")
	mock.ExpectQuery("SELECT pg_try_advisory_lock").
		WithArgs(lock.lockID).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectQuery("SELECT pg_advisory_unlock").
		WithArgs(lock.lockID).
		WillReturnRows(sqlmock.NewRows([]string{"pg_advisory_unlock"}).AddRow(true))

	ok, err := lock.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("Acquire() = %v, %v", ok, err)
	}
	if err := lock.Release(ctx); err != nil {
		t.Fatalf("Release() error: %v", err)
	}
	if err := lock.Release(ctx); !errors.Is(err, ErrNotHeld) {
		t.Errorf("double Release() = %v, want ErrNotHeld", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestNewLock_PicksBackend(t *testing.T) {
	_, client := setupTestRedis(t)
	if _, ok := NewLock(client, nil, "k", time.Second).(*RedisLock); !ok {
		t.Error("expected RedisLock when a client is given")
	}
	db, _, _ := sqlmock.New()
	defer db.Close()
	if _, ok := NewLock(nil, db, "k", time.Second).(*PGAdvisoryLock); !ok {
		t.Error("expected PGAdvisoryLock without redis")
	}
	if _, ok := NewLock(nil, nil, "k", time.Second).(*LocalLock); !ok {
		t.Error("expected LocalLock without backends")
	}
}
