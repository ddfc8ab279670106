package encode

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smazurov/encnode/internal/device"
	_ "github.com/smazurov/encnode/internal/device/soft"
)

func openTestContext(t *testing.T) device.Context {
	t.Helper()
	d, err := device.Lookup("soft")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	ctx, err := d.Open(0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { ctx.Close() })
	return ctx
}

func TestPoolAcquireBlocksUntilRelease(t *testing.T) {
	devctx := openTestContext(t)
	pool, err := NewPool(devctx, 2, 64)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer pool.Close()

	ctx := context.Background()
	a, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := pool.Acquire(ctx); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	released := make(chan struct{})
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(released)
		pool.release(a)
	}()

	c, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("blocking Acquire: %v", err)
	}
	select {
	case <-released:
	default:
		t.Error("Acquire returned before release")
	}
	if c != a {
		t.Error("blocking Acquire should hand back the released buffer")
	}
}

func TestPoolAcquireCancel(t *testing.T) {
	devctx := openTestContext(t)
	pool, err := NewPool(devctx, 1, 64)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer pool.Close()

	if _, err := pool.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if _, err := pool.Acquire(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Acquire error = %v, want context.Canceled", err)
	}
}

func TestPoolImpossibleAcquirePanics(t *testing.T) {
	devctx := openTestContext(t)
	pool, err := NewPool(devctx, 1, 64)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer pool.Close()

	// Steal the only buffer without accounting for it, the kind of
	// bookkeeping bug the panic exists to catch.
	<-pool.free

	defer func() {
		if recover() == nil {
			t.Error("Acquire with nothing in flight should panic")
		}
	}()
	pool.Acquire(context.Background())
}

func TestPoolAcquireRaceWithRelease(t *testing.T) {
	devctx := openTestContext(t)
	pool, err := NewPool(devctx, 1, 64)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer pool.Close()

	// Hammer the single buffer through acquire/release from two
	// goroutines. An Acquire landing between a release's channel push
	// and its in-flight decrement must wait, not panic.
	bufs := make(chan device.Buffer, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for b := range bufs {
			pool.release(b)
		}
	}()

	ctx := context.Background()
	for i := 0; i < 50000; i++ {
		b, err := pool.Acquire(ctx)
		if err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
		bufs <- b
	}
	close(bufs)
	<-done
}

func TestNewPoolRejectsBadCount(t *testing.T) {
	devctx := openTestContext(t)
	if _, err := NewPool(devctx, 0, 64); !errors.Is(err, device.ErrInit) {
		t.Errorf("NewPool(0) error = %v, want ErrInit", err)
	}
}
