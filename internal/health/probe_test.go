package health

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestFixed(t *testing.T) {
	if err := Fixed(true, "").Check(context.Background()); err != nil {
		t.Fatalf("Fixed(true) should pass, got %v", err)
	}
	if err := Fixed(false, "db offline").Check(context.Background()); err == nil || err.Error() != "db offline" {
		t.Fatalf("Fixed(false) = %v, want 'db offline'", err)
	}
	if err := Fixed(false, "").Check(context.Background()); err == nil || err.Error() != "unhealthy" {
		t.Fatalf("Fixed(false, '') = %v, want 'unhealthy'", err)
	}
}

func TestAll(t *testing.T) {
	ctx := context.Background()
	if err := All().Check(ctx); err != nil {
		t.Fatalf("empty All should pass, got %v", err)
	}
	if err := All(Fixed(true, ""), nil, Fixed(true, "")).Check(ctx); err != nil {
		t.Fatalf("all passing = %v", err)
	}
	err := All(Fixed(true, ""), Fixed(false, "first"), Fixed(false, "second")).Check(ctx)
	if err == nil || err.Error() != "first" {
		t.Fatalf("All = %v, want first failure", err)
	}
}

func TestAny(t *testing.T) {
	ctx := context.Background()
	if err := Any(Fixed(false, "a"), Fixed(true, "")).Check(ctx); err != nil {
		t.Fatalf("one passing = %v", err)
	}
	err := Any(Fixed(false, "a"), Fixed(false, "b")).Check(ctx)
	if err == nil || err.Error() != "b" {
		t.Fatalf("Any = %v, want last failure", err)
	}
	if err := Any().Check(ctx); err == nil {
		t.Fatal("empty Any should fail")
	}
}

type pinger struct {
	err   error
	delay time.Duration
}

func (p pinger) Ping(ctx context.Context) error {
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return p.err
}

func TestPing(t *testing.T) {
	ctx := context.Background()
	if err := Ping("db", pinger{}, time.Second).Check(ctx); err != nil {
		t.Fatalf("healthy pinger = %v", err)
	}

	err := Ping("db", pinger{err: errors.New("locked")}, time.Second).Check(ctx)
	if err == nil || !strings.HasPrefix(err.Error(), "db: ") {
		t.Fatalf("failing pinger = %v, want db prefix", err)
	}

	err = Ping("kv", pinger{delay: time.Second}, 20*time.Millisecond).Check(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("slow pinger = %v, want deadline exceeded", err)
	}

	if err := Ping("kv", nil, time.Second).Check(ctx); err == nil {
		t.Fatal("nil pinger should fail")
	}
}

func TestShutdownGate(t *testing.T) {
	var g ShutdownGate
	p := g.Probe()
	if err := p.Check(context.Background()); err != nil {
		t.Fatalf("open gate = %v", err)
	}

	g.Set("")
	if err := p.Check(context.Background()); err == nil || err.Error() != "draining" {
		t.Fatalf("closed gate = %v, want draining", err)
	}
	if !g.Draining() {
		t.Fatal("Draining() = false after Set")
	}

	g.Set("shutting down")
	if err := p.Check(context.Background()); err == nil || err.Error() != "shutting down" {
		t.Fatalf("closed gate = %v, want reason", err)
	}

	g.Clear()
	if err := p.Check(context.Background()); err != nil {
		t.Fatalf("cleared gate = %v", err)
	}
}

func TestShutdownGate_Concurrent(t *testing.T) {
	var g ShutdownGate
	p := g.Probe()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); g.Set("draining") }()
		go func() { defer wg.Done(); _ = p.Check(context.Background()) }()
	}
	wg.Wait()
	if err := p.Check(context.Background()); err == nil {
		t.Fatal("gate should be closed")
	}
}
