package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func fastConfig() Config {
	return Config{MinInterTaskDelayMs: 1, MaxInterTaskDelayMs: 2}
}

func TestSubmit_RunsTasksInOrder(t *testing.T) {
	m := New(fastConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx, "+1")

	var order []int
	for i := 0; i < 5; i++ {
		i := i
		if err := m.Submit(ctx, "+1", func(ctx context.Context) error {
			order = append(order, i)
			return nil
		}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	for i, v := range order {
		if v != i {
			t.Errorf("tasks ran out of order: %v", order)
			break
		}
	}
}

func TestSubmit_UnknownPhoneFails(t *testing.T) {
	m := New(fastConfig())
	err := m.Submit(context.Background(), "+nope", func(ctx context.Context) error { return nil })
	if err == nil {
		t.Fatal("expected error submitting to an unstarted queue")
	}
}

func TestStop_DrainsPendingTasks(t *testing.T) {
	m := New(Config{MinInterTaskDelayMs: 50, MaxInterTaskDelayMs: 60})
	ctx := context.Background()
	m.Start(ctx, "+1")

	var ran int32
	block := make(chan struct{})
	go func() {
		m.Submit(ctx, "+1", func(ctx context.Context) error {
			<-block
			atomic.AddInt32(&ran, 1)
			return nil
		})
	}()
	time.Sleep(20 * time.Millisecond)

	resultCh := make(chan error, 1)
	go func() {
		resultCh <- m.Submit(ctx, "+1", func(ctx context.Context) error {
			atomic.AddInt32(&ran, 1)
			return nil
		})
	}()

	time.Sleep(20 * time.Millisecond)
	m.Stop("+1")
	close(block)

	select {
	case err := <-resultCh:
		if err == nil {
			t.Error("expected the queued second task to fail once the worker stopped")
		}
	case <-time.After(time.Second):
		t.Fatal("second submit never returned after Stop")
	}
}

func TestSubmit_PropagatesTaskError(t *testing.T) {
	m := New(fastConfig())
	ctx := context.Background()
	m.Start(ctx, "+1")
	defer m.Stop("+1")

	wantErr := errors.New("boom")
	err := m.Submit(ctx, "+1", func(ctx context.Context) error { return wantErr })
	if !errors.Is(err, wantErr) {
		t.Errorf("expected task error to propagate, got %v", err)
	}
}
