package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"zeitschaltuhr/pkg/logx"
)

func TestGoPropagatesFirstError(t *testing.T) {
	t.Parallel()
	sup := NewSupervisor(context.Background(), WithLogger(logx.Nop()), WithCancelOnError(true))

	boom := errors.New("boom")
	sup.Go("worker", func(ctx context.Context) error { return boom })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := sup.Wait(ctx)
	if err == nil || !errors.Is(err, boom) {
		t.Fatalf("Wait = %v, want wrapped boom", err)
	}
	select {
	case <-sup.Context().Done():
	default:
		t.Fatal("cancel-on-error should have canceled the supervisor context")
	}
}

func TestGoTreatsContextCanceledAsClean(t *testing.T) {
	t.Parallel()
	sup := NewSupervisor(context.Background(), WithLogger(logx.Nop()))
	sup.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return context.Canceled
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sup.Stop(ctx); err != nil {
		t.Fatalf("Stop = %v, want nil", err)
	}
}

func TestGoRecoversPanic(t *testing.T) {
	t.Parallel()
	sup := NewSupervisor(context.Background(), WithLogger(logx.Nop()))
	sup.Go0("explosive", func(ctx context.Context) { panic("kaboom") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := sup.Wait(ctx)
	if err == nil || !strings.Contains(err.Error(), "kaboom") {
		t.Fatalf("Wait = %v, want panic error", err)
	}
}

func TestGoRestartRetriesThenGivesUp(t *testing.T) {
	t.Parallel()
	sup := NewSupervisor(context.Background(), WithLogger(logx.Nop()))

	var runs atomic.Int64
	sup.GoRestart("flaky", func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("still broken")
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond), WithMaxRestarts(2))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := sup.Wait(ctx)
	if err == nil || !strings.Contains(err.Error(), "still broken") {
		t.Fatalf("Wait = %v, want final error", err)
	}
	// Initial run plus two restarts.
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
}

func TestGoRestartStopsOnCleanExit(t *testing.T) {
	t.Parallel()
	sup := NewSupervisor(context.Background(), WithLogger(logx.Nop()))

	var runs atomic.Int64
	sup.GoRestart("oneshot", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sup.Wait(ctx); err != nil {
		t.Fatalf("Wait = %v", err)
	}
	if got := runs.Load(); got != 1 {
		t.Fatalf("runs = %d, want 1", got)
	}
}

func TestCountersTrackActive(t *testing.T) {
	t.Parallel()
	sup := NewSupervisor(context.Background(), WithLogger(logx.Nop()))

	release := make(chan struct{})
	for i := 0; i < 3; i++ {
		sup.Go0("held", func(ctx context.Context) { <-release })
	}

	deadline := time.Now().Add(2 * time.Second)
	for sup.Counters().Active != 3 {
		if time.Now().After(deadline) {
			t.Fatalf("active = %d, want 3", sup.Counters().Active)
		}
		time.Sleep(time.Millisecond)
	}
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sup.Stop(ctx); err != nil {
		t.Fatalf("Stop = %v", err)
	}
	c := sup.Counters()
	if c.Active != 0 || c.Started != 3 {
		t.Fatalf("counters = %+v, want active 0 started 3", c)
	}
}
