package inspector

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"
)

type fakeActivity struct {
	last atomic.Int64
}

func newActivity() *fakeActivity {
	a := &fakeActivity{}
	a.touch()
	return a
}

func (a *fakeActivity) touch() { a.last.Store(time.Now().UnixNano()) }

func (a *fakeActivity) LastActivity() time.Time { return time.Unix(0, a.last.Load()) }

type fakeCanceler struct {
	mu      sync.Mutex
	calls   int
	reasons []string
	ch      chan struct{}
}

func newCanceler() *fakeCanceler { return &fakeCanceler{ch: make(chan struct{}, 1)} }

func (c *fakeCanceler) Cancel(reason string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.reasons = append(c.reasons, reason)
	select {
	case c.ch <- struct{}{}:
	default:
	}
	return true
}

func (c *fakeCanceler) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type staticSignal bool

func (s staticSignal) Requested(context.Context) (bool, error) { return bool(s), nil }

func TestInspectorFiresOnSilence(t *testing.T) {
	activity := newActivity()
	canceler := newCanceler()
	insp := New(activity, canceler, Options{
		MaxSilence:    50 * time.Millisecond,
		CheckInterval: 10 * time.Millisecond,
		Logger:        zaptest.NewLogger(t),
	})
	insp.Start(context.Background())
	defer insp.Stop()

	select {
	case <-canceler.ch:
	case <-time.After(time.Second):
		t.Fatal("inspector did not fire within bound")
	}
	insp.Stop()

	fired, reason := insp.Fired()
	if !fired || reason == "" {
		t.Errorf("Fired() = %v, %q", fired, reason)
	}
	if canceler.count() != 1 {
		t.Errorf("cancel calls = %d, want 1", canceler.count())
	}
}

func TestInspectorQuietWhileActive(t *testing.T) {
	activity := newActivity()
	canceler := newCanceler()
	insp := New(activity, canceler, Options{
		MaxSilence:    80 * time.Millisecond,
		CheckInterval: 5 * time.Millisecond,
	})
	insp.Start(context.Background())

	stop := time.After(300 * time.Millisecond)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-stop:
			break loop
		case <-ticker.C:
			activity.touch()
		}
	}
	insp.Stop()

	if canceler.count() != 0 {
		t.Errorf("inspector fired %d times on an active job", canceler.count())
	}
}

func TestInspectorNeverFiresAfterStop(t *testing.T) {
	activity := newActivity()
	canceler := newCanceler()
	insp := New(activity, canceler, Options{
		MaxSilence:    20 * time.Millisecond,
		CheckInterval: 5 * time.Millisecond,
	})
	insp.Start(context.Background())
	insp.Stop()

	time.Sleep(60 * time.Millisecond)
	if canceler.count() != 0 {
		t.Errorf("inspector fired after Stop")
	}
}

func TestInspectorStopWithoutStart(t *testing.T) {
	insp := New(newActivity(), newCanceler(), Options{MaxSilence: time.Second})
	done := make(chan struct{})
	go func() {
		insp.Stop()
		insp.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on an inspector that never started")
	}
}

func TestInspectorTimeLiving(t *testing.T) {
	activity := newActivity()
	canceler := newCanceler()
	insp := New(activity, canceler, Options{
		MaxSilence:    time.Hour,
		TimeLiving:    30 * time.Millisecond,
		CheckInterval: 5 * time.Millisecond,
	})
	insp.Start(context.Background())
	defer insp.Stop()

	select {
	case <-canceler.ch:
	case <-time.After(time.Second):
		t.Fatal("time living cap not enforced")
	}
}

func TestInspectorSignal(t *testing.T) {
	canceler := newCanceler()
	insp := New(newActivity(), canceler, Options{
		MaxSilence:    time.Hour,
		CheckInterval: 5 * time.Millisecond,
		Signal:        staticSignal(true),
	})
	insp.Start(context.Background())
	defer insp.Stop()

	select {
	case <-canceler.ch:
	case <-time.After(time.Second):
		t.Fatal("cancel signal ignored")
	}
	insp.Stop()
	if _, reason := insp.Fired(); reason != "cancel requested" {
		t.Errorf("reason = %q", reason)
	}
}

func TestRedisSignal(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	sig := NewRedisSignal(client, "abfworker::rpm-worker-42-status")
	ctx := context.Background()

	if ok, err := sig.Requested(ctx); err != nil || ok {
		t.Fatalf("missing key: Requested = %v, %v", ok, err)
	}
	mr.Set("abfworker::rpm-worker-42-status", "RUN")
	if ok, _ := sig.Requested(ctx); ok {
		t.Fatal("RUN should not cancel")
	}
	mr.Set("abfworker::rpm-worker-42-status", "USR1")
	if ok, err := sig.Requested(ctx); err != nil || !ok {
		t.Fatalf("USR1: Requested = %v, %v", ok, err)
	}
}
