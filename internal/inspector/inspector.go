package inspector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Activity reports when the job last showed signs of life
type Activity interface {
	LastActivity() time.Time
}

// Canceler forces the job into the canceled state and tears the runner down.
// It returns false when the job had already finished.
type Canceler interface {
	Cancel(reason string) bool
}

// Signal is an external request to stop the job
type Signal interface {
	Requested(ctx context.Context) (bool, error)
}

// Options tune the inspector
type Options struct {
	MaxSilence    time.Duration // zero disables the silence check
	TimeLiving    time.Duration // zero disables the lifetime cap
	CheckInterval time.Duration
	Signal        Signal // optional
	Logger        *zap.Logger
}

// Inspector is the liveness watchdog for one job
type Inspector struct {
	activity Activity
	canceler Canceler
	opts     Options
	logger   *zap.Logger

	startedAt time.Time

	mu      sync.Mutex
	stopped bool
	fired   bool
	reason  string

	startOnce sync.Once
	stopOnce  sync.Once
	stopChan  chan struct{}
	done      chan struct{}
}

// New creates an inspector. Nothing runs until Start.
func New(activity Activity, canceler Canceler, opts Options) *Inspector {
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Inspector{
		activity: activity,
		canceler: canceler,
		opts:     opts,
		logger:   logger,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the watchdog loop
func (i *Inspector) Start(ctx context.Context) {
	i.startOnce.Do(func() {
		i.startedAt = time.Now()
		go i.run(ctx)
	})
}

// Stop ends the watchdog and waits for it. After Stop returns the inspector never fires.
func (i *Inspector) Stop() {
	i.mu.Lock()
	i.stopped = true
	i.mu.Unlock()

	i.stopOnce.Do(func() {
		close(i.stopChan)
	})

	// never started: mark done so Start becomes a no-op
	i.startOnce.Do(func() {
		close(i.done)
	})
	<-i.done
}

// Fired reports whether the inspector canceled the job, and why
func (i *Inspector) Fired() (bool, string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.fired, i.reason
}

func (i *Inspector) run(ctx context.Context) {
	defer close(i.done)
	ticker := time.NewTicker(i.opts.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-i.stopChan:
			return
		case <-ticker.C:
			if reason := i.stallReason(ctx); reason != "" {
				i.fire(reason)
				return
			}
		}
	}
}

func (i *Inspector) stallReason(ctx context.Context) string {
	now := time.Now()
	if silence := now.Sub(i.activity.LastActivity()); i.opts.MaxSilence > 0 && silence >= i.opts.MaxSilence {
		return fmt.Sprintf("no activity for %s", silence.Round(time.Millisecond))
	}
	if i.opts.TimeLiving > 0 && now.Sub(i.startedAt) >= i.opts.TimeLiving {
		return fmt.Sprintf("time living of %s exceeded", i.opts.TimeLiving)
	}
	if i.opts.Signal != nil {
		requested, err := i.opts.Signal.Requested(ctx)
		if err != nil {
			i.logger.Warn("cancel signal check failed", zap.Error(err))
			return ""
		}
		if requested {
			return "cancel requested"
		}
	}
	return ""
}

// fire holds the lock across the cancel so Stop and a firing watchdog are mutually exclusive
func (i *Inspector) fire(reason string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.stopped {
		return
	}
	if i.canceler.Cancel(reason) {
		i.fired = true
		i.reason = reason
		i.logger.Warn("job canceled by liveness inspector", zap.String("reason", reason))
	}
}

// RedisSignal reads a cancel request from a redis key. The scheduler sets it to USR1.
type RedisSignal struct {
	client *redis.Client
	key    string
}

// NewRedisSignal creates a signal watching key
func NewRedisSignal(client *redis.Client, key string) *RedisSignal {
	return &RedisSignal{client: client, key: key}
}

// Requested reports whether a cancel was requested
func (s *RedisSignal) Requested(ctx context.Context) (bool, error) {
	val, err := s.client.Get(ctx, s.key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return val == "USR1", nil
}
