package logchannel

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultLiveLines    = 100
	defaultLiveInterval = 10 * time.Second
	livePushTimeout     = 5 * time.Second
)

// LiveSink receives the most recent log lines for live viewing
type LiveSink interface {
	Push(ctx context.Context, lines []string) error
	Close() error
}

// LiveOutputter keeps a window of recent lines and periodically pushes it to a LiveSink.
// Sink failures are logged and never reach the build.
type LiveOutputter struct {
	sink     LiveSink
	max      int
	interval time.Duration
	logger   *zap.Logger

	mu    sync.Mutex
	lines []string
	dirty bool

	stopOnce sync.Once
	stopChan chan struct{}
	done     chan struct{}
}

// NewLiveOutputter starts the push loop. Zero max or interval select the defaults.
func NewLiveOutputter(sink LiveSink, max int, interval time.Duration, logger *zap.Logger) *LiveOutputter {
	if max <= 0 {
		max = defaultLiveLines
	}
	if interval <= 0 {
		interval = defaultLiveInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &LiveOutputter{
		sink:     sink,
		max:      max,
		interval: interval,
		logger:   logger,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
	go o.loop()
	return o
}

func (o *LiveOutputter) Write(line string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lines = append(o.lines, line)
	if len(o.lines) > o.max {
		o.lines = o.lines[len(o.lines)-o.max:]
	}
	o.dirty = true
	return nil
}

// Stop flushes what is buffered and closes the sink. Safe to call more than once.
func (o *LiveOutputter) Stop() error {
	var err error
	o.stopOnce.Do(func() {
		close(o.stopChan)
		<-o.done
		o.flush()
		err = o.sink.Close()
	})
	return err
}

func (o *LiveOutputter) loop() {
	defer close(o.done)
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-o.stopChan:
			return
		case <-ticker.C:
			o.flush()
		}
	}
}

func (o *LiveOutputter) flush() {
	o.mu.Lock()
	if !o.dirty {
		o.mu.Unlock()
		return
	}
	snapshot := make([]string, len(o.lines))
	copy(snapshot, o.lines)
	o.dirty = false
	o.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), livePushTimeout)
	defer cancel()
	if err := o.sink.Push(ctx, snapshot); err != nil {
		o.logger.Warn("live feed push failed", zap.Error(err))
	}
}

// RedisSink stores the live window under a key that expires when the worker stops refreshing it
type RedisSink struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisSink creates a sink writing to key with the given ttl
func NewRedisSink(client *redis.Client, key string, ttl time.Duration) *RedisSink {
	return &RedisSink{client: client, key: key, ttl: ttl}
}

// Push replaces the key contents with lines
func (s *RedisSink) Push(ctx context.Context, lines []string) error {
	return s.client.SetEx(ctx, s.key, strings.Join(lines, "\n"), s.ttl).Err()
}

// Close does nothing, the client is shared by the process
func (s *RedisSink) Close() error { return nil }
