package logchannel

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Options configure a Channel
type Options struct {
	// Name identifies the log, the durable file is <LogDir>/<Name>.log
	Name   string
	LogDir string

	// SkipFeedback leaves only the console outputter
	SkipFeedback bool

	Console io.Writer
	Filter  *Filter

	// Live is optional; without it no live outputter is created
	Live         LiveSink
	LiveLines    int
	LiveInterval time.Duration

	Logger *zap.Logger
}

// Channel fans job log lines out to its outputters after redaction.
// It also records the time of the last line for the liveness inspector.
type Channel struct {
	name       string
	filter     *Filter
	outputters []Outputter
	file       *FileOutputter
	logger     *zap.Logger

	lastActivity atomic.Int64
	stopOnce     sync.Once
	stopErr      error
}

// New builds the outputter list once: console always, file and live unless feedback is skipped
func New(opts Options) (*Channel, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	filter := opts.Filter
	if filter == nil {
		filter = DefaultFilter()
	}

	c := &Channel{
		name:   opts.Name,
		filter: filter,
		logger: logger.With(zap.String("log", opts.Name)),
	}
	c.outputters = append(c.outputters, NewConsoleOutputter(opts.Console))

	if !opts.SkipFeedback {
		file, err := NewFileOutputter(filepath.Join(opts.LogDir, opts.Name+".log"))
		if err != nil {
			return nil, err
		}
		c.file = file
		c.outputters = append(c.outputters, file)

		if opts.Live != nil {
			c.outputters = append(c.outputters, NewLiveOutputter(opts.Live, opts.LiveLines, opts.LiveInterval, c.logger))
		}
	}

	c.Touch()
	return c, nil
}

// Name returns the log name
func (c *Channel) Name() string { return c.name }

// FilePath returns the durable log location, empty when there is none
func (c *Channel) FilePath() string {
	if c.file == nil {
		return ""
	}
	return c.file.Path()
}

// Filter returns the redaction filter in use
func (c *Channel) Filter() *Filter { return c.filter }

// Touch records activity without writing a line
func (c *Channel) Touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns when the channel last saw a line
func (c *Channel) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Write sends one line to every outputter. Outputter errors are logged, not returned,
// so a broken sink never stops the others.
func (c *Channel) Write(line string) {
	c.Touch()
	clean := c.filter.Apply(line)
	for _, o := range c.outputters {
		if err := o.Write(clean); err != nil {
			c.logger.Warn("log outputter write failed", zap.Error(err))
		}
	}
}

// Log formats and writes one line
func (c *Channel) Log(format string, args ...interface{}) {
	c.Write(fmt.Sprintf(format, args...))
}

// Writer returns an io.WriteCloser that splits its input into lines for the channel
func (c *Channel) Writer() io.WriteCloser {
	return &lineWriter{ch: c}
}

// Stop stops transmitting outputters and closes the file. Idempotent.
func (c *Channel) Stop() error {
	c.stopOnce.Do(func() {
		for _, o := range c.outputters {
			c.stopErr = multierr.Append(c.stopErr, o.Stop())
		}
	})
	return c.stopErr
}

// maxPartialLine bounds the buffer of a stream that never ends a line
const maxPartialLine = 64 * 1024

type lineWriter struct {
	mu  sync.Mutex
	ch  *Channel
	buf []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := w.buf[:i]
		if len(line) > 0 && line[len(line)-1] == '\r' {
			line = line[:len(line)-1]
		}
		w.ch.Write(string(line))
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) >= maxPartialLine {
		w.ch.Write(string(w.buf))
		w.buf = nil
	}
	if len(p) > 0 {
		// partial lines still count as activity
		w.ch.Touch()
	}
	return len(p), nil
}

// Close flushes a trailing partial line
func (w *lineWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.ch.Write(string(w.buf))
		w.buf = nil
	}
	return nil
}
