package logchannel

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

// Outputter is one destination of job log lines
type Outputter interface {
	Write(line string) error
	Stop() error
}

// ConsoleOutputter writes lines to a stream, stdout by default
type ConsoleOutputter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewConsoleOutputter creates a console outputter. A nil writer means os.Stdout.
func NewConsoleOutputter(w io.Writer) *ConsoleOutputter {
	if w == nil {
		w = os.Stdout
	}
	return &ConsoleOutputter{w: w}
}

func (o *ConsoleOutputter) Write(line string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, err := fmt.Fprintln(o.w, line)
	return err
}

// Stop is a no-op, the stream is not ours to close
func (o *ConsoleOutputter) Stop() error { return nil }

// FileOutputter appends lines to the durable per-job log file
type FileOutputter struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	closed bool
}

// NewFileOutputter opens (or creates) the log file at path
func NewFileOutputter(path string) (*FileOutputter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrap(err, "create log directory")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "open log file")
	}
	return &FileOutputter{path: path, file: f}, nil
}

// Path returns the log file location
func (o *FileOutputter) Path() string { return o.path }

func (o *FileOutputter) Write(line string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	_, err := o.file.WriteString(line + "\n")
	return err
}

// Stop closes the file
func (o *FileOutputter) Stop() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	o.closed = true
	return o.file.Close()
}
