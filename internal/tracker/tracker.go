package tracker

import (
	"github.com/airbrake/gobrake/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Tracker receives faults that reach the worker's top-level boundary
type Tracker interface {
	Notify(err error, meta map[string]interface{}) error
	Close() error
}

// Options configure the Airbrake tracker
type Options struct {
	ProjectID   int64
	ProjectKey  string
	Host        string
	Environment string
}

// Airbrake sends faults to an Airbrake compatible service
type Airbrake struct {
	notifier *gobrake.Notifier
	logger   *zap.Logger
}

// NewAirbrake creates the process-wide notifier
func NewAirbrake(opts Options, logger *zap.Logger) (*Airbrake, error) {
	if opts.ProjectID == 0 || opts.ProjectKey == "" {
		return nil, errors.New("error tracker: project id and key are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	notifier := gobrake.NewNotifierWithOptions(&gobrake.NotifierOptions{
		ProjectId:   opts.ProjectID,
		ProjectKey:  opts.ProjectKey,
		Host:        opts.Host,
		Environment: opts.Environment,
	})
	return &Airbrake{notifier: notifier, logger: logger}, nil
}

// Notify sends err synchronously with meta attached as params
func (a *Airbrake) Notify(err error, meta map[string]interface{}) error {
	notice := a.notifier.Notice(err, nil, 1)
	if notice.Params == nil {
		notice.Params = make(map[string]interface{}, len(meta))
	}
	for k, v := range meta {
		notice.Params[k] = v
	}
	id, sendErr := a.notifier.SendNotice(notice)
	if sendErr != nil {
		return errors.Wrap(sendErr, "send notice")
	}
	a.logger.Info("fault reported", zap.String("notice_id", id))
	return nil
}

// Close flushes pending notices
func (a *Airbrake) Close() error {
	return a.notifier.Close()
}

// Nop discards every fault
type Nop struct{}

func (Nop) Notify(error, map[string]interface{}) error { return nil }
func (Nop) Close() error                                 { return nil }
