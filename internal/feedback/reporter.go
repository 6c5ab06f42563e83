package feedback

import (
	"context"

	"go.uber.org/zap"

	"borg/forge/internal/job"
)

// Message is a scheduler-bound update, shaped as a job for handlerClass on queue
type Message struct {
	Queue string
	Class string
	Args  []interface{}
}

// Publisher delivers messages to the central scheduler. No reply is awaited.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Reporter sends job status updates
type Reporter struct {
	job       *job.Job
	publisher Publisher
	queue     string
	class     string
	logger    *zap.Logger
}

// NewReporter creates a reporter for j
func NewReporter(j *job.Job, publisher Publisher, queue, class string, logger *zap.Logger) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{
		job:       j,
		publisher: publisher,
		queue:     queue,
		class:     class,
		logger:    logger,
	}
}

// Payload builds {id, status, extra} with overrides applied on top
func (r *Reporter) Payload(overrides map[string]interface{}) map[string]interface{} {
	payload := map[string]interface{}{
		"id":     r.job.ID,
		"status": int(r.job.ReportedStatus()),
		"extra":  r.job.Extra,
	}
	for k, v := range overrides {
		payload[k] = v
	}
	return payload
}

// Update pushes the job's current state. When the job skips feedback only forced pushes go out.
func (r *Reporter) Update(ctx context.Context, overrides map[string]interface{}, force bool) error {
	if r.job.SkipFeedback && !force {
		return nil
	}

	payload := r.Payload(overrides)
	msg := Message{Queue: r.queue, Class: r.class, Args: []interface{}{payload}}
	if err := r.publisher.Publish(ctx, msg); err != nil {
		r.logger.Error("feedback push failed",
			zap.String("job_id", r.job.ID),
			zap.Any("status", payload["status"]),
			zap.Error(err))
		return err
	}

	r.logger.Debug("feedback pushed", zap.String("job_id", r.job.ID), zap.Any("status", payload["status"]))
	return nil
}
