package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"borg/forge/internal/feedback"
	"borg/forge/internal/inspector"
	"borg/forge/internal/job"
	"borg/forge/internal/logchannel"
	"borg/forge/internal/tracker"
	"borg/forge/internal/uploader"
)

const (
	errorBlockStart = "==> ABF-WORKER-ERROR-START"
	errorBlockEnd   = "<== ABF-WORKER-ERROR-END"
)

// Runner executes the build script
type Runner interface {
	RunScript(ctx context.Context) error
}

// JobLog is the job's log channel
type JobLog interface {
	Write(line string)
	Log(format string, args ...interface{})
	LastActivity() time.Time
	Filter() *logchannel.Filter
	Stop() error
}

// Options wire a Supervisor to its collaborators
type Options struct {
	Job      *job.Job
	Runner   Runner
	Log      JobLog
	Reporter *feedback.Reporter
	Store    uploader.FileStore
	Archiver uploader.Archiver
	Tracker  tracker.Tracker

	OutputFolder string
	ABFURL       string
	// Production sends faults to the tracker; otherwise they only go to the console
	Production bool
	HostName   string

	Inspector inspector.Options
	// Console receives the redacted fault dump, stderr when nil
	Console io.Writer
	Logger  *zap.Logger
}

// Supervisor drives one job from start to its single terminal status
type Supervisor struct {
	job        *job.Job
	runner     Runner
	log        JobLog
	reporter   *feedback.Reporter
	uploader   *uploader.Uploader
	tracker    tracker.Tracker
	inspector  *inspector.Inspector
	output     string
	abfURL     string
	production bool
	hostName   string
	console    io.Writer
	logger     *zap.Logger

	reportURL     string
	reportURLOnce sync.Once

	mu        sync.Mutex
	cancelRun context.CancelFunc
	fatal     bool
}

// New creates the supervisor and pushes the initial Started status
func New(ctx context.Context, opts Options) *Supervisor {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	hostName := opts.HostName
	if hostName == "" {
		hostName, _ = os.Hostname()
	}
	console := opts.Console
	if console == nil {
		console = os.Stderr
	}
	tr := opts.Tracker
	if tr == nil {
		tr = tracker.Nop{}
	}

	s := &Supervisor{
		job:        opts.Job,
		runner:     opts.Runner,
		log:        opts.Log,
		reporter:   opts.Reporter,
		tracker:    tr,
		output:     opts.OutputFolder,
		abfURL:     strings.TrimRight(opts.ABFURL, "/"),
		production: opts.Production,
		hostName:   hostName,
		console:    console,
		logger:     logger.With(zap.String("job_id", opts.Job.ID)),
	}

	s.uploader = uploader.NewUploader(uploader.Options{
		Store:     opts.Store,
		Archiver:  opts.Archiver,
		ReportURL: s.BuildReportURL(),
		JobLog:    opts.Log,
		Logger:    s.logger,
	})

	inspectorOpts := opts.Inspector
	if inspectorOpts.Logger == nil {
		inspectorOpts.Logger = s.logger
	}
	s.inspector = inspector.New(opts.Log, s, inspectorOpts)

	if err := s.reporter.Update(ctx, nil, false); err != nil {
		s.logger.Warn("initial status push failed", zap.Error(err))
	}
	return s
}

// Run executes the job and always finalizes it: upload, one terminal push, log shutdown.
// Faults never escape; the resulting internal status is returned.
func (s *Supervisor) Run(ctx context.Context) job.Status {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancelRun = cancel
	s.mu.Unlock()

	s.logger.Info("job started")
	s.inspector.Start(runCtx)
	runErr := s.runScript(runCtx)
	// after Stop returns the watchdog can no longer cancel the job
	s.inspector.Stop()

	outcome, overrides := s.outcome(ctx, runErr)

	// finalization must survive a canceled parent context
	finalCtx := context.WithoutCancel(ctx)
	results, uploadErr := s.uploadResults(finalCtx)
	if uploadErr != nil {
		s.ReportFatal(uploadErr)
		if outcome != job.StatusCanceled {
			outcome = job.StatusFailed
		}
	}

	s.job.Terminate(outcome)
	status := s.job.Status()

	if results == nil {
		results = []job.UploadResult{}
	}
	overrides["results"] = results
	if err := s.reporter.Update(finalCtx, overrides, false); err != nil {
		s.logger.Error("final status push failed", zap.Error(err))
	}

	if !s.fatalReported() {
		s.log.Log("==> Build finished with status: %s", status)
	}
	if err := s.log.Stop(); err != nil {
		s.logger.Warn("log channel stop failed", zap.Error(err))
	}

	s.logger.Info("job finished",
		zap.Stringer("status", status),
		zap.Stringer("reported_status", status.Reported()),
		zap.Int("artifacts", len(results)))
	return status
}

// Cancel moves the job to Canceled and tears the runner down. It is a no-op once the job is terminal.
func (s *Supervisor) Cancel(reason string) bool {
	if !s.job.Terminate(job.StatusCanceled) {
		return false
	}
	s.log.Log("==> Job canceled: %s", reason)

	s.mu.Lock()
	cancel := s.cancelRun
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return true
}

// ReportFatal is the top-level recovery boundary for a fault. It notifies the tracker in
// production, dumps the redacted fault to the console and writes a delimited block to the job log.
func (s *Supervisor) ReportFatal(fault error) {
	s.mu.Lock()
	s.fatal = true
	s.mu.Unlock()

	if s.production {
		meta := map[string]interface{}{
			"hostname":  s.hostName,
			"worker_id": s.job.WorkerID,
			"options":   s.job.Options,
		}
		if err := s.tracker.Notify(fault, meta); err != nil {
			s.logger.Error("cannot report fault", zap.Error(err))
		}
	}

	filter := s.log.Filter()
	message := filter.Apply(fault.Error())
	trace := filter.Apply(stackTrace(fault))
	fmt.Fprintln(s.console, message)
	if trace != "" {
		fmt.Fprintln(s.console, trace)
	}

	reportID := uuid.NewString()
	s.logger.Error("job fault", zap.String("report_id", reportID), zap.String("error", message))

	lines := []string{
		errorBlockStart,
		"Something went wrong, report has been sent to ABF team, please try again.",
		fmt.Sprintf("If this error will be happen again, please inform us using %s/contact", s.abfURL),
		"Report ID: " + reportID,
		"----------",
		message,
	}
	if trace != "" {
		lines = append(lines, strings.Split(trace, "\n")...)
	}
	lines = append(lines, errorBlockEnd)
	for _, line := range lines {
		s.log.Write(line)
	}
}

// BuildReportURL returns the job's page on the build service
func (s *Supervisor) BuildReportURL() string {
	s.reportURLOnce.Do(func() {
		s.reportURL = ReportURL(s.abfURL, s.job.ID)
	})
	return s.reportURL
}

// ReportURL is <base>/build_lists/<id>
func ReportURL(base, id string) string {
	return fmt.Sprintf("%s/build_lists/%s", strings.TrimRight(base, "/"), id)
}

func (s *Supervisor) fatalReported() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatal
}

// outcome maps the runner result to a terminal status and the payload fields it implies
func (s *Supervisor) outcome(ctx context.Context, runErr error) (job.Status, map[string]interface{}) {
	overrides := map[string]interface{}{}

	if s.job.Status() == job.StatusCanceled || ctx.Err() != nil {
		return job.StatusCanceled, overrides
	}
	if runErr == nil {
		overrides["exit_status"] = 0
		return job.StatusCompleted, overrides
	}
	if errors.Is(runErr, job.ErrTestsFailed) {
		s.log.Log("==> Tests failed")
		return job.StatusTestsFailed, overrides
	}

	var scriptErr *job.ScriptError
	if errors.As(runErr, &scriptErr) && scriptErr.ExitCode >= 0 {
		overrides["exit_status"] = scriptErr.ExitCode
	}
	s.ReportFatal(runErr)

	var vmErr *job.VMError
	if errors.As(runErr, &vmErr) {
		return job.StatusVMError, overrides
	}
	return job.StatusFailed, overrides
}

func (s *Supervisor) runScript(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("runner panic: %v", r)
		}
	}()
	return s.runner.RunScript(ctx)
}

func (s *Supervisor) uploadResults(ctx context.Context) (results []job.UploadResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("upload panic: %v", r)
		}
	}()
	if s.output == "" {
		return []job.UploadResult{}, nil
	}
	return s.uploader.UploadArtifacts(ctx, s.output), nil
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// stackTrace renders the innermost recorded stack of err, empty when none was captured
func stackTrace(err error) string {
	var trace string
	for e := err; e != nil; e = errors.Unwrap(e) {
		if st, ok := e.(stackTracer); ok {
			trace = strings.TrimSpace(fmt.Sprintf("%+v", st.StackTrace()))
		}
	}
	return trace
}
