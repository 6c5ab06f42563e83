package executor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"borg/forge/internal/job"
)

const (
	// exit code a build script uses to say the package built but its tests failed
	testsFailedExitCode = 5
	// docker run exits with 125 when the daemon itself failed
	dockerDaemonExitCode = 125

	// how long to wait for the output pipes after the process group is killed
	waitDelay = 5 * time.Second

	// budget for removing the container of a canceled job
	containerKillTimeout = 30 * time.Second
	containerPrefix      = "forge-"

	// mount points inside the container
	containerWorkDir   = "/work"
	containerOutputDir = "/output"
)

// Executor executes build scripts
type Executor struct {
	workDir   string
	outputDir string
	logger    *zap.Logger
}

// NewExecutor creates a new executor. Scripts run in workDir and leave artifacts in outputDir.
func NewExecutor(workDir, outputDir string, logger *zap.Logger) (*Executor, error) {
	for _, dir := range []string{workDir, outputDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Wrapf(err, "create directory %s", dir)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		workDir:   workDir,
		outputDir: outputDir,
		logger:    logger,
	}, nil
}

// Execute runs the script described by opts, streaming combined output to out.
// A nil error means the script exited with 0. Failures are classified into the job fault taxonomy.
func (e *Executor) Execute(ctx context.Context, opts *job.Options, out io.Writer) error {
	var cmd *exec.Cmd
	var err error

	switch opts.Type {
	case "shell", "":
		cmd = e.shellCommand(ctx, opts)
	case "binary":
		cmd, err = e.binaryCommand(ctx, opts)
	case "docker":
		cmd, err = e.dockerCommand(ctx, opts)
	default:
		return errors.Errorf("unsupported job type: %v", opts.Type)
	}
	if err != nil {
		return err
	}

	cmd.Dir = e.workDir
	env := os.Environ()
	env = append(env, "OUTPUT_FOLDER="+e.outputDir)
	for k, v := range opts.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = env
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = waitDelay
	setProcessGroup(cmd)
	if opts.Type == "docker" {
		e.killContainerOnCancel(cmd, cmd.Path, containerName(opts.ID))
	}

	e.logger.Info("running build script",
		zap.String("job_id", opts.ID),
		zap.String("type", opts.Type),
		zap.String("work_dir", e.workDir))

	err = cmd.Run()
	if ctx.Err() != nil {
		// the run was torn down from outside, the exit code means nothing
		return errors.Wrap(ctx.Err(), "build script interrupted")
	}
	return classify(opts.Type, err)
}

// classify maps a finished command's error onto the job fault taxonomy
func classify(kind string, err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		// the process never ran
		if kind == "docker" {
			return &job.VMError{Err: errors.WithStack(err)}
		}
		return &job.ScriptError{ExitCode: -1, Err: errors.WithStack(err)}
	}

	code := exitErr.ExitCode()
	switch {
	case code == testsFailedExitCode:
		return errors.WithStack(job.ErrTestsFailed)
	case kind == "docker" && code == dockerDaemonExitCode:
		return &job.VMError{Err: errors.WithStack(err)}
	default:
		return &job.ScriptError{ExitCode: code, Err: errors.WithStack(err)}
	}
}

func (e *Executor) shellCommand(ctx context.Context, opts *job.Options) *exec.Cmd {
	var shell string
	var shellArgs []string

	switch runtime.GOOS {
	case "windows":
		shell = "powershell"
		shellArgs = []string{"-Command", opts.Script}
	default:
		shell = "/bin/sh"
		shellArgs = []string{"-c", opts.Script}
	}
	shellArgs = append(shellArgs, opts.Args...)

	return exec.CommandContext(ctx, shell, shellArgs...)
}

// binaryCommand runs a prebuilt program shipped into the work directory
func (e *Executor) binaryCommand(ctx context.Context, opts *job.Options) (*exec.Cmd, error) {
	binaryPath := filepath.Join(e.workDir, opts.Script)

	if _, err := os.Stat(binaryPath); os.IsNotExist(err) {
		return nil, errors.Errorf("binary not found: %s", binaryPath)
	}
	if runtime.GOOS != "windows" {
		if err := os.Chmod(binaryPath, 0755); err != nil {
			return nil, errors.Wrap(err, "make binary executable")
		}
	}

	return exec.CommandContext(ctx, binaryPath, opts.Args...), nil
}

func (e *Executor) dockerCommand(ctx context.Context, opts *job.Options) (*exec.Cmd, error) {
	docker, err := exec.LookPath("docker")
	if err != nil {
		return nil, &job.VMError{Err: errors.Wrap(err, "docker not found")}
	}
	if opts.DockerImage == "" {
		return nil, errors.New("docker image not specified")
	}
	return exec.CommandContext(ctx, docker, e.dockerArgs(opts)...), nil
}

func (e *Executor) dockerArgs(opts *job.Options) []string {
	args := []string{"run", "--rm", "--name", containerName(opts.ID)}
	args = append(args, "-v", fmt.Sprintf("%s:%s", e.workDir, containerWorkDir))
	args = append(args, "-v", fmt.Sprintf("%s:%s", e.outputDir, containerOutputDir))
	args = append(args, "-w", containerWorkDir)
	args = append(args, "-e", "OUTPUT_FOLDER="+containerOutputDir)
	for k, v := range opts.Env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	if opts.Privileged {
		args = append(args, "--privileged")
	}

	args = append(args, opts.DockerImage, "/bin/sh", "-c", opts.Script)
	return append(args, opts.Args...)
}

var invalidContainerChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// containerName is the deterministic container name of a job
func containerName(jobID string) string {
	return containerPrefix + invalidContainerChars.ReplaceAllString(jobID, "-")
}

// killContainerOnCancel removes the job's container when the run is canceled.
// The container belongs to the docker daemon, killing the CLI's process group does not reach it.
func (e *Executor) killContainerOnCancel(cmd *exec.Cmd, docker, name string) {
	stopCLI := cmd.Cancel
	cmd.Cancel = func() error {
		ctx, cancel := context.WithTimeout(context.Background(), containerKillTimeout)
		defer cancel()
		if out, err := exec.CommandContext(ctx, docker, "rm", "-f", name).CombinedOutput(); err != nil {
			e.logger.Warn("cannot remove container",
				zap.String("container", name),
				zap.ByteString("output", out),
				zap.Error(err))
		}
		if stopCLI != nil {
			return stopCLI()
		}
		return cmd.Process.Kill()
	}
}

// ScriptRunner binds an executor to one job and its log stream
type ScriptRunner struct {
	executor *Executor
	opts     *job.Options
	out      io.WriteCloser
}

// NewScriptRunner creates a runner for opts. out is closed when the script finishes.
func NewScriptRunner(e *Executor, opts *job.Options, out io.WriteCloser) *ScriptRunner {
	return &ScriptRunner{executor: e, opts: opts, out: out}
}

// RunScript runs the job's script to completion or until ctx is canceled
func (r *ScriptRunner) RunScript(ctx context.Context) error {
	defer r.out.Close()
	return r.executor.Execute(ctx, r.opts, r.out)
}
