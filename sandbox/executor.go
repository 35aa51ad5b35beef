package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Phase is a step in the life of one submission's containers.
type Phase int

const (
	PhaseStaged Phase = iota
	PhaseCompiling
	PhaseCompiled
	PhaseRunning
	PhaseWaited
	PhaseTelemetryCaptured
	PhaseRemoved
	PhaseKilled
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseStaged:
		return "staged"
	case PhaseCompiling:
		return "compiling"
	case PhaseCompiled:
		return "compiled"
	case PhaseRunning:
		return "running"
	case PhaseWaited:
		return "waited"
	case PhaseTelemetryCaptured:
		return "telemetry_captured"
	case PhaseRemoved:
		return "removed"
	case PhaseKilled:
		return "killed"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

const (
	phaseLabelCompile = "compile"
	phaseLabelRun     = "run"
	teardownTimeout   = 30 * time.Second
)

// Config holds configuration for the container executor
type Config struct {
	Timeout        time.Duration
	MemoryMB       int
	NanoCPUs       int64
	PidsLimit      int64
	NetworkEnabled bool
	SettleDelay    time.Duration
	MaxConcurrent  int
	WorkspaceRoot  string
	// MaxOutputBytes caps captured output per container; 0 keeps everything.
	MaxOutputBytes int64
}

func (c *Config) limits() Limits {
	return Limits{
		MemoryBytes:    int64(c.MemoryMB) * BytesPerMB,
		NanoCPUs:       c.NanoCPUs,
		PidsLimit:      c.PidsLimit,
		NetworkEnabled: c.NetworkEnabled,
	}
}

// ContainerExecutor runs submissions in containers: stage, optional compile,
// run, bounded wait, telemetry, teardown. Every container it creates is
// removed before Execute returns.
type ContainerExecutor struct {
	logger     *zap.Logger
	config     *Config
	registry   *Registry
	runtime    Runtime
	workspaces *WorkspaceManager
	collector  *Collector
	slots      *semaphore.Weighted
	recorder   Recorder
	archiver   Archiver
	fs         FileSystem
}

// ExecutorOption defines a functional option for ContainerExecutor
type ExecutorOption func(*ContainerExecutor)

// WithRecorder sets the metrics Recorder
func WithRecorder(r Recorder) ExecutorOption {
	return func(e *ContainerExecutor) {
		if r != nil {
			e.recorder = r
		}
	}
}

// WithArchiver enables archiving of successfully executed source
func WithArchiver(a Archiver) ExecutorOption {
	return func(e *ContainerExecutor) {
		e.archiver = a
	}
}

// WithFileSystem sets the FileSystem used for workspaces
func WithFileSystem(fs FileSystem) ExecutorOption {
	return func(e *ContainerExecutor) {
		e.fs = fs
	}
}

// NewContainerExecutor creates the executor and its staging root.
func NewContainerExecutor(logger *zap.Logger, config *Config, registry *Registry, rt Runtime, opts ...ExecutorOption) (*ContainerExecutor, error) {
	e := &ContainerExecutor{
		logger:   logger,
		config:   config,
		registry: registry,
		runtime:  rt,
		recorder: nopRecorder{},
		fs:       RealFileSystem{},
	}
	for _, opt := range opts {
		opt(e)
	}

	workspaces, err := NewWorkspaceManager(config.WorkspaceRoot, WithWorkspaceFileSystem(e.fs))
	if err != nil {
		return nil, err
	}
	e.workspaces = workspaces

	slots := config.MaxConcurrent
	if slots <= 0 {
		slots = 1
	}
	e.slots = semaphore.NewWeighted(int64(slots))
	e.collector = NewCollector(logger, rt, config.SettleDelay)
	return e, nil
}

// Execute runs one submission. Unknown languages fail before any workspace
// or container is allocated.
func (e *ContainerExecutor) Execute(ctx context.Context, sub Submission) (Result, error) {
	profile, err := e.registry.Lookup(sub.Language)
	if err != nil {
		e.recorder.ObserveExecution(sub.Language, Outcome(err), 0)
		return Result{}, err
	}

	if err := e.slots.Acquire(ctx, 1); err != nil {
		return Result{}, runError(fmt.Errorf("waiting for execution slot: %w", err))
	}
	defer e.slots.Release(1)
	e.recorder.AddInFlight(1)
	defer e.recorder.AddInFlight(-1)

	began := time.Now()
	res, err := e.execute(ctx, profile, sub.Code)
	e.recorder.ObserveExecution(profile.Language, Outcome(err), time.Since(began))
	if err != nil {
		return Result{}, err
	}
	e.recorder.ObserveTelemetryGaps(profile.Language, len(res.Stats.Gaps))

	if e.archiver != nil {
		rec := ArchiveRecord{
			Language: profile.Language,
			Filename: profile.Filename,
			Code:     sub.Code,
			Result:   res,
			At:       time.Now(),
		}
		if archErr := e.archiver.Archive(rec); archErr != nil {
			e.logger.Warn("failed to archive source", zap.String("language", profile.Language), zap.Error(archErr))
		}
	}
	return res, nil
}

func (e *ContainerExecutor) execute(ctx context.Context, profile Profile, code string) (Result, error) {
	ws, err := e.workspaces.Stage(profile, code)
	if err != nil {
		return Result{}, runError(fmt.Errorf("failed to stage workspace: %w", err))
	}
	defer func() {
		if rmErr := ws.Cleanup(); rmErr != nil {
			e.logger.Error("failed to remove workspace", zap.String("path", ws.Dir), zap.Error(rmErr))
		}
	}()

	log := e.logger.With(zap.String("language", profile.Language), zap.String("workspace", ws.ID))
	transition(log, PhaseStaged)

	if profile.HasCompileStep() {
		if err := e.compile(ctx, log, profile, ws); err != nil {
			transition(log, PhaseFailed)
			return Result{}, err
		}
	}

	res, err := e.run(ctx, log, profile, ws)
	if err != nil {
		transition(log, PhaseFailed)
		return Result{}, err
	}
	log.Info("code execution completed",
		zap.Int64("exit_code", res.ExitCode),
		zap.Float64("execution_time", res.ExecutionTime),
		zap.Float64("memory_usage_mb", res.MemoryUsageMB),
		zap.Bool("telemetry_degraded", res.Stats.Degraded))
	return res, nil
}

// compile runs the build step in its own container, which is removed as soon
// as its output has been read. The run phase never starts if it fails.
func (e *ContainerExecutor) compile(ctx context.Context, log *zap.Logger, profile Profile, ws *Workspace) error {
	cmd, err := profile.CompileCommand(ws.ContainerSource(), ws.ContainerDir())
	if err != nil {
		return compileError("", err)
	}

	began := time.Now()
	defer func() { e.recorder.ObservePhase(profile.Language, phaseLabelCompile, time.Since(began)) }()

	transition(log, PhaseCompiling)
	id, err := e.runtime.Create(ctx, e.containerSpec(profile, ws, cmd, phaseLabelCompile))
	if err != nil {
		return compileError("", fmt.Errorf("failed to create compile container: %w", err))
	}
	defer e.teardown(ctx, log, id)

	exitCode, err := e.wait(ctx, log, id)
	if err != nil {
		if errors.Is(err, ErrTimeLimitExceeded) {
			return compileError(fmt.Sprintf("compilation timed out after %s", e.config.Timeout), err)
		}
		var execErr *ExecutionError
		if errors.As(err, &execErr) {
			return compileError(execErr.Message, execErr.Err)
		}
		return compileError("", err)
	}

	out, err := e.runtime.Logs(ctx, id, e.config.MaxOutputBytes)
	if err != nil {
		return compileError("", fmt.Errorf("failed to read compiler output: %w", err))
	}
	if exitCode != 0 {
		message := out.Text
		if message == "" {
			message = fmt.Sprintf("compiler exited with code %d", exitCode)
		}
		return compileError(message, fmt.Errorf("compiler exited with code %d", exitCode))
	}

	transition(log, PhaseCompiled)
	return nil
}

func (e *ContainerExecutor) run(ctx context.Context, log *zap.Logger, profile Profile, ws *Workspace) (Result, error) {
	cmd, err := profile.RunCommand(ws.ContainerSource(), ws.ContainerDir())
	if err != nil {
		return Result{}, runError(err)
	}
	spec := e.containerSpec(profile, ws, cmd, phaseLabelRun)

	start := time.Now()
	id, err := e.runtime.Create(ctx, spec)
	if err != nil {
		return Result{}, runError(fmt.Errorf("failed to create container: %w", err))
	}
	defer e.teardown(ctx, log, id)
	transition(log, PhaseRunning)

	exitCode, err := e.wait(ctx, log, id)
	e.recorder.ObservePhase(profile.Language, phaseLabelRun, time.Since(start))
	if err != nil {
		return Result{}, err
	}
	transition(log, PhaseWaited)

	out, err := e.runtime.Logs(ctx, id, e.config.MaxOutputBytes)
	if err != nil {
		return Result{}, runError(fmt.Errorf("failed to read container logs: %w", err))
	}
	if out.Truncated {
		log.Warn("output truncated", zap.Int64("limit_bytes", e.config.MaxOutputBytes))
	}

	tel := e.collector.Sample(ctx, id, start)
	transition(log, PhaseTelemetryCaptured)

	return Result{
		Language:        profile.Language,
		Output:          out.Text,
		OutputTruncated: out.Truncated,
		ExitCode:        exitCode,
		ExecutionTime:   tel.ExecutionTime,
		MemoryUsageMB:   tel.MemoryUsageMB,
		Stats:           tel,
	}, nil
}

// wait blocks until the container exits or the timeout elapses, in which
// case the container is killed.
func (e *ContainerExecutor) wait(ctx context.Context, log *zap.Logger, id string) (int64, error) {
	waitCtx := ctx
	if e.config.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, e.config.Timeout)
		defer cancel()
	}

	exitCode, err := e.runtime.Wait(waitCtx, id)
	if err == nil {
		return exitCode, nil
	}

	if ctx.Err() == nil && errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
		killCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
		defer cancel()
		if killErr := e.runtime.Kill(killCtx, id); killErr != nil {
			log.Warn("failed to kill container after timeout", zap.String("container", shortID(id)), zap.Error(killErr))
		}
		transition(log, PhaseKilled)
		return 0, &ExecutionError{
			Kind:    KindTimeLimitExceeded,
			Message: fmt.Sprintf("execution timed out after %s", e.config.Timeout),
			Err:     err,
		}
	}
	return 0, runError(fmt.Errorf("container wait error: %w", err))
}

// teardown removes a container even when the request context is already done.
func (e *ContainerExecutor) teardown(ctx context.Context, log *zap.Logger, id string) {
	rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()
	if err := e.runtime.Remove(rmCtx, id); err != nil {
		log.Error("failed to remove container", zap.String("container", shortID(id)), zap.Error(err))
		return
	}
	transition(log, PhaseRemoved)
}

func (e *ContainerExecutor) containerSpec(profile Profile, ws *Workspace, cmd []string, phase string) ContainerSpec {
	return ContainerSpec{
		Image:   profile.Image,
		Cmd:     cmd,
		Env:     profile.EnvList(),
		Mounts:  []Mount{ws.Mount()},
		WorkDir: ws.ContainerDir(),
		Phase:   phase,
		Limits:  e.config.limits(),
	}
}

func transition(log *zap.Logger, p Phase) {
	log.Debug("phase transition", zap.Stringer("phase", p))
}
