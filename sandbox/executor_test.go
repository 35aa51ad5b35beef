package sandbox_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/runmeter/sandbox"
	"github.com/isdmx/runmeter/sandbox/sandboxtest"
)

func testRegistry(t *testing.T) *sandbox.Registry {
	t.Helper()
	reg, err := sandbox.NewRegistry(
		sandbox.Profile{
			Language: "python",
			Image:    "python:3.9-slim",
			RunCmd:   "python {source}",
			Filename: "main.py",
			Env:      map[string]string{"PYTHONUNBUFFERED": "1"},
		},
		sandbox.Profile{
			Language:   "java",
			Image:      "eclipse-temurin:11-jdk",
			CompileCmd: "javac {source}",
			RunCmd:     "java -cp {dir} Solution",
			Filename:   "Solution.java",
		},
	)
	require.NoError(t, err)
	return reg
}

func testConfig(t *testing.T) *sandbox.Config {
	t.Helper()
	return &sandbox.Config{
		Timeout:       2 * time.Second,
		MemoryMB:      512,
		NanoCPUs:      1_000_000_000,
		PidsLimit:     64,
		MaxConcurrent: 8,
		WorkspaceRoot: t.TempDir(),
	}
}

func newExecutor(t *testing.T, cfg *sandbox.Config, rt sandbox.Runtime, opts ...sandbox.ExecutorOption) *sandbox.ContainerExecutor {
	t.Helper()
	exec, err := sandbox.NewContainerExecutor(zaptest.NewLogger(t), cfg, testRegistry(t), rt, opts...)
	require.NoError(t, err)
	return exec
}

func assertWorkspacesRemoved(t *testing.T, cfg *sandbox.Config) {
	t.Helper()
	entries, err := os.ReadDir(cfg.WorkspaceRoot)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func byPhase(phase string, b sandboxtest.Behavior) sandboxtest.Script {
	return func(spec sandbox.ContainerSpec) sandboxtest.Behavior {
		if spec.Phase == phase {
			return b
		}
		return sandboxtest.Behavior{}
	}
}

func TestExecuteUnsupportedLanguage(t *testing.T) {
	cfg := testConfig(t)
	rt := sandboxtest.New(nil)
	exec := newExecutor(t, cfg, rt)

	_, err := exec.Execute(context.Background(), sandbox.Submission{Language: "cobol", Code: "DISPLAY 'X'."})
	require.Error(t, err)
	assert.ErrorIs(t, err, sandbox.ErrUnsupportedLanguage)

	created, _, _ := rt.Counts()
	assert.Zero(t, created)
	assert.Empty(t, rt.Specs)
	assertWorkspacesRemoved(t, cfg)

	p := sandbox.Assemble(sandbox.Result{}, err)
	assert.Equal(t, http.StatusBadRequest, p.Status)
	assert.Equal(t, "Unsupported language", p.Failure.Error)
}

func TestExecutePython(t *testing.T) {
	cfg := testConfig(t)
	rt := sandboxtest.New(func(sandbox.ContainerSpec) sandboxtest.Behavior {
		return sandboxtest.Behavior{
			Output:   "X\n",
			Snapshot: sandboxtest.Snapshot(64*sandbox.BytesPerMB, 512*sandbox.BytesPerMB, 300, 100, 2_000, 1_000, 2, 1),
		}
	})
	exec := newExecutor(t, cfg, rt)

	res, err := exec.Execute(context.Background(), sandbox.Submission{Language: "python", Code: "print('X')"})
	require.NoError(t, err)

	assert.Equal(t, "python", res.Language)
	assert.Equal(t, "X\n", res.Output)
	assert.Equal(t, int64(0), res.ExitCode)
	assert.Greater(t, res.ExecutionTime, 0.0)
	assert.InDelta(t, 64.0, res.MemoryUsageMB, 1e-9)
	assert.InDelta(t, 12.5, res.Stats.MemoryPercentage, 1e-9)
	assert.InDelta(t, 40.0, res.Stats.CPUPercentage, 1e-9)
	assert.Equal(t, uint64(150), res.Stats.NetIO)
	assert.Equal(t, uint64(5120), res.Stats.BlockIO)
	assert.Equal(t, sandbox.PIDCount{Count: 1, Available: true}, res.Stats.PIDs)
	assert.False(t, res.Stats.Degraded)
	assert.Equal(t, res.ExecutionTime, res.Stats.ExecutionTime)

	require.Len(t, rt.Specs, 1)
	spec := rt.Specs[0]
	assert.Equal(t, "run", spec.Phase)
	assert.Equal(t, "python:3.9-slim", spec.Image)
	assert.Equal(t, []string{"python", "/code/main.py"}, spec.Cmd)
	assert.Equal(t, []string{"PYTHONUNBUFFERED=1"}, spec.Env)
	assert.Equal(t, "/code", spec.WorkDir)
	assert.Equal(t, int64(512*sandbox.BytesPerMB), spec.Limits.MemoryBytes)
	assert.Equal(t, int64(64), spec.Limits.PidsLimit)
	assert.False(t, spec.Limits.NetworkEnabled)
	require.Len(t, spec.Mounts, 1)
	assert.Equal(t, "/code", spec.Mounts[0].Target)
	assert.Equal(t, cfg.WorkspaceRoot, filepath.Dir(spec.Mounts[0].Source))

	created, removed, killed := rt.Counts()
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, removed)
	assert.Zero(t, killed)
	assertWorkspacesRemoved(t, cfg)
}

func TestExecuteJavaCompilesThenRuns(t *testing.T) {
	cfg := testConfig(t)
	rt := sandboxtest.New(byPhase("run", sandboxtest.Behavior{Output: "Hello from Java\n"}))
	exec := newExecutor(t, cfg, rt)

	res, err := exec.Execute(context.Background(), sandbox.Submission{Language: "java", Code: "public class Solution {}"})
	require.NoError(t, err)
	assert.Equal(t, "Hello from Java\n", res.Output)

	require.Len(t, rt.Specs, 2)
	assert.Equal(t, "compile", rt.Specs[0].Phase)
	assert.Equal(t, []string{"javac", "/code/Solution.java"}, rt.Specs[0].Cmd)
	assert.Equal(t, "run", rt.Specs[1].Phase)
	assert.Equal(t, []string{"java", "-cp", "/code", "Solution"}, rt.Specs[1].Cmd)
	assert.Equal(t, rt.Specs[0].Mounts, rt.Specs[1].Mounts)

	created, removed, _ := rt.Counts()
	assert.Equal(t, 2, created)
	assert.Equal(t, 2, removed)
}

func TestExecuteCompileFailure(t *testing.T) {
	cfg := testConfig(t)
	rt := sandboxtest.New(byPhase("compile", sandboxtest.Behavior{ExitCode: 1, Output: "boom"}))
	exec := newExecutor(t, cfg, rt)

	_, err := exec.Execute(context.Background(), sandbox.Submission{Language: "java", Code: "public class Solution {"})
	require.Error(t, err)
	assert.ErrorIs(t, err, sandbox.ErrCompile)
	assert.Contains(t, err.Error(), "boom")

	require.Len(t, rt.Specs, 1, "run phase must not start")
	assert.Equal(t, "compile", rt.Specs[0].Phase)

	created, removed, _ := rt.Counts()
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, removed)
	assertWorkspacesRemoved(t, cfg)

	p := sandbox.Assemble(sandbox.Result{}, err)
	assert.Equal(t, http.StatusOK, p.Status)
	assert.Equal(t, "boom", p.Failure.Error)
}

func TestExecuteCompileFailureWithoutOutput(t *testing.T) {
	cfg := testConfig(t)
	rt := sandboxtest.New(byPhase("compile", sandboxtest.Behavior{ExitCode: 2}))
	exec := newExecutor(t, cfg, rt)

	_, err := exec.Execute(context.Background(), sandbox.Submission{Language: "java", Code: ""})
	require.Error(t, err)
	assert.ErrorIs(t, err, sandbox.ErrCompile)
	assert.Contains(t, err.Error(), "compiler exited with code 2")
}

func TestExecuteNonZeroExitIsResult(t *testing.T) {
	cfg := testConfig(t)
	rt := sandboxtest.New(func(sandbox.ContainerSpec) sandboxtest.Behavior {
		return sandboxtest.Behavior{ExitCode: 1, Output: "ZeroDivisionError: division by zero\n"}
	})
	exec := newExecutor(t, cfg, rt)

	res, err := exec.Execute(context.Background(), sandbox.Submission{Language: "python", Code: "1/0"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.ExitCode)
	assert.Contains(t, res.Output, "ZeroDivisionError")

	p := sandbox.Assemble(res, err)
	assert.False(t, p.IsError())
	assert.Equal(t, http.StatusOK, p.Status)
}

func TestExecuteTimeout(t *testing.T) {
	cfg := testConfig(t)
	cfg.Timeout = 50 * time.Millisecond
	rt := sandboxtest.New(func(sandbox.ContainerSpec) sandboxtest.Behavior {
		return sandboxtest.Behavior{Hang: true}
	})
	exec := newExecutor(t, cfg, rt)

	_, err := exec.Execute(context.Background(), sandbox.Submission{Language: "python", Code: "while True: pass"})
	require.Error(t, err)
	assert.ErrorIs(t, err, sandbox.ErrTimeLimitExceeded)
	assert.Contains(t, err.Error(), "timed out after 50ms")

	created, removed, killed := rt.Counts()
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, killed)
	assert.Equal(t, 1, removed)
	assertWorkspacesRemoved(t, cfg)
}

func TestExecuteCompileTimeout(t *testing.T) {
	cfg := testConfig(t)
	cfg.Timeout = 50 * time.Millisecond
	rt := sandboxtest.New(byPhase("compile", sandboxtest.Behavior{Hang: true}))
	exec := newExecutor(t, cfg, rt)

	_, err := exec.Execute(context.Background(), sandbox.Submission{Language: "java", Code: "class Solution {}"})
	require.Error(t, err)
	assert.ErrorIs(t, err, sandbox.ErrCompile)
	assert.ErrorIs(t, err, sandbox.ErrTimeLimitExceeded)
	assert.Contains(t, err.Error(), "compilation timed out")

	require.Len(t, rt.Specs, 1)
	_, removed, killed := rt.Counts()
	assert.Equal(t, 1, killed)
	assert.Equal(t, 1, removed)
}

func TestExecuteCallerCancellationStillTearsDown(t *testing.T) {
	cfg := testConfig(t)
	rt := sandboxtest.New(func(sandbox.ContainerSpec) sandboxtest.Behavior {
		return sandboxtest.Behavior{Hang: true}
	})
	exec := newExecutor(t, cfg, rt)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := exec.Execute(ctx, sandbox.Submission{Language: "python", Code: "input()"})
	require.Error(t, err)
	assert.ErrorIs(t, err, sandbox.ErrRun)
	assert.ErrorIs(t, err, context.Canceled)

	_, removed, killed := rt.Counts()
	assert.Equal(t, 1, removed)
	assert.Zero(t, killed)
	assertWorkspacesRemoved(t, cfg)
}

func TestExecuteRuntimeFailures(t *testing.T) {
	tests := []struct {
		name        string
		behavior    sandboxtest.Behavior
		wantCreated int
		wantError   string
	}{
		{"CreateFails", sandboxtest.Behavior{CreateErr: errors.New("no such image")}, 0, "failed to create container: no such image"},
		{"WaitFails", sandboxtest.Behavior{WaitErr: errors.New("connection reset")}, 1, "container wait error: connection reset"},
		{"LogsFail", sandboxtest.Behavior{LogsErr: errors.New("log driver none")}, 1, "failed to read container logs: log driver none"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			rt := sandboxtest.New(func(sandbox.ContainerSpec) sandboxtest.Behavior { return tt.behavior })
			exec := newExecutor(t, cfg, rt)

			_, err := exec.Execute(context.Background(), sandbox.Submission{Language: "python", Code: "print(1)"})
			require.Error(t, err)
			assert.ErrorIs(t, err, sandbox.ErrRun)

			created, removed, _ := rt.Counts()
			assert.Equal(t, tt.wantCreated, created)
			assert.Equal(t, created, removed)
			assertWorkspacesRemoved(t, cfg)

			p := sandbox.Assemble(sandbox.Result{}, err)
			assert.Equal(t, http.StatusInternalServerError, p.Status)
			assert.Contains(t, p.Failure.Error, tt.wantError)
			assert.LessOrEqual(t, strings.Count(p.Failure.Error, "failed to"), 1, p.Failure.Error)
		})
	}
}

func TestExecuteTruncatesLargeOutput(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxOutputBytes = 1024
	rt := sandboxtest.New(func(sandbox.ContainerSpec) sandboxtest.Behavior {
		return sandboxtest.Behavior{Output: strings.Repeat("spam\n", 10_000)}
	})
	exec := newExecutor(t, cfg, rt)

	res, err := exec.Execute(context.Background(), sandbox.Submission{Language: "python", Code: "while True: print('spam')"})
	require.NoError(t, err)
	assert.True(t, res.OutputTruncated)
	assert.Len(t, res.Output, 1024)

	data, err := json.Marshal(sandbox.Assemble(res, nil))
	require.NoError(t, err)
	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.Equal(t, true, fields["output_truncated"])

	_, removed, _ := rt.Counts()
	assert.Equal(t, 1, removed)
}

func TestExecuteCompileOutputIsCapped(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxOutputBytes = 64
	rt := sandboxtest.New(byPhase("compile", sandboxtest.Behavior{ExitCode: 1, Output: strings.Repeat("error: boom\n", 100)}))
	exec := newExecutor(t, cfg, rt)

	_, err := exec.Execute(context.Background(), sandbox.Submission{Language: "java", Code: "class Solution {"})
	require.ErrorIs(t, err, sandbox.ErrCompile)
	p := sandbox.Assemble(sandbox.Result{}, err)
	assert.Len(t, p.Failure.Error, 64)
	assert.Contains(t, p.Failure.Error, "boom")
}

func TestExecuteStatsFailureDegrades(t *testing.T) {
	cfg := testConfig(t)
	rt := sandboxtest.New(func(sandbox.ContainerSpec) sandboxtest.Behavior {
		return sandboxtest.Behavior{Output: "ok\n", StatsErr: errors.New("container already removed")}
	})
	exec := newExecutor(t, cfg, rt)

	res, err := exec.Execute(context.Background(), sandbox.Submission{Language: "python", Code: "print('ok')"})
	require.NoError(t, err)
	assert.Equal(t, "ok\n", res.Output)
	assert.True(t, res.Stats.Degraded)
	assert.Equal(t, []string{"stats"}, res.Stats.Gaps)
	assert.Greater(t, res.ExecutionTime, 0.0)
	assert.False(t, res.Stats.PIDs.Available)
}

func TestExecuteRemovesEveryContainer(t *testing.T) {
	cfg := testConfig(t)
	cfg.Timeout = 20 * time.Millisecond
	rng := rand.New(rand.NewPCG(7, 11))

	var mu sync.Mutex
	behaviors := []sandboxtest.Behavior{
		{},
		{ExitCode: 1, Output: "boom"},
		{Hang: true},
		{CreateErr: errors.New("create failed")},
		{WaitErr: errors.New("wait failed")},
		{LogsErr: errors.New("logs failed")},
		{StatsErr: errors.New("stats failed")},
		{Output: "ok", Snapshot: sandboxtest.Snapshot(1, 2, 3, 1, 3, 1, 1, 1)},
	}
	rt := sandboxtest.New(func(sandbox.ContainerSpec) sandboxtest.Behavior {
		mu.Lock()
		defer mu.Unlock()
		return behaviors[rng.IntN(len(behaviors))]
	})
	exec := newExecutor(t, cfg, rt)

	languages := []string{"python", "java", "ruby"}
	var wg sync.WaitGroup
	for i := range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mu.Lock()
			lang := languages[rng.IntN(len(languages))]
			mu.Unlock()
			_, _ = exec.Execute(context.Background(), sandbox.Submission{Language: lang, Code: fmt.Sprintf("// %d", i)})
		}()
	}
	wg.Wait()

	created, removed, _ := rt.Counts()
	assert.Positive(t, created)
	assert.Equal(t, created, removed)
	assert.Zero(t, rt.Live())
	assertWorkspacesRemoved(t, cfg)
}

func TestExecuteConcurrentJavaSubmissionsAreIsolated(t *testing.T) {
	const n = 8
	cfg := testConfig(t)
	cfg.MaxConcurrent = n

	// every compile container is created before any of them finishes
	var barrier sync.WaitGroup
	barrier.Add(n)

	rt := sandboxtest.New(func(spec sandbox.ContainerSpec) sandboxtest.Behavior {
		src, err := os.ReadFile(filepath.Join(spec.Mounts[0].Source, "Solution.java"))
		if err != nil {
			return sandboxtest.Behavior{CreateErr: err}
		}
		if spec.Phase == "compile" {
			barrier.Done()
			barrier.Wait()
			return sandboxtest.Behavior{}
		}
		return sandboxtest.Behavior{Output: string(src)}
	})
	exec := newExecutor(t, cfg, rt)

	outputs := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := exec.Execute(context.Background(), sandbox.Submission{
				Language: "java",
				Code:     fmt.Sprintf("public class Solution { /* submission %d */ }", i),
			})
			outputs[i], errs[i] = res.Output, err
		}()
	}
	wg.Wait()

	for i := range n {
		require.NoError(t, errs[i])
		assert.Equal(t, fmt.Sprintf("public class Solution { /* submission %d */ }", i), outputs[i])
	}
	assertWorkspacesRemoved(t, cfg)
}

type recordingArchiver struct {
	mu      sync.Mutex
	records []sandbox.ArchiveRecord
	err     error
}

func (a *recordingArchiver) Archive(rec sandbox.ArchiveRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, rec)
	return a.err
}

func TestExecuteArchivesSuccessfulSource(t *testing.T) {
	cfg := testConfig(t)
	archiver := &recordingArchiver{}
	rt := sandboxtest.New(func(spec sandbox.ContainerSpec) sandboxtest.Behavior {
		if spec.Phase == "compile" {
			return sandboxtest.Behavior{ExitCode: 1, Output: "error: class, interface, or enum expected"}
		}
		return sandboxtest.Behavior{Output: "42\n"}
	})
	exec := newExecutor(t, cfg, rt, sandbox.WithArchiver(archiver))

	_, err := exec.Execute(context.Background(), sandbox.Submission{Language: "python", Code: "print(42)"})
	require.NoError(t, err)
	_, err = exec.Execute(context.Background(), sandbox.Submission{Language: "java", Code: "oops"})
	require.Error(t, err)

	require.Len(t, archiver.records, 1)
	rec := archiver.records[0]
	assert.Equal(t, "python", rec.Language)
	assert.Equal(t, "main.py", rec.Filename)
	assert.Equal(t, "print(42)", rec.Code)
	assert.Equal(t, "42\n", rec.Result.Output)
	assert.False(t, rec.At.IsZero())
}

func TestExecuteArchiveFailureDoesNotFailRequest(t *testing.T) {
	cfg := testConfig(t)
	archiver := &recordingArchiver{err: errors.New("read-only file system")}
	exec := newExecutor(t, cfg, sandboxtest.New(nil), sandbox.WithArchiver(archiver))

	_, err := exec.Execute(context.Background(), sandbox.Submission{Language: "python", Code: "pass"})
	require.NoError(t, err)
	assert.Len(t, archiver.records, 1)
}

type recordingRecorder struct {
	mu         sync.Mutex
	executions []string
	phases     []string
	gaps       int
	inFlight   int
	maxFlight  int
}

func (r *recordingRecorder) ObserveExecution(language, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executions = append(r.executions, language+"/"+outcome)
}

func (r *recordingRecorder) ObservePhase(language, phase string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phases = append(r.phases, language+"/"+phase)
}

func (r *recordingRecorder) ObserveTelemetryGaps(_ string, gaps int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gaps += gaps
}

func (r *recordingRecorder) AddInFlight(delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inFlight += delta
	r.maxFlight = max(r.maxFlight, r.inFlight)
}

func TestExecuteRecordsMetrics(t *testing.T) {
	cfg := testConfig(t)
	rec := &recordingRecorder{}
	rt := sandboxtest.New(byPhase("run", sandboxtest.Behavior{StatsErr: errors.New("gone")}))
	exec := newExecutor(t, cfg, rt, sandbox.WithRecorder(rec))

	_, err := exec.Execute(context.Background(), sandbox.Submission{Language: "java", Code: "class Solution {}"})
	require.NoError(t, err)
	_, err = exec.Execute(context.Background(), sandbox.Submission{Language: "brainfuck", Code: "+"})
	require.Error(t, err)

	assert.Equal(t, []string{"java/success", "brainfuck/unsupported_language"}, rec.executions)
	assert.Equal(t, []string{"java/compile", "java/run"}, rec.phases)
	assert.Equal(t, 1, rec.gaps)
	assert.Zero(t, rec.inFlight)
	assert.Equal(t, 1, rec.maxFlight)
}
