package sandbox

import (
	"context"
	"os"
	"time"
)

// Submission is one request to execute source code.
type Submission struct {
	Language string
	Code     string
}

// Result is the outcome of a submission that ran to completion.
// A non-zero ExitCode is still a Result: only runtime-level failures are errors.
type Result struct {
	Language        string
	Output          string
	OutputTruncated bool
	ExitCode        int64
	ExecutionTime   float64 // seconds
	MemoryUsageMB   float64
	Stats           Telemetry
}

// Executor defines the interface for sandboxed execution
type Executor interface {
	Execute(ctx context.Context, sub Submission) (Result, error)
}

// Recorder receives execution metrics. A nil Recorder is replaced by a no-op.
type Recorder interface {
	ObserveExecution(language, outcome string, d time.Duration)
	ObservePhase(language, phase string, d time.Duration)
	ObserveTelemetryGaps(language string, gaps int)
	AddInFlight(delta int)
}

// ArchiveRecord describes a successfully executed submission to persist.
type ArchiveRecord struct {
	Language string
	Filename string
	Code     string
	Result   Result
	At       time.Time
}

// Archiver persists successfully executed source. It is never read back.
type Archiver interface {
	Archive(rec ArchiveRecord) error
}

// FileSystem defines an interface for file system operations
type FileSystem interface {
	MkdirAll(path string, perm os.FileMode) error
	WriteFile(filename string, data []byte, perm os.FileMode) error
	RemoveAll(path string) error
}

// RealFileSystem implements FileSystem using actual file system operations
type RealFileSystem struct{}

func (RealFileSystem) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (RealFileSystem) WriteFile(filename string, data []byte, perm os.FileMode) error {
	return os.WriteFile(filename, data, perm)
}

func (RealFileSystem) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

// File permission and size constants
const (
	DirPermission  = 0o755
	FilePermission = 0o644
	BytesPerMB     = 1 << 20
)

// DefaultMountPath is where a workspace appears inside the container.
const DefaultMountPath = "/code"

type nopRecorder struct{}

func (nopRecorder) ObserveExecution(string, string, time.Duration) {}
func (nopRecorder) ObservePhase(string, string, time.Duration)     {}
func (nopRecorder) ObserveTelemetryGaps(string, int)               {}
func (nopRecorder) AddInFlight(int)                                {}
