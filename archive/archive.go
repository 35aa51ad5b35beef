// Package archive keeps an append-only copy of successfully executed source.
//
// Every submission is written to its own file named
// <stem>_<YYYYmmdd_HHMMSS>_<id><ext>, optionally zstd-compressed, next to a
// YAML sidecar describing the run. Files are never read back or overwritten.
package archive

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/isdmx/runmeter/config"
	"github.com/isdmx/runmeter/sandbox"
)

const (
	timestampLayout  = "20060102_150405"
	compressedSuffix = ".zst"
	manifestSuffix   = ".meta.yaml"
	archiveDirPerm   = 0o755
	archiveFilePerm  = 0o644
	shortIDLength    = 8
)

// Manifest is the sidecar written next to every archived source file.
type Manifest struct {
	Language      string    `yaml:"language"`
	File          string    `yaml:"file"`
	ArchivedAt    time.Time `yaml:"archived_at"`
	Compressed    bool      `yaml:"compressed"`
	SizeBytes     int       `yaml:"size_bytes"`
	ExitCode      int64     `yaml:"exit_code"`
	ExecutionTime float64   `yaml:"execution_time"`
	MemoryUsageMB float64   `yaml:"memory_usage_mb"`
	CPUPercentage float64   `yaml:"cpu_percentage"`
	Degraded      bool      `yaml:"telemetry_degraded,omitempty"`
}

// Archiver implements sandbox.Archiver on a local directory.
type Archiver struct {
	dir     string
	encoder *zstd.Encoder
	logger  *zap.Logger
	newID   func() string
}

var _ sandbox.Archiver = (*Archiver)(nil)

// New creates the archive directory. Compression is enabled by cfg.Compress.
func New(logger *zap.Logger, cfg config.ArchiveConfig) (*Archiver, error) {
	dir, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve archive dir: %w", err)
	}
	if err := os.MkdirAll(dir, archiveDirPerm); err != nil {
		return nil, fmt.Errorf("failed to create archive dir: %w", err)
	}

	a := &Archiver{
		dir:    dir,
		logger: logger,
		newID:  func() string { return uuid.New().String()[:shortIDLength] },
	}
	if cfg.Compress {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		a.encoder = enc
	}
	return a, nil
}

// Dir returns the absolute archive directory.
func (a *Archiver) Dir() string {
	return a.dir
}

// Archive writes rec.Code and its manifest.
func (a *Archiver) Archive(rec sandbox.ArchiveRecord) error {
	at := rec.At
	if at.IsZero() {
		at = time.Now()
	}
	name := FileName(rec.Filename, at, a.newID())

	data := []byte(rec.Code)
	if a.encoder != nil {
		data = a.encoder.EncodeAll(data, make([]byte, 0, len(data)))
		name += compressedSuffix
	}

	path := filepath.Join(a.dir, name)
	if err := writeExclusive(path, data); err != nil {
		return fmt.Errorf("failed to archive %s: %w", rec.Filename, err)
	}

	manifest := Manifest{
		Language:      rec.Language,
		File:          name,
		ArchivedAt:    at.UTC(),
		Compressed:    a.encoder != nil,
		SizeBytes:     len(rec.Code),
		ExitCode:      rec.Result.ExitCode,
		ExecutionTime: rec.Result.ExecutionTime,
		MemoryUsageMB: rec.Result.MemoryUsageMB,
		CPUPercentage: rec.Result.Stats.CPUPercentage,
		Degraded:      rec.Result.Stats.Degraded,
	}
	meta, err := yaml.Marshal(&manifest)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := writeExclusive(manifestPath(path), meta); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	a.logger.Debug("source archived", zap.String("language", rec.Language), zap.String("path", path))
	return nil
}

// Close releases the compressor.
func (a *Archiver) Close() error {
	if a.encoder != nil {
		return a.encoder.Close()
	}
	return nil
}

// FileName builds the archive name for a profile filename: the stem, the local
// timestamp and a short id, then the original extension.
func FileName(filename string, at time.Time, id string) string {
	ext := filepath.Ext(filename)
	stem := strings.TrimSuffix(filename, ext)
	return fmt.Sprintf("%s_%s_%s%s", stem, at.Format(timestampLayout), id, ext)
}

func manifestPath(archivedPath string) string {
	return archivedPath + manifestSuffix
}

// writeExclusive refuses to replace an existing file.
func writeExclusive(path string, data []byte) (err error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, archiveFilePerm)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, f.Close())
	}()
	_, err = f.Write(data)
	return err
}
