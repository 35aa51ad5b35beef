package sandbox

import (
	"fmt"
	"path"
	"path/filepath"

	"github.com/google/uuid"
)

// Workspace is the staging directory of a single submission.
type Workspace struct {
	ID         string
	Dir        string // host path, bind-mounted into the container
	SourcePath string // host path of the staged source
	Filename   string

	mountPath string
	fs        FileSystem
}

// ContainerDir is the workspace directory as seen from inside the container.
func (w *Workspace) ContainerDir() string {
	return w.mountPath
}

// ContainerSource is the staged source path as seen from inside the container.
func (w *Workspace) ContainerSource() string {
	return path.Join(w.mountPath, w.Filename)
}

// Mount returns the read-write bind mount exposing the workspace.
func (w *Workspace) Mount() Mount {
	return Mount{Source: w.Dir, Target: w.mountPath}
}

// Cleanup removes the workspace directory and everything in it.
func (w *Workspace) Cleanup() error {
	return w.fs.RemoveAll(w.Dir)
}

// WorkspaceManager allocates per-submission directories under a staging root.
type WorkspaceManager struct {
	root      string
	mountPath string
	fs        FileSystem
	newID     func() string
}

// WorkspaceOption configures a WorkspaceManager.
type WorkspaceOption func(*WorkspaceManager)

// WithWorkspaceFileSystem sets the FileSystem used for staging.
func WithWorkspaceFileSystem(fs FileSystem) WorkspaceOption {
	return func(m *WorkspaceManager) {
		m.fs = fs
	}
}

// WithMountPath sets where workspaces are mounted inside containers.
func WithMountPath(p string) WorkspaceOption {
	return func(m *WorkspaceManager) {
		m.mountPath = p
	}
}

// NewWorkspaceManager resolves root to an absolute path and creates it if absent.
func NewWorkspaceManager(root string, opts ...WorkspaceOption) (*WorkspaceManager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	m := &WorkspaceManager{
		root:      abs,
		mountPath: DefaultMountPath,
		fs:        RealFileSystem{},
		newID:     func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.fs.MkdirAll(m.root, DirPermission); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}
	return m, nil
}

// Root returns the absolute staging root.
func (m *WorkspaceManager) Root() string {
	return m.root
}

// Stage writes code into a fresh directory using the profile's filename.
func (m *WorkspaceManager) Stage(p Profile, code string) (*Workspace, error) {
	id := m.newID()
	dir := filepath.Join(m.root, id)
	if err := m.fs.MkdirAll(dir, DirPermission); err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}

	ws := &Workspace{
		ID:         id,
		Dir:        dir,
		SourcePath: filepath.Join(dir, p.Filename),
		Filename:   p.Filename,
		mountPath:  m.mountPath,
		fs:         m.fs,
	}
	if err := m.fs.WriteFile(ws.SourcePath, []byte(code), FilePermission); err != nil {
		_ = ws.Cleanup()
		return nil, fmt.Errorf("failed to write user code: %w", err)
	}
	return ws, nil
}
