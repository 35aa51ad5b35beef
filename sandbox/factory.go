package sandbox

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/isdmx/runmeter/config"
)

// DefaultPodmanHost is the rootful Podman API socket.
const DefaultPodmanHost = "unix:///run/podman/podman.sock"

// NewRuntime creates the container runtime selected by sandbox.backend.
func NewRuntime(logger *zap.Logger, cfg *config.Config) (*DockerRuntime, error) {
	host := cfg.Sandbox.Host
	switch cfg.Sandbox.Backend {
	case "docker":
	case "podman":
		if host == "" {
			host = DefaultPodmanHost
		}
	default:
		return nil, fmt.Errorf("unsupported backend: %s", cfg.Sandbox.Backend)
	}
	return NewDockerRuntime(logger, host)
}

// ExecutorConfig maps the application configuration onto executor settings.
func ExecutorConfig(cfg *config.Config) *Config {
	return &Config{
		Timeout:        cfg.GetTimeout(),
		MemoryMB:       cfg.Sandbox.MemoryMB,
		NanoCPUs:       cfg.Sandbox.NanoCPUs,
		PidsLimit:      cfg.Sandbox.PidsLimit,
		NetworkEnabled: cfg.Sandbox.NetworkEnabled,
		SettleDelay:    cfg.GetSettleDelay(),
		MaxConcurrent:  cfg.Sandbox.MaxConcurrent,
		WorkspaceRoot:  cfg.Sandbox.WorkspaceRoot,
		MaxOutputBytes: cfg.GetMaxOutputBytes(),
	}
}

// NewExecutor creates a ContainerExecutor from the application configuration
func NewExecutor(logger *zap.Logger, cfg *config.Config, registry *Registry, rt Runtime, opts ...ExecutorOption) (*ContainerExecutor, error) {
	return NewContainerExecutor(logger, ExecutorConfig(cfg), registry, rt, opts...)
}
