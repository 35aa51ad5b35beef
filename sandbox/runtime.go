package sandbox

import "context"

// Mount is a host directory exposed inside the container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Limits are the resource bounds applied to every container.
type Limits struct {
	MemoryBytes    int64
	NanoCPUs       int64
	PidsLimit      int64
	NetworkEnabled bool
}

// ContainerSpec is everything the runtime needs to create one container.
type ContainerSpec struct {
	Image   string
	Cmd     []string
	Env     []string
	Mounts  []Mount
	WorkDir string
	Phase   string // "compile" or "run"
	Limits  Limits
}

// Runtime is the set of container capabilities the executor relies on.
// Create starts the container detached; it never auto-removes, callers own
// removal.
type Runtime interface {
	Create(ctx context.Context, spec ContainerSpec) (string, error)
	Wait(ctx context.Context, id string) (int64, error)
	// Logs returns at most limit bytes of combined output; limit <= 0 means
	// no cap.
	Logs(ctx context.Context, id string, limit int64) (Output, error)
	Stats(ctx context.Context, id string) (*Snapshot, error)
	Kill(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error

	Ping(ctx context.Context) error
	EnsureImage(ctx context.Context, image string) error
	Close() error
}

// Snapshot is one non-streaming read of a container's cumulative counters.
// Every field is optional: runtimes omit what they do not support and exited
// containers often report nothing at all.
type Snapshot struct {
	CPUStats    *CPUStats               `json:"cpu_stats,omitempty"`
	PreCPUStats *CPUStats               `json:"precpu_stats,omitempty"`
	MemoryStats *MemoryStats            `json:"memory_stats,omitempty"`
	Networks    map[string]NetworkStats `json:"networks,omitempty"`
	BlkioStats  *BlkioStats             `json:"blkio_stats,omitempty"`
	PidsStats   *PidsStats              `json:"pids_stats,omitempty"`
}

type CPUStats struct {
	CPUUsage    *CPUUsage `json:"cpu_usage,omitempty"`
	SystemUsage *uint64   `json:"system_cpu_usage,omitempty"`
	OnlineCPUs  *uint32   `json:"online_cpus,omitempty"`
}

type CPUUsage struct {
	TotalUsage *uint64 `json:"total_usage,omitempty"`
}

type MemoryStats struct {
	Usage *uint64 `json:"usage,omitempty"`
	Limit *uint64 `json:"limit,omitempty"`
}

type NetworkStats struct {
	RxBytes *uint64 `json:"rx_bytes,omitempty"`
	TxBytes *uint64 `json:"tx_bytes,omitempty"`
}

type BlkioStats struct {
	IoServiceBytesRecursive []BlkioStatEntry `json:"io_service_bytes_recursive"`
}

type BlkioStatEntry struct {
	Major uint64 `json:"major"`
	Minor uint64 `json:"minor"`
	Op    string `json:"op"`
	Value uint64 `json:"value"`
}

type PidsStats struct {
	Current *uint64 `json:"current,omitempty"`
}
