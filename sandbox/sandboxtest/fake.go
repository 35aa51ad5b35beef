// Package sandboxtest provides an in-memory sandbox.Runtime for tests.
package sandboxtest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/isdmx/runmeter/sandbox"
)

// Behavior scripts what a single fake container does.
type Behavior struct {
	ExitCode  int64
	Output    string
	Snapshot  *sandbox.Snapshot
	CreateErr error
	WaitErr   error
	LogsErr   error
	StatsErr  error
	// Hang makes Wait block until its context is done.
	Hang bool
}

// Script decides the behavior of a container from its spec.
type Script func(spec sandbox.ContainerSpec) Behavior

type fakeContainer struct {
	spec     sandbox.ContainerSpec
	behavior Behavior
	killed   bool
}

// Runtime is a fake sandbox.Runtime that keeps count of every call.
type Runtime struct {
	mu         sync.Mutex
	script     Script
	seq        int
	containers map[string]*fakeContainer

	Specs   []sandbox.ContainerSpec
	Pulled  []string
	PingErr error
	// PullErr fails EnsureImage for the listed images.
	PullErr map[string]error

	created int
	removed int
	killed  int
}

var _ sandbox.Runtime = (*Runtime)(nil)

// New returns a fake runtime driven by script. A nil script makes every
// container exit 0 with no output.
func New(script Script) *Runtime {
	if script == nil {
		script = func(sandbox.ContainerSpec) Behavior { return Behavior{} }
	}
	return &Runtime{
		script:     script,
		containers: make(map[string]*fakeContainer),
	}
}

// Counts reports how many containers were created, removed and killed.
func (r *Runtime) Counts() (created, removed, killed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.created, r.removed, r.killed
}

// Live returns the number of containers created but not yet removed.
func (r *Runtime) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.containers)
}

func (r *Runtime) get(id string) (*fakeContainer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return nil, fmt.Errorf("no such container: %s", id)
	}
	return c, nil
}

func (r *Runtime) Create(_ context.Context, spec sandbox.ContainerSpec) (string, error) {
	b := r.script(spec)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.Specs = append(r.Specs, spec)
	if b.CreateErr != nil {
		return "", b.CreateErr
	}
	r.seq++
	id := fmt.Sprintf("fake-%06d", r.seq)
	r.containers[id] = &fakeContainer{spec: spec, behavior: b}
	r.created++
	return id, nil
}

func (r *Runtime) Wait(ctx context.Context, id string) (int64, error) {
	c, err := r.get(id)
	if err != nil {
		return 0, err
	}
	if c.behavior.Hang {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	if c.behavior.WaitErr != nil {
		return 0, c.behavior.WaitErr
	}
	return c.behavior.ExitCode, nil
}

func (r *Runtime) Logs(_ context.Context, id string, limit int64) (sandbox.Output, error) {
	c, err := r.get(id)
	if err != nil {
		return sandbox.Output{}, err
	}
	if c.behavior.LogsErr != nil {
		return sandbox.Output{}, c.behavior.LogsErr
	}
	out := c.behavior.Output
	if limit > 0 && int64(len(out)) > limit {
		return sandbox.Output{Text: out[:limit], Truncated: true}, nil
	}
	return sandbox.Output{Text: out}, nil
}

func (r *Runtime) Stats(_ context.Context, id string) (*sandbox.Snapshot, error) {
	c, err := r.get(id)
	if err != nil {
		return nil, err
	}
	if c.behavior.StatsErr != nil {
		return nil, c.behavior.StatsErr
	}
	if c.behavior.Snapshot == nil {
		return &sandbox.Snapshot{}, nil
	}
	return c.behavior.Snapshot, nil
}

func (r *Runtime) Kill(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return fmt.Errorf("no such container: %s", id)
	}
	c.killed = true
	r.killed++
	return nil
}

func (r *Runtime) Remove(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.containers[id]; !ok {
		return errors.New("no such container: " + id)
	}
	delete(r.containers, id)
	r.removed++
	return nil
}

func (r *Runtime) Ping(context.Context) error {
	return r.PingErr
}

func (r *Runtime) EnsureImage(_ context.Context, image string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.PullErr[image]; err != nil {
		return err
	}
	r.Pulled = append(r.Pulled, image)
	return nil
}

func (*Runtime) Close() error {
	return nil
}

// Ptr returns a pointer to v, for building snapshots.
func Ptr[T any](v T) *T {
	return &v
}

// Snapshot returns a fully populated snapshot.
func Snapshot(memUsage, memLimit, cpuTotal, preCPUTotal, system, preSystem uint64, onlineCPUs uint32, pids uint64) *sandbox.Snapshot {
	return &sandbox.Snapshot{
		CPUStats: &sandbox.CPUStats{
			CPUUsage:    &sandbox.CPUUsage{TotalUsage: Ptr(cpuTotal)},
			SystemUsage: Ptr(system),
			OnlineCPUs:  Ptr(onlineCPUs),
		},
		PreCPUStats: &sandbox.CPUStats{
			CPUUsage:    &sandbox.CPUUsage{TotalUsage: Ptr(preCPUTotal)},
			SystemUsage: Ptr(preSystem),
		},
		MemoryStats: &sandbox.MemoryStats{Usage: Ptr(memUsage), Limit: Ptr(memLimit)},
		Networks: map[string]sandbox.NetworkStats{
			"eth0": {RxBytes: Ptr(uint64(100)), TxBytes: Ptr(uint64(50))},
		},
		BlkioStats: &sandbox.BlkioStats{IoServiceBytesRecursive: []sandbox.BlkioStatEntry{
			{Major: 8, Minor: 0, Op: "read", Value: 4096},
			{Major: 8, Minor: 0, Op: "write", Value: 1024},
		}},
		PidsStats: &sandbox.PidsStats{Current: Ptr(pids)},
	}
}
