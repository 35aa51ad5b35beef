// Package sandbox executes untrusted code in containers and meters it.
//
// A ContainerExecutor looks up the language Profile in a Registry, stages the
// source in a per-submission Workspace, optionally compiles it in a separate
// container, runs it, waits with a timeout, samples one stats Snapshot through
// the Collector and removes every container it created. Assemble turns the
// outcome into the success or error payload returned to clients.
//
// The container runtime is reached only through the Runtime interface;
// DockerRuntime implements it against the Docker Engine API and Podman's
// compatible socket.
//
// Usage:
//
//	rt, err := sandbox.NewDockerRuntime(logger, "")
//	registry, err := sandbox.NewRegistryFromConfig(cfg)
//	executor, err := sandbox.NewExecutor(logger, cfg, registry, rt)
//	result, err := executor.Execute(ctx, sandbox.Submission{
//	    Language: "python",
//	    Code:     "print('Hello, World!')",
//	})
//	payload := sandbox.Assemble(result, err)
package sandbox
