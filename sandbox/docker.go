package sandbox

import "go.uber.org/zap"

// NewDockerRuntime returns a runtime driving the docker CLI. Inside a
// Docker-outside-of-Docker deployment the CLI talks to the host daemon over
// the mounted socket, so sandboxes are siblings of the orchestrator.
func NewDockerRuntime(logger *zap.Logger, opts ...CLIRuntimeOption) *CLIRuntime {
	return newCLIRuntime(logger, "docker", opts...)
}
