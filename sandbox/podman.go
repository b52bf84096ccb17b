package sandbox

import "go.uber.org/zap"

// NewPodmanRuntime returns a runtime driving the podman CLI
func NewPodmanRuntime(logger *zap.Logger, opts ...CLIRuntimeOption) *CLIRuntime {
	return newCLIRuntime(logger, "podman", opts...)
}
