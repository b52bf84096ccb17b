package sandbox

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/isdmx/sandboxd/config"
)

// NewRuntime creates the container runtime selected by the configuration
func NewRuntime(logger *zap.Logger, cfg *config.Config) (Runtime, error) {
	logger = logger.With(zap.String("backend", cfg.Sandbox.Backend))

	switch cfg.Sandbox.Backend {
	case "docker":
		return NewDockerRuntime(logger), nil
	case "podman":
		return NewPodmanRuntime(logger), nil
	case "docker-api":
		return NewAPIRuntime(logger, cfg.Sandbox.DockerHost)
	case "local":
		if !cfg.Sandbox.EnableLocalBackend {
			return nil, fmt.Errorf("local backend is disabled, set sandbox.enable_local_backend to use it")
		}
		logger.Warn("using local runtime, sandboxes are NOT isolated")
		return NewLocalRuntime(logger, cfg.Sandbox.LocalRoot), nil
	default:
		return nil, fmt.Errorf("unsupported backend: %s", cfg.Sandbox.Backend)
	}
}
