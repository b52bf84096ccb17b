// Package sandbox provides the container runtimes sandboxes are built on.
//
// A Runtime creates, runs, kills, removes and lists labelled containers. The
// docker and podman runtimes drive the respective CLI, which in a
// Docker-outside-of-Docker deployment reaches the host daemon through the
// mounted socket. The docker-api runtime talks to the Engine API directly,
// and the local runtime runs host subprocesses for development.
//
// Language profiles turn a code payload into an image, an entry point and a
// tar bundle that is copied into the container's /workdir before it starts.
//
// Usage:
//
//	rt, err := sandbox.NewRuntime(logger, cfg)
//	id, err := rt.Create(ctx, sandbox.ContainerSpec{Name: "sbx_...", Image: "python:3.11-slim"})
//	err = rt.CopyTo(ctx, id, "/", bundle)
//	exitCode, err := rt.Run(ctx, id, &stdout, &stderr)
//	err = rt.Remove(ctx, id)
package sandbox
