// Package main is the entry point for sandboxd.
//
// sandboxd runs untrusted code produced in chat sessions inside short-lived,
// resource-limited containers. It exposes the orchestrator to models over MCP
// (stdio or streamable HTTP) and to users over a JSON HTTP API.
//
// The application uses Uber's fx framework for dependency injection and lifecycle
// management, with zap for structured logging, viper for configuration and
// cobra for the command line.
//
// Commands:
//
//	sandboxd [serve] [--config path]   run the server (default)
//	sandboxd reap [--config path]      release orphaned sandboxes once and exit
package main
