// Package mcpserver exposes the orchestrator to a model through the Model
// Context Protocol.
//
// It uses the mark3labs/mcp-go library for the protocol and registers four
// tools:
//
//   - execute_code runs code and blocks until its result is delivered
//   - submit_code queues code and returns a ticket
//   - get_result fetches, optionally waiting for, a ticket's result
//   - cancel_execution cancels a queued or running ticket
//
// The server supports both stdio and streamable HTTP transports as configured
// by server.transport.
//
// Usage:
//
//	srv, err := mcpserver.New(cfg, logger, orch, mailbox, languages)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = srv.Start()
package mcpserver
