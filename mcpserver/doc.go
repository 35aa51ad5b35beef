// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The server exposes a single execute_code tool whose language enum is taken
// from the profile registry. The tool result carries the same JSON payload as
// POST /execute and is flagged IsError for error payloads.
//
// The server supports both stdio and HTTP transports as configured by the
// application configuration.
//
// Usage:
//
//	server, err := mcpserver.New(cfg, logger, executor, registry)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = server.ServeStdio() // or server.ServeHTTP()
package mcpserver
