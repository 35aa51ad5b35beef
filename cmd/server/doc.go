// Package main is the entry point for the runmeter server.
//
// runmeter executes untrusted single-file programs (Python, Java, Node.js, C++
// and any language configured under languages) in short-lived Docker or Podman
// containers and reports their output together with CPU, memory, network and
// block I/O usage. Submissions are served over REST (fiber) or as an MCP tool
// over stdio or streamable HTTP.
//
// The application uses Uber's fx framework for dependency injection and lifecycle
// management, with zap for structured logging and viper for configuration.
package main
