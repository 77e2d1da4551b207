//go:build tools
// +build tools

// Package tools pins the development tools used while working on mailcanary.
// They are installed globally via `go install` and kept out of go.mod, which
// tracks runtime dependencies only.
package tools

// Development tools (install via `go install`):
//
// Air - live reload while iterating on the HTTP API and worker locally
//   Install: go install github.com/air-verse/air@v1.63.0
//   Docs: https://github.com/air-verse/air
//
// mockgen - regenerates the mocks in internal/mocks (see its go:generate
// directives)
//   Install: go install go.uber.org/mock/mockgen@v0.6.0
