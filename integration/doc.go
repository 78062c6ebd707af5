//go:build integration

// Package integration provides end-to-end tests of the socket packages
// against a real OCI registry.
//
// These tests require Docker and spin up a registry using testcontainers.
// Run with: go test -tags=integration ./integration/...
package integration
