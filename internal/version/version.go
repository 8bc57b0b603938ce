// Package version carries build-time identification for binaries and the
// tracing resource.
package version

// Version is the application version, injected at build time via -ldflags.
var Version = "dev"
