// Package version holds the library version, set at build time with
// -ldflags "-X github.com/m-lab/ndt7-client/pkg/version.Version=...".
package version

// Version is the symbolic version of this library.
var Version = "v0.1.0-dev"
