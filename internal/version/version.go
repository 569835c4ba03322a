// Package version holds the build version, set via ldflags at release
// time.
package version

// Version is the Chime release version. Overridden at build time with:
//
//	go build -ldflags "-X github.com/veilwork/chime/internal/version.Version=v1.2.3"
var Version = "dev"
