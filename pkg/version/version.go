package version

import "runtime"

// Build holds the build identifier, injected via -ldflags "-X socks-fleet/pkg/version.Build=...". Default "dev".
var Build = "dev"

// String is Build plus the Go toolchain it was compiled with.
func String() string {
	return Build + " (" + runtime.Version() + ")"
}
