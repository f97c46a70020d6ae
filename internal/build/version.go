package build

import "runtime"

// version follows semantic versioning; bumped manually at release points.
const version = "0.1.0"

// GoVersion is the Go toolchain this binary was built with.
var GoVersion = runtime.Version()

// Version returns the release version string.
func Version() string {
	return version
}
