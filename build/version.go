package build

import "fmt"

const (
	// AppName is the name used in the user agent advertised to remote
	// peers and in the default data directory.
	AppName = "spvd"

	// AppMajor defines the major version of this binary.
	AppMajor uint = 0

	// AppMinor defines the minor version of this binary.
	AppMinor uint = 3

	// AppPatch defines the application patch for this binary.
	AppPatch uint = 0
)

// Commit stores the current commit of this build, set with -ldflags at
// build time.
var Commit string

// Version returns the application version as a properly formed string per the
// semantic versioning 2.0.0 spec (http://semver.org/).
func Version() string {
	return fmt.Sprintf("%d.%d.%d", AppMajor, AppMinor, AppPatch)
}

// UserAgentVersion returns the version component advertised in the version
// message, e.g. "0.3.0" for "/spvd:0.3.0/".
func UserAgentVersion() string {
	return Version()
}
