package build

// DeploymentType selects the build flavour through the dev build tag.
type DeploymentType byte

const (
	// Development builds may log before the daemon configured its
	// backend, which unit tests rely on.
	Development DeploymentType = iota

	// Production builds only log through the configured backend.
	Production
)

// String returns the name of the deployment.
func (b DeploymentType) String() string {
	switch b {
	case Development:
		return "development"
	case Production:
		return "production"
	default:
		return "unknown"
	}
}

// IsDevBuild returns true if this binary was built with the dev tag.
func IsDevBuild() bool {
	return Deployment == Development
}
