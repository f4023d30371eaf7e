package build

// DeploymentType selects the defaults a chainsync binary is compiled with.
type DeploymentType byte

const (
	// Development builds, selected with the dev tag, log at debug level
	// unless told otherwise.
	Development DeploymentType = iota

	// Production is the default deployment.
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

// IsDevBuild returns true if the binary was built with the dev tag.
func IsDevBuild() bool {
	return Deployment == Development
}

// DefaultLogLevel returns the log level used when none is configured: debug
// for development builds and prodLevel otherwise.
func DefaultLogLevel(prodLevel string) string {
	if IsDevBuild() {
		return "debug"
	}

	return prodLevel
}
