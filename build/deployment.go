package build

// DeploymentType selects the flavour of the compiled daemon.
type DeploymentType byte

const (
	// Development keeps the verbose defaults used while testing a vault
	// against regtest.
	Development DeploymentType = iota

	// Production is the build shipped to users.
	Production
)

// String returns a human readable name for a build type.
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
