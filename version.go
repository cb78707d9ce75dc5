package framework

// Version information for the GoMind Agent Framework
const (
	// Version is the current framework version
	Version = "development"

	// APIVersion is the current API version
	APIVersion = "v1alpha1"

	// BuildDate is a fixed placeholder; as a constant it cannot be set at link time
	BuildDate = "development"

	// GitCommit is a fixed placeholder; as a constant it cannot be set at link time
	GitCommit = "unknown"
)
