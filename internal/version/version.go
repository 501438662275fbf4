package version

const (
	// Name of the application
	Name = "Edgeward"
)

var (
	// Version is the semantic version
	Version = "0.1.0"
	// BuildTime is set during build via ldflags
	BuildTime = "unknown"
	// GitCommit is set during build via ldflags
	GitCommit = "unknown"
)

// Full returns the complete version string.
func Full() string {
	if BuildTime != "unknown" && GitCommit != "unknown" {
		return Version + " (commit: " + GitCommit + ", built: " + BuildTime + ")"
	}
	return Version
}

// UserAgent identifies the control plane to the CA, DNS providers and feed hosts.
func UserAgent() string {
	return Name + "/" + Version
}
