package version

var (
	// Set with -ldflags "-X .../version.semver=... -X .../version.revision=..." at release time.
	semver   = "0.1.0"
	revision = "unknown"
)

// Get returns the semantic version of the binary.
func Get() string {
	return semver
}

func Commit() string {
	return revision
}

// String is the version line printed by the version command.
func String() string {
	return semver + " (" + revision + ")"
}
