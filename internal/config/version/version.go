package version

// Build metadata, overridden with -ldflags "-X" by the release build.
var (
	Version      = "0.1.0"           // Version of release-grq
	Toolname     = "release-grq-dev" // Name of the tool
	Organization = "GovReady"        // Organization that built the tool
	BuildDate    = "unknown"         // Date when the tool was built
	CommitSHA    = "unknown"         // Commit SHA of the tool
)

// UserAgent identifies the tool to the release hosting API.
func UserAgent() string {
	return "release-grq/" + Version
}
