package version

// Set with -ldflags "-X github.com/throw-if-null/drafthouse/internal/version.Version=..."
var (
	Version = "dev"
	Commit  = "none"
)
