package version

// Set at build time with -ldflags "-X github.com/pubwiki/wikidesigner/pkg/version.Version=...".
var (
	Version = "dev"
	Commit  = "unknown"
)
