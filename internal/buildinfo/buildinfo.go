// Package buildinfo exposes version metadata stamped at build time.
package buildinfo

// Set via -ldflags "-X farmroute/internal/buildinfo.Version=...".
var (
	Version = "dev"
	Commit  = "none"
	BuiltAt = "unknown"
)

// Info returns the build metadata as a map for health and status payloads.
func Info() map[string]string {
	return map[string]string{
		"version": Version,
		"commit":  Commit,
		"builtAt": BuiltAt,
	}
}
