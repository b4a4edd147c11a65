// Package version holds the release identity used in logs and the wire.
package version

// Version is the release string, overridable at link time.
var Version = "0.4.0"

// UserAgent is the default User-Agent header sent on every request.
func UserAgent() string {
	return "Pushl/" + Version
}
