// Package appversion carries the build identity stamped into the
// binaries at link time:
//
//	-ldflags="-X github.com/tagauth/tagauthd/internal/version.Version=v1.0.0
//	          -X github.com/tagauth/tagauthd/internal/version.GitCommit=abc1234
//	          -X github.com/tagauth/tagauthd/internal/version.BuildDate=2026-08-25T12:00:00Z"
//
// Unstamped builds report "dev"/"unknown".
package appversion

import "fmt"

// Version is the semantic version of the build.
var Version = "dev"

// GitCommit is the short commit hash the build was made from.
var GitCommit = "unknown"

// BuildDate is the RFC 3339 build timestamp.
var BuildDate = "unknown"

// Full renders the multi-line version block shown by --version and the
// ctl version command.
func Full(binary string) string {
	return fmt.Sprintf("%s %s\n  commit:  %s\n  built:   %s", binary, Version, GitCommit, BuildDate)
}
