// Package version exposes the devflow release version embedded from
// the VERSION file at build time.
package version

import (
	_ "embed"
	"strings"
)

//go:embed VERSION
var versionContent string

// Get returns the embedded version string, whitespace trimmed.
func Get() string {
	return strings.TrimSpace(versionContent)
}
