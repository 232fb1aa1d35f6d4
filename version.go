package jsinspect

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// defaultBrowserName and defaultVersion feed the /json/version response's
// Browser field ("<name>/<version>") when the host doesn't set one.
const (
	defaultBrowserName = "jsinspect"
	defaultVersion     = "1.0.0"
)

// resolveVersion validates raw as a semantic version and returns its
// canonical string form, or defaultVersion if raw is empty. A malformed
// version is a configuration error the host should fix, not something to
// silently coerce.
func resolveVersion(raw string) (string, error) {
	if raw == "" {
		return defaultVersion, nil
	}
	v, err := semver.NewVersion(raw)
	if err != nil {
		return "", fmt.Errorf("jsinspect: invalid version %q: %w", raw, err)
	}
	return v.String(), nil
}
