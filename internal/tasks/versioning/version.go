package versioning

import (
	"regexp"
	"strings"

	"stagehand/internal/tasks"
)

var (
	prefixPattern = regexp.MustCompile(`^\d+(\.\d+){0,3}$`)
	labelPattern  = regexp.MustCompile(`^[0-9A-Za-z][0-9A-Za-z.-]*$`)
)

// Version is a composed version in its two renderings.
type Version struct {
	// Semantic is prefix, optional -suffix and optional build label.
	Semantic string
	// Numeric is the prefix padded to four parts, for assembly versions.
	Numeric string
	// Prefix is the bare prefix.
	Prefix string
}

// Compose builds the version string. The label is joined with '+' when
// there is no suffix and with '.' when there is one.
func Compose(prefix, suffix, label string) (Version, error) {
	prefix = strings.TrimSpace(prefix)
	suffix = strings.TrimSpace(suffix)
	label = strings.TrimSpace(label)

	if !prefixPattern.MatchString(prefix) {
		return Version{}, tasks.ConfigError("version prefix %q must be N(.N){0,3}", prefix)
	}
	if suffix != "" && !labelPattern.MatchString(suffix) {
		return Version{}, tasks.ConfigError("invalid version suffix %q", suffix)
	}
	if label != "" && !labelPattern.MatchString(label) {
		return Version{}, tasks.ConfigError("invalid build label %q", label)
	}

	v := prefix
	if suffix != "" {
		v += "-" + suffix
		if label != "" {
			v += "." + label
		}
	} else if label != "" {
		v += "+" + label
	}

	parts := strings.Split(prefix, ".")
	for len(parts) < 4 {
		parts = append(parts, "0")
	}
	return Version{Semantic: v, Numeric: strings.Join(parts, "."), Prefix: prefix}, nil
}
