package taskenv

import (
	"fmt"
	"runtime"
	"strings"
)

// PathStyle selects the path grammar used for resolution. It is independent
// of the host OS so Windows rules can be exercised on any platform.
type PathStyle int

const (
	StylePOSIX PathStyle = iota
	StyleWindows
)

// NativeStyle returns the style of the running platform.
func NativeStyle() PathStyle {
	if runtime.GOOS == "windows" {
		return StyleWindows
	}
	return StylePOSIX
}

func (s PathStyle) String() string {
	if s == StyleWindows {
		return "windows"
	}
	return "posix"
}

// Separator returns the canonical separator for the style.
func (s PathStyle) Separator() byte {
	if s == StyleWindows {
		return '\\'
	}
	return '/'
}

func (s PathStyle) isSep(c byte) bool {
	if s == StyleWindows {
		return c == '\\' || c == '/'
	}
	return c == '/'
}

func isLetter(c byte) bool {
	return ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}

// VolumeName returns the leading volume of p: a drive ("C:"), a UNC share
// ("\\server\share"), or a device prefix ("\\?\C:", "\\.\pipe").
// POSIX paths have no volume.
func (s PathStyle) VolumeName(p string) string {
	return p[:s.volumeLen(p)]
}

func (s PathStyle) volumeLen(p string) int {
	if s != StyleWindows {
		return 0
	}
	if len(p) >= 2 && isLetter(p[0]) && p[1] == ':' {
		return 2
	}
	if len(p) < 3 || !s.isSep(p[0]) || !s.isSep(p[1]) {
		return 0
	}

	// Device namespace: \\?\ and \\.\
	if len(p) >= 4 && (p[2] == '?' || p[2] == '.') && s.isSep(p[3]) {
		rest := p[4:]
		if len(rest) >= 2 && isLetter(rest[0]) && rest[1] == ':' {
			return 6
		}
		if len(rest) >= 4 && strings.EqualFold(rest[:3], "UNC") && s.isSep(rest[3]) {
			return s.uncLen(p, 8)
		}
		return 4 + s.indexSep(rest)
	}

	return s.uncLen(p, 2)
}

// uncLen measures "server\share" starting at offset start. A server without
// a share is not a volume.
func (s PathStyle) uncLen(p string, start int) int {
	server := s.indexSep(p[start:])
	if server == 0 || start+server >= len(p) {
		return 0
	}
	shareStart := start + server + 1
	share := s.indexSep(p[shareStart:])
	if share == 0 {
		return 0
	}
	return shareStart + share
}

// indexSep returns the index of the first separator in p, or len(p).
func (s PathStyle) indexSep(p string) int {
	for i := 0; i < len(p); i++ {
		if s.isSep(p[i]) {
			return i
		}
	}
	return len(p)
}

// IsAbs reports whether p is fully qualified. On Windows "C:foo" (drive
// relative) and "\foo" (root relative) are not absolute; both still depend
// on per-process state.
func (s PathStyle) IsAbs(p string) bool {
	if s != StyleWindows {
		return strings.HasPrefix(p, "/")
	}
	vol := s.volumeLen(p)
	if vol == 0 {
		return false
	}
	if vol == 2 && p[1] == ':' {
		return len(p) > 2 && s.isSep(p[2])
	}
	return true
}

// Clean returns the shortest lexical equivalent of p: separators are
// normalized, "." segments dropped and ".." segments resolved. ".." never
// climbs above the root of an absolute path.
func (s PathStyle) Clean(p string) string {
	if p == "" {
		return "."
	}
	sep := string(s.Separator())

	vol := s.volumeLen(p)
	volume := p[:vol]
	rest := p[vol:]
	if s == StyleWindows {
		volume = strings.ReplaceAll(volume, "/", `\`)
	}

	// UNC and device volumes are always rooted.
	rooted := (len(rest) > 0 && s.isSep(rest[0])) || (vol > 2)

	var stack []string
	start := 0
	for i := 0; i <= len(rest); i++ {
		if i < len(rest) && !s.isSep(rest[i]) {
			continue
		}
		part := rest[start:i]
		start = i + 1
		switch part {
		case "", ".":
		case "..":
			switch {
			case len(stack) > 0 && stack[len(stack)-1] != "..":
				stack = stack[:len(stack)-1]
			case !rooted:
				stack = append(stack, "..")
			}
		default:
			stack = append(stack, part)
		}
	}

	body := strings.Join(stack, sep)
	var out string
	switch {
	case rooted && vol > 2 && body == "":
		out = volume
	case rooted:
		out = volume + sep + body
	default:
		out = volume + body
	}
	if out == "" {
		return "."
	}
	if out == volume && vol == 2 {
		return volume + "."
	}
	return out
}

// Resolve lexically resolves p against the absolute directory base.
func (s PathStyle) Resolve(base, p string) (string, error) {
	if p == "" {
		return "", ErrEmptyPath
	}
	if s.IsAbs(p) {
		return s.Clean(p), nil
	}
	if !s.IsAbs(base) {
		return "", fmt.Errorf("%w: %q", ErrRelativeProjectDirectory, base)
	}

	sep := string(s.Separator())
	if s == StyleWindows {
		vol := s.volumeLen(p)
		baseVol := s.VolumeName(base)
		switch {
		case vol == 2:
			// "C:foo" is relative to the process's per-drive directory for
			// C:. Only the project's own drive can be answered without it.
			if !strings.EqualFold(p[:2], baseVol) {
				return "", fmt.Errorf("%w: %q is relative to another drive", ErrAmbiguousPath, p)
			}
			return s.Clean(base + sep + p[2:]), nil
		case len(p) > 0 && s.isSep(p[0]):
			// "\foo" is relative to the root of the project's volume.
			return s.Clean(baseVol + p), nil
		}
	}
	return s.Clean(base + sep + p), nil
}

// FoldCase applies the style's case policy for canonical comparison forms.
func (s PathStyle) FoldCase(p string) string {
	if s == StyleWindows {
		return strings.ToLower(p)
	}
	return p
}

// Within reports whether target is root or lies beneath it. Both paths
// must already be clean.
func (s PathStyle) Within(root, target string) bool {
	r, t := s.FoldCase(root), s.FoldCase(target)
	if r == t {
		return true
	}
	sep := string(s.Separator())
	if !strings.HasSuffix(r, sep) {
		r += sep
	}
	return strings.HasPrefix(t, r)
}
