package versioning

import (
	"encoding/json"
	"path/filepath"
	"regexp"
	"strings"
)

// FileKind selects the rewrite rules for a file.
type FileKind int

const (
	KindUnsupported FileKind = iota
	KindProject
	KindSource
	KindPackageJSON
)

func (k FileKind) String() string {
	switch k {
	case KindProject:
		return "project"
	case KindSource:
		return "source"
	case KindPackageJSON:
		return "package.json"
	default:
		return "unsupported"
	}
}

// KindOf classifies path by name.
func KindOf(path string) FileKind {
	base := strings.ToLower(filepath.Base(path))
	if base == "package.json" {
		return KindPackageJSON
	}
	switch filepath.Ext(base) {
	case ".csproj", ".vbproj", ".fsproj", ".props", ".targets":
		return KindProject
	case ".cs", ".vb", ".fs":
		return KindSource
	}
	return KindUnsupported
}

// rule rewrites the first capture group of every match of re.
type rule struct {
	re    *regexp.Regexp
	value func(Version) string
}

func semantic(v Version) string { return v.Semantic }
func numeric(v Version) string  { return v.Numeric }
func prefix(v Version) string   { return v.Prefix }

func element(name string, value func(Version) string) rule {
	return rule{re: regexp.MustCompile(`<` + name + `>\s*([^<]*?)\s*</` + name + `>`), value: value}
}

func attribute(name string, value func(Version) string) rule {
	return rule{
		re:    regexp.MustCompile(`[\[<]\s*[Aa]ssembly\s*:\s*(?:System\.Reflection\.)?` + name + `(?:Attribute)?\s*\(\s*"([^"]*)"\s*\)\s*[\]>]`),
		value: value,
	}
}

var rules = map[FileKind][]rule{
	KindProject: {
		element("Version", semantic),
		element("VersionPrefix", prefix),
		element("PackageVersion", semantic),
		element("AssemblyVersion", numeric),
		element("FileVersion", numeric),
		element("InformationalVersion", semantic),
	},
	KindSource: {
		attribute("AssemblyVersion", numeric),
		attribute("AssemblyFileVersion", numeric),
		attribute("AssemblyInformationalVersion", semantic),
	},
}

var propertyGroup = regexp.MustCompile(`(?s)<PropertyGroup\b[^>]*>(.*?)</PropertyGroup>`)

// rewrite applies the kind's rules to content. It returns the new content,
// the first version token found and whether any token was found at all.
// Project rules only touch PropertyGroup contents; item metadata such as a
// PackageReference's Version child is a dependency pin.
func rewrite(content string, kind FileKind, v Version) (string, string, bool) {
	var spans [][2]int
	switch kind {
	case KindProject:
		for _, m := range propertyGroup.FindAllStringSubmatchIndex(content, -1) {
			spans = append(spans, [2]int{m[2], m[3]})
		}
	case KindPackageJSON:
		start, end, ok := topLevelVersion(content)
		if !ok {
			return content, "", false
		}
		return content[:start] + semantic(v) + content[end:], content[start:end], true
	default:
		spans = [][2]int{{0, len(content)}}
	}

	var (
		b        strings.Builder
		previous string
		found    bool
		last     int
	)
	for _, span := range spans {
		b.WriteString(content[last:span[0]])
		updated, prev, ok := applyRules(content[span[0]:span[1]], rules[kind], v)
		if ok && !found {
			previous, found = prev, true
		}
		b.WriteString(updated)
		last = span[1]
	}
	b.WriteString(content[last:])
	return b.String(), previous, found
}

func applyRules(content string, rs []rule, v Version) (string, string, bool) {
	var previous string
	found := false

	for _, r := range rs {
		matches := r.re.FindAllStringSubmatchIndex(content, -1)
		if len(matches) == 0 {
			continue
		}

		var b strings.Builder
		last := 0
		for _, m := range matches {
			start, end := m[2], m[3]
			if !found {
				previous = content[start:end]
				found = true
			}
			b.WriteString(content[last:start])
			b.WriteString(r.value(v))
			last = end
		}
		b.WriteString(content[last:])
		content = b.String()
	}
	return content, previous, found
}

var versionValue = regexp.MustCompile(`^\s*:\s*"([^"\\]*)"$`)

// topLevelVersion returns the byte span of the top-level "version" string
// value of a package.json document. Nested keys of the same name are
// dependency metadata and never match.
func topLevelVersion(content string) (int, int, bool) {
	dec := json.NewDecoder(strings.NewReader(content))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return 0, 0, false
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return 0, 0, false
		}
		key, _ := tok.(string)
		keyEnd := int(dec.InputOffset())

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return 0, 0, false
		}
		if key != "version" {
			continue
		}
		valueEnd := int(dec.InputOffset())
		m := versionValue.FindStringSubmatchIndex(content[keyEnd:valueEnd])
		if m == nil {
			return 0, 0, false
		}
		return keyEnd + m[2], keyEnd + m[3], true
	}
	return 0, 0, false
}
