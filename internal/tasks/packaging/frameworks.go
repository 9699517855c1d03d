package packaging

import (
	"slices"
	"strings"
)

// compatibleFrameworks maps a target framework moniker to the library
// frameworks it can consume, most specific first.
var compatibleFrameworks = map[string][]string{
	"net9.0":         {"net9.0", "net8.0", "net7.0", "net6.0", "net5.0", "netcoreapp3.1", "netcoreapp3.0", "netstandard2.1", "netstandard2.0", "netstandard1.6", "netstandard1.3", "netstandard1.0"},
	"net8.0":         {"net8.0", "net7.0", "net6.0", "net5.0", "netcoreapp3.1", "netcoreapp3.0", "netstandard2.1", "netstandard2.0", "netstandard1.6", "netstandard1.3", "netstandard1.0"},
	"net7.0":         {"net7.0", "net6.0", "net5.0", "netcoreapp3.1", "netcoreapp3.0", "netstandard2.1", "netstandard2.0", "netstandard1.6", "netstandard1.3", "netstandard1.0"},
	"net6.0":         {"net6.0", "net5.0", "netcoreapp3.1", "netcoreapp3.0", "netstandard2.1", "netstandard2.0", "netstandard1.6", "netstandard1.3", "netstandard1.0"},
	"net5.0":         {"net5.0", "netcoreapp3.1", "netcoreapp3.0", "netstandard2.1", "netstandard2.0", "netstandard1.6", "netstandard1.3", "netstandard1.0"},
	"netcoreapp3.1":  {"netcoreapp3.1", "netcoreapp3.0", "netstandard2.1", "netstandard2.0", "netstandard1.6", "netstandard1.3", "netstandard1.0"},
	"netstandard2.1": {"netstandard2.1", "netstandard2.0", "netstandard1.6", "netstandard1.3", "netstandard1.0"},
	"netstandard2.0": {"netstandard2.0", "netstandard1.6", "netstandard1.3", "netstandard1.0"},
	"net48":          {"net48", "net472", "net471", "net47", "net462", "net461", "net46", "net452", "net45", "netstandard2.0", "netstandard1.6", "netstandard1.3", "netstandard1.0"},
	"net472":         {"net472", "net471", "net47", "net462", "net461", "net46", "net452", "net45", "netstandard2.0", "netstandard1.6", "netstandard1.3", "netstandard1.0"},
	"net462":         {"net462", "net461", "net46", "net452", "net45", "netstandard2.0", "netstandard1.3", "netstandard1.0"},
}

// CompatibleFrameworks returns the acceptable library frameworks for tfm.
// An unknown moniker only accepts itself. The caller owns the result.
func CompatibleFrameworks(tfm string) []string {
	tfm = strings.ToLower(strings.TrimSpace(tfm))
	if list, ok := compatibleFrameworks[tfm]; ok {
		return slices.Clone(list)
	}
	return []string{tfm}
}
