package conformance

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Violation is one call to an ambient API found in source.
type Violation struct {
	Position token.Position
	Call     string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: call to %s", v.Position, v.Call)
}

// AmbientChecker statically finds calls that read or mutate process-global
// state: working directory, environment table, implicit temp and home
// directories, and process spawns that inherit all of them.
type AmbientChecker struct {
	// forbidden maps import path to function names.
	forbidden map[string]map[string]bool
	// emptyDirArg lists functions that are only ambient when their first
	// argument is the empty string (meaning the global temp directory).
	emptyDirArg map[string]map[string]bool
}

// NewAmbientChecker returns a checker loaded with the default ambient API
// list.
func NewAmbientChecker() *AmbientChecker {
	return &AmbientChecker{
		forbidden: map[string]map[string]bool{
			"os": set("Getwd", "Chdir", "Getenv", "LookupEnv", "Setenv", "Unsetenv",
				"Environ", "Clearenv", "ExpandEnv", "TempDir", "UserHomeDir"),
			"path/filepath": set("Abs"),
			"os/exec":       set("Command", "CommandContext", "LookPath"),
			"syscall":       set("Getenv", "Setenv", "Unsetenv", "Environ", "Chdir", "Getwd"),
		},
		emptyDirArg: map[string]map[string]bool{
			"os":        set("MkdirTemp", "CreateTemp"),
			"io/ioutil": set("TempDir", "TempFile"),
		},
	}
}

func set(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

// CheckSource checks a single file's source.
func (c *AmbientChecker) CheckSource(filename string, src any) ([]Violation, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, filename, src, parser.SkipObjectResolution)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filename, err)
	}
	return c.checkFile(fset, file), nil
}

// CheckDir checks every non-test Go file in dir (not recursive).
func (c *AmbientChecker) CheckDir(dir string) ([]Violation, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.go"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)

	var out []Violation
	for _, path := range matches {
		if strings.HasSuffix(path, "_test.go") {
			continue
		}
		src, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		v, err := c.CheckSource(path, src)
		if err != nil {
			return nil, err
		}
		out = append(out, v...)
	}
	return out, nil
}

func (c *AmbientChecker) checkFile(fset *token.FileSet, file *ast.File) []Violation {
	// Local import name -> import path, for the packages we care about.
	names := make(map[string]string)
	for _, imp := range file.Imports {
		path, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			continue
		}
		if c.forbidden[path] == nil && c.emptyDirArg[path] == nil {
			continue
		}
		name := path[strings.LastIndex(path, "/")+1:]
		if imp.Name != nil {
			name = imp.Name.Name
		}
		if name == "_" {
			continue
		}
		if name == "." {
			// Dot imports hide the qualifier; every listed function is
			// treated as a bare identifier below.
			names["."+path] = path
			continue
		}
		names[name] = path
	}
	if len(names) == 0 {
		return nil
	}

	var out []Violation
	ast.Inspect(file, func(n ast.Node) bool {
		call, ok := n.(*ast.CallExpr)
		if !ok {
			return true
		}
		pkg, fn, ok := c.callee(call.Fun, names)
		if !ok {
			return true
		}
		if c.forbidden[pkg][fn] || (c.emptyDirArg[pkg][fn] && firstArgEmpty(call)) {
			out = append(out, Violation{
				Position: fset.Position(call.Pos()),
				Call:     pkg + "." + fn,
			})
		}
		return true
	})
	return out
}

func (c *AmbientChecker) callee(fun ast.Expr, names map[string]string) (pkg, fn string, ok bool) {
	switch f := fun.(type) {
	case *ast.SelectorExpr:
		ident, isIdent := f.X.(*ast.Ident)
		if !isIdent {
			return "", "", false
		}
		path, found := names[ident.Name]
		if !found {
			return "", "", false
		}
		return path, f.Sel.Name, true
	case *ast.Ident:
		for key, path := range names {
			if strings.HasPrefix(key, ".") && (c.forbidden[path][f.Name] || c.emptyDirArg[path][f.Name]) {
				return path, f.Name, true
			}
		}
	}
	return "", "", false
}

func firstArgEmpty(call *ast.CallExpr) bool {
	if len(call.Args) == 0 {
		return false
	}
	lit, ok := call.Args[0].(*ast.BasicLit)
	if !ok || lit.Kind != token.STRING {
		return false
	}
	s, err := strconv.Unquote(lit.Value)
	return err == nil && s == ""
}
