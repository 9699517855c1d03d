package taskenv

import "errors"

var (
	// ErrUninitializedContext is returned when a project directory is needed
	// but was never bound and no descriptor was supplied to derive it.
	ErrUninitializedContext = errors.New("environment context has no project directory")

	// ErrProjectDirectoryFrozen is returned when the project directory is
	// changed after a path has already been resolved against it.
	ErrProjectDirectoryFrozen = errors.New("project directory is frozen after first resolution")

	ErrRelativeProjectDirectory = errors.New("project directory must be absolute")
	ErrAmbiguousPath            = errors.New("path cannot be resolved without process state")
	ErrEmptyPath                = errors.New("empty path")
	ErrInvalidEnvName           = errors.New("invalid environment variable name")
	ErrExecutableNotFound       = errors.New("executable not found")
)
