package tasks

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
)

// Kind buckets an error into the failure taxonomy that decides how a task
// reacts to it.
type Kind int

const (
	KindUnknown Kind = iota
	// KindConfiguration aborts the invocation immediately.
	KindConfiguration
	// KindTransient is retried with backoff, then reported per item.
	KindTransient
	// KindPermission is a warning; the item is skipped.
	KindPermission
	// KindIntegrity fails the task only in strict mode.
	KindIntegrity
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindTransient:
		return "transient"
	case KindPermission:
		return "permission"
	case KindIntegrity:
		return "integrity"
	default:
		return "unknown"
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

var (
	ErrConfiguration = errors.New("configuration error")
	ErrTransient     = errors.New("transient error")
	ErrPermission    = errors.New("permission denied")
	ErrIntegrity     = errors.New("integrity check failed")
)

// ConfigError returns a configuration error with a formatted message.
func ConfigError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// IntegrityError returns an integrity error with a formatted message.
func IntegrityError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrIntegrity, fmt.Sprintf(format, args...))
}

// Classify inspects err and returns its Kind. Lock and busy conditions are
// checked before permissions because Windows reports some sharing
// violations as access denied.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrConfiguration):
		return KindConfiguration
	case errors.Is(err, ErrIntegrity):
		return KindIntegrity
	case errors.Is(err, ErrTransient), isBusy(err):
		return KindTransient
	case errors.Is(err, ErrPermission), errors.Is(err, fs.ErrPermission):
		return KindPermission
	}

	msg := strings.ToLower(err.Error())
	for _, hint := range []string{"resource busy", "text file busy", "being used by another process", "temporarily unavailable"} {
		if strings.Contains(msg, hint) {
			return KindTransient
		}
	}
	return KindUnknown
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return Classify(err) == KindTransient
}
