package plugins

import (
	"errors"
	"fmt"
)

// ConfigurationError reports instance settings a handler rejected.
// Operator action is required; nothing retries these.
type ConfigurationError struct {
	PluginType string
	Reason     string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s configuration invalid: %s", e.PluginType, e.Reason)
}

// AccessDeniedError reports a provider auth rejection, distinguishable
// from generic delivery failure so credential invalidation and operator
// alerts can key off it.
type AccessDeniedError struct {
	Provider string
	Status   int
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("%s denied access (status %d)", e.Provider, e.Status)
}

// IsAccessDenied reports whether err is an AccessDeniedError anywhere in
// its chain.
func IsAccessDenied(err error) bool {
	var denied *AccessDeniedError
	return errors.As(err, &denied)
}
