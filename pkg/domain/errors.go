package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across packages. Callers match them with errors.Is.
var (
	ErrConfigInvalid     = errors.New("invalid configuration")
	ErrInvalidSiteFormat = errors.New("invalid site format")
	ErrRegistryIO        = errors.New("registry i/o failure")
	ErrRegistryParse     = errors.New("registry parse failure")
	ErrNotRegistered     = errors.New("no registered connection")
	ErrSourceUnavailable = errors.New("agent data source unavailable")
)

// ConnectionError attaches the registry key an operation worked on to the
// underlying error.
type ConnectionError struct {
	Op   string
	Type ConnectionType
	Site SiteID
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s (%s %s): %v", e.Op, e.Type, e.Site, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
