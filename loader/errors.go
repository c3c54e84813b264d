package loader

import "fmt"

// LoadError is returned when a script injection fails: network error, parse
// error, or the configured timeout.
type LoadError struct {
	URL string
	Err error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("loader: load %s: %v", e.URL, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// SharedScopeError is returned when the page-global shared scope init fails.
// The condition is page-global and fatal for every plugin; it is latched for
// the page's lifetime.
type SharedScopeError struct {
	Err error
}

func (e *SharedScopeError) Error() string {
	return fmt.Sprintf("loader: shared scope init: %v", e.Err)
}

func (e *SharedScopeError) Unwrap() error { return e.Err }

// ActivationError is the per-plugin failure collected into batch results.
// It never aborts the batch.
type ActivationError struct {
	Plugin string
	Err    error
}

func (e *ActivationError) Error() string {
	return fmt.Sprintf("loader: activate plugin %q: %v", e.Plugin, e.Err)
}

func (e *ActivationError) Unwrap() error { return e.Err }

// MainEntryError is returned when the main entry point cannot be loaded,
// exposes no callable, or its invocation fails. Fatal to one mount.
type MainEntryError struct {
	Entry string
	Err   error
}

func (e *MainEntryError) Error() string {
	return fmt.Sprintf("loader: main entry %s: %v", e.Entry, e.Err)
}

func (e *MainEntryError) Unwrap() error { return e.Err }
