package mount

import (
	"errors"
	"fmt"
)

// ErrCancelled reports that Unmount was requested while the bootstrapper
// was still running. The mount stops at the next stage boundary.
var ErrCancelled = errors.New("mount: cancelled")

// MountError wraps a bootstrapper failure with the stage it occurred in.
type MountError struct {
	Stage Stage
	Err   error
}

func (e *MountError) Error() string {
	return fmt.Sprintf("mount: %s: %v", e.Stage, e.Err)
}

func (e *MountError) Unwrap() error { return e.Err }
