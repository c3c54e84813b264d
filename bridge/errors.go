package bridge

import (
	"errors"
	"fmt"
)

var (
	// ErrNoInstance means a call with an empty instance ID found no bridged
	// embedding to route to.
	ErrNoInstance = errors.New("bridge: no bridged instance")

	// ErrAmbiguousInstance means a call with an empty instance ID matched
	// more than one bridged embedding.
	ErrAmbiguousInstance = errors.New("bridge: multiple bridged instances, pass an instance id")
)

// UnknownInstanceError reports a call addressed to an instance the registry
// does not know, or one that mounted without bridging.
type UnknownInstanceError struct {
	InstanceID string
}

func (e *UnknownInstanceError) Error() string {
	return fmt.Sprintf("bridge: instance %q not bridged", e.InstanceID)
}
