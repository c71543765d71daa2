package jwc

import (
	"errors"
	"fmt"

	"github.com/jwc-audio/jwc/balancer"
	"github.com/jwc-audio/jwc/rest"
)

// Coordination-layer errors.
var (
	// ErrNodeUnavailable is returned by any node REST operation when
	// node.Available() is false.
	ErrNodeUnavailable = errors.New("jwc: node unavailable")

	// ErrNoAvailableNode is returned when the balancer finds no candidate.
	// It is the same value as balancer.ErrNoAvailableNode.
	ErrNoAvailableNode = balancer.ErrNoAvailableNode

	// ErrPoolUnmapped is returned by GetOrCreateLink when CurrentPool[guild]
	// has not been set.
	ErrPoolUnmapped = errors.New("jwc: guild has no assigned pool")

	// ErrNodeExists is returned by AddNode when a node with the same name is
	// already registered.
	ErrNodeExists = errors.New("jwc: node with that name already exists")

	// ErrClientClosed is returned by orchestrator operations invoked after
	// Close.
	ErrClientClosed = errors.New("jwc: client is closed")
)

// RestError is a type alias for rest.Error, re-exported so callers never
// need to import the rest sub-package just to errors.As a REST failure.
type RestError = rest.Error

// TransportError is a type alias for rest.TransportError.
type TransportError = rest.TransportError

// ConfigError reports an invalid configuration: a missing required field, a
// malformed token, or a duplicate node name caught before any network call
// is attempted.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("jwc: config: %s: %s", e.Field, e.Reason)
}
