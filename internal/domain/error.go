package domain

import "errors"

var (
	// ErrTransportClosed reports that the RPC connection to a plugin server
	// is gone. Phase calls failing with it are not retried.
	ErrTransportClosed = errors.New("transport closed")

	// ErrInstanceGone reports the remote "No plugin instance" condition: the
	// server no longer knows the instance id the host holds. The phase
	// adapter evicts the cached entry and retries once.
	ErrInstanceGone = errors.New("no plugin instance")

	// ErrDuplicatePlugin reports that an already registered plugin name was
	// advertised again by another server or with another version. The first
	// registration wins.
	ErrDuplicatePlugin = errors.New("duplicate plugin name")

	// ErrPluginNotFound reports a lookup for a plugin no server advertised.
	ErrPluginNotFound = errors.New("plugin not found")

	// ErrServerUnavailable reports that the owning server has no live
	// transport at the moment of the call.
	ErrServerUnavailable = errors.New("plugin server unavailable")
)
