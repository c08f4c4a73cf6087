package relay

import (
	"errors"

	"vpnrelay/internal/registry"
)

var (
	ErrAlreadyRunning = errors.New("relay already running")
	ErrNotRunning     = errors.New("relay not running")
	// ErrBind wraps the OS error from binding the local listen address.
	ErrBind = errors.New("bind failed")
	// ErrUpstreamUnreachable wraps a failed dial to the selected node.
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
	// ErrTransfer wraps a read or write failure mid-stream.
	ErrTransfer = errors.New("transfer failed")

	ErrNoNodesAvailable = registry.ErrNoNodesAvailable
	ErrNodeNotFound     = registry.ErrNodeNotFound
)
