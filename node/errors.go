package node

import "errors"

var (
	ErrDataDirRequired    = errors.New("data dir is required")
	ErrAddressRequired    = errors.New("address is required")
	ErrPortRequired       = errors.New("port is required")
	ErrInvalidAuthTimeout = errors.New("auth timeout must be positive")
	ErrInvalidTopology    = errors.New("topology must be non-negative with originateConnections <= maxPeers")
	ErrNotStarted         = errors.New("node not started")
	ErrAlreadyStarted     = errors.New("node already started")
)
