package config

import "errors"

var (
	ErrMalformed       = errors.New("config: malformed topology file")
	ErrDuplicateID     = errors.New("config: duplicate id")
	ErrSelfLoop        = errors.New("config: node connected to itself")
	ErrDuplicateEdge   = errors.New("config: duplicate connection")
	ErrInvalidPDR      = errors.New("config: invalid packet drop rate")
	ErrInvalidDegree   = errors.New("config: invalid number of connections")
	ErrUnknownNeighbor = errors.New("config: neighbor id does not exist")
	ErrDisconnected    = errors.New("config: drone-only subgraph is not connected")
)
