package core

import "errors"

var (
	ErrConnectionLost      = errors.New("connection lost")
	ErrNotConnected        = errors.New("not connected to server")
	ErrMissingToken        = errors.New("access token is empty")
	ErrUnsupportedProtocol = errors.New("unsupported protocol")
)
