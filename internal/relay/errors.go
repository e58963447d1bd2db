package relay

import "errors"

var (
	ErrTooManyPeers = errors.New("too many relay peers")
	ErrHubClosed    = errors.New("relay hub closed")
)
