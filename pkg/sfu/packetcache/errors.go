package packetcache

import "errors"

var (
	ErrTooManySources = errors.New("too many sources")
	ErrCacheClosed    = errors.New("cache closed")
)
