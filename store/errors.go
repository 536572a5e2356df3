package store

import "errors"

// ErrStalePick is returned (or signaled via a nil/false result, per method)
// when a conditional update lost the version race — another scheduler got
// there first. Callers treat this as "taken by peer", never as a failure.
var ErrStalePick = errors.New("store: stale pick, version changed")

// ErrNotFound indicates the targeted row does not exist.
var ErrNotFound = errors.New("store: execution not found")
