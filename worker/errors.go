package worker

import "errors"

// ErrNoAvailableExecutors is returned when a permit cannot be acquired
// without blocking — non-fatal; the poll loop skips to the next tick.
var ErrNoAvailableExecutors = errors.New("worker: no available executors")

// ErrTakenByPeer is returned when Pick lost the version race — non-fatal;
// the poll loop treats the row as taken by a peer and moves on.
var ErrTakenByPeer = errors.New("worker: execution taken by peer")
