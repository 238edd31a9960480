package service

import "errors"

var (
	// ErrBackpressure is returned by Ingest when the event queue is full.
	ErrBackpressure = errors.New("event queue full")
	// ErrNotStarted is returned by methods that need Start to have run.
	ErrNotStarted = errors.New("service not started")
	// ErrStopped is returned by Ingest after Stop.
	ErrStopped = errors.New("service stopped")
)
