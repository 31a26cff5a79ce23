package watch

import "errors"

var (
	// ErrNotFound is returned when a resource or record does not exist. Fetchers
	// return it for HTTP 404, which marks the subscription dead.
	ErrNotFound = errors.New("not found")
	// ErrAlreadySubscribed is raised by the uniqueness constraint on (user, url).
	ErrAlreadySubscribed = errors.New("already subscribed")
	// ErrWorkerRestarted fails tasks that were pending when the parse worker died.
	ErrWorkerRestarted = errors.New("parse worker restarted")
	// ErrWorkerStopped fails tasks submitted to or pending on a stopped worker.
	ErrWorkerStopped = errors.New("parse worker stopped")
	// ErrTaskExpired fails tasks whose deadline passed without a result.
	ErrTaskExpired = errors.New("parse task expired")
	// ErrProtocolViolation marks worker output that cannot be matched or decoded.
	ErrProtocolViolation = errors.New("worker protocol violation")
)
