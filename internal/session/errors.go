package session

import "errors"

var (
	// ErrInvalidConfig rejects a session config at start time.
	ErrInvalidConfig = errors.New("invalid session config")

	// ErrSessionAlreadyActive rejects a second start while a session runs.
	ErrSessionAlreadyActive = errors.New("session already active")

	// ErrNoActiveSession rejects lifecycle calls with nothing running.
	ErrNoActiveSession = errors.New("no active session")

	// ErrSessionCompleted rejects input into a completed phase machine.
	ErrSessionCompleted = errors.New("session completed")

	// ErrSnapshotStale marks a recovery snapshot past its staleness horizon.
	ErrSnapshotStale = errors.New("recovery snapshot is stale")

	// ErrSnapshotCorrupt marks an unreadable or schema-incompatible snapshot.
	ErrSnapshotCorrupt = errors.New("recovery snapshot is corrupt")

	// ErrProgressionFallback marks a recommendation produced by the safe
	// fallback path rather than the full calculation.
	ErrProgressionFallback = errors.New("progression calculation fell back to default")
)
