package store

import "errors"

// Sentinel errors for the engine's failure taxonomy. Layers wrap these with
// context via fmt.Errorf("...: %w", err); callers test with errors.Is.
var (
	// ErrNotFound: unknown stable ID, content hash, or remote object.
	ErrNotFound = errors.New("not found")

	// ErrPermissionDenied: the session's role or ownership is insufficient.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrLocked: a live lease owned by a different session exists.
	ErrLocked = errors.New("locked by another session")

	// ErrConflict: lease contention on heartbeat/release.
	ErrConflict = errors.New("lock conflict")

	// ErrValidation: malformed request.
	ErrValidation = errors.New("validation error")

	// ErrRemoteUnavailable: transport or network failure against the remote
	// mirror. A sync pass aborts as a whole when it surfaces.
	ErrRemoteUnavailable = errors.New("remote unavailable")

	// ErrConflictDetected: sync-level data divergence, distinct from lock
	// contention. Never auto-resolved.
	ErrConflictDetected = errors.New("sync conflict detected")
)
