package hlssession

import "errors"

var (
	// ErrInvalidContentRef is returned for missing or malformed request parameters.
	ErrInvalidContentRef = errors.New("invalid content reference")

	// ErrSourceUnavailable is returned when neither a local path nor a stream
	// could be obtained for the content.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrSpawnFailed is returned when the transcoder could not be started.
	ErrSpawnFailed = errors.New("transcoder spawn failed")

	// ErrNotReady is returned when a new session did not produce a playable
	// playlist in time. The transcoder has been terminated.
	ErrNotReady = errors.New("session not ready")

	// ErrPlaylistTimeout is returned by WaitForReady when the deadline passes.
	ErrPlaylistTimeout = errors.New("playlist readiness timeout")

	// ErrSessionNotFound is returned when a session id does not resolve to a
	// directory on disk.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidFile is returned for segment names outside the allowlist.
	ErrInvalidFile = errors.New("invalid segment file name")
)
