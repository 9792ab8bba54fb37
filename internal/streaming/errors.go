// Package streaming owns the stream-session lifecycle and viewer-presence
// subsystem: the session state machine, the in-memory viewer registry, the
// gateway to the external SFU, and the reconciliation loop that keeps the
// persisted liveness flag consistent with the media layer.
package streaming

import "errors"

// Business-rule errors returned to the request path for user-facing
// translation. Never retried automatically.
var (
	// ErrAlreadyLive is returned when a start conflicts with an unexpired
	// live session carrying a different session id.
	ErrAlreadyLive = errors.New("stream already live")
	// ErrNoActiveSession is returned on ping/stop against an idle channel.
	ErrNoActiveSession = errors.New("no active stream session")
	// ErrSessionMismatch is returned when a stop carries a session id that
	// differs from the stored one (stale client stopping a newer session).
	ErrSessionMismatch = errors.New("session id mismatch")
	// ErrSfuUnreachable marks transport failures talking to the SFU. Always
	// non-fatal: callers downgrade it to a health=false signal.
	ErrSfuUnreachable = errors.New("sfu unreachable")
)
