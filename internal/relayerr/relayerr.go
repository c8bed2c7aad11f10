// Package relayerr classifies errors the way spec.md §7 describes: a small
// set of sentinel kinds that callers check with errors.Is, wrapped with
// fmt.Errorf("...: %w", err) at the point of failure like the rest of the
// codebase does, rather than a bespoke exception hierarchy.
package relayerr

import "errors"

// Sentinel kinds. Wrap with fmt.Errorf("%w: ...", Kind) or compare with
// errors.Is against the returned error.
var (
	// BadInput covers invalid paths, empty commands, and unknown tool names.
	BadInput = errors.New("bad input")
	// PermissionDenied covers path escapes, shim recursion, user denial, and
	// permission timeouts.
	PermissionDenied = errors.New("permission denied")
	// Timeout is a PermissionDenied variant distinguished for HTTP status
	// mapping (408 instead of 403).
	Timeout = errors.New("timeout")
	// Transient covers socket errors, spawn EAGAIN, and DB busy — safe to
	// retry.
	Transient = errors.New("transient error")
	// Fatal covers startup-only conditions (missing JWT secret, unreadable
	// DB) that should exit the process before it accepts work.
	Fatal = errors.New("fatal error")
	// NotFound covers unknown run/host identifiers.
	NotFound = errors.New("not found")
)

// Is reports whether err is tagged with kind anywhere in its chain.
func Is(err, kind error) bool {
	return errors.Is(err, kind)
}
