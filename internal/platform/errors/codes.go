// Package errors provides the error taxonomy shared by the netplay packages.
package errors

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// CodeSignaling covers an unreachable rendezvous endpoint, a rejected join
	// or a room that did not fill in time. Callers may retry matchmaking.
	CodeSignaling Code = "SIGNALING"

	// CodeConfig covers invalid session parameters. Never retried.
	CodeConfig Code = "CONFIG"

	// CodeTransport covers channel failures while a session is running. The
	// session treats it as a peer disconnect.
	CodeTransport Code = "TRANSPORT"

	// CodeDesync covers mispredictions outside the rollback window,
	// conflicting confirmed input and checksum mismatches. Fatal.
	CodeDesync Code = "DESYNC"
)

// Fatal reports whether a session hitting an error with this code must be
// torn down.
func (c Code) Fatal() bool {
	switch c {
	case CodeConfig, CodeTransport, CodeDesync:
		return true
	default:
		return false
	}
}
