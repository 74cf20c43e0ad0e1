package bridge

import "fmt"

// TransportError wraps a socket or HTTP failure in the IRC or Display
// Client. It is logged at WARNING; the IRC Client does not reconnect
// itself, the Controller schedules reconnects with backoff.
type TransportError struct {
	Component string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport error: %v", e.Component, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is an unexpected or malformed line from a peer (IRC server
// or, in principle, a command client). The offending message is dropped and
// the session continues.
type ProtocolError struct {
	Component string
	Line      string
	Err       error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: protocol error on %q: %v", e.Component, e.Line, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// CacheMiss reports that an ImageKey could not be resolved to bytes. The
// Controller discards the ranked entry on this error.
type CacheMiss struct {
	Key ImageKey
	Err error
}

func (e *CacheMiss) Error() string {
	return fmt.Sprintf("cache miss for %s: %v", e.Key.Fingerprint(), e.Err)
}

func (e *CacheMiss) Unwrap() error { return e.Err }

// CommandError is a bad-syntax or inappropriate-state command. It is
// reported to the command session as "ERR <reason>" and never mutates
// Controller state.
type CommandError struct {
	Reason string
}

func (e *CommandError) Error() string { return e.Reason }

// FatalError is unrecoverable: the cache directory is unwritable, the
// command port cannot be bound, or no image source is reachable at
// startup. main logs it at ERROR level (the band CRITICAL maps to) and the
// process exits 1.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("fatal: %v", e.Err) }

func (e *FatalError) Unwrap() error { return e.Err }
