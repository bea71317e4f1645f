// Package taskerr defines the typed errors a parser session or task can
// fail with. Each kind wraps an inner error via Unwrap so callers use
// errors.As/errors.Is rather than matching on strings.
package taskerr

import "fmt"

// Transport reports a socket or TLS handshake failure. The owning
// session is killed and its dependents fail; the caller may retry on
// the next user action.
type Transport struct {
	Err error
}

func (e *Transport) Error() string { return fmt.Sprintf("transport: %v", e.Err) }
func (e *Transport) Unwrap() error { return e.Err }

// ProtocolViolation reports a response the parser could not make sense
// of, or a response that arrived in a state that does not allow it.
// The owning session is killed with imap.KillViolation.
type ProtocolViolation struct {
	Err error
}

func (e *ProtocolViolation) Error() string { return fmt.Sprintf("protocol violation: %v", e.Err) }
func (e *ProtocolViolation) Unwrap() error { return e.Err }

// AuthRejected reports that the server rejected the offered
// credentials or SASL exchange.
type AuthRejected struct {
	Err error
}

func (e *AuthRejected) Error() string { return fmt.Sprintf("auth rejected: %v", e.Err) }
func (e *AuthRejected) Unwrap() error { return e.Err }

// TlsRequired reports that the server advertised LOGINDISABLED with no
// usable STARTTLS path, so plaintext LOGIN cannot proceed.
type TlsRequired struct {
	Err error
}

func (e *TlsRequired) Error() string { return fmt.Sprintf("tls required: %v", e.Err) }
func (e *TlsRequired) Unwrap() error { return e.Err }

// CommandFailed reports a tagged NO or BAD response to a command.
type CommandFailed struct {
	Tag  string
	Cond string // "NO" or "BAD"
	Text string
}

func (e *CommandFailed) Error() string {
	return fmt.Sprintf("%s %s %s", e.Tag, e.Cond, e.Text)
}

// Offline reports that a task failed synthetically because the engine
// has no network, or has been put into offline mode by the host.
type Offline struct {
	Reason string
}

func (e *Offline) Error() string { return fmt.Sprintf("offline: %s", e.Reason) }

// CacheIO reports a non-fatal persistence failure. It is funneled into
// the cache's error sink rather than returned synchronously, and never
// aborts the engine.
type CacheIO struct {
	Err error
}

func (e *CacheIO) Error() string { return fmt.Sprintf("cache io: %v", e.Err) }
func (e *CacheIO) Unwrap() error { return e.Err }

// Timeout reports that no response arrived for a command within the
// configured window. The task is killed; the session survives.
type Timeout struct {
	Tag string
}

func (e *Timeout) Error() string { return fmt.Sprintf("timeout waiting for %s", e.Tag) }

// ParentFailed reports that a task was failed because one of its
// parents in the task graph failed or died.
type ParentFailed struct {
	Cause error
}

func (e *ParentFailed) Error() string { return fmt.Sprintf("parent failed: %v", e.Cause) }
func (e *ParentFailed) Unwrap() error { return e.Cause }

// NoCompatibleMechanism reports that the server advertised no AUTH=
// mechanism this client implements, and plaintext LOGIN was not an
// acceptable fallback.
type NoCompatibleMechanism struct {
	Advertised []string
}

func (e *NoCompatibleMechanism) Error() string {
	return fmt.Sprintf("no compatible authentication mechanism (server offers %v)", e.Advertised)
}
