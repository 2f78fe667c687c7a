package contracts

import "fmt"

// Envelope errors.

// ChecksumMismatchError reports a payloadChecksum that disagrees with the
// canonical hash of the payload.
type ChecksumMismatchError struct {
	Expected string
	Actual   string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("payload checksum mismatch: header declares %s, payload hashes to %s", e.Expected, e.Actual)
}

// InvalidEnvelopeError reports a structurally invalid record header.
type InvalidEnvelopeError struct {
	Reason string
}

func (e *InvalidEnvelopeError) Error() string {
	return "invalid envelope: " + e.Reason
}

// UnverifiedSignatureError reports a signature that fails Ed25519 verification.
type UnverifiedSignatureError struct {
	Index int
	KeyID string
}

func (e *UnverifiedSignatureError) Error() string {
	return fmt.Sprintf("signature %d by %s does not verify", e.Index, e.KeyID)
}

// UnknownKeyError reports a keyId that cannot be resolved to an active actor.
type UnknownKeyError struct {
	KeyID string
}

func (e *UnknownKeyError) Error() string {
	return "unknown or revoked key: " + e.KeyID
}

// Store errors.

// NotFoundError reports a missing record.
type NotFoundError struct {
	Type RecordType
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s record not found: %s", e.Type, e.ID)
}

// CorruptRecordError reports a record file that cannot be decoded.
type CorruptRecordError struct {
	Path string
	Err  error
}

func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("corrupt record at %s: %v", e.Path, e.Err)
}

func (e *CorruptRecordError) Unwrap() error { return e.Err }

// Workflow errors.

// GateKind names the requirement class that blocked a transition.
type GateKind string

const (
	GateCommand   GateKind = "command"
	GateEvent     GateKind = "event"
	GateSignature GateKind = "signature"
	GateRule      GateKind = "rule"
)

// InvalidTransitionError reports a workflow transition denied by a gate.
type InvalidTransitionError struct {
	From      TaskStatus
	To        TaskStatus
	BlockedBy GateKind
	Detail    string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("transition %s -> %s blocked by %s gate: %s", e.From, e.To, e.BlockedBy, e.Detail)
}

// Adapter errors.

// InvalidStateError reports an operation attempted in a state that forbids it.
type InvalidStateError struct {
	Current string
	Detail  string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid state %q: %s", e.Current, e.Detail)
}

// DuplicateRecordError reports an attempt to create a record whose ID exists.
type DuplicateRecordError struct {
	Type RecordType
	ID   string
}

func (e *DuplicateRecordError) Error() string {
	return fmt.Sprintf("%s record already exists: %s", e.Type, e.ID)
}

// BrokenReferenceError reports a cross-reference that does not resolve.
type BrokenReferenceError struct {
	Field string
	ID    string
}

func (e *BrokenReferenceError) Error() string {
	return fmt.Sprintf("reference %s=%s does not resolve to an existing record", e.Field, e.ID)
}

// Watcher errors.

// ProjectNotInitializedError reports a missing .gitgov directory.
type ProjectNotInitializedError struct {
	Path string
}

func (e *ProjectNotInitializedError) Error() string {
	return "project not initialized: no .gitgov directory at " + e.Path
}

// WatcherSetupError reports a failure attaching filesystem watchers.
type WatcherSetupError struct {
	Dir string
	Err error
}

func (e *WatcherSetupError) Error() string {
	return fmt.Sprintf("watcher setup failed for %s: %v", e.Dir, e.Err)
}

func (e *WatcherSetupError) Unwrap() error { return e.Err }

// Sync errors.

// ConflictDetectedError reports divergence between local and remote state.
type ConflictDetectedError struct {
	Branch string
	Detail string
}

func (e *ConflictDetectedError) Error() string {
	return fmt.Sprintf("conflict detected on %s: %s", e.Branch, e.Detail)
}

// RebaseFailedError reports a rebase that could not complete.
type RebaseFailedError struct {
	Branch string
	Err    error
}

func (e *RebaseFailedError) Error() string {
	return fmt.Sprintf("rebase of %s failed: %v", e.Branch, e.Err)
}

func (e *RebaseFailedError) Unwrap() error { return e.Err }

// RemoteUnreachableError reports a git remote that cannot be contacted.
type RemoteUnreachableError struct {
	Remote string
	Err    error
}

func (e *RemoteUnreachableError) Error() string {
	return fmt.Sprintf("remote %s unreachable: %v", e.Remote, e.Err)
}

func (e *RemoteUnreachableError) Unwrap() error { return e.Err }
