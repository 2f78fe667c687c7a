// Package contracts defines the shared data contracts of the GitGovernance
// core: the signed record envelope, the typed payload families, the event
// envelope, and the tagged error kinds that cross component boundaries.
package contracts

import "encoding/json"

// EnvelopeVersion is the current record envelope version.
const EnvelopeVersion = "1.1"

// RecordType identifies the payload family carried by a record.
type RecordType string

const (
	RecordTypeActor     RecordType = "actor"
	RecordTypeAgent     RecordType = "agent"
	RecordTypeTask      RecordType = "task"
	RecordTypeCycle     RecordType = "cycle"
	RecordTypeExecution RecordType = "execution"
	RecordTypeChangelog RecordType = "changelog"
	RecordTypeFeedback  RecordType = "feedback"
	RecordTypeCustom    RecordType = "custom"
)

// Valid reports whether t is a known record type.
func (t RecordType) Valid() bool {
	switch t {
	case RecordTypeActor, RecordTypeAgent, RecordTypeTask, RecordTypeCycle,
		RecordTypeExecution, RecordTypeChangelog, RecordTypeFeedback, RecordTypeCustom:
		return true
	}
	return false
}

// Signature is one entry in the envelope's ordered signature chain.
// The signed message is SHA-256("{payloadChecksum}:{keyId}:{role}:{notes}:{timestamp}"),
// signed with Ed25519. Signature bytes are base64 with padding.
type Signature struct {
	KeyID     string `json:"keyId"`
	Role      string `json:"role"`
	Notes     string `json:"notes"`
	Signature string `json:"signature"`
	Timestamp int64  `json:"timestamp"` // unix seconds
}

// RoleAuthor is the mandatory first signature role on every record.
const RoleAuthor = "author"

// Header is the cryptographic envelope around a payload.
type Header struct {
	Version         string      `json:"version"`
	Type            RecordType  `json:"type"`
	PayloadChecksum string      `json:"payloadChecksum"` // lowercase hex SHA-256 of canonical payload
	Signatures      []Signature `json:"signatures"`

	// Required only for custom records.
	SchemaURL      string `json:"schemaUrl,omitempty"`
	SchemaChecksum string `json:"schemaChecksum,omitempty"`
}

// Record is a typed signed record: envelope plus payload.
type Record[T any] struct {
	Header  Header `json:"header"`
	Payload T      `json:"payload"`
}

// RawRecord is the untyped view used when the payload family is not known
// up front (watcher, sync audit, lint).
type RawRecord struct {
	Header  Header          `json:"header"`
	Payload json.RawMessage `json:"payload"`
}
