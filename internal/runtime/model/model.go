// Package model holds the records that tie one logical request to its
// Primary and Secondary outcomes and the comparison between them.
package model

import (
	"net/http"
	"time"
)

// Core identifies which downstream service produced an outcome.
type Core string

const (
	CorePrimary   Core = "PRIMARY"
	CoreSecondary Core = "SECONDARY"
)

// OutcomeStatus is the terminal state of one core's call.
type OutcomeStatus string

const (
	StatusSuccess OutcomeStatus = "SUCCESS"
	StatusFail    OutcomeStatus = "FAIL"
	StatusTimeout OutcomeStatus = "TIMEOUT"
	StatusSkipped OutcomeStatus = "SKIPPED"
)

// PayloadStorageType tells a storage adapter how a body was captured.
type PayloadStorageType string

const (
	// PayloadInline bodies are below the inline threshold.
	PayloadInline PayloadStorageType = "INLINE"
	// PayloadInlineCompressible bodies are stored inline but flagged for
	// external compression by the adapter.
	PayloadInlineCompressible PayloadStorageType = "INLINE_COMPRESSIBLE"
	// PayloadOmitted bodies exceeded the capture ceiling; only size and hash remain.
	PayloadOmitted PayloadStorageType = "OMITTED"
	// PayloadNone marks an empty body.
	PayloadNone PayloadStorageType = "NONE"
)

// BodyRef points at a captured body.
type BodyRef struct {
	Inline          []byte             `json:"inline,omitempty"`
	ExternalPointer string             `json:"external_pointer,omitempty"`
	StorageType     PayloadStorageType `json:"payload_storage_type"`
	// Truncated is set when the stream stopped before EOF, so size and hash
	// describe only a prefix of the body.
	Truncated bool `json:"truncated,omitempty"`
}

// RequestSnapshot is created once per correlation id and never modified.
type RequestSnapshot struct {
	CorrelationID string    `json:"correlation_id"`
	ArrivedAt     time.Time `json:"arrived_at"`
	Method        string    `json:"method"`
	Path          string    `json:"path"`
	RawQuery      string    `json:"raw_query,omitempty"`
	APIType       string    `json:"api_type,omitempty"`
	// Headers are the raw inbound headers. They never leave the process.
	Headers       http.Header `json:"-"`
	MaskedHeaders http.Header `json:"headers,omitempty"`
	Body          BodyRef     `json:"body"`
	BodyHash      string      `json:"body_hash,omitempty"`
	Size          int64       `json:"size"`
	DeclaredSize  int64       `json:"declared_size"`
	Mode          string      `json:"mode"`
	PlanReason    string      `json:"plan_reason,omitempty"`
}

// ResponseOutcome is the terminal result of one core. At most one exists
// per (correlation id, core).
type ResponseOutcome struct {
	CorrelationID string        `json:"correlation_id"`
	Core          Core          `json:"core"`
	Status        OutcomeStatus `json:"status"`
	HTTPStatus    int           `json:"http_status,omitempty"`
	Latency       time.Duration `json:"latency_ns"`
	CompletedAt   time.Time     `json:"completed_at"`
	Headers       http.Header   `json:"headers,omitempty"`
	ContentType   string        `json:"content_type,omitempty"`
	Body          BodyRef       `json:"body"`
	BodyHash      string        `json:"body_hash,omitempty"`
	Size          int64         `json:"size"`
	Error         string        `json:"error,omitempty"`
	// Reason is a short machine-readable code: the skip reason for SKIPPED
	// outcomes and the fault kind for FAIL or TIMEOUT.
	Reason string `json:"reason,omitempty"`
}

// Succeeded reports whether the call produced a usable response.
func (o *ResponseOutcome) Succeeded() bool {
	return o != nil && o.Status == StatusSuccess
}

// Verdict is the outcome of a comparison.
type Verdict string

const (
	VerdictEquivalent  Verdict = "EQUIVALENT"
	VerdictDifferent   Verdict = "DIFFERENT"
	VerdictUndecidable Verdict = "UNDECIDABLE"
	VerdictError       Verdict = "ERROR"
)

// DiffKind classifies one mismatch.
type DiffKind string

const (
	DiffValue              DiffKind = "value_mismatch"
	DiffType               DiffKind = "type_mismatch"
	DiffMissingInPrimary   DiffKind = "missing_in_primary"
	DiffMissingInSecondary DiffKind = "missing_in_secondary"
	DiffStatus             DiffKind = "status_mismatch"
)

// DiffEntry is one (path, primary value, secondary value) triple. A side
// without a value at Path holds Absent.
type DiffEntry struct {
	Path      string   `json:"path"`
	Primary   any      `json:"primary"`
	Secondary any      `json:"secondary"`
	Kind      DiffKind `json:"kind"`
}

// ComparisonResult is unique per correlation id.
type ComparisonResult struct {
	CorrelationID string      `json:"correlation_id"`
	APIType       string      `json:"api_type,omitempty"`
	Verdict       Verdict     `json:"verdict"`
	Equivalent    bool        `json:"equivalent"`
	Confidence    float64     `json:"confidence"`
	Diffs         []DiffEntry `json:"diffs"`
	RuleVersion   string      `json:"rule_version"`
	ReasonCode    string      `json:"reason_code,omitempty"`
	// LatencyDelta is Secondary latency minus Primary latency.
	LatencyDelta     time.Duration `json:"latency_delta_ns"`
	PrimaryStatus    OutcomeStatus `json:"primary_status,omitempty"`
	SecondaryStatus  OutcomeStatus `json:"secondary_status,omitempty"`
	PrimaryPresent   bool          `json:"primary_present"`
	SecondaryPresent bool          `json:"secondary_present"`
	ComparedAt       time.Time     `json:"compared_at"`
}

// Comparable reports whether the verdict says anything about equivalence.
func (r *ComparisonResult) Comparable() bool {
	return r != nil && r.Verdict != VerdictUndecidable
}
