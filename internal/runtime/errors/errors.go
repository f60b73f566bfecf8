package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrConfigRequired  = sterrors.New("dualrun: configuration is required")
	ErrLoggerRequired  = sterrors.New("dualrun: logger is required")
	ErrStoreRequired   = sterrors.New("dualrun: storage adapter is required")
	ErrClientRequired  = sterrors.New("dualrun: service client is required")
	ErrRuleStoreNeeded = sterrors.New("dualrun: rule store is required")

	ErrOversizeBody  = sterrors.New("dualrun: body exceeds fork ceiling")
	ErrPoolSaturated = sterrors.New("dualrun: worker pool saturated")
	ErrPoolStopped   = sterrors.New("dualrun: worker pool stopped")
	ErrCircuitOpen   = sterrors.New("dualrun: secondary circuit open")
	ErrQueueFull     = sterrors.New("dualrun: audit queue full")
	ErrRecorderDone  = sterrors.New("dualrun: audit recorder closed")
	ErrRuleInvalid   = sterrors.New("dualrun: comparison rule invalid")
	ErrNotFound      = sterrors.New("dualrun: record not found")
	ErrStoreClosed   = sterrors.New("dualrun: storage adapter closed")

	ErrSubscriptionClosed = sterrors.New("dualrun: event subscription closed")
	ErrPublisherRequired  = sterrors.New("dualrun: publisher is required")
	ErrTopicRequired      = sterrors.New("dualrun: topic is required")
	ErrEventTooLarge      = sterrors.New("dualrun: event exceeds sink message size")
)

// FaultKind distinguishes the ways a downstream service call can fail.
type FaultKind string

const (
	FaultConnection FaultKind = "connection"
	FaultTimeout    FaultKind = "timeout"
	FaultProtocol   FaultKind = "protocol"
)

// TransportFault is returned by service clients when the Primary or
// Secondary could not be reached or answered with an unusable response.
type TransportFault struct {
	Kind    FaultKind
	Service string
	Err     error
}

func (e *TransportFault) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("dualrun: %s %s fault", e.Service, e.Kind)
	}
	return fmt.Sprintf("dualrun: %s %s fault: %v", e.Service, e.Kind, e.Err)
}

func (e *TransportFault) Unwrap() error { return e.Err }

// Timeout reports whether the fault represents an expired deadline.
func (e *TransportFault) Timeout() bool { return e.Kind == FaultTimeout }

// OversizeError carries the ceiling that a body exceeded.
type OversizeError struct {
	Limit int64
	Size  int64
}

func (e *OversizeError) Error() string {
	if e.Size < 0 {
		return fmt.Sprintf("%v: limit %d bytes", ErrOversizeBody, e.Limit)
	}
	return fmt.Sprintf("%v: %d > %d bytes", ErrOversizeBody, e.Size, e.Limit)
}

func (e *OversizeError) Unwrap() error { return ErrOversizeBody }

// RuleEvaluationError marks a comparison that could not be evaluated.
type RuleEvaluationError struct {
	Reason string
	Err    error
}

func (e *RuleEvaluationError) Error() string {
	if e.Err == nil {
		return "dualrun: rule evaluation failed: " + e.Reason
	}
	return fmt.Sprintf("dualrun: rule evaluation failed: %s: %v", e.Reason, e.Err)
}

func (e *RuleEvaluationError) Unwrap() error { return e.Err }

// ConfigValidationError wraps configuration problems detected at load or apply time.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "dualrun: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }
