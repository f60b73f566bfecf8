// Package rules holds versioned comparison rules and the stores that serve
// them to the comparison engine.
package rules

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	errorspkg "github.com/drblury/dualrun/internal/runtime/errors"
)

// EmptyVersion is the version of the implicit rule used when an API type has
// no configured rule.
const EmptyVersion = "0"

// Non-success policies decide how two failed outcomes with the same status
// compare.
const (
	PolicyEquivalent = "equivalent"
	PolicyDifferent  = "different"
)

// Normalization directive kinds.
const (
	DirectiveRoundTimestamp   = "round_timestamp"
	DirectiveNumericPrecision = "numeric_precision"
	DirectiveCanonicalNumber  = "canonical_number"
	DirectiveLowercase        = "lowercase"
	DirectiveTrimSpace        = "trim_space"
	DirectiveSortArray        = "sort_array"
)

// Directive normalizes values at Path (a JSON Pointer that may use "*"
// segments) in both trees before diffing. An empty Path applies everywhere.
type Directive struct {
	Kind string `json:"kind" yaml:"kind"`
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
	// Precision is a Go duration used by round_timestamp.
	Precision string `json:"precision,omitempty" yaml:"precision,omitempty"`
	// Digits is the number of decimals kept by numeric_precision.
	Digits int `json:"digits,omitempty" yaml:"digits,omitempty"`
}

// PrecisionDuration parses Precision. Validate guarantees it succeeds for
// round_timestamp directives.
func (d Directive) PrecisionDuration() (time.Duration, error) {
	return time.ParseDuration(d.Precision)
}

// Rule is one immutable version of the comparison settings of an API type.
type Rule struct {
	APIType          string      `json:"api_type" yaml:"api_type"`
	Version          string      `json:"version" yaml:"version,omitempty"`
	Ignored          []string    `json:"ignored,omitempty" yaml:"ignored,omitempty"`
	Normalize        []Directive `json:"normalize,omitempty" yaml:"normalize,omitempty"`
	NonSuccessPolicy string      `json:"non_success_policy,omitempty" yaml:"non_success_policy,omitempty"`
	CreatedAt        time.Time   `json:"created_at" yaml:"-"`
}

// Empty is the rule without exclusions or normalization.
func Empty(apiType string) *Rule {
	return &Rule{APIType: apiType, Version: EmptyVersion, NonSuccessPolicy: PolicyEquivalent}
}

// Policy returns the effective non-success policy.
func (r *Rule) Policy() string {
	if r == nil || r.NonSuccessPolicy == "" {
		return PolicyEquivalent
	}
	return strings.ToLower(r.NonSuccessPolicy)
}

// Clone returns a deep copy.
func (r *Rule) Clone() *Rule {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Ignored = append([]string(nil), r.Ignored...)
	cp.Normalize = append([]Directive(nil), r.Normalize...)
	return &cp
}

// Validate checks paths, directives and policy. Problems are joined and
// wrapped in ErrRuleInvalid.
func (r *Rule) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: nil rule", errorspkg.ErrRuleInvalid)
	}
	var errs []error
	switch r.Policy() {
	case PolicyEquivalent, PolicyDifferent:
	default:
		errs = append(errs, fmt.Errorf("unknown non_success_policy %q", r.NonSuccessPolicy))
	}
	for _, path := range r.Ignored {
		if path == "" {
			errs = append(errs, errors.New("ignored path cannot be the document root"))
			continue
		}
		if _, err := ParsePointer(path); err != nil {
			errs = append(errs, err)
		}
	}
	for i, d := range r.Normalize {
		if err := d.validate(); err != nil {
			errs = append(errs, fmt.Errorf("normalize[%d]: %w", i, err))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", errorspkg.ErrRuleInvalid, errors.Join(errs...))
}

func (d Directive) validate() error {
	if _, err := ParsePointer(d.Path); err != nil {
		return err
	}
	switch d.Kind {
	case DirectiveRoundTimestamp:
		p, err := d.PrecisionDuration()
		if err != nil {
			return fmt.Errorf("round_timestamp precision: %w", err)
		}
		if p <= 0 {
			return fmt.Errorf("round_timestamp precision must be positive, got %s", d.Precision)
		}
	case DirectiveNumericPrecision:
		if d.Digits < 0 || d.Digits > 15 {
			return fmt.Errorf("numeric_precision digits must be within [0,15], got %d", d.Digits)
		}
	case DirectiveCanonicalNumber, DirectiveLowercase, DirectiveTrimSpace, DirectiveSortArray:
	default:
		return fmt.Errorf("unknown directive %q", d.Kind)
	}
	return nil
}

// Store serves the active rule of an API type. Implementations return a
// copy the caller may keep for the duration of one comparison.
type Store interface {
	GetActiveRule(ctx context.Context, apiType string) (*Rule, error)
}
