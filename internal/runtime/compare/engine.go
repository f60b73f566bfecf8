// Package compare decides whether the Primary and Secondary responses of one
// request are equivalent under a versioned rule, and pairs outcomes so that
// decision is made exactly once per correlation id.
package compare

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"mime"
	"strings"
	"time"

	errorspkg "github.com/drblury/dualrun/internal/runtime/errors"
	"github.com/drblury/dualrun/internal/runtime/jsoncodec"
	"github.com/drblury/dualrun/internal/runtime/model"
	"github.com/drblury/dualrun/internal/runtime/rules"
)

// Reason codes recorded on comparison results.
const (
	ReasonMissingPrimary   = "missing_primary"
	ReasonMissingSecondary = "missing_secondary"
	ReasonSameNonSuccess   = "same_non_success"
	ReasonOutcomeMismatch  = "outcome_mismatch"
	ReasonBodyIncomplete   = "body_incomplete"
	ReasonBodyUnparseable  = "body_unparseable"
	ReasonRuleInvalid      = "rule_invalid"
	ReasonRuleUnavailable  = "rule_unavailable"
	ReasonNormalizeFailed  = "normalization_failed"
	ReasonSaturated        = "comparison_saturated"
)

// Pseudo paths used for diffs outside the body.
const (
	PathStatus  = "@status"
	PathOutcome = "@outcome"
)

// ConfidenceScorer may lower the confidence of a decided result, for example
// for fuzzy matching extensions. Scores are clamped to [0, 1] and can only
// lower the default of 1.0.
type ConfidenceScorer interface {
	Score(result *model.ComparisonResult, primary, secondary *model.ResponseOutcome, rule *rules.Rule) float64
}

// ScorerFunc adapts a function to ConfidenceScorer.
type ScorerFunc func(result *model.ComparisonResult, primary, secondary *model.ResponseOutcome, rule *rules.Rule) float64

func (f ScorerFunc) Score(result *model.ComparisonResult, primary, secondary *model.ResponseOutcome, rule *rules.Rule) float64 {
	return f(result, primary, secondary, rule)
}

// Engine is stateless apart from its options and safe for concurrent use.
type Engine struct {
	scorers []ConfidenceScorer
	now     func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithScorer adds a confidence scorer.
func WithScorer(s ConfidenceScorer) Option {
	return func(e *Engine) {
		if s != nil {
			e.scorers = append(e.scorers, s)
		}
	}
}

// WithClock overrides the time source used for ComparedAt.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Compare never fails: problems evaluating the rule or parsing bodies become
// an ERROR verdict with a reason code. A nil rule means Empty.
func (e *Engine) Compare(primary, secondary *model.ResponseOutcome, rule *rules.Rule) model.ComparisonResult {
	if rule == nil {
		rule = rules.Empty("")
	}
	result := e.base(primary, secondary, rule)

	if err := rule.Validate(); err != nil {
		return e.fail(result, ReasonRuleInvalid)
	}

	switch {
	case primary == nil:
		return e.finish(result, model.VerdictUndecidable, ReasonMissingPrimary, primary, secondary, rule)
	case secondary == nil:
		return e.finish(result, model.VerdictUndecidable, ReasonMissingSecondary, primary, secondary, rule)
	}

	if !primary.Succeeded() || !secondary.Succeeded() {
		return e.compareStatuses(result, primary, secondary, rule)
	}

	if primary.HTTPStatus != secondary.HTTPStatus {
		result.Diffs = append(result.Diffs, model.DiffEntry{
			Path: PathStatus, Primary: primary.HTTPStatus, Secondary: secondary.HTTPStatus, Kind: model.DiffStatus,
		})
	}

	diffs, reason := compareBodies(primary, secondary, rule)
	if reason != "" {
		if reason == ReasonBodyIncomplete {
			return e.finish(result, model.VerdictUndecidable, reason, primary, secondary, rule)
		}
		return e.fail(result, reason)
	}
	result.Diffs = append(result.Diffs, diffs...)

	verdict := model.VerdictEquivalent
	if len(result.Diffs) > 0 {
		verdict = model.VerdictDifferent
	}
	return e.finish(result, verdict, "", primary, secondary, rule)
}

// Error builds an ERROR result for a pair that could not be evaluated at all.
func (e *Engine) Error(primary, secondary *model.ResponseOutcome, rule *rules.Rule, reason string) model.ComparisonResult {
	if rule == nil {
		rule = rules.Empty("")
	}
	return e.fail(e.base(primary, secondary, rule), reason)
}

// Undecidable builds an UNDECIDABLE result without looking at bodies.
func (e *Engine) Undecidable(primary, secondary *model.ResponseOutcome, rule *rules.Rule, reason string) model.ComparisonResult {
	if rule == nil {
		rule = rules.Empty("")
	}
	result := e.base(primary, secondary, rule)
	result.Verdict = model.VerdictUndecidable
	result.ReasonCode = reason
	return result
}

func (e *Engine) base(primary, secondary *model.ResponseOutcome, rule *rules.Rule) model.ComparisonResult {
	version := rule.Version
	if version == "" {
		version = rules.EmptyVersion
	}
	result := model.ComparisonResult{
		APIType:          rule.APIType,
		Confidence:       1.0,
		Diffs:            []model.DiffEntry{},
		RuleVersion:      version,
		PrimaryPresent:   primary != nil,
		SecondaryPresent: secondary != nil,
		ComparedAt:       e.now().UTC(),
	}
	if primary != nil {
		result.CorrelationID = primary.CorrelationID
		result.PrimaryStatus = primary.Status
	}
	if secondary != nil {
		if result.CorrelationID == "" {
			result.CorrelationID = secondary.CorrelationID
		}
		result.SecondaryStatus = secondary.Status
	}
	if primary != nil && secondary != nil {
		result.LatencyDelta = secondary.Latency - primary.Latency
	}
	return result
}

func (e *Engine) compareStatuses(result model.ComparisonResult, primary, secondary *model.ResponseOutcome, rule *rules.Rule) model.ComparisonResult {
	if primary.Status == secondary.Status {
		verdict := model.VerdictEquivalent
		if rule.Policy() == rules.PolicyDifferent {
			verdict = model.VerdictDifferent
		}
		return e.finish(result, verdict, ReasonSameNonSuccess, primary, secondary, rule)
	}
	for _, o := range []*model.ResponseOutcome{primary, secondary} {
		if o.Status == model.StatusSkipped || o.Status == model.StatusTimeout {
			reason := strings.ToLower(string(o.Core) + "_" + string(o.Status))
			return e.finish(result, model.VerdictUndecidable, reason, primary, secondary, rule)
		}
	}
	result.Diffs = append(result.Diffs, model.DiffEntry{
		Path: PathOutcome, Primary: primary.Status, Secondary: secondary.Status, Kind: model.DiffStatus,
	})
	return e.finish(result, model.VerdictDifferent, ReasonOutcomeMismatch, primary, secondary, rule)
}

func (e *Engine) fail(result model.ComparisonResult, reason string) model.ComparisonResult {
	result.Verdict = model.VerdictError
	result.Equivalent = false
	result.ReasonCode = reason
	return result
}

func (e *Engine) finish(result model.ComparisonResult, verdict model.Verdict, reason string, primary, secondary *model.ResponseOutcome, rule *rules.Rule) model.ComparisonResult {
	result.Verdict = verdict
	result.Equivalent = verdict == model.VerdictEquivalent
	result.ReasonCode = reason
	if verdict == model.VerdictEquivalent || verdict == model.VerdictDifferent {
		for _, s := range e.scorers {
			score := s.Score(&result, primary, secondary, rule)
			if score < 0 {
				score = 0
			}
			if score < result.Confidence {
				result.Confidence = score
			}
		}
	}
	return result
}

// compareBodies returns the body diffs, or a reason code when the bodies
// cannot be compared.
func compareBodies(primary, secondary *model.ResponseOutcome, rule *rules.Rule) ([]model.DiffEntry, string) {
	if primary.Body.Truncated || secondary.Body.Truncated {
		return nil, ReasonBodyIncomplete
	}
	structured := isJSON(primary.ContentType) && isJSON(secondary.ContentType) &&
		hasInline(primary.Body) && hasInline(secondary.Body)
	if !structured {
		return compareOpaque(primary, secondary), ""
	}

	pTree, err := jsoncodec.DecodeTree(primary.Body.Inline)
	if err != nil {
		return nil, ReasonBodyUnparseable
	}
	sTree, err := jsoncodec.DecodeTree(secondary.Body.Inline)
	if err != nil {
		return nil, ReasonBodyUnparseable
	}

	pTree, sTree, err = prepare(pTree, sTree, rule)
	if err != nil {
		return nil, ReasonNormalizeFailed
	}
	return diffTrees(pTree, sTree), ""
}

// prepare removes ignored paths and then applies normalization to both trees.
func prepare(p, s any, rule *rules.Rule) (any, any, error) {
	for _, path := range rule.Ignored {
		segments, err := rules.ParsePointer(path)
		if err != nil {
			return nil, nil, &errorspkg.RuleEvaluationError{Reason: ReasonRuleInvalid, Err: err}
		}
		p = removePath(p, segments)
		s = removePath(s, segments)
	}
	for _, d := range rule.Normalize {
		segments, err := rules.ParsePointer(d.Path)
		if err != nil {
			return nil, nil, &errorspkg.RuleEvaluationError{Reason: ReasonRuleInvalid, Err: err}
		}
		fn, err := normalizer(d)
		if err != nil {
			return nil, nil, &errorspkg.RuleEvaluationError{Reason: ReasonNormalizeFailed, Err: err}
		}
		p = applyAt(p, segments, fn)
		s = applyAt(s, segments, fn)
	}
	return p, s, nil
}

func compareOpaque(primary, secondary *model.ResponseOutcome) []model.DiffEntry {
	ph, sh := bodyHash(primary), bodyHash(secondary)
	if ph == sh {
		return nil
	}
	return []model.DiffEntry{{
		Path: "", Primary: "sha256:" + ph, Secondary: "sha256:" + sh, Kind: model.DiffValue,
	}}
}

func bodyHash(o *model.ResponseOutcome) string {
	if o.BodyHash != "" {
		return o.BodyHash
	}
	sum := sha256.Sum256(o.Body.Inline)
	return hex.EncodeToString(sum[:])
}

func hasInline(ref model.BodyRef) bool {
	return ref.StorageType != model.PayloadOmitted && len(bytes.TrimSpace(ref.Inline)) > 0
}

// isJSON accepts application/json and any +json structured syntax suffix.
func isJSON(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

// String renders a short human-readable summary of a result.
func String(r model.ComparisonResult) string {
	return fmt.Sprintf("%s verdict=%s equivalent=%t diffs=%d rule=%s reason=%s",
		r.CorrelationID, r.Verdict, r.Equivalent, len(r.Diffs), r.RuleVersion, r.ReasonCode)
}
