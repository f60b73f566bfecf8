package compare

import (
	"encoding/json"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/dualrun/internal/runtime/model"
	"github.com/drblury/dualrun/internal/runtime/rules"
)

func jsonOutcome(core model.Core, body string) *model.ResponseOutcome {
	return &model.ResponseOutcome{
		CorrelationID: "cid",
		Core:          core,
		Status:        model.StatusSuccess,
		HTTPStatus:    200,
		ContentType:   "application/json; charset=utf-8",
		Body:          model.BodyRef{Inline: []byte(body), StorageType: model.PayloadInline},
	}
}

func statusOutcome(core model.Core, status model.OutcomeStatus) *model.ResponseOutcome {
	return &model.ResponseOutcome{CorrelationID: "cid", Core: core, Status: status}
}

func paths(diffs []model.DiffEntry) []string {
	out := make([]string, len(diffs))
	for i, d := range diffs {
		out[i] = d.Path
	}
	sort.Strings(out)
	return out
}

func TestIgnoredTimestampMakesResponsesEquivalent(t *testing.T) {
	rule := &rules.Rule{APIType: "orders", Version: "v3", Ignored: []string{"/timestamp"}}
	p := jsonOutcome(model.CorePrimary, `{"id":1,"timestamp":"2026-01-01T00:00:00Z"}`)
	s := jsonOutcome(model.CoreSecondary, `{"timestamp":"2026-01-01T00:00:09Z","id":1}`)

	result := NewEngine().Compare(p, s, rule)
	assert.Equal(t, model.VerdictEquivalent, result.Verdict)
	assert.True(t, result.Equivalent)
	assert.Empty(t, result.Diffs)
	assert.NotNil(t, result.Diffs)
	assert.Equal(t, "v3", result.RuleVersion)
	assert.Equal(t, 1.0, result.Confidence)
	assert.Equal(t, "cid", result.CorrelationID)
}

func TestIntegerVersusFloatIsTypeMismatch(t *testing.T) {
	p := jsonOutcome(model.CorePrimary, `{"amount":100}`)
	s := jsonOutcome(model.CoreSecondary, `{"amount":100.0}`)

	result := NewEngine().Compare(p, s, &rules.Rule{Version: "v1"})
	assert.False(t, result.Equivalent)
	assert.Equal(t, model.VerdictDifferent, result.Verdict)
	require.Len(t, result.Diffs, 1)
	assert.Equal(t, "/amount", result.Diffs[0].Path)
	assert.Equal(t, model.DiffType, result.Diffs[0].Kind)
	assert.Equal(t, json.Number("100"), result.Diffs[0].Primary)
	assert.Equal(t, json.Number("100.0"), result.Diffs[0].Secondary)
}

func TestCanonicalNumberConvertsIntegralFloats(t *testing.T) {
	rule := &rules.Rule{Version: "v1", Normalize: []rules.Directive{{Kind: rules.DirectiveCanonicalNumber}}}
	p := jsonOutcome(model.CorePrimary, `{"amount":100,"rate":1.50}`)
	s := jsonOutcome(model.CoreSecondary, `{"amount":1e2,"rate":1.5}`)

	result := NewEngine().Compare(p, s, rule)
	assert.True(t, result.Equivalent, "diffs: %+v", result.Diffs)
}

func TestTypeMismatchSurvivesNormalization(t *testing.T) {
	rule := &rules.Rule{Version: "v1", Normalize: []rules.Directive{
		{Kind: rules.DirectiveCanonicalNumber},
		{Kind: rules.DirectiveTrimSpace},
	}}
	p := jsonOutcome(model.CorePrimary, `{"amount":100}`)
	s := jsonOutcome(model.CoreSecondary, `{"amount":"100"}`)

	result := NewEngine().Compare(p, s, rule)
	require.Len(t, result.Diffs, 1)
	assert.Equal(t, model.DiffType, result.Diffs[0].Kind)
}

func TestCompareIsCommutativeInMismatches(t *testing.T) {
	a := jsonOutcome(model.CorePrimary, `{"a":1,"b":{"c":"x","d":[1,2,3]},"only_a":true}`)
	b := jsonOutcome(model.CoreSecondary, `{"a":2,"b":{"c":"x","d":[1,2]},"only_b":null}`)

	ab := NewEngine().Compare(a, b, nil)
	ba := NewEngine().Compare(b, a, nil)

	assert.Equal(t, ab.Equivalent, ba.Equivalent)
	assert.Equal(t, paths(ab.Diffs), paths(ba.Diffs))

	byPath := map[string]model.DiffEntry{}
	for _, d := range ba.Diffs {
		byPath[d.Path] = d
	}
	for _, d := range ab.Diffs {
		swapped := byPath[d.Path]
		assert.Equal(t, d.Primary, swapped.Secondary, d.Path)
		assert.Equal(t, d.Secondary, swapped.Primary, d.Path)
	}
}

func TestMissingKeysUseAbsentMarker(t *testing.T) {
	p := jsonOutcome(model.CorePrimary, `{"a":1,"list":[1]}`)
	s := jsonOutcome(model.CoreSecondary, `{"b":1,"list":[1,2]}`)

	result := NewEngine().Compare(p, s, nil)
	require.Len(t, result.Diffs, 3)
	kinds := map[string]model.DiffEntry{}
	for _, d := range result.Diffs {
		kinds[d.Path] = d
	}
	assert.Equal(t, model.DiffMissingInSecondary, kinds["/a"].Kind)
	assert.True(t, model.IsAbsent(kinds["/a"].Secondary))
	assert.Equal(t, model.DiffMissingInPrimary, kinds["/b"].Kind)
	assert.True(t, model.IsAbsent(kinds["/b"].Primary))
	assert.Equal(t, model.DiffMissingInPrimary, kinds["/list/1"].Kind)
}

func TestEmptyRuleRecordsVersionZero(t *testing.T) {
	p := jsonOutcome(model.CorePrimary, `{}`)
	s := jsonOutcome(model.CoreSecondary, `{}`)

	assert.Equal(t, rules.EmptyVersion, NewEngine().Compare(p, s, nil).RuleVersion)
	assert.Equal(t, rules.EmptyVersion, NewEngine().Compare(p, s, &rules.Rule{}).RuleVersion)
}

func TestIgnoredPathsWithWildcardsAndEscapes(t *testing.T) {
	rule := &rules.Rule{Version: "v1", Ignored: []string{"/items/*/request_id", "/meta/a~1b", "/list/0"}}
	p := jsonOutcome(model.CorePrimary, `{"items":[{"id":1,"request_id":"x"},{"id":2,"request_id":"y"}],"meta":{"a/b":1,"keep":1},"list":["drop","same"],"request_id":"top"}`)
	s := jsonOutcome(model.CoreSecondary, `{"items":[{"id":1,"request_id":"q"},{"id":2}],"meta":{"a/b":2,"keep":1},"list":["other","same"],"request_id":"top"}`)

	result := NewEngine().Compare(p, s, rule)
	assert.True(t, result.Equivalent, "diffs: %+v", result.Diffs)

	s2 := jsonOutcome(model.CoreSecondary, `{"items":[{"id":1},{"id":2}],"meta":{"a/b":2,"keep":1},"list":["other","same"],"request_id":"changed"}`)
	result = NewEngine().Compare(p, s2, rule)
	assert.Equal(t, []string{"/request_id"}, paths(result.Diffs))
}

func TestNormalizationDirectives(t *testing.T) {
	tests := []struct {
		name      string
		directive rules.Directive
		primary   string
		secondary string
		want      bool
	}{
		{
			name:      "round timestamp",
			directive: rules.Directive{Kind: rules.DirectiveRoundTimestamp, Path: "/at", Precision: "1s"},
			primary:   `{"at":"2026-05-01T10:00:00.120Z"}`,
			secondary: `{"at":"2026-05-01T12:00:00.900+02:00"}`,
			want:      true,
		},
		{
			name:      "round timestamp keeps distinct seconds",
			directive: rules.Directive{Kind: rules.DirectiveRoundTimestamp, Path: "/at", Precision: "1s"},
			primary:   `{"at":"2026-05-01T10:00:00Z"}`,
			secondary: `{"at":"2026-05-01T10:00:01Z"}`,
			want:      false,
		},
		{
			name:      "numeric precision",
			directive: rules.Directive{Kind: rules.DirectiveNumericPrecision, Path: "/total", Digits: 2},
			primary:   `{"total":10.004}`,
			secondary: `{"total":10.0001}`,
			want:      true,
		},
		{
			name:      "numeric precision leaves integers alone",
			directive: rules.Directive{Kind: rules.DirectiveNumericPrecision, Digits: 0},
			primary:   `{"total":10}`,
			secondary: `{"total":10.2}`,
			want:      false,
		},
		{
			name:      "lowercase everywhere",
			directive: rules.Directive{Kind: rules.DirectiveLowercase},
			primary:   `{"a":{"b":"HeLLo"}}`,
			secondary: `{"a":{"b":"hello"}}`,
			want:      true,
		},
		{
			name:      "trim space",
			directive: rules.Directive{Kind: rules.DirectiveTrimSpace, Path: "/name"},
			primary:   `{"name":"  x "}`,
			secondary: `{"name":"x"}`,
			want:      true,
		},
		{
			name:      "sort array",
			directive: rules.Directive{Kind: rules.DirectiveSortArray, Path: "/tags"},
			primary:   `{"tags":["b","a",{"k":1}]}`,
			secondary: `{"tags":[{"k":1},"a","b"]}`,
			want:      true,
		},
		{
			name:      "sort array through wildcard",
			directive: rules.Directive{Kind: rules.DirectiveSortArray, Path: "/groups/*/ids"},
			primary:   `{"groups":[{"ids":[3,1,2]}]}`,
			secondary: `{"groups":[{"ids":[1,2,3]}]}`,
			want:      true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := &rules.Rule{Version: "v1", Normalize: []rules.Directive{tt.directive}}
			result := NewEngine().Compare(jsonOutcome(model.CorePrimary, tt.primary), jsonOutcome(model.CoreSecondary, tt.secondary), rule)
			assert.Equal(t, tt.want, result.Equivalent, "diffs: %+v", result.Diffs)
		})
	}
}

func TestStatusPolicy(t *testing.T) {
	engine := NewEngine()

	t.Run("success versus fail", func(t *testing.T) {
		r := engine.Compare(jsonOutcome(model.CorePrimary, `{}`), statusOutcome(model.CoreSecondary, model.StatusFail), nil)
		assert.Equal(t, model.VerdictDifferent, r.Verdict)
		assert.False(t, r.Equivalent)
		assert.Equal(t, 1.0, r.Confidence)
		require.Len(t, r.Diffs, 1)
		assert.Equal(t, PathOutcome, r.Diffs[0].Path)
	})

	t.Run("same non success is equivalent by policy", func(t *testing.T) {
		r := engine.Compare(statusOutcome(model.CorePrimary, model.StatusTimeout), statusOutcome(model.CoreSecondary, model.StatusTimeout), nil)
		assert.Equal(t, model.VerdictEquivalent, r.Verdict)
		assert.True(t, r.Equivalent)
		assert.Equal(t, ReasonSameNonSuccess, r.ReasonCode)
	})

	t.Run("policy different", func(t *testing.T) {
		rule := &rules.Rule{Version: "v2", NonSuccessPolicy: rules.PolicyDifferent}
		r := engine.Compare(statusOutcome(model.CorePrimary, model.StatusFail), statusOutcome(model.CoreSecondary, model.StatusFail), rule)
		assert.Equal(t, model.VerdictDifferent, r.Verdict)
		assert.Equal(t, ReasonSameNonSuccess, r.ReasonCode)
	})

	t.Run("skipped secondary is undecidable", func(t *testing.T) {
		r := engine.Compare(jsonOutcome(model.CorePrimary, `{}`), statusOutcome(model.CoreSecondary, model.StatusSkipped), nil)
		assert.Equal(t, model.VerdictUndecidable, r.Verdict)
		assert.False(t, r.Equivalent)
		assert.False(t, r.Comparable())
		assert.Equal(t, "secondary_skipped", r.ReasonCode)
	})

	t.Run("timeout secondary is undecidable", func(t *testing.T) {
		r := engine.Compare(jsonOutcome(model.CorePrimary, `{}`), statusOutcome(model.CoreSecondary, model.StatusTimeout), nil)
		assert.Equal(t, model.VerdictUndecidable, r.Verdict)
		assert.Equal(t, "secondary_timeout", r.ReasonCode)
	})

	t.Run("missing side", func(t *testing.T) {
		r := engine.Compare(jsonOutcome(model.CorePrimary, `{}`), nil, nil)
		assert.Equal(t, model.VerdictUndecidable, r.Verdict)
		assert.False(t, r.SecondaryPresent)
		assert.Equal(t, ReasonMissingSecondary, r.ReasonCode)
	})
}

func TestHTTPStatusDifference(t *testing.T) {
	p := jsonOutcome(model.CorePrimary, `{"a":1}`)
	s := jsonOutcome(model.CoreSecondary, `{"a":1}`)
	s.HTTPStatus = 201

	r := NewEngine().Compare(p, s, nil)
	assert.Equal(t, model.VerdictDifferent, r.Verdict)
	require.Len(t, r.Diffs, 1)
	assert.Equal(t, PathStatus, r.Diffs[0].Path)
	assert.Equal(t, model.DiffStatus, r.Diffs[0].Kind)
}

func TestOpaqueBodiesCompareByHash(t *testing.T) {
	p := &model.ResponseOutcome{CorrelationID: "cid", Core: model.CorePrimary, Status: model.StatusSuccess, HTTPStatus: 200,
		ContentType: "text/plain", Body: model.BodyRef{Inline: []byte("hello"), StorageType: model.PayloadInline}}
	s := &model.ResponseOutcome{CorrelationID: "cid", Core: model.CoreSecondary, Status: model.StatusSuccess, HTTPStatus: 200,
		ContentType: "text/plain", Body: model.BodyRef{Inline: []byte("hello"), StorageType: model.PayloadInline}}

	assert.True(t, NewEngine().Compare(p, s, nil).Equivalent)

	s.Body.Inline = []byte("world")
	r := NewEngine().Compare(p, s, nil)
	assert.False(t, r.Equivalent)
	require.Len(t, r.Diffs, 1)
	assert.Equal(t, "", r.Diffs[0].Path)

	p.Body = model.BodyRef{StorageType: model.PayloadOmitted}
	s.Body = model.BodyRef{StorageType: model.PayloadOmitted}
	p.BodyHash, s.BodyHash = "abc", "abc"
	assert.True(t, NewEngine().Compare(p, s, nil).Equivalent)
}

func TestUnparseableBodyIsError(t *testing.T) {
	p := jsonOutcome(model.CorePrimary, `{"a":`)
	s := jsonOutcome(model.CoreSecondary, `{"a":1}`)

	r := NewEngine().Compare(p, s, &rules.Rule{Version: "v4"})
	assert.Equal(t, model.VerdictError, r.Verdict)
	assert.False(t, r.Equivalent)
	assert.Equal(t, ReasonBodyUnparseable, r.ReasonCode)
	assert.Equal(t, "v4", r.RuleVersion)
}

func TestMalformedRuleIsError(t *testing.T) {
	rule := &rules.Rule{Version: "v5", Ignored: []string{"no-slash"}}
	r := NewEngine().Compare(jsonOutcome(model.CorePrimary, `{}`), jsonOutcome(model.CoreSecondary, `{}`), rule)
	assert.Equal(t, model.VerdictError, r.Verdict)
	assert.Equal(t, ReasonRuleInvalid, r.ReasonCode)
	assert.Equal(t, "v5", r.RuleVersion)
}

func TestTruncatedBodyIsUndecidable(t *testing.T) {
	p := jsonOutcome(model.CorePrimary, `{"a":1}`)
	s := jsonOutcome(model.CoreSecondary, `{"a":1}`)
	s.Body.Truncated = true
	r := NewEngine().Compare(p, s, nil)
	assert.Equal(t, model.VerdictUndecidable, r.Verdict)
	assert.Equal(t, ReasonBodyIncomplete, r.ReasonCode)
}

func TestScorerCanOnlyLowerConfidence(t *testing.T) {
	engine := NewEngine(
		WithScorer(ScorerFunc(func(*model.ComparisonResult, *model.ResponseOutcome, *model.ResponseOutcome, *rules.Rule) float64 { return 1.7 })),
		WithScorer(ScorerFunc(func(*model.ComparisonResult, *model.ResponseOutcome, *model.ResponseOutcome, *rules.Rule) float64 { return 0.8 })),
	)
	r := engine.Compare(jsonOutcome(model.CorePrimary, `{}`), jsonOutcome(model.CoreSecondary, `{}`), nil)
	assert.Equal(t, 0.8, r.Confidence)
	assert.True(t, r.Equivalent)
}

func TestLatencyDeltaAndClock(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	p := jsonOutcome(model.CorePrimary, `{}`)
	s := jsonOutcome(model.CoreSecondary, `{}`)
	p.Latency, s.Latency = 10*time.Millisecond, 4*time.Second

	r := NewEngine(WithClock(func() time.Time { return fixed })).Compare(p, s, nil)
	assert.Equal(t, 4*time.Second-10*time.Millisecond, r.LatencyDelta)
	assert.Equal(t, fixed, r.ComparedAt)
}

func TestIsJSON(t *testing.T) {
	assert.True(t, isJSON("application/json"))
	assert.True(t, isJSON("application/problem+json; charset=utf-8"))
	assert.False(t, isJSON("text/html"))
	assert.False(t, isJSON(""))
	assert.False(t, isJSON(";;"))
}
