// Package traffic decides per request whether the Secondary participates.
package traffic

import (
	"net/http"
	"strings"

	"github.com/drblury/dualrun/internal/runtime/config"
)

// Reason explains a dispatch decision.
type Reason string

const (
	ReasonSingleRun       Reason = "single_run"
	ReasonNotAllowListed  Reason = "not_allowlisted"
	ReasonCanary          Reason = "canary"
	ReasonSampledOut      Reason = "sampled_out"
	ReasonSampledIn       Reason = "sampled_in"
	ReasonOversize        Reason = "oversize"
	ReasonNoConfiguration Reason = "no_configuration"
)

// DispatchPlan is the routing decision for one request. Primary is always true.
type DispatchPlan struct {
	Primary   bool
	Secondary bool
	Reason    Reason
	Mode      string
}

// SkipRecorded reports whether the request would have been mirrored but was
// vetoed, so a SKIPPED Secondary outcome must be recorded for it.
func (p DispatchPlan) SkipRecorded() bool {
	return !p.Secondary && p.Reason == ReasonOversize
}

// PlanInput is everything the controller looks at besides configuration.
type PlanInput struct {
	Method       string
	Path         string
	APIType      string
	Header       http.Header
	DeclaredSize int64
}

// SettingsSource yields the active configuration snapshot.
type SettingsSource interface {
	Current() *config.Config
}

// Controller applies mode, allow-list, canary, sampling and size policy.
type Controller struct {
	source  SettingsSource
	sampler Sampler
}

// NewController builds a controller. A nil sampler falls back to a
// clock-seeded one.
func NewController(source SettingsSource, sampler Sampler) *Controller {
	if sampler == nil {
		sampler = NewSampler()
	}
	return &Controller{source: source, sampler: sampler}
}

// Plan decides using the active snapshot of the settings source.
func (c *Controller) Plan(in PlanInput) DispatchPlan {
	var cfg *config.Config
	if c.source != nil {
		cfg = c.source.Current()
	}
	return c.PlanWith(cfg, in)
}

// PlanWith decides using cfg. Apart from the sampling draw the result depends
// only on its arguments.
func (c *Controller) PlanWith(cfg *config.Config, in PlanInput) DispatchPlan {
	plan := DispatchPlan{Primary: true}
	if cfg == nil {
		plan.Reason = ReasonNoConfiguration
		return plan
	}
	plan.Mode = cfg.Mode
	if !cfg.DualRun() {
		plan.Reason = ReasonSingleRun
		return plan
	}
	if !AllowListed(cfg.AllowList, in.APIType, in.Path) {
		plan.Reason = ReasonNotAllowListed
		return plan
	}

	plan.Reason = ReasonSampledIn
	if isCanary(cfg, in.Header) {
		plan.Reason = ReasonCanary
	} else if !c.sampled(cfg.SamplingPercent) {
		plan.Reason = ReasonSampledOut
		return plan
	}

	if cfg.MaxForkBytes > 0 && in.DeclaredSize > cfg.MaxForkBytes {
		plan.Reason = ReasonOversize
		return plan
	}
	plan.Secondary = true
	return plan
}

func (c *Controller) sampled(percent float64) bool {
	switch {
	case percent <= 0:
		return false
	case percent >= 100:
		return true
	}
	return c.sampler.Float64()*100 < percent
}

func isCanary(cfg *config.Config, header http.Header) bool {
	if cfg.CanaryHeader == "" || len(cfg.CanaryValues) == 0 || header == nil {
		return false
	}
	for _, got := range header.Values(cfg.CanaryHeader) {
		got = strings.TrimSpace(got)
		for _, want := range cfg.CanaryValues {
			if strings.EqualFold(got, strings.TrimSpace(want)) {
				return true
			}
		}
	}
	return false
}

// AllowListed reports whether apiType or path matches an entry. A lone "*"
// admits everything and a trailing "*" makes the entry a prefix. An empty
// list admits nothing.
func AllowListed(allow []string, apiType, path string) bool {
	for _, entry := range allow {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == "*" {
			return true
		}
		if prefix, ok := strings.CutSuffix(entry, "*"); ok {
			if (apiType != "" && strings.HasPrefix(apiType, prefix)) || strings.HasPrefix(path, prefix) {
				return true
			}
			continue
		}
		if entry == apiType || entry == path {
			return true
		}
	}
	return false
}
