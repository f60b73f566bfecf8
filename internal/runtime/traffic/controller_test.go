package traffic

import (
	"net/http"
	"testing"

	"github.com/drblury/dualrun/internal/runtime/config"
)

type staticSource struct{ cfg *config.Config }

func (s staticSource) Current() *config.Config { return s.cfg }

func baseConfig() *config.Config {
	cfg := config.Default()
	cfg.SamplingPercent = 100
	cfg.AllowList = []string{"*"}
	return cfg
}

func fixedSampler(v float64) Sampler {
	return SamplerFunc(func() float64 { return v })
}

func TestPlanSingleRunNeverMirrors(t *testing.T) {
	cfg := baseConfig()
	cfg.Mode = config.ModeSingleRun
	cfg.CanaryHeader = "X-Canary"
	cfg.CanaryValues = []string{"yes"}
	header := http.Header{}
	header.Set("X-Canary", "yes")

	plan := NewController(staticSource{cfg}, fixedSampler(0)).Plan(PlanInput{Path: "/a", Header: header})
	if !plan.Primary || plan.Secondary {
		t.Fatalf("expected primary only, got %+v", plan)
	}
	if plan.Reason != ReasonSingleRun {
		t.Fatalf("expected single_run, got %s", plan.Reason)
	}
	if plan.SkipRecorded() {
		t.Fatal("single run must not record a skipped secondary")
	}
}

func TestPlanAllowList(t *testing.T) {
	tests := []struct {
		name    string
		allow   []string
		apiType string
		path    string
		want    bool
	}{
		{name: "empty admits nothing", allow: nil, path: "/orders", want: false},
		{name: "wildcard", allow: []string{"*"}, path: "/orders", want: true},
		{name: "exact path", allow: []string{"/orders"}, path: "/orders", want: true},
		{name: "exact path mismatch", allow: []string{"/orders"}, path: "/orders/1", want: false},
		{name: "path prefix", allow: []string{"/orders/*"}, path: "/orders/1", want: true},
		{name: "api type", allow: []string{"payments"}, apiType: "payments", path: "/x", want: true},
		{name: "api type prefix", allow: []string{"pay*"}, apiType: "payments", path: "/x", want: true},
		{name: "blank entries ignored", allow: []string{"", " "}, path: "", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AllowListed(tt.allow, tt.apiType, tt.path); got != tt.want {
				t.Fatalf("AllowListed(%v, %q, %q) = %v, want %v", tt.allow, tt.apiType, tt.path, got, tt.want)
			}
		})
	}
}

func TestPlanSampling(t *testing.T) {
	cfg := baseConfig()
	cfg.SamplingPercent = 25

	in := PlanInput{Path: "/a", DeclaredSize: 10}
	if plan := NewController(staticSource{cfg}, fixedSampler(0.24)).Plan(in); !plan.Secondary || plan.Reason != ReasonSampledIn {
		t.Fatalf("expected sampled in, got %+v", plan)
	}
	if plan := NewController(staticSource{cfg}, fixedSampler(0.25)).Plan(in); plan.Secondary || plan.Reason != ReasonSampledOut {
		t.Fatalf("expected sampled out, got %+v", plan)
	}

	cfg.SamplingPercent = 0
	if plan := NewController(staticSource{cfg}, fixedSampler(0)).Plan(in); plan.Secondary {
		t.Fatalf("expected zero percent to never sample, got %+v", plan)
	}
}

func TestPlanCanaryBypassesSamplingButNotAllowList(t *testing.T) {
	cfg := baseConfig()
	cfg.SamplingPercent = 0
	cfg.CanaryHeader = "X-Canary"
	cfg.CanaryValues = []string{"Mirror"}
	header := http.Header{}
	header.Set("X-Canary", " mirror ")

	controller := NewController(staticSource{cfg}, fixedSampler(0.99))
	plan := controller.Plan(PlanInput{Path: "/a", Header: header})
	if !plan.Secondary || plan.Reason != ReasonCanary {
		t.Fatalf("expected canary inclusion, got %+v", plan)
	}

	cfg.AllowList = []string{"/other"}
	plan = controller.Plan(PlanInput{Path: "/a", Header: header})
	if plan.Secondary || plan.Reason != ReasonNotAllowListed {
		t.Fatalf("expected allow-list to win over canary, got %+v", plan)
	}
}

func TestPlanOversizeVeto(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxForkBytes = 10 << 20

	controller := NewController(staticSource{cfg}, fixedSampler(0))
	plan := controller.Plan(PlanInput{Path: "/a", DeclaredSize: 15 << 20})
	if plan.Secondary || plan.Reason != ReasonOversize || !plan.SkipRecorded() {
		t.Fatalf("expected oversize veto, got %+v", plan)
	}

	plan = controller.Plan(PlanInput{Path: "/a", DeclaredSize: -1})
	if !plan.Secondary {
		t.Fatalf("expected unknown size to be mirrored, got %+v", plan)
	}
}

func TestPlanWithoutConfiguration(t *testing.T) {
	plan := NewController(staticSource{}, fixedSampler(0)).Plan(PlanInput{Path: "/a"})
	if !plan.Primary || plan.Secondary || plan.Reason != ReasonNoConfiguration {
		t.Fatalf("expected primary-only plan, got %+v", plan)
	}
}

func TestSeededSamplerIsDeterministic(t *testing.T) {
	a := NewSeededSampler(42)
	b := NewSeededSampler(42)
	for i := 0; i < 32; i++ {
		x, y := a.Float64(), b.Float64()
		if x != y {
			t.Fatalf("draw %d differs: %v vs %v", i, x, y)
		}
		if x < 0 || x >= 1 {
			t.Fatalf("draw %d out of range: %v", i, x)
		}
	}
}
