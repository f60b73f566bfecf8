package runtime

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/drblury/dualrun/internal/runtime/audit"
	"github.com/drblury/dualrun/internal/runtime/clients"
	errorspkg "github.com/drblury/dualrun/internal/runtime/errors"
	"github.com/drblury/dualrun/internal/runtime/eventbus"
	"github.com/drblury/dualrun/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/dualrun/internal/runtime/logging"
	"github.com/drblury/dualrun/internal/runtime/rules"
	"github.com/drblury/dualrun/internal/runtime/storage"
	"github.com/drblury/dualrun/internal/runtime/workers"
)

const defaultRecordsLimit = 100

// AdminStats is the document served at GET /api/stats.
type AdminStats struct {
	Stats              StatsSnapshot         `json:"stats"`
	Metrics            MetricsSnapshot       `json:"metrics"`
	Pool               workers.Stats         `json:"secondary_pool"`
	Recorder           audit.Stats           `json:"recorder"`
	Bus                eventbus.Stats        `json:"bus"`
	Breaker            *clients.BreakerStats `json:"breaker,omitempty"`
	PendingComparisons int                   `json:"pending_comparisons"`
	Mode               string                `json:"mode"`
	SamplingPercent    float64               `json:"sampling_percent"`
}

// AdminHandler serves the operational API under /api.
func (s *Service) AdminHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.corsMiddleware)
	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", s.handleGetStats)
		r.Get("/bus", s.handleGetBus)
		r.Get("/records", s.handleListRecords)
		r.Get("/records/{correlationID}", s.handleGetRecords)
		r.Get("/rules/{apiType}", s.handleGetRule)
		r.Put("/rules/{apiType}", s.handlePutRule)
		r.Put("/config", s.handlePutConfig)
	})
	return r
}

// AdminStats collects the current operational view.
func (s *Service) AdminStats() AdminStats {
	out := AdminStats{
		Stats:   s.stats.Snapshot(),
		Metrics: s.metrics.Snapshot(),
		Pool:    s.pool.Stats(),
		Bus:     s.bus.Stats(),
	}
	if s.recorder != nil {
		out.Recorder = s.recorder.Stats()
	}
	if s.coordinator != nil {
		out.PendingComparisons = s.coordinator.Pending()
	}
	if s.breaker != nil {
		stats := s.breaker.Stats()
		out.Breaker = &stats
	}
	if cfg := s.holder.Current(); cfg != nil {
		out.Mode = cfg.Mode
		out.SamplingPercent = cfg.SamplingPercent
	}
	return out
}

func (s *Service) handleGetStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.AdminStats())
}

func (s *Service) handleGetBus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.bus.Stats())
}

func (s *Service) handleGetRecords(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "correlationID")
	records, err := s.store.Query(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, records)
}

// handleListRecords serves raw rows between from and to (RFC 3339, default
// the last hour).
func (s *Service) handleListRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	to := time.Now().UTC()
	from := to.Add(-time.Hour)
	limit := defaultRecordsLimit

	var err error
	if v := q.Get("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			http.Error(w, "invalid from: "+err.Error(), http.StatusBadRequest)
			return
		}
	}
	if v := q.Get("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			http.Error(w, "invalid to: "+err.Error(), http.StatusBadRequest)
			return
		}
	}
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
	}

	records, err := s.store.QueryRange(r.Context(), from, to, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if records == nil {
		records = []storage.Record{}
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Service) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.rules.GetActiveRule(r.Context(), chi.URLParam(r, "apiType"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rule)
}

// handlePutRule publishes the body as the next version of the API type's rule.
func (s *Service) handlePutRule(w http.ResponseWriter, r *http.Request) {
	var rule rules.Rule
	if err := decodeBody(r.Body, &rule); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rule.APIType = chi.URLParam(r, "apiType")
	stored, err := s.rules.PutRule(r.Context(), &rule)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.Logger.Info("Rule published", loggingpkg.LogFields{"api_type": stored.APIType, "version": stored.Version})
	s.writeJSON(w, http.StatusCreated, stored)
}

// handlePutConfig overlays the body onto a copy of the active snapshot and
// applies the result atomically. Field names are the Config field names.
func (s *Service) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	next := s.holder.Current().Clone()
	if err := decodeBody(r.Body, next); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.holder.Apply(next); err != nil {
		s.writeError(w, err)
		return
	}
	applied := s.holder.Current()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"mode":             applied.Mode,
		"sampling_percent": applied.SamplingPercent,
		"allow_list":       applied.AllowList,
	})
}

func decodeBody(body io.Reader, v any) error {
	data, err := io.ReadAll(io.LimitReader(body, 1<<20))
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return errors.New("request body is empty")
	}
	return jsoncodec.Unmarshal(data, v)
}

func (s *Service) writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := jsoncodec.Marshal(v)
	if err != nil {
		s.Logger.Error("Failed to encode admin response", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func (s *Service) writeError(w http.ResponseWriter, err error) {
	var cfgErr errorspkg.ConfigValidationError
	switch {
	case errors.Is(err, errorspkg.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, errorspkg.ErrRuleInvalid), errors.As(err, &cfgErr):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		s.Logger.Error("Admin request failed", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func (s *Service) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := s.getAllowedCORSOrigin(r.Header.Get("Origin")); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}

		// Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// getAllowedCORSOrigin checks if the request origin is allowed and returns the appropriate
// Access-Control-Allow-Origin value.
func (s *Service) getAllowedCORSOrigin(requestOrigin string) string {
	cfg := s.holder.Current()
	if cfg == nil {
		return ""
	}
	for _, allowed := range cfg.AdminCORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if requestOrigin != "" && strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
