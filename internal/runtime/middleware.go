package runtime

import (
	"errors"
	"io"
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/dualrun/internal/runtime/clients"
	"github.com/drblury/dualrun/internal/runtime/correlation"
	errorspkg "github.com/drblury/dualrun/internal/runtime/errors"
	loggingpkg "github.com/drblury/dualrun/internal/runtime/logging"
	"github.com/drblury/dualrun/internal/runtime/model"
)

// Middleware is one stage of the ingress pipeline.
type Middleware func(http.Handler) http.Handler

// MiddlewareBuilder constructs a stage using the provided service instance.
type MiddlewareBuilder func(*Service) (Middleware, error)

// MiddlewareRegistration captures how a stage is added to the ingress
// pipeline. Stages run in registration order; the first one registered is the
// outermost.
type MiddlewareRegistration struct {
	Name       string
	Middleware Middleware
	Builder    MiddlewareBuilder
}

// DefaultMiddlewares returns the standard stage chain used by the Service constructor.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		RecovererMiddleware(),
		CorrelationIDMiddleware(),
		TracerMiddleware(),
		LogRequestsMiddleware(nil),
	}
}

// RecovererMiddleware turns a panic in a later stage into a 500 response.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: chimiddleware.Recoverer,
	}
}

// CorrelationIDMiddleware assigns the correlation id before any later stage
// runs, so logs and spans of the request carry it.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "correlation_id",
		Builder: func(s *Service) (Middleware, error) {
			return s.correlationIDMiddleware(), nil
		},
	}
}

// TracerMiddleware wraps each ingress request in an OpenTelemetry span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "tracer",
		Builder: func(s *Service) (Middleware, error) {
			return s.tracerMiddleware(otel.Tracer("github.com/drblury/dualrun/ingress")), nil
		},
	}
}

// LogRequestsMiddleware logs method, path, status and duration at debug level.
func LogRequestsMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_requests",
		Builder: func(s *Service) (Middleware, error) {
			l := logger
			if l == nil {
				l = s.Logger
			}
			if l == nil {
				return nil, errors.New("log requests middleware requires a logger")
			}
			return logRequestsMiddleware(loggingpkg.Component(l, "ingress")), nil
		},
	}
}

// Authenticator rejects a request by returning an error.
type Authenticator func(r *http.Request) error

// AuthMiddleware runs authenticate before dispatch and answers 401 when it
// fails. No authenticator ships with dualrun.
func AuthMiddleware(authenticate Authenticator) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "auth",
		Builder: func(s *Service) (Middleware, error) {
			if authenticate == nil {
				return nil, errors.New("auth middleware requires an authenticator")
			}
			return func(next http.Handler) http.Handler {
				return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					if err := authenticate(r); err != nil {
						http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
						return
					}
					next.ServeHTTP(w, r)
				})
			}, nil
		},
	}
}

// RegisterMiddleware appends a stage to the ingress pipeline. Stages added
// after Start apply to requests that arrive afterwards.
func (s *Service) RegisterMiddleware(cfg MiddlewareRegistration) error {
	var mw Middleware
	switch {
	case cfg.Middleware != nil:
		mw = cfg.Middleware
	case cfg.Builder != nil:
		var err error
		mw, err = cfg.Builder(s)
		if err != nil {
			return err
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}

	s.chainMu.Lock()
	defer s.chainMu.Unlock()
	s.chain = append(s.chain, mw)
	s.buildHandlerLocked()
	return nil
}

// buildHandlerLocked composes the stages around the dispatch handler.
func (s *Service) buildHandlerLocked() {
	var h http.Handler = http.HandlerFunc(s.serveDispatch)
	for i := len(s.chain) - 1; i >= 0; i-- {
		h = s.chain[i](h)
	}
	s.handler.Store(&h)
}

func (s *Service) correlationIDMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			acceptInbound := false
			if cfg := s.holder.Current(); cfg != nil {
				acceptInbound = cfg.AcceptInboundCorrelationID
			}
			ctx, _ := correlation.Ensure(r.Context(), r.Header, acceptInbound)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (s *Service) tracerMiddleware(tracer trace.Tracer) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := tracer.Start(r.Context(), "dualrun.ingress", trace.WithSpanKind(trace.SpanKindServer))
			defer span.End()
			span.SetAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
			)
			if id, ok := correlation.FromContext(ctx); ok {
				span.SetAttributes(attribute.String("dualrun.correlation_id", id))
			}

			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			span.SetAttributes(attribute.Int("http.status_code", ww.Status()))
			if ww.Status() >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(ww.Status()))
			}
		})
	}
}

func logRequestsMiddleware(logger loggingpkg.ServiceLogger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			fields := loggingpkg.LogFields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      ww.Status(),
				"bytes":       ww.BytesWritten(),
				"duration_ms": time.Since(started).Milliseconds(),
			}
			if id, ok := correlation.FromContext(r.Context()); ok {
				fields["correlation_id"] = id
			}
			logger.Debug("Request handled", fields)
		})
	}
}

// serveDispatch is the innermost stage: it hands the request to the
// dispatcher and streams the Primary response back.
func (s *Service) serveDispatch(w http.ResponseWriter, r *http.Request) {
	req := &model.Request{
		Method:        r.Method,
		Path:          r.URL.Path,
		RawQuery:      r.URL.RawQuery,
		Header:        r.Header.Clone(),
		Body:          r.Body,
		ContentLength: r.ContentLength,
	}
	if r.Body == nil || r.Body == http.NoBody {
		req.Body = nil
	}

	resp, err := s.dispatcher.Dispatch(r.Context(), req)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	defer resp.Body.Close()

	header := w.Header()
	for name, values := range clients.CloneHeader(resp.Header) {
		header[name] = values
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		s.Logger.Debug("Response stream interrupted", loggingpkg.LogFields{
			"correlation_id": resp.Header.Get(correlation.Header),
			"error":          err.Error(),
		})
	}
}

// writeFault maps a Primary failure onto a gateway status.
func writeFault(w http.ResponseWriter, r *http.Request, err error) {
	if id, ok := correlation.FromContext(r.Context()); ok {
		correlation.Inject(w.Header(), id)
	}
	status := http.StatusBadGateway
	var fault *errorspkg.TransportFault
	switch {
	case errors.As(err, &fault) && fault.Timeout():
		status = http.StatusGatewayTimeout
	case errors.As(err, &fault):
	default:
		status = http.StatusInternalServerError
	}
	http.Error(w, http.StatusText(status), status)
}
