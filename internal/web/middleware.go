package web

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/workflowai/gateway/internal/observability"
	"github.com/workflowai/gateway/pkg/models"
)

// tenantHandler is an authenticated handler. The tenant comes from the
// bearer key, never from the request body.
type tenantHandler func(w http.ResponseWriter, r *http.Request, tenant string)

// authed resolves the bearer key to a tenant and rejects unknown keys.
func (s *Server) authed(next tenantHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant, ok := s.authenticate(r)
		if !ok {
			s.writeError(w, r, models.NewRunError(models.ErrAuthFailed, "missing or invalid API key"))
			return
		}
		r = r.WithContext(observability.AddTenant(r.Context(), tenant))
		next(w, r, tenant)
	}
}

// tenantScoped additionally requires the authenticated tenant to match
// the {tenant} path segment.
func (s *Server) tenantScoped(next tenantHandler) http.HandlerFunc {
	return s.authed(func(w http.ResponseWriter, r *http.Request, tenant string) {
		if pathTenant := r.PathValue("tenant"); pathTenant != tenant {
			s.writeError(w, r, models.NewRunError(models.ErrAuthFailed, "key is not valid for tenant %q", pathTenant))
			return
		}
		next(w, r, tenant)
	})
}

func (s *Server) authenticate(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return "", false
	}
	key := strings.TrimSpace(header[len("bearer "):])
	tenant, ok := s.cfg.APIKeys[key]
	return tenant, ok
}

// rateLimit admits or rejects one request for the tenant. Denials
// carry a Retry-After hint.
func (s *Server) rateLimit(w http.ResponseWriter, r *http.Request, tenant string) bool {
	if s.cfg.Limiter == nil {
		return true
	}
	ok, wait := s.cfg.Limiter.Allow(tenant)
	if ok {
		return true
	}
	seconds := int(wait.Round(time.Second) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
	s.writeError(w, r, models.NewRunError(models.ErrRateLimited, "tenant request rate exceeded"))
	return false
}

// instrument records request logs and HTTP metrics.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		route := routeLabel(r)

		if s.cfg.Tracer != nil {
			ctx, span := s.cfg.Tracer.TraceHTTPRequest(r.Context(), r.Method, route)
			defer span.End()
			r = r.WithContext(ctx)
		}

		next.ServeHTTP(wrapped, r)

		elapsed := time.Since(start)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RecordHTTPRequest(r.Method, route, fmt.Sprintf("%d", wrapped.status), elapsed.Seconds())
		}
		if s.cfg.Logger != nil {
			s.cfg.Logger.Debug(r.Context(), "http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrapped.status,
				"duration", elapsed,
				"remote_addr", r.RemoteAddr,
			)
		}
	})
}

// routeLabel collapses tenant-scoped paths to their pattern so metric
// cardinality stays bounded.
func routeLabel(r *http.Request) string {
	path := r.URL.Path
	switch {
	case strings.HasSuffix(path, "/runs/search"):
		return "/v1/{tenant}/agents/{agent_id}/runs/search"
	case strings.Contains(path, "/runs/"):
		return "/v1/{tenant}/agents/{agent_id}/runs/{run_id}"
	case strings.HasSuffix(path, "/versions"):
		return "/v1/{tenant}/agents/{agent_id}/schemas/{schema_id}/versions"
	case strings.HasSuffix(path, "/deploy"):
		return "/v1/{tenant}/agents/{agent_id}/versions/{version_id}/deploy"
	}
	return path
}

// responseWriter captures the status code for logging and metrics.
// Flush is forwarded so SSE streaming keeps working through the
// wrapper.
type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
