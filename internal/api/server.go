package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/mirrorshield/internal/config"
	"github.com/JakeFAU/mirrorshield/internal/metrics"
	"github.com/JakeFAU/mirrorshield/internal/profile"
	"github.com/JakeFAU/mirrorshield/internal/proxy"
	"github.com/JakeFAU/mirrorshield/internal/telemetry"
)

// IDGenerator produces request IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Option customizes a Server.
type Option func(*options)

type options struct {
	tracerProvider trace.TracerProvider
}

// WithTracerProvider starts a server span for every request.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

// Server wires HTTP routes to the proxy handler.
type Server struct {
	router         chi.Router
	proxy          *proxy.Handler
	ids            IDGenerator
	logger         *zap.Logger
	prefix         string
	defaultProfile *profile.Profile
}

// NewServer constructs a Server with middleware and routes. defaultProfile names
// the profile behind the proxy prefix route.
func NewServer(
	handler *proxy.Handler,
	ids IDGenerator,
	cfg config.Config,
	defaultProfile string,
	logger *zap.Logger,
	opts ...Option,
) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if handler == nil {
		return nil, errors.New("proxy handler is required")
	}
	if ids == nil {
		return nil, errors.New("id generator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def, ok := handler.Profile(defaultProfile)
	if !ok {
		return nil, fmt.Errorf("default profile %q is not configured", defaultProfile)
	}
	prefix := cfg.Server.ProxyPrefix
	if prefix == "" {
		prefix = proxy.DefaultPrefix
	}

	s := &Server{
		proxy:          handler,
		ids:            ids,
		logger:         logger,
		prefix:         prefix,
		defaultProfile: def,
	}
	r := chi.NewRouter()
	if o.tracerProvider != nil {
		r.Use(telemetry.Middleware(o.tracerProvider))
	}
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	if cfg.Metrics.Enabled {
		r.Use(metrics.Middleware)
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	if cfg.Metrics.Enabled {
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
	}

	r.Get(prefix+"*", s.proxyDefault)
	r.Options(prefix+"*", s.preflight)
	r.Route("/p/{profile}", func(r chi.Router) {
		r.Get("/*", s.proxyNamed)
		r.Options("/*", s.preflight)
	})

	s.router = r
	return s, nil
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	// Profiles are validated at startup and the proxy holds no connections to wait on.
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) preflight(w http.ResponseWriter, _ *http.Request) {
	proxy.WritePreflight(w)
}

func (s *Server) proxyDefault(w http.ResponseWriter, r *http.Request) {
	s.serveProxy(w, r, s.defaultProfile, s.prefix)
}

func (s *Server) proxyNamed(w http.ResponseWriter, r *http.Request) {
	segment := chi.URLParam(r, "profile")
	p, ok := s.proxy.Profile(strings.ToLower(segment))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Unknown profile", "details": segment})
		return
	}
	s.serveProxy(w, r, p, "/p/"+segment+"/")
}

func (s *Server) serveProxy(w http.ResponseWriter, r *http.Request, p *profile.Profile, prefix string) {
	s.proxy.Serve(w, r, proxy.RequestContext{
		Profile:         p,
		UpstreamPath:    proxy.ResolvePath(prefix, r.URL.EscapedPath()),
		RawQuery:        r.URL.RawQuery,
		ClientUserAgent: r.UserAgent(),
		ClientReferer:   r.Referer(),
		RequestID:       RequestID(r.Context()),
	})
}

type requestIDKey struct{}

// RequestID returns the ID assigned to the request carried by ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID, err := s.ids.NewID()
		if err != nil {
			s.logger.Warn("request id generation failed", zap.Error(err))
			reqID = "unknown"
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Debug("request completed",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Error("panic recovered",
					zap.String("request_id", RequestID(r.Context())),
					zap.Any("panic", rec),
				)
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Proxy failed", "details": "internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}
