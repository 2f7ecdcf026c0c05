// Package proxy fetches pages from a profile's mirrors and rewrites them for embedding.
//
// Every request issues exactly one upstream GET. The declared content type picks
// one of two branches: anything that is not HTML streams back byte for byte, and
// HTML is decoded, optionally reduced to its player frame, sanitized, given the
// client-side guard, and re-serialized.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/net/html/charset"

	"github.com/JakeFAU/mirrorshield/internal/guard"
	"github.com/JakeFAU/mirrorshield/internal/metrics"
	"github.com/JakeFAU/mirrorshield/internal/profile"
	"github.com/JakeFAU/mirrorshield/internal/sanitize"
)

// Outcome labels for proxy metrics.
const (
	OutcomeOK            = "ok"
	OutcomeUpstreamError = "upstream_error"
	OutcomeNotFound      = "not_found"
	OutcomeInternal      = "internal"
	OutcomeStreamError   = "stream_error"
)

// RequestContext carries what the pipeline needs from the inbound request.
type RequestContext struct {
	Profile         *profile.Profile
	UpstreamPath    string
	RawQuery        string
	ClientUserAgent string
	ClientReferer   string
	RequestID       string
}

// Recorder receives the raw and rewritten HTML of served pages. Implementations
// must not block the caller.
type Recorder interface {
	Record(ctx context.Context, profileID, upstreamURL string, raw, clean []byte)
}

// Config wires a Handler.
type Config struct {
	Profiles            []*profile.Profile
	Fetcher             *Fetcher
	Seeds               *SeedSource
	Recorder            Recorder
	Tracer              trace.Tracer
	MaxHTMLBytes        int64
	MaxPassthroughBytes int64
}

type pipeline struct {
	profile   *profile.Profile
	sanitizer *sanitize.Sanitizer
	injector  *guard.Injector
}

// Handler runs the proxy pipeline for every configured profile.
type Handler struct {
	pipelines      map[string]*pipeline
	fetcher        *Fetcher
	seeds          *SeedSource
	recorder       Recorder
	tracer         trace.Tracer
	maxHTML        int64
	maxPassthrough int64
	logger         *zap.Logger
}

// NewHandler builds one sanitizer and guard per profile up front.
func NewHandler(cfg Config, logger *zap.Logger) (*Handler, error) {
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if len(cfg.Profiles) == 0 {
		return nil, fmt.Errorf("at least one profile is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Seeds == nil {
		cfg.Seeds = NewSeedSource(0)
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("")
	}
	h := &Handler{
		pipelines:      make(map[string]*pipeline, len(cfg.Profiles)),
		fetcher:        cfg.Fetcher,
		seeds:          cfg.Seeds,
		recorder:       cfg.Recorder,
		tracer:         cfg.Tracer,
		maxHTML:        cfg.MaxHTMLBytes,
		maxPassthrough: cfg.MaxPassthroughBytes,
		logger:         logger,
	}
	for _, p := range cfg.Profiles {
		if _, dup := h.pipelines[p.ID]; dup {
			return nil, fmt.Errorf("duplicate profile %q", p.ID)
		}
		inj, err := guard.New(p)
		if err != nil {
			return nil, fmt.Errorf("profile %q: %w", p.ID, err)
		}
		h.pipelines[p.ID] = &pipeline{profile: p, sanitizer: sanitize.New(p), injector: inj}
	}
	return h, nil
}

// Profile looks up a configured profile by id.
func (h *Handler) Profile(id string) (*profile.Profile, bool) {
	pl, ok := h.pipelines[id]
	if !ok {
		return nil, false
	}
	return pl.profile, true
}

// Serve proxies one request. rc.Profile must come from Profile.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request, rc RequestContext) {
	start := time.Now()
	pl := h.pipelines[rc.Profile.ID]
	logger := h.logger.With(
		zap.String("request_id", rc.RequestID),
		zap.String("profile", rc.Profile.ID),
	)

	rng := h.seeds.Next()
	mirror := PickMirror(pl.profile.Mirrors, rng)
	identity := ResolveIdentity(pl.profile, mirror, rc.ClientUserAgent, rc.ClientReferer, rng)
	target := UpstreamURL(mirror, rc.UpstreamPath, rc.RawQuery)

	ctx, span := h.tracer.Start(r.Context(), "proxy.Serve", trace.WithAttributes(
		attribute.String("mirrorshield.profile", pl.profile.ID),
		attribute.String("mirrorshield.mirror", mirror),
	))
	defer span.End()

	up, err := h.fetcher.Fetch(ctx, FetchRequest{URL: target, Mirror: mirror, Identity: identity})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upstream fetch failed")
		metrics.ObserveUpstream(pl.profile.ID, OutcomeUpstreamError, time.Since(start))
		metrics.ObserveProxyRequest(pl.profile.ID, "none", OutcomeUpstreamError, 0)
		logger.Warn("upstream fetch failed",
			zap.String("mirror", mirror),
			zap.String("target", target),
			zap.Error(err),
		)
		WriteError(w, err)
		return
	}
	defer func() {
		if cerr := up.Close(); cerr != nil {
			logger.Debug("upstream close failed", zap.Error(cerr))
		}
	}()
	metrics.ObserveUpstream(pl.profile.ID, OutcomeOK, time.Since(start))

	branch := Classify(up.ContentType)
	var written int64
	switch branch {
	case BranchPassthrough:
		written, err = h.servePassthrough(w, up)
	default:
		written, err = h.serveHTML(ctx, w, pl, up, target, logger)
	}
	outcome := outcomeOf(err)
	span.SetAttributes(
		attribute.String("mirrorshield.branch", string(branch)),
		attribute.String("mirrorshield.outcome", outcome),
		attribute.Int("mirrorshield.upstream_status", up.StatusCode),
		attribute.Int64("mirrorshield.bytes", written),
	)
	metrics.ObserveProxyRequest(pl.profile.ID, string(branch), outcome, written)
	fields := []zap.Field{
		zap.String("mirror", mirror),
		zap.String("branch", string(branch)),
		zap.Int("upstream_status", up.StatusCode),
		zap.Int64("bytes", written),
		zap.Duration("duration", time.Since(start)),
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		logger.Warn("proxy request failed", append(fields, zap.Error(err))...)
		return
	}
	logger.Info("proxy request served", fields...)
}

func (h *Handler) servePassthrough(w http.ResponseWriter, up *Upstream) (int64, error) {
	n, err := WritePassthrough(w, up, h.maxPassthrough)
	var upstreamErr *UpstreamError
	if errors.As(err, &upstreamErr) {
		// Rejected before any header was written.
		WriteError(w, err)
		return 0, err
	}
	if err != nil {
		return n, &streamError{cause: err}
	}
	return n, nil
}

func (h *Handler) serveHTML(
	ctx context.Context,
	w http.ResponseWriter,
	pl *pipeline,
	up *Upstream,
	target string,
	logger *zap.Logger,
) (int64, error) {
	raw, err := h.readHTML(up)
	if err != nil {
		WriteError(w, err)
		return 0, err
	}
	clean, err := h.rewrite(pl, up, raw, logger)
	if err != nil {
		WriteError(w, err)
		return 0, err
	}
	n, err := WriteHTML(w, clean)
	if err != nil {
		return n, &streamError{cause: err}
	}
	if h.recorder != nil {
		h.recorder.Record(context.WithoutCancel(ctx), pl.profile.ID, target, raw, []byte(clean))
	}
	return n, nil
}

// readHTML undoes the content encoding and any non-UTF-8 charset declared in the
// Content-Type header. Pages without a declared charset are taken as UTF-8.
func (h *Handler) readHTML(up *Upstream) ([]byte, error) {
	decoded, err := DecodeBody(up.ContentEncoding, up.Body)
	if err != nil {
		return nil, &UpstreamError{Mirror: up.Mirror, Cause: err}
	}
	defer decoded.Close() //nolint:errcheck // decoder close only releases buffers
	var body io.Reader = decoded
	if label := declaredCharset(up.ContentType); label != "" && !strings.EqualFold(label, "utf-8") {
		body, err = charset.NewReaderLabel(label, decoded)
		if err != nil {
			return nil, &UpstreamError{Mirror: up.Mirror, Cause: fmt.Errorf("charset %q: %w", label, err)}
		}
	}
	raw, err := readLimited(body, h.maxHTML)
	if err != nil {
		return nil, &UpstreamError{Mirror: up.Mirror, Cause: err}
	}
	return raw, nil
}

func (h *Handler) rewrite(pl *pipeline, up *Upstream, raw []byte, logger *zap.Logger) (string, error) {
	doc, err := sanitize.Parse(bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	if pl.profile.FrameOnly {
		doc, err = ExtractFrame(doc, up.URL)
		if err != nil {
			return "", err
		}
	}
	report := pl.sanitizer.Apply(doc)
	metrics.ObserveSanitizerRemovals(report.Removed)
	placement, err := pl.injector.Inject(doc.Nodes[0])
	if err != nil {
		return "", fmt.Errorf("inject guard: %w", err)
	}
	out, err := sanitize.Render(doc)
	if err != nil {
		return "", err
	}
	logger.Debug("html rewritten",
		zap.Int("removed", report.Total()),
		zap.Int("passes", report.Passes),
		zap.String("guard_placement", string(placement)),
		zap.Int("raw_bytes", len(raw)),
		zap.Int("clean_bytes", len(out)),
	)
	return out, nil
}

func declaredCharset(contentType string) string {
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(params["charset"])
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		return data, nil
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, ErrBodyTooLarge
	}
	return data, nil
}

// streamError marks a failure after the response headers were sent.
type streamError struct {
	cause error
}

func (e *streamError) Error() string { return e.cause.Error() }

func (e *streamError) Unwrap() error { return e.cause }

func outcomeOf(err error) string {
	var se *streamError
	var ue *UpstreamError
	switch {
	case err == nil:
		return OutcomeOK
	case errors.As(err, &se):
		return OutcomeStreamError
	case errors.Is(err, ErrContentNotFound):
		return OutcomeNotFound
	case errors.As(err, &ue):
		return OutcomeUpstreamError
	default:
		return OutcomeInternal
	}
}
