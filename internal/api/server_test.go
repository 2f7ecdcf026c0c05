package api

import (
	"bufio"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/mirrorshield/internal/config"
	"github.com/JakeFAU/mirrorshield/internal/profile"
	"github.com/JakeFAU/mirrorshield/internal/proxy"
)

type mirrorLog struct {
	mu   sync.Mutex
	uris []string
}

func (m *mirrorLog) last() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.uris) == 0 {
		return ""
	}
	return m.uris[len(m.uris)-1]
}

func newMirror(t *testing.T) (*httptest.Server, *mirrorLog) {
	t.Helper()
	log := &mirrorLog{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.mu.Lock()
		log.uris = append(log.uris, r.URL.RequestURI())
		log.mu.Unlock()
		if strings.HasSuffix(r.URL.Path, ".mp4") {
			w.Header().Set("Content-Type", "video/mp4")
			_, _ = w.Write([]byte("frames"))
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<html><head></head><body><div class="popup">x</div><div id="player"></div></body></html>`))
	}))
	t.Cleanup(srv.Close)
	return srv, log
}

func newTestServer(t *testing.T) (*Server, *mirrorLog) {
	t.Helper()
	mirror, log := newMirror(t)

	var profiles []*profile.Profile
	for _, id := range []string{"default", "music"} {
		p, err := profile.Build(id, profile.Config{Mirrors: []string{mirror.URL}})
		require.NoError(t, err)
		profiles = append(profiles, p)
	}
	handler, err := proxy.NewHandler(proxy.Config{
		Profiles:     profiles,
		Fetcher:      proxy.NewFetcher(nil, proxy.FetcherConfig{Timeout: 5 * time.Second}, nil, nil, zap.NewNop()),
		Seeds:        proxy.NewSeedSource(7),
		MaxHTMLBytes: 1 << 20,
	}, zap.NewNop())
	require.NoError(t, err)

	cfg := config.Config{
		Server:  config.ServerConfig{ProxyPrefix: proxy.DefaultPrefix},
		Metrics: config.MetricsConfig{Enabled: true},
	}
	server, err := NewServer(handler, &fakeIDGen{ids: []string{"req-1"}}, cfg, "default", zap.NewNop())
	require.NoError(t, err)
	return server, log
}

func do(s *Server, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestServer_Probes(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t)
	for path, want := range map[string]string{"/healthz": "ok", "/readyz": "ready"} {
		rec := do(server, http.MethodGet, path)
		require.Equal(t, http.StatusOK, rec.Code)
		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, want, body["status"])
	}
}

func TestServer_DefaultProfileRoute(t *testing.T) {
	t.Parallel()

	server, log := newTestServer(t)
	rec := do(server, http.MethodGet, "/api/proxy/embed/movie/42?lang=en")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/embed/movie/42?lang=en", log.last())
	assert.Contains(t, rec.Body.String(), `data-mirrorshield="guard"`)
	assert.NotContains(t, rec.Body.String(), "popup")
	assert.Equal(t, "req-1", rec.Header().Get("X-Request-ID"))
}

func TestServer_NamedProfileRoute(t *testing.T) {
	t.Parallel()

	server, log := newTestServer(t)
	rec := do(server, http.MethodGet, "/p/Music/clips/intro.mp4")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/clips/intro.mp4", log.last())
	assert.Equal(t, "video/mp4", rec.Header().Get("Content-Type"))
	assert.Equal(t, "frames", rec.Body.String())
}

func TestServer_UnknownProfile(t *testing.T) {
	t.Parallel()

	server, log := newTestServer(t)
	rec := do(server, http.MethodGet, "/p/nope/embed/1")

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "Unknown profile")
	assert.Empty(t, log.last())
}

func TestServer_Preflight(t *testing.T) {
	t.Parallel()

	server, log := newTestServer(t)
	for _, target := range []string{"/api/proxy/embed/1", "/p/music/embed/1"} {
		rec := do(server, http.MethodOptions, target)
		require.Equal(t, http.StatusNoContent, rec.Code, target)
		assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "GET")
	}
	assert.Empty(t, log.last())
}

func TestServer_RejectsOtherMethods(t *testing.T) {
	t.Parallel()

	server, log := newTestServer(t)
	rec := do(server, http.MethodPost, "/api/proxy/embed/1")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Empty(t, log.last())
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t)
	do(server, http.MethodGet, "/healthz")
	rec := do(server, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestNewServer_Validation(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t)
	_, err := NewServer(nil, &fakeIDGen{}, config.Config{}, "default", nil)
	require.Error(t, err)
	_, err = NewServer(server.proxy, &fakeIDGen{}, config.Config{}, "missing", nil)
	require.Error(t, err)
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	s := &Server{logger: zap.NewNop()}
	h := s.recoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/proxy/x", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "Proxy failed")
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.EqualError(t, err, "hijacker not supported")

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NotNil(t, buf)
	require.NoError(t, conn.Close())
	require.NoError(t, h.CloseClient())
}

func TestResponseWriterUnwrap(t *testing.T) {
	t.Parallel()

	inner := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: inner}
	assert.Same(t, inner, rw.Unwrap())
	rw.Flush()
	assert.True(t, inner.Flushed)
}

// --- helpers/fakes ---

type fakeIDGen struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeIDGen) NewID() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ids) == 0 {
		return "id-default", nil
	}
	id := f.ids[0]
	f.ids = f.ids[1:]
	return id, nil
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(server), bufio.NewWriter(server)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client == nil {
		return nil
	}
	return h.client.Close()
}
