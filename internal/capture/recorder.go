// Package capture stores sampled copies of served pages for offline review of
// sanitizer behavior. Captures are write-only; nothing is ever served from them.
package capture

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"math/rand/v2"
	"path"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/mirrorshield/internal/metrics"
)

// Capture statuses reported to metrics.
const (
	StatusStored  = "stored"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

const (
	contentTypeHTML    = "text/html; charset=utf-8"
	defaultMaxInFlight = 8
)

// BlobStore persists capture objects.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Hasher computes the content digest used in object keys.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// contentDigest keys captures by the SHA-256 of the raw page, so a page that is
// served repeatedly maps to the same objects.
type contentDigest struct{}

func (contentDigest) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// utcClock dates capture prefixes independent of the host zone.
type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }

// Config tunes the recorder. MaxInFlight bounds concurrent uploads; pages
// sampled while it is saturated are dropped.
type Config struct {
	Prefix      string
	SampleRate  float64
	Timeout     time.Duration
	MaxInFlight int
}

// Option customizes a Recorder.
type Option func(*Recorder)

// WithHasher overrides the SHA-256 hasher.
func WithHasher(h Hasher) Option {
	return func(r *Recorder) { r.hasher = h }
}

// WithClock overrides the system clock.
func WithClock(c Clock) Option {
	return func(r *Recorder) { r.clock = c }
}

// WithRand fixes the sampling source.
func WithRand(rng *rand.Rand) Option {
	return func(r *Recorder) { r.rng = rng }
}

// Recorder uploads captures in the background.
type Recorder struct {
	store  BlobStore
	hasher Hasher
	clock  Clock
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	rng      *rand.Rand
	wg       sync.WaitGroup
	inFlight chan struct{}
}

// New builds a Recorder writing to store.
func New(store BlobStore, cfg Config, logger *zap.Logger, opts ...Option) (*Recorder, error) {
	if store == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if cfg.SampleRate <= 0 || cfg.SampleRate > 1 {
		return nil, fmt.Errorf("sample rate must be in (0, 1]")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = defaultMaxInFlight
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Recorder{
		store:  store,
		hasher:   contentDigest{},
		clock:    utcClock{},
		cfg:      cfg,
		logger:   logger,
		rng:      rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())), //nolint:gosec // sampling only
		inFlight: make(chan struct{}, cfg.MaxInFlight),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Record samples the page and, when chosen, uploads raw and clean copies
// asynchronously. It returns immediately and never queues.
func (r *Recorder) Record(ctx context.Context, profileID, upstreamURL string, raw, clean []byte) {
	if !r.sample() {
		metrics.ObserveCapture(StatusSkipped)
		return
	}
	rawKey, cleanKey, err := r.Keys(profileID, raw)
	if err != nil {
		metrics.ObserveCapture(StatusFailed)
		r.logger.Warn("capture key failed", zap.Error(err))
		return
	}

	select {
	case r.inFlight <- struct{}{}:
	default:
		metrics.ObserveCapture(StatusSkipped)
		r.logger.Debug("capture dropped, uploads saturated", zap.String("profile", profileID))
		return
	}

	r.wg.Add(1)
	go func() {
		defer func() {
			<-r.inFlight
			r.wg.Done()
		}()
		uploadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.Timeout)
		defer cancel()

		logger := r.logger.With(zap.String("profile", profileID), zap.String("target", upstreamURL))
		for _, obj := range []struct {
			key  string
			data []byte
		}{{rawKey, raw}, {cleanKey, clean}} {
			uri, err := r.store.PutObject(uploadCtx, obj.key, contentTypeHTML, bytes.NewReader(obj.data))
			if err != nil {
				metrics.ObserveCapture(StatusFailed)
				logger.Warn("capture upload failed", zap.String("key", obj.key), zap.Error(err))
				return
			}
			metrics.ObserveCapture(StatusStored)
			logger.Debug("capture stored", zap.String("uri", uri))
		}
	}()
}

// Keys derives the object keys for a page from the digest of its raw bytes.
func (r *Recorder) Keys(profileID string, raw []byte) (string, string, error) {
	digest, err := r.hasher.Hash(raw)
	if err != nil {
		return "", "", fmt.Errorf("hash capture: %w", err)
	}
	base := path.Join(r.cfg.Prefix, profileID, r.clock.Now().UTC().Format("2006/01/02"), digest)
	return base + "-raw.html", base + "-clean.html", nil
}

// Wait blocks until in-flight uploads finish or ctx ends.
func (r *Recorder) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for captures: %w", ctx.Err())
	}
}

func (r *Recorder) sample() bool {
	if r.cfg.SampleRate >= 1 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Float64() < r.cfg.SampleRate
}
