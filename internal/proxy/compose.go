package proxy

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

// ContentSecurityPolicy is deliberately permissive so embedded players keep
// working. It is not a security boundary.
const ContentSecurityPolicy = "default-src * data: blob: 'unsafe-inline' 'unsafe-eval'; frame-src *; media-src * data: blob:;"

const streamBufferSize = 32 << 10

// WritePassthrough relays an upstream response unchanged. Content-Encoding and
// Content-Length travel with the bytes so the client decodes exactly what the
// mirror sent. limit caps the streamed bytes when positive; a body that runs
// past it fails with ErrBodyTooLarge after limit bytes were sent. The fetch
// timeout applies between reads.
func WritePassthrough(w http.ResponseWriter, up *Upstream, limit int64) (int64, error) {
	if limit > 0 && up.ContentLength > limit {
		return 0, &UpstreamError{Mirror: up.Mirror, Cause: ErrBodyTooLarge}
	}
	h := w.Header()
	if up.ContentType != "" {
		h.Set("Content-Type", up.ContentType)
	} else {
		// A nil value stops net/http from sniffing one.
		h["Content-Type"] = nil
	}
	if up.ContentEncoding != "" {
		h.Set("Content-Encoding", up.ContentEncoding)
	}
	if up.ContentLength >= 0 {
		h.Set("Content-Length", strconv.FormatInt(up.ContentLength, 10))
	}
	h.Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(up.StatusCode)

	var body io.Reader = idleReader{up: up}
	if limit > 0 {
		body = &cappedReader{r: body, remaining: limit}
	}
	up.Touch()
	n, err := copyFlushing(w, body)
	if err != nil {
		return n, fmt.Errorf("stream passthrough body: %w", err)
	}
	return n, nil
}

// WriteHTML writes a sanitized document with the compatibility headers.
func WriteHTML(w http.ResponseWriter, body string) (int64, error) {
	h := w.Header()
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Content-Security-Policy", ContentSecurityPolicy)
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	n, err := io.WriteString(w, body)
	if err != nil {
		return int64(n), fmt.Errorf("write html body: %w", err)
	}
	return int64(n), nil
}

// WritePreflight answers a CORS preflight.
func WritePreflight(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "*")
	h.Set("Access-Control-Max-Age", "86400")
	w.WriteHeader(http.StatusNoContent)
}

// copyFlushing copies src to w, flushing after each chunk so media starts
// playing before the transfer finishes.
func copyFlushing(w http.ResponseWriter, src io.Reader) (int64, error) {
	rc := http.NewResponseController(w)
	buf := make([]byte, streamBufferSize)
	var written int64
	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := w.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
				return written, err
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

// idleReader restarts the upstream deadline after every read that made progress.
type idleReader struct {
	up *Upstream
}

func (r idleReader) Read(p []byte) (int, error) {
	n, err := r.up.read(p)
	if n > 0 {
		r.up.Touch()
	}
	return n, err
}

// cappedReader passes through at most remaining bytes and reports
// ErrBodyTooLarge if the source has more.
type cappedReader struct {
	r         io.Reader
	remaining int64
}

func (c *cappedReader) Read(p []byte) (int, error) {
	if c.remaining <= 0 {
		var next [1]byte
		n, err := c.r.Read(next[:])
		if n > 0 {
			return 0, ErrBodyTooLarge
		}
		return 0, err
	}
	if int64(len(p)) > c.remaining {
		p = p[:c.remaining]
	}
	n, err := c.r.Read(p)
	c.remaining -= int64(n)
	return n, err
}
