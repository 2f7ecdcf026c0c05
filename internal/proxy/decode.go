package proxy

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// DecodeBody wraps r in decoders for a Content-Encoding header value. Chained
// encodings ("gzip, br") are undone right to left. Supported: br, gzip, zstd,
// deflate (zlib-wrapped or raw), identity.
func DecodeBody(contentEncoding string, r io.Reader) (io.ReadCloser, error) {
	chain := &decoderChain{Reader: r}
	if strings.TrimSpace(contentEncoding) == "" {
		return chain, nil
	}
	codings := strings.Split(contentEncoding, ",")
	for i := len(codings) - 1; i >= 0; i-- {
		switch coding := strings.TrimSpace(strings.ToLower(codings[i])); coding {
		case "br":
			chain.Reader = brotli.NewReader(chain.Reader)
		case "gzip", "x-gzip":
			gr, err := gzip.NewReader(chain.Reader)
			if err != nil {
				return nil, errors.Join(fmt.Errorf("gzip reader: %w", err), chain.Close())
			}
			chain.push(gr, gr.Close)
		case "zstd":
			dec, err := zstd.NewReader(chain.Reader)
			if err != nil {
				return nil, errors.Join(fmt.Errorf("zstd reader: %w", err), chain.Close())
			}
			chain.push(dec, func() error { dec.Close(); return nil })
		case "deflate":
			dr, err := newDeflateReader(chain.Reader)
			if err != nil {
				return nil, errors.Join(fmt.Errorf("deflate reader: %w", err), chain.Close())
			}
			chain.push(dr, dr.Close)
		case "identity", "":
		default:
			return nil, errors.Join(fmt.Errorf("unsupported content-encoding: %q", coding), chain.Close())
		}
	}
	return chain, nil
}

// newDeflateReader accepts the RFC form (zlib-wrapped) and falls back to raw
// DEFLATE, which several servers send instead.
func newDeflateReader(r io.Reader) (io.ReadCloser, error) {
	br := bufio.NewReader(r)
	header, err := br.Peek(2)
	if err == nil && isZlibHeader(header[0], header[1]) {
		zr, err := zlib.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("zlib reader: %w", err)
		}
		return zr, nil
	}
	return flate.NewReader(br), nil
}

func isZlibHeader(cmf, flg byte) bool {
	return cmf&0x0f == 8 && (uint16(cmf)<<8|uint16(flg))%31 == 0
}

type decoderChain struct {
	io.Reader
	closers []func() error
}

func (c *decoderChain) push(r io.Reader, closeFn func() error) {
	c.Reader = r
	c.closers = append(c.closers, closeFn)
}

// Close releases decoders outermost first. The underlying body is closed by its owner.
func (c *decoderChain) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
