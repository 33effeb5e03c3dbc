package gablib

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// acceptEncoding is what a current desktop browser advertises. Because the
// header is set explicitly, net/http no longer decompresses transparently
// and decodeBody has to.
const acceptEncoding = "gzip, deflate, br, zstd"

// decodeBody wraps r so that it yields the body with every Content-Encoding
// removed. Codings are undone in reverse order of application.
func decodeBody(r io.Reader, contentEncoding string) (io.ReadCloser, error) {
	codings := strings.Split(contentEncoding, ",")
	rc := io.NopCloser(r)
	for i := len(codings) - 1; i >= 0; i-- {
		next, err := decodeOne(rc, strings.ToLower(strings.TrimSpace(codings[i])))
		if err != nil {
			return nil, err
		}
		rc = next
	}
	return rc, nil
}

func decodeOne(r io.ReadCloser, coding string) (io.ReadCloser, error) {
	switch coding {
	case "", "identity":
		return r, nil
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		return chainCloser{Reader: zr, closers: []io.Closer{zr, r}}, nil
	case "deflate":
		return newDeflateReader(r)
	case "br":
		return chainCloser{Reader: brotli.NewReader(r), closers: []io.Closer{r}}, nil
	case "zstd":
		zr, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		return chainCloser{Reader: zr, closers: []io.Closer{zr.IOReadCloser(), r}}, nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", coding)
	}
}

// newDeflateReader accepts both zlib-wrapped deflate, as RFC 9110 defines
// it, and raw deflate, which some servers send anyway.
func newDeflateReader(r io.ReadCloser) (io.ReadCloser, error) {
	br := bufio.NewReader(r)
	header, err := br.Peek(2)
	if err == nil && isZlibHeader(header) {
		zr, err := zlib.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("deflate: %w", err)
		}
		return chainCloser{Reader: zr, closers: []io.Closer{zr, r}}, nil
	}
	fr := flate.NewReader(br)
	return chainCloser{Reader: fr, closers: []io.Closer{fr, r}}, nil
}

func isZlibHeader(b []byte) bool {
	cmf, flg := b[0], b[1]
	return cmf&0x0f == 8 && (uint16(cmf)<<8|uint16(flg))%31 == 0
}

type chainCloser struct {
	io.Reader
	closers []io.Closer
}

func (c chainCloser) Close() error {
	var first error
	for _, cl := range c.closers {
		if err := cl.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
