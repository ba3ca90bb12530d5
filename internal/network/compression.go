// internal/network/compression.go
package network

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
)

// AcceptEncoding is the Accept-Encoding value sent when compression is enabled.
const AcceptEncoding = "br, gzip, deflate"

// Pools for decompression readers to reduce allocation overhead.
var (
	gzipReaderPool = sync.Pool{
		New: func() interface{} {
			// Reset is always called before use.
			return new(gzip.Reader)
		},
	}

	brotliReaderPool = sync.Pool{
		New: func() interface{} {
			return brotli.NewReader(nil)
		},
	}
)

// Shared empty reader used for resetting pooled readers.
var emptyReader = strings.NewReader("")

func getGzipReader(r io.Reader) (*gzip.Reader, error) {
	zr := gzipReaderPool.Get().(*gzip.Reader)
	if err := zr.Reset(r); err != nil {
		gzipReaderPool.Put(zr)
		return nil, err
	}
	return zr, nil
}

func putGzipReader(zr *gzip.Reader) {
	// Reset(nil) is not safe on every gzip.Reader; an empty reader is.
	_ = zr.Reset(emptyReader)
	gzipReaderPool.Put(zr)
}

func getBrotliReader(r io.Reader) (*brotli.Reader, error) {
	br := brotliReaderPool.Get().(*brotli.Reader)
	if err := br.Reset(r); err != nil {
		brotliReaderPool.Put(br)
		return nil, err
	}
	return br, nil
}

func putBrotliReader(br *brotli.Reader) {
	_ = br.Reset(emptyReader)
	brotliReaderPool.Put(br)
}

// decodeContent replaces resp.Raw with its decoded form when the response
// carries a Content-Encoding. Layered encodings are undone in reverse order.
// The Content-Encoding header is removed and Content-Length is rewritten to
// the decoded size.
func decodeContent(resp *Response) error {
	encodings := resp.Header.Values("Content-Encoding")
	if len(encodings) == 0 || len(resp.Raw) == 0 {
		return nil
	}

	// A header may list several codings, e.g. "deflate, gzip".
	var layers []string
	for _, v := range encodings {
		for _, coding := range strings.Split(v, ",") {
			if c := strings.ToLower(strings.TrimSpace(coding)); c != "" {
				layers = append(layers, c)
			}
		}
	}

	body := resp.Raw
	for i := len(layers) - 1; i >= 0; i-- {
		var err error
		switch layers[i] {
		case "gzip", "x-gzip":
			body, err = gunzip(body)
		case "deflate":
			body, err = inflate(body)
		case "br":
			body, err = unbrotli(body)
		case "identity":
			continue
		default:
			return newProtocolError("unsupported content-encoding %q", layers[i])
		}
		if err != nil {
			return &ProtocolError{Msg: "decoding " + layers[i] + " body", Err: err}
		}
	}

	resp.Raw = body
	resp.Header.Del("Content-Encoding")
	resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
	return nil
}

func gunzip(b []byte) ([]byte, error) {
	zr, err := getGzipReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer putGzipReader(zr)
	return io.ReadAll(zr)
}

func unbrotli(b []byte) ([]byte, error) {
	br, err := getBrotliReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer putBrotliReader(br)
	return io.ReadAll(br)
}

// inflate decodes a deflate body. Servers disagree on whether "deflate" means
// zlib-wrapped (RFC 1950) or raw (RFC 1951) data, so both are accepted.
func inflate(b []byte) ([]byte, error) {
	if zr, err := zlib.NewReader(bytes.NewReader(b)); err == nil {
		defer zr.Close()
		return io.ReadAll(zr)
	}
	fr := flate.NewReader(bytes.NewReader(b))
	defer fr.Close()
	return io.ReadAll(fr)
}
