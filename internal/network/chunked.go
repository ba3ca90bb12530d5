// internal/network/chunked.go
package network

import (
	"bufio"
	"bytes"
	"io"
	"strconv"
	"strings"
)

// chunkState is the decoding state for one chunked body. remaining is nil
// while the decoder is looking for the next chunk-size line.
type chunkState struct {
	remaining *int64
	done      bool
}

// readChunkedBody decodes a chunked body from r and returns the concatenated
// chunk payloads. Decoding stops at the zero-size chunk; any trailer section
// is consumed so the connection is positioned at the next response.
func (p *HTTPParser) readChunkedBody(r *bufio.Reader) ([]byte, error) {
	var (
		body  bytes.Buffer
		state chunkState
		buf   = make([]byte, 32*1024)
	)

	for !state.done {
		if state.remaining == nil {
			line, err := p.readLine(r)
			if err != nil {
				return nil, readFailure("reading chunk size", err)
			}
			if line == "" {
				// Blank lines between chunks are tolerated.
				continue
			}
			size, err := parseChunkSize(line)
			if err != nil {
				return nil, err
			}
			state.remaining = &size
			if size == 0 {
				state.done = true
			}
			continue
		}

		// The payload of one chunk may arrive over several reads.
		for *state.remaining > 0 {
			want := int64(len(buf))
			if *state.remaining < want {
				want = *state.remaining
			}
			n, err := r.Read(buf[:want])
			body.Write(buf[:n])
			*state.remaining -= int64(n)
			if err != nil && *state.remaining > 0 {
				if err == io.EOF {
					return nil, newProtocolError("unexpected empty line with %d chunk bytes outstanding", *state.remaining)
				}
				return nil, readFailure("reading chunk data", err)
			}
		}

		// Each chunk's data is followed by CRLF.
		line, err := p.readLine(r)
		if err != nil {
			return nil, readFailure("reading chunk terminator", err)
		}
		if line != "" {
			return nil, newProtocolError("unexpectedly large chunk")
		}
		state.remaining = nil
	}

	if err := p.skipTrailers(r); err != nil {
		return nil, err
	}
	return body.Bytes(), nil
}

// parseChunkSize parses a chunk-size line, ignoring chunk extensions.
func parseChunkSize(line string) (int64, error) {
	sizeStr := line
	if i := strings.IndexByte(sizeStr, ';'); i >= 0 {
		sizeStr = sizeStr[:i]
	}
	sizeStr = strings.TrimSpace(sizeStr)
	size, err := strconv.ParseInt(sizeStr, 16, 64)
	if err != nil || size < 0 || strings.HasPrefix(sizeStr, "+") {
		return 0, newProtocolError("invalid chunk size: %q", line)
	}
	return size, nil
}

// skipTrailers consumes trailer fields up to and including the final blank line.
// A peer that closes the connection right after the last chunk is accepted.
func (p *HTTPParser) skipTrailers(r *bufio.Reader) error {
	for {
		line, err := p.readLine(r)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return readFailure("reading trailers", err)
		}
		if line == "" {
			return nil
		}
	}
}
