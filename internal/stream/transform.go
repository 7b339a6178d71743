// Package stream provides chunk-at-a-time byte transforms for response
// bodies.
//
// Transforms are pull-based: each downstream read triggers exactly one
// upstream read, and upstream EOF completes the downstream reader
// immediately after the transformer's held-back bytes are flushed. Nothing
// is ever buffered beyond the transformer's own carry, so incremental
// delivery (server-sent events in particular) is preserved.
package stream

import "io"

// Transformer rewrites a byte stream chunk by chunk. Transform may emit
// zero bytes for a chunk (holding data back across a boundary); Flush emits
// whatever is still held when the stream ends.
type Transformer interface {
	Transform(chunk []byte) []byte
	Flush() []byte
}

type transformReader struct {
	src     io.ReadCloser
	t       Transformer
	buf     []byte
	pending []byte
	eof     bool
	flushed bool
}

// NewTransformReader wraps src so that all bytes read through it pass through
// the transformer. Closing the reader closes src.
func NewTransformReader(src io.ReadCloser, t Transformer) io.ReadCloser {
	return &transformReader{src: src, t: t, buf: make([]byte, 32*1024)}
}

func (r *transformReader) Read(p []byte) (int, error) {
	for {
		if len(r.pending) > 0 {
			n := copy(p, r.pending)
			r.pending = r.pending[n:]
			return n, nil
		}
		if r.eof {
			if !r.flushed {
				r.flushed = true
				if tail := r.t.Flush(); len(tail) > 0 {
					r.pending = tail
					continue
				}
			}
			return 0, io.EOF
		}

		n, err := r.src.Read(r.buf)
		if n > 0 {
			r.pending = r.t.Transform(r.buf[:n])
		}
		if err == io.EOF {
			r.eof = true
			continue
		}
		if err != nil {
			return 0, err
		}
	}
}

func (r *transformReader) Close() error {
	return r.src.Close()
}
