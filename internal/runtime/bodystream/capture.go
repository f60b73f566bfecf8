package bodystream

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"sync"

	"github.com/drblury/dualrun/internal/runtime/model"
)

// Capture hashes every byte written to it and keeps at most limit bytes for
// auditing and comparison. It is safe for concurrent use because HTTP
// transports may still be draining a request body after the response arrived.
type Capture struct {
	mu        sync.Mutex
	hash      hash.Hash
	buf       bytes.Buffer
	limit     int64
	size      int64
	overLimit bool
	complete  bool
}

// NewCapture returns a capture keeping up to limit bytes.
func NewCapture(limit int64) *Capture {
	if limit <= 0 {
		limit = DefaultMaxBytes
	}
	return &Capture{hash: sha256.New(), limit: limit}
}

// Write never fails; bytes past the limit are hashed but not retained.
func (c *Capture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.hash.Write(p)
	c.size += int64(len(p))
	if room := c.limit - int64(c.buf.Len()); room > 0 {
		if int64(len(p)) > room {
			c.buf.Write(p[:room])
			c.overLimit = true
		} else {
			c.buf.Write(p)
		}
	} else if len(p) > 0 {
		c.overLimit = true
	}
	return len(p), nil
}

// MarkComplete records that the underlying stream reached EOF.
func (c *Capture) MarkComplete() {
	c.mu.Lock()
	c.complete = true
	c.mu.Unlock()
}

// Size is the number of bytes observed.
func (c *Capture) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Sum is the hex SHA-256 of the bytes observed so far.
func (c *Capture) Sum() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return hex.EncodeToString(c.hash.Sum(nil))
}

// Bytes returns a copy of the retained prefix.
func (c *Capture) Bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return bytes.Clone(c.buf.Bytes())
}

// Complete reports whether the whole body was seen and retained.
func (c *Capture) Complete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.complete && !c.overLimit
}

// Ref describes the capture for storage. Bodies under inlineThreshold are
// INLINE, larger retained bodies are INLINE_COMPRESSIBLE and bodies past the
// capture limit are OMITTED.
func (c *Capture) Ref(inlineThreshold int64) model.BodyRef {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.size == 0 && c.complete:
		return model.BodyRef{StorageType: model.PayloadNone}
	case c.overLimit:
		return model.BodyRef{StorageType: model.PayloadOmitted, Truncated: !c.complete}
	}
	ref := model.BodyRef{
		Inline:    bytes.Clone(c.buf.Bytes()),
		Truncated: !c.complete,
	}
	if c.size < inlineThreshold {
		ref.StorageType = model.PayloadInline
	} else {
		ref.StorageType = model.PayloadInlineCompressible
	}
	return ref
}

// Reader tees r into the capture and marks it complete on EOF.
func (c *Capture) Reader(r io.Reader) io.Reader {
	return &captureReader{r: r, c: c}
}

// ReadCloser is Reader for an io.ReadCloser.
func (c *Capture) ReadCloser(rc io.ReadCloser) io.ReadCloser {
	return &captureReadCloser{captureReader: captureReader{r: rc, c: c}, closer: rc}
}

type captureReader struct {
	r io.Reader
	c *Capture
}

func (cr *captureReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 {
		cr.c.Write(p[:n])
	}
	if err == io.EOF {
		cr.c.MarkComplete()
	}
	return n, err
}

type captureReadCloser struct {
	captureReader
	closer io.Closer
}

func (c *captureReadCloser) Close() error {
	return c.closer.Close()
}
