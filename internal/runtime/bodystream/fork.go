// Package bodystream replays a single-read request body to several
// independent consumers with memory bounded by a size ceiling.
package bodystream

import (
	"errors"
	"io"
	"sort"
	"sync"

	errorspkg "github.com/drblury/dualrun/internal/runtime/errors"
)

const (
	// DefaultMaxBytes is the fork ceiling.
	DefaultMaxBytes int64 = 10 << 20
	// DefaultChunkSize is the size of a single read from the source.
	DefaultChunkSize = 32 << 10
	// UnknownSize is passed as declaredSize when the length is not known.
	UnknownSize int64 = -1
)

// ErrStreamClosed is returned by Read after Close.
var ErrStreamClosed = errors.New("bodystream: read on closed stream")

// Options tune Fork.
type Options struct {
	// Consumers is the number of streams to produce. Defaults to 2.
	Consumers int
	// MaxBytes is the fork ceiling. Defaults to 10 MiB.
	MaxBytes int64
	// ChunkSize bounds a single source read. Defaults to 32 KiB.
	ChunkSize int
}

func (o Options) withDefaults() Options {
	if o.Consumers <= 0 {
		o.Consumers = 2
	}
	if o.MaxBytes <= 0 {
		o.MaxBytes = DefaultMaxBytes
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	return o
}

// Shared fans one source out to a fixed set of streams. Every stream yields
// the same bytes in the same order. Stream 0 is the authoritative one: when
// a body of unknown length turns out to exceed the ceiling, the other streams
// fail with ErrOversizeBody and stream 0 keeps reading the source directly.
type Shared struct {
	src       io.Reader
	limit     int64
	chunkSize int

	// fillMu serialises reads from src. It is never held while waiting on mu
	// by a stream that only needs buffered bytes.
	fillMu sync.Mutex

	mu       sync.Mutex
	chunks   [][]byte
	starts   []int64
	base     int64
	end      int64
	srcErr   error
	overflow bool
	streams  []*stream
	open     int
	done     chan struct{}
}

// Fork splits src into opts.Consumers streams. When declaredSize is known and
// larger than the ceiling, Fork fails fast with *errors.OversizeError and src
// is left untouched for the caller to use on its own.
func Fork(src io.Reader, declaredSize int64, opts Options) (*Shared, error) {
	opts = opts.withDefaults()
	if declaredSize > opts.MaxBytes {
		return nil, &errorspkg.OversizeError{Limit: opts.MaxBytes, Size: declaredSize}
	}
	if src == nil {
		src = eofReader{}
	}

	s := &Shared{
		src:       src,
		limit:     opts.MaxBytes,
		chunkSize: opts.ChunkSize,
		open:      opts.Consumers,
		done:      make(chan struct{}),
	}
	s.streams = make([]*stream, opts.Consumers)
	for i := range s.streams {
		s.streams[i] = &stream{shared: s, idx: i}
	}
	return s, nil
}

// Stream returns the i-th stream.
func (s *Shared) Stream(i int) io.ReadCloser {
	return s.streams[i]
}

// Done is closed once every stream reached EOF, failed, or was closed.
func (s *Shared) Done() <-chan struct{} {
	return s.done
}

// Overflowed reports whether the body exceeded the ceiling mid-stream.
func (s *Shared) Overflowed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overflow
}

// Buffered returns the number of bytes currently retained for slower streams.
func (s *Shared) Buffered() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.end - s.base
}

type stream struct {
	shared   *Shared
	idx      int
	off      int64
	err      error
	closed   bool
	finished bool
}

func (st *stream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	s := st.shared
	for {
		s.mu.Lock()
		if st.closed {
			s.mu.Unlock()
			return 0, ErrStreamClosed
		}
		if st.err != nil {
			err := st.err
			s.finishLocked(st)
			s.mu.Unlock()
			return 0, err
		}
		if st.off < s.end {
			n := s.copyLocked(st, p)
			s.mu.Unlock()
			return n, nil
		}
		if s.srcErr != nil {
			err := s.srcErr
			s.finishLocked(st)
			s.mu.Unlock()
			return 0, err
		}
		passthrough := s.overflow && st.idx == 0
		s.mu.Unlock()

		if passthrough {
			return s.readThrough(st, p)
		}
		s.fill(st)
	}
}

// readThrough serves stream 0 straight from the source after an overflow.
func (s *Shared) readThrough(st *stream, p []byte) (int, error) {
	s.fillMu.Lock()
	defer s.fillMu.Unlock()

	n, err := s.src.Read(p)
	if err != nil {
		s.mu.Lock()
		s.srcErr = err
		s.finishLocked(st)
		s.mu.Unlock()
	}
	return n, err
}

// fill reads one chunk from the source into the shared window unless another
// stream already did so while st waited for the source.
func (s *Shared) fill(st *stream) {
	s.fillMu.Lock()
	defer s.fillMu.Unlock()

	s.mu.Lock()
	stale := st.off < s.end || s.srcErr != nil || s.overflow
	s.mu.Unlock()
	if stale {
		return
	}

	buf := make([]byte, s.chunkSize)
	n, err := s.src.Read(buf)

	s.mu.Lock()
	defer s.mu.Unlock()
	if n > 0 {
		chunk := buf[:n]
		if n < len(buf)/2 {
			chunk = append([]byte(nil), chunk...)
		}
		s.chunks = append(s.chunks, chunk)
		s.starts = append(s.starts, s.end)
		s.end += int64(n)
		if !s.overflow && s.end > s.limit {
			s.overflowLocked()
		}
	}
	if err != nil {
		s.srcErr = err
	}
}

func (s *Shared) overflowLocked() {
	s.overflow = true
	for _, st := range s.streams[1:] {
		if st.err == nil && !st.closed && !st.finished {
			st.err = &errorspkg.OversizeError{Limit: s.limit, Size: UnknownSize}
		}
	}
	s.trimLocked()
}

func (s *Shared) copyLocked(st *stream, p []byte) int {
	i := sort.Search(len(s.starts), func(i int) bool { return s.starts[i] > st.off }) - 1
	var n int
	for ; i < len(s.chunks) && n < len(p); i++ {
		c := copy(p[n:], s.chunks[i][st.off-s.starts[i]:])
		n += c
		st.off += int64(c)
	}
	s.trimLocked()
	return n
}

// trimLocked drops chunks every live stream has already consumed.
func (s *Shared) trimLocked() {
	minOff := s.end
	for _, st := range s.streams {
		if st.closed || st.finished || st.err != nil {
			continue
		}
		if st.off < minOff {
			minOff = st.off
		}
	}
	for len(s.chunks) > 0 {
		size := int64(len(s.chunks[0]))
		if s.base+size > minOff {
			break
		}
		s.chunks[0] = nil
		s.chunks = s.chunks[1:]
		s.starts = s.starts[1:]
		s.base += size
	}
}

func (s *Shared) finishLocked(st *stream) {
	if st.finished {
		return
	}
	st.finished = true
	s.open--
	s.trimLocked()
	if s.open == 0 {
		close(s.done)
	}
}

func (st *stream) Close() error {
	s := st.shared
	s.mu.Lock()
	defer s.mu.Unlock()
	if st.closed {
		return nil
	}
	st.closed = true
	s.finishLocked(st)
	return nil
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }
