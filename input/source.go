// Package input implements the composable InputSource and the InputPump
// that drains one into a child process's stdin pipe.
//
// InputSource replaces the runtime type-reflection a dynamic language would
// use to accept "a string, or a stream, or a list of those, or another
// source" with an explicit sum type plus a Stringify escape hatch for
// scalars that know how to render themselves.
package input

import (
	"fmt"
	"io"
	"sync"
)

// Stringify is satisfied by any value that can render itself as the bytes
// to send on stdin. fmt.Stringer already satisfies it; it exists as its
// own name so call sites read as "things that can become input," not
// "things with a String method."
type Stringify interface {
	String() string
}

// kind discriminates the three chunk forms InputPump understands.
type kind int

const (
	kindBytes kind = iota
	kindStream
	kindSource
)

type chunk struct {
	kind   kind
	bytes  []byte
	stream io.Reader
	source *Source
}

// Source is an ordered, lazily materialized, optionally open-ended
// sequence of input chunks (spec §3, §4.1). It may be shared between the
// writer appending to it and the InputPump reading from it: appends never
// invalidate an in-progress read.
type Source struct {
	mu     sync.Mutex
	chunks []chunk
	closed bool
}

// New returns an open Source with no pending chunks.
func New() *Source {
	return &Source{}
}

// NewClosed returns a Source seeded with v (via Write) and immediately
// sealed, the common case of "run this child with this fixed input."
func NewClosed(v any) (*Source, error) {
	s := New()
	if err := s.Write(v); err != nil {
		return nil, err
	}
	if err := s.Close(); err != nil {
		return nil, err
	}
	return s, nil
}

// ErrClosed is returned by Write when the source has already been sealed.
var ErrClosed = fmt.Errorf("input: source is closed")

// ErrUnsupported is returned by Write when v is not a supported chunk form.
type ErrUnsupported struct {
	Value any
}

func (e *ErrUnsupported) Error() string {
	return fmt.Sprintf("input: unsupported chunk type %T", e.Value)
}

// Write appends v as one or more chunks. Acceptable forms (spec §4.1):
// a byte string or anything implementing Stringify; a raw io.Reader
// (ownership transfers — the pump closes it at end, if it is an
// io.Closer); a []any whose elements each recursively satisfy these
// rules; or another *Source (nested, flattened lazily per invariant I-2).
// Writing nil is a no-op (spec's "absent" value). Writing to a closed
// source returns ErrClosed.
func (s *Source) Write(v any) error {
	if v == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	c, err := toChunk(v)
	if err != nil {
		return err
	}
	s.chunks = append(s.chunks, c)
	return nil
}

func toChunk(v any) (chunk, error) {
	switch t := v.(type) {
	case string:
		return chunk{kind: kindBytes, bytes: []byte(t)}, nil
	case []byte:
		return chunk{kind: kindBytes, bytes: t}, nil
	case io.Reader:
		return chunk{kind: kindStream, stream: t}, nil
	case *Source:
		return chunk{kind: kindSource, source: t}, nil
	case []any:
		sub := New()
		for _, elem := range t {
			if err := sub.Write(elem); err != nil {
				return chunk{}, err
			}
		}
		if err := sub.Close(); err != nil {
			return chunk{}, err
		}
		return chunk{kind: kindSource, source: sub}, nil
	case Stringify:
		return chunk{kind: kindBytes, bytes: []byte(t.String())}, nil
	case int, int32, int64, uint, uint32, uint64, float32, float64, bool:
		return chunk{kind: kindBytes, bytes: []byte(fmt.Sprint(t))}, nil
	default:
		return chunk{}, &ErrUnsupported{Value: v}
	}
}

// Close seals the source: HasNext will report false once every pending
// chunk has been consumed (invariant I-1). Closing an already-closed
// source is a no-op.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// HasNext reports true while the source is unsealed (more may yet be
// appended) or sealed with chunks still pending. An open source with no
// pending chunks reports true ("not at end") even though peekCurrent would
// have nothing real to offer — callers distinguish via peekCurrent's bool
// result.
func (s *Source) HasNext() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed || len(s.chunks) > 0
}

// peekCurrent returns the first pending chunk without consuming it, and
// false if none is currently queued (which may still mean "call back
// later" on an open source).
func (s *Source) peekCurrent() (chunk, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.chunks) == 0 {
		return chunk{}, false
	}
	return s.chunks[0], true
}

// advance drops the current chunk so the next call to peekCurrent returns
// the following one.
func (s *Source) advance() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.chunks) > 0 {
		s.chunks = s.chunks[1:]
	}
}

// isClosed reports whether Close has been called, regardless of pending
// chunks — used by the pump to decide whether an empty, unsealed source is
// genuinely at end-of-flow or merely quiet for now.
func (s *Source) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
