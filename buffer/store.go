package buffer

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// SpillThreshold is the number of bytes a store holds in memory; an append
// that would pass it moves everything stored so far, and every later
// append, to a temp file. Matches the ~1 MiB figure the spec
// gives for in-memory output before temp storage kicks in.
const SpillThreshold = 1 << 20

// store is a single append-only, seekable byte channel (one per stdout or
// stderr). Unlike a ring buffer it never discards history: readers replay
// from any offset, which the iterator facade depends on. Once the total
// would pass SpillThreshold, the whole history lives in a temp file
// instead of growing the in-memory slice without bound.
type store struct {
	mu   sync.RWMutex
	mem  []byte
	spur *os.File // non-nil once spilled
	size int64    // total bytes appended, mem+spill
}

func newStore() *store {
	return &store{}
}

// append adds bytes to the store, spilling to a temp file once the
// in-memory portion would exceed SpillThreshold. Returns the number of
// bytes now stored in total.
func (s *store) append(p []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.spur == nil && int64(len(s.mem))+int64(len(p)) > SpillThreshold {
		f, err := os.CreateTemp("", "procexec-output-*")
		if err != nil {
			return s.size, fmt.Errorf("spill output to temp file: %w", err)
		}
		if _, err := f.Write(s.mem); err != nil {
			f.Close()
			os.Remove(f.Name())
			return s.size, fmt.Errorf("spill output to temp file: %w", err)
		}
		s.spur = f
		s.mem = nil
	}

	if s.spur != nil {
		if _, err := s.spur.Write(p); err != nil {
			return s.size, fmt.Errorf("append to spilled output: %w", err)
		}
	} else {
		s.mem = append(s.mem, p...)
	}

	s.size += int64(len(p))
	return s.size, nil
}

// readAt returns up to len(p) bytes starting at offset off, the way
// io.ReaderAt does, without requiring the store to expose its internal
// backing (memory slice vs temp file) to callers.
func (s *store) readAt(p []byte, off int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if off >= s.size {
		return 0, io.EOF
	}

	if s.spur != nil {
		return s.spur.ReadAt(p, off)
	}

	n := copy(p, s.mem[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// all returns a copy of every byte appended so far, in order.
func (s *store) all() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.spur == nil {
		out := make([]byte, len(s.mem))
		copy(out, s.mem)
		return out, nil
	}

	out := make([]byte, s.size)
	_, err := s.spur.ReadAt(out, 0)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read spilled output: %w", err)
	}
	return out, nil
}

// len returns the total number of bytes appended so far.
func (s *store) len() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// clear truncates the store back to empty, releasing any spill file.
func (s *store) clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.mem = nil
	s.size = 0
	if s.spur != nil {
		name := s.spur.Name()
		err := s.spur.Close()
		os.Remove(name)
		s.spur = nil
		if err != nil {
			return fmt.Errorf("clear spilled output: %w", err)
		}
	}
	return nil
}

// close releases any temp-file resources without resetting the recorded
// size; called from OutputBuffer.Close.
func (s *store) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.spur == nil {
		return nil
	}
	name := s.spur.Name()
	err := s.spur.Close()
	os.Remove(name)
	s.spur = nil
	return err
}

// reader returns an io.ReadSeeker rewound to the start of the store's
// history, satisfying the "as_stream" form of OutputBuffer.get.
func (s *store) reader() io.ReadSeeker {
	return &storeReader{s: s}
}

type storeReader struct {
	s   *store
	pos int64
}

func (r *storeReader) Read(p []byte) (int, error) {
	n, err := r.s.readAt(p, r.pos)
	r.pos += int64(n)
	return n, err
}

func (r *storeReader) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		r.pos = offset
	case io.SeekCurrent:
		r.pos += offset
	case io.SeekEnd:
		r.pos = r.s.len() + offset
	default:
		return 0, fmt.Errorf("storeReader: invalid whence %d", whence)
	}
	return r.pos, nil
}
