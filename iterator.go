package procexec

import (
	"io"
	"time"

	"github.com/nick/procexec/buffer"
)

// IterFlag controls what an Iterator yields and how it behaves when
// nothing is ready (spec §4.6).
type IterFlag int

const (
	// NonBlocking makes an empty iteration yield control rather than
	// spinning on update_status/check_timeout until data arrives.
	NonBlocking IterFlag = 1 << iota
	// SkipOut excludes the stdout channel from iteration.
	SkipOut
	// SkipErr excludes the stderr channel from iteration.
	SkipErr
)

// Iterator presents a Supervisor as a pull-based sequence of (channel,
// chunk) pairs (spec §4.6). The zero value is not usable; construct with
// NewIterator.
type Iterator struct {
	sup   *Supervisor
	flags IterFlag

	// flagStack backs SetFlags/RestoreFlags, the stack discipline a
	// nested Supervisor-as-InputSource use needs to install temporary
	// flags and restore them when the sub-iteration ends.
	flagStack []IterFlag

	offsets map[buffer.Channel]int64
	cache   []Chunk

	started bool
}

// NewIterator constructs an Iterator over sup with the given initial
// flags. Nothing is read and the child is not started until the first
// call to Valid.
func NewIterator(sup *Supervisor, flags IterFlag) *Iterator {
	return &Iterator{
		sup:     sup,
		flags:   flags,
		offsets: map[buffer.Channel]int64{buffer.Out: 0, buffer.Err: 0},
	}
}

// Rewind resets the per-iteration cache and both read offsets into the
// Supervisor's OutputBuffer; it does not restart the child (spec §4.6).
func (it *Iterator) Rewind() {
	it.cache = nil
	it.offsets[buffer.Out] = 0
	it.offsets[buffer.Err] = 0
}

// SetFlags installs new flags, pushing the previous set so a later
// RestoreFlags can undo it, for a caller that nests this Iterator's
// Supervisor inside another one's input (spec §4.1, §9). AsInputSource
// does not use it: it builds its own Iterator with SkipErr already set.
func (it *Iterator) SetFlags(flags IterFlag) {
	it.flagStack = append(it.flagStack, it.flags)
	it.flags = flags
}

// RestoreFlags pops the flag set most recently pushed by SetFlags. A call
// with no matching SetFlags is a no-op.
func (it *Iterator) RestoreFlags() {
	if len(it.flagStack) == 0 {
		return
	}
	last := len(it.flagStack) - 1
	it.flags = it.flagStack[last]
	it.flagStack = it.flagStack[:last]
}

// ensureStarted auto-starts the Supervisor on first advance from Ready
// (spec §4.6: "On first advance from Ready, the Supervisor is started
// automatically").
func (it *Iterator) ensureStarted() error {
	if it.started {
		return nil
	}
	it.started = true
	if it.sup.State() == StateReady {
		return it.sup.Start()
	}
	return nil
}

// Valid implements spec §4.6's six-step valid() algorithm: cache
// check, status update, per-channel read, terminal check, non-blocking
// synthetic-empty-chunk fallback, and otherwise a timeout-checked
// blocking retry.
func (it *Iterator) Valid() (bool, error) {
	if err := it.ensureStarted(); err != nil {
		return false, err
	}

	for {
		if len(it.cache) > 0 {
			return true, nil
		}

		if err := it.sup.UpdateStatus(false); err != nil {
			return false, err
		}

		it.fillCache()
		if len(it.cache) > 0 {
			return true, nil
		}

		if it.sup.State() == StateTerminated {
			return false, nil
		}

		if it.flags&NonBlocking != 0 {
			it.cache = append(it.cache, Chunk{Channel: buffer.Out, Data: nil})
			return true, nil
		}

		if err := it.sup.CheckTimeout(); err != nil {
			return false, err
		}
		if err := it.sup.UpdateStatus(true); err != nil {
			return false, err
		}
	}
}

// fillCache reads up to ChunkSize new bytes from each non-skipped
// channel at this Iterator's stored offset, appending any non-empty read
// to the cache.
func (it *Iterator) fillCache() {
	out := it.sup.Output()
	if out == nil || out.Disabled() {
		return
	}

	if it.flags&SkipOut == 0 {
		it.readChannel(out, buffer.Out)
	}
	if it.flags&SkipErr == 0 {
		it.readChannel(out, buffer.Err)
	}
}

func (it *Iterator) readChannel(out *buffer.OutputBuffer, ch buffer.Channel) {
	buf := make([]byte, ChunkSize)
	n, err := out.ReadFrom(ch, it.offsets[ch], buf)
	if n > 0 {
		it.offsets[ch] += int64(n)
		it.cache = append(it.cache, Chunk{Channel: ch, Data: buf[:n]})
	}
	if err != nil && err != io.EOF {
		// A store read error this early only ever means a bad offset;
		// nothing more to do this tick.
		return
	}
}

// Current returns the first cached chunk without consuming it. Call
// Valid first; Current on an empty cache returns the zero Chunk.
func (it *Iterator) Current() Chunk {
	if len(it.cache) == 0 {
		return Chunk{}
	}
	return it.cache[0]
}

// Key returns the channel label of the first cached chunk.
func (it *Iterator) Key() buffer.Channel {
	return it.Current().Channel
}

// Next drops the first cached chunk.
func (it *Iterator) Next() {
	if len(it.cache) == 0 {
		return
	}
	it.cache = it.cache[1:]
}

// pollInterval is how often a nested consumer re-checks Valid when
// draining an Iterator as a plain byte stream (AsReader).
const pollInterval = time.Millisecond

// AsReader adapts this Iterator into an io.Reader that concatenates every
// non-skipped chunk in arrival order, the shape a Supervisor-as-InputSource
// use needs (spec §9): the caller typically constructs the Iterator with
// SkipErr set before wrapping it here.
func (it *Iterator) AsReader() io.Reader {
	return &iteratorReader{it: it}
}

type iteratorReader struct {
	it  *Iterator
	buf []byte
}

func (r *iteratorReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		ok, err := r.it.Valid()
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, io.EOF
		}
		c := r.it.Current()
		r.it.Next()
		if len(c.Data) == 0 {
			if r.it.sup.State() == StateTerminated {
				return 0, io.EOF
			}
			time.Sleep(pollInterval)
			continue
		}
		r.buf = c.Data
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}
