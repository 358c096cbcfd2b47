package session

import (
	"io"
	"regexp"
	"sync"
	"time"

	"github.com/gridrunner/cmdrunner/pkg/cmderrors"
)

// Timing and sizing bounds for prompt waits.
const (
	QuickCommandRuntime = 1 * time.Second
	CommandDataTimeout  = 1 * time.Second
	BufferLimit         = 100 * 1024 * 1024 // 100 MiB
)

// StreamReader is the growable byte buffer fed by a session's transport
// and pattern-waited on by command execution. Waits run in two phases (see
// waitFor) so a fast device answers immediately while a slow one gets its
// arrivals batched instead of re-running the regex on every byte.
type StreamReader struct {
	mu       sync.Mutex
	buf      []byte
	eof      bool
	notifyCh chan struct{}

	onCaptured func(time.Duration)
	waitActive bool
	lastMark   time.Time
}

// NewStreamReader creates a StreamReader. onCaptured, if non-nil, is
// invoked with the delta since the previous feed whenever a feed arrives
// during an active wait; it feeds the parent session's captured-time
// accumulator.
func NewStreamReader(onCaptured func(time.Duration)) *StreamReader {
	return &StreamReader{
		notifyCh:   make(chan struct{}),
		onCaptured: onCaptured,
	}
}

func (s *StreamReader) signalLocked() {
	close(s.notifyCh)
	s.notifyCh = make(chan struct{})
}

// Feed appends data to the buffer and wakes any pending wait.
func (s *StreamReader) Feed(data []byte) {
	if len(data) == 0 {
		return
	}
	s.mu.Lock()
	now := time.Now()
	if s.waitActive && s.onCaptured != nil && !s.lastMark.IsZero() {
		s.onCaptured(now.Sub(s.lastMark))
	}
	s.lastMark = now
	s.buf = append(s.buf, data...)
	s.signalLocked()
	s.mu.Unlock()
}

// CloseEOF marks the stream as ended (transport closed); any pending wait
// that has not matched yet will observe io.EOF.
func (s *StreamReader) CloseEOF() {
	s.mu.Lock()
	s.eof = true
	s.signalLocked()
	s.mu.Unlock()
}

// Len returns the number of buffered, unconsumed bytes.
func (s *StreamReader) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// Drain returns and removes all buffered bytes.
func (s *StreamReader) Drain() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]byte(nil), s.buf...)
	s.buf = s.buf[:0]
	return out
}

// Tail returns (a copy of) the last n buffered bytes, used for
// command-timeout diagnostics.
func (s *StreamReader) Tail(n int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) <= n {
		return append([]byte(nil), s.buf...)
	}
	return append([]byte(nil), s.buf[len(s.buf)-n:]...)
}

// waitFor evaluates check against the buffer until it matches or timeout
// passes: a quick phase lasting up to QuickCommandRuntime where every data
// arrival re-evaluates check immediately, then a slow phase that batches
// arrivals until CommandDataTimeout of silence. check inspects the current
// buffer and returns a result plus whether it matched.
func (s *StreamReader) waitFor(timeout time.Duration, check func(buf []byte) (interface{}, bool)) (interface{}, error) {
	start := time.Now()

	s.mu.Lock()
	s.waitActive = true
	s.lastMark = time.Now()
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.waitActive = false
		s.mu.Unlock()
	}()

	for {
		s.mu.Lock()
		if res, ok := check(s.buf); ok {
			s.mu.Unlock()
			return res, nil
		}
		overrun := len(s.buf) > BufferLimit
		eof := s.eof
		ch := s.notifyCh
		s.mu.Unlock()

		if overrun {
			return nil, cmderrors.New(cmderrors.StreamReader, "buffer exceeded %d bytes without a match", BufferLimit)
		}
		if eof {
			return nil, io.EOF
		}

		elapsed := time.Since(start)
		if elapsed >= timeout {
			return nil, cmderrors.New(cmderrors.CommandExecutionTimeout, "timed out after %s waiting for match", timeout)
		}

		var budget time.Duration
		if elapsed < QuickCommandRuntime {
			budget = QuickCommandRuntime - elapsed
		} else {
			budget = CommandDataTimeout
		}
		if remaining := timeout - elapsed; budget > remaining {
			budget = remaining
		}

		select {
		case <-ch:
			for elapsed >= QuickCommandRuntime {
				s.mu.Lock()
				ch = s.notifyCh
				s.mu.Unlock()
				silence := CommandDataTimeout
				if remaining := timeout - time.Since(start); silence > remaining {
					silence = remaining
				}
				select {
				case <-ch:
					continue
				case <-time.After(silence):
				}
				break
			}
		case <-time.After(budget):
		}
	}
}

// WaitFor is the exported form of the two-phase predicate wait, for callers
// that only need a boolean match (e.g. console login-state transitions).
func (s *StreamReader) WaitFor(timeout time.Duration, predicate func(buf []byte) bool) error {
	_, err := s.waitFor(timeout, func(buf []byte) (interface{}, bool) {
		return nil, predicate(buf)
	})
	return err
}

// MatchGroups is the named-group byte-copy result of ReadUntilRegexp.
type MatchGroups map[string][]byte

// ReadUntilRegexp locates re within the buffer (searching from startOffset
// onward), then splits the buffer into the data before the match, the
// matched bytes, and any named-group values, consuming everything up to
// the match's end. All returned slices are copies, since the buffer may be
// overwritten or reused by subsequent feeds. If EOF is reached before a
// match, it returns the full remaining buffer as "before" with a nil match
// and no error.
func (s *StreamReader) ReadUntilRegexp(re *regexp.Regexp, timeout time.Duration, startOffset int) (before, matched []byte, groups MatchGroups, err error) {
	res, waitErr := s.waitFor(timeout, func(buf []byte) (interface{}, bool) {
		off := startOffset
		if off < 0 || off > len(buf) {
			off = 0
		}
		loc := re.FindSubmatchIndex(buf[off:])
		if loc == nil {
			return nil, false
		}
		adjusted := make([]int, len(loc))
		for i, v := range loc {
			if v < 0 {
				adjusted[i] = v
			} else {
				adjusted[i] = v + off
			}
		}
		return adjusted, true
	})

	if waitErr == io.EOF {
		s.mu.Lock()
		remaining := append([]byte(nil), s.buf...)
		s.buf = s.buf[:0]
		s.mu.Unlock()
		return remaining, nil, nil, nil
	}
	if waitErr != nil {
		return nil, nil, nil, waitErr
	}

	loc := res.([]int)

	s.mu.Lock()
	defer s.mu.Unlock()

	before = append([]byte(nil), s.buf[:loc[0]]...)
	matched = append([]byte(nil), s.buf[loc[0]:loc[1]]...)

	names := re.SubexpNames()
	if len(names) > 1 {
		groups = make(MatchGroups, len(names)-1)
		for i, name := range names {
			if i == 0 || name == "" {
				continue
			}
			lo, hi := loc[2*i], loc[2*i+1]
			if lo < 0 || hi < 0 {
				continue
			}
			groups[name] = append([]byte(nil), s.buf[lo:hi]...)
		}
	}

	s.buf = append([]byte(nil), s.buf[loc[1]:]...)
	return before, matched, groups, nil
}
