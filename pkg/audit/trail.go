package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/gridrunner/cmdrunner/pkg/util"
)

// Trail is the sink command-execution events are recorded to.
type Trail interface {
	Record(ev *Event) error
	Close() error
}

// FileTrail appends one JSON document per event to a file. When the file
// would grow past maxBytes, it is rotated to <path>.1 and existing backups
// shift up (<path>.1 -> <path>.2, ...); backups past maxBackups fall off
// the end.
type FileTrail struct {
	mu         sync.Mutex
	path       string
	f          *os.File
	size       int64
	maxBytes   int64
	maxBackups int
}

// OpenFileTrail opens (or creates) the trail file at path. maxBytes <= 0
// disables rotation; maxBackups is how many rotated files to keep.
func OpenFileTrail(path string, maxBytes int64, maxBackups int) (*FileTrail, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating audit trail directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening audit trail: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("opening audit trail: %w", err)
	}
	return &FileTrail{
		path:       path,
		f:          f,
		size:       info.Size(),
		maxBytes:   maxBytes,
		maxBackups: maxBackups,
	}, nil
}

// Record appends ev to the trail, rotating first if the write would push
// the file past its size budget.
func (t *FileTrail) Record(ev *Event) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding audit event: %w", err)
	}
	line = append(line, '\n')

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.maxBytes > 0 && t.size > 0 && t.size+int64(len(line)) > t.maxBytes {
		if err := t.rotateLocked(); err != nil {
			return fmt.Errorf("rotating audit trail: %w", err)
		}
	}

	n, err := t.f.Write(line)
	t.size += int64(n)
	return err
}

func (t *FileTrail) backupName(i int) string {
	return t.path + "." + strconv.Itoa(i)
}

// rotateLocked shifts every backup up one slot and moves the live file to
// <path>.1, then reopens a fresh live file. With no backup slots the live
// file is simply dropped.
func (t *FileTrail) rotateLocked() error {
	if err := t.f.Close(); err != nil {
		return err
	}

	for i := t.maxBackups - 1; i >= 1; i-- {
		// Renames of not-yet-existing backups are expected early in the
		// trail's life.
		_ = os.Rename(t.backupName(i), t.backupName(i+1))
	}
	if t.maxBackups > 0 {
		if err := os.Rename(t.path, t.backupName(1)); err != nil {
			return err
		}
	} else {
		if err := os.Remove(t.path); err != nil {
			return err
		}
	}

	f, err := os.OpenFile(t.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	t.f = f
	t.size = 0
	return nil
}

// Recent returns the events in the live trail file that match f, in the
// order they were recorded (rotated backups are not consulted). A missing
// trail file is an empty result, and a line that fails to decode is
// skipped rather than aborting the scan.
func (t *FileTrail) Recent(f Filter) ([]*Event, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	data, err := os.ReadFile(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []*Event
	skipped := 0
	for _, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			skipped++
			continue
		}
		if f.Match(&ev) {
			out = append(out, &ev)
		}
	}
	if skipped > 0 {
		util.WithField("skipped", skipped).Warn("audit: undecodable trail entries")
	}

	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

// Close closes the live trail file.
func (t *FileTrail) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.f == nil {
		return nil
	}
	err := t.f.Close()
	t.f = nil
	return err
}

var (
	defaultMu    sync.RWMutex
	defaultTrail Trail
)

// SetDefault installs the process-wide trail Record writes to; nil
// disables recording.
func SetDefault(t Trail) {
	defaultMu.Lock()
	defaultTrail = t
	defaultMu.Unlock()
}

// Record writes ev to the process-wide trail. It is a safe no-op until
// SetDefault installs one.
func Record(ev *Event) error {
	defaultMu.RLock()
	t := defaultTrail
	defaultMu.RUnlock()
	if t == nil {
		return nil
	}
	return t.Record(ev)
}
