package session

import (
	"regexp"
	"testing"
	"time"

	"github.com/gridrunner/cmdrunner/pkg/cmderrors"
)

func TestStreamReaderFeedAndReadUntilRegexp(t *testing.T) {
	sr := NewStreamReader(nil)
	go func() {
		time.Sleep(5 * time.Millisecond)
		sr.Feed([]byte("hello world\ndevice# "))
	}()

	re := regexp.MustCompile(`(?P<prompt>device# )`)
	before, matched, groups, err := sr.ReadUntilRegexp(re, time.Second, 0)
	if err != nil {
		t.Fatalf("ReadUntilRegexp: %v", err)
	}
	if string(before) != "hello world\n" {
		t.Errorf("before = %q", before)
	}
	if string(matched) != "device# " {
		t.Errorf("matched = %q", matched)
	}
	if string(groups["prompt"]) != "device# " {
		t.Errorf("groups[prompt] = %q", groups["prompt"])
	}
	if sr.Len() != 0 {
		t.Errorf("expected buffer fully consumed, Len() = %d", sr.Len())
	}
}

func TestStreamReaderTimeout(t *testing.T) {
	sr := NewStreamReader(nil)
	re := regexp.MustCompile(`never-matches`)
	_, _, _, err := sr.ReadUntilRegexp(re, 50*time.Millisecond, 0)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if cmderrors.CodeOf(err) != cmderrors.CommandExecutionTimeout {
		t.Errorf("code = %v, want CommandExecutionTimeout", cmderrors.CodeOf(err))
	}
}

func TestStreamReaderEOFReturnsRemainingBuffer(t *testing.T) {
	sr := NewStreamReader(nil)
	sr.Feed([]byte("partial output, no prompt"))
	sr.CloseEOF()

	re := regexp.MustCompile(`never-matches`)
	before, matched, groups, err := sr.ReadUntilRegexp(re, time.Second, 0)
	if err != nil {
		t.Fatalf("expected no error on EOF, got %v", err)
	}
	if string(before) != "partial output, no prompt" {
		t.Errorf("before = %q", before)
	}
	if matched != nil {
		t.Errorf("matched = %q, want nil", matched)
	}
	if groups != nil {
		t.Errorf("groups = %v, want nil", groups)
	}
}

func TestStreamReaderBufferOverrun(t *testing.T) {
	sr := NewStreamReader(nil)
	chunk := make([]byte, 101*1024*1024) // single feed over the 100 MiB limit
	go sr.Feed(chunk)

	re := regexp.MustCompile(`never-matches`)
	_, _, _, err := sr.ReadUntilRegexp(re, 5*time.Second, 0)
	if err == nil {
		t.Fatal("expected buffer overrun error")
	}
	if cmderrors.CodeOf(err) != cmderrors.StreamReader {
		t.Errorf("code = %v, want StreamReader", cmderrors.CodeOf(err))
	}
}

func TestStreamReaderCapturedTimeAccumulates(t *testing.T) {
	var total time.Duration
	sr := NewStreamReader(func(d time.Duration) { total += d })

	go func() {
		time.Sleep(10 * time.Millisecond)
		sr.Feed([]byte("a"))
		time.Sleep(10 * time.Millisecond)
		sr.Feed([]byte("bc"))
	}()

	err := sr.WaitFor(time.Second, func(buf []byte) bool { return len(buf) >= 3 })
	if err != nil {
		t.Fatalf("WaitFor: %v", err)
	}
	if total <= 0 {
		t.Errorf("expected positive captured time, got %v", total)
	}
}

func TestStreamReaderDrain(t *testing.T) {
	sr := NewStreamReader(nil)
	sr.Feed([]byte("stale bytes"))
	drained := sr.Drain()
	if string(drained) != "stale bytes" {
		t.Errorf("drained = %q", drained)
	}
	if sr.Len() != 0 {
		t.Errorf("expected empty buffer after drain, Len() = %d", sr.Len())
	}
}

func TestStreamReaderTail(t *testing.T) {
	sr := NewStreamReader(nil)
	sr.Feed([]byte("0123456789"))
	if got := sr.Tail(4); string(got) != "6789" {
		t.Errorf("Tail(4) = %q", got)
	}
	if got := sr.Tail(100); string(got) != "0123456789" {
		t.Errorf("Tail(100) = %q", got)
	}
}
