package redact

import (
	"strings"
	"unicode/utf8"
)

// TruncatedSuffix is appended once an OutputLimiter stops accepting bytes.
const TruncatedSuffix = "\n... [truncated]"

// OutputLimiter accumulates streamed text up to a byte cap, never splitting
// a multi-byte UTF-8 sequence at the point where it stops accepting
// further input. Once the cap is reached, TruncatedSuffix is appended
// exactly once and subsequent writes are dropped.
type OutputLimiter struct {
	maxBytes  int
	buf       strings.Builder
	truncated bool
	pending   []byte // a partial rune held back from a prior Write
}

// NewOutputLimiter builds a limiter capped at maxBytes. maxBytes <= 0 means
// unbounded: every write is accepted and Truncated never reports true.
func NewOutputLimiter(maxBytes int) *OutputLimiter {
	return &OutputLimiter{maxBytes: maxBytes}
}

// Write appends chunk, truncating (and marking Truncated) if the cap would
// be exceeded partway through it.
func (l *OutputLimiter) Write(chunk string) {
	if l.truncated || chunk == "" {
		return
	}

	data := chunk
	if len(l.pending) > 0 {
		data = string(l.pending) + chunk
		l.pending = nil
	}

	if l.maxBytes <= 0 {
		l.buf.WriteString(data)
		return
	}

	remaining := l.maxBytes - l.buf.Len()
	if remaining <= 0 {
		l.truncate()
		return
	}

	if len(data) <= remaining {
		// The whole chunk fits the cap, but it may end mid-rune if more
		// bytes of the same rune are still coming in the next chunk.
		safe, partial := splitIncompleteTrailingRune(data)
		l.buf.WriteString(safe)
		l.pending = partial
		return
	}

	// The cap would be exceeded partway through data: back off to the
	// nearest earlier rune boundary so we never emit half a sequence.
	cut := backOffToRuneBoundary(data, remaining)
	l.buf.WriteString(data[:cut])
	l.truncate()
}

func (l *OutputLimiter) truncate() {
	l.truncated = true
	l.pending = nil
	l.buf.WriteString(TruncatedSuffix)
}

// splitIncompleteTrailingRune returns (safe, partial) where partial is a
// trailing byte sequence that looks like the start of a multi-byte UTF-8
// rune whose remaining continuation bytes haven't arrived yet.
func splitIncompleteTrailingRune(data string) (safe string, partial []byte) {
	if data == "" {
		return data, nil
	}
	for back := 1; back <= 3 && back <= len(data); back++ {
		start := len(data) - back
		b := data[start]
		if b&0xC0 == 0x80 {
			continue // continuation byte; the lead byte is further back
		}
		if b < 0x80 {
			break // ASCII byte, nothing incomplete here
		}
		if !utf8.FullRune([]byte(data[start:])) {
			return data[:start], []byte(data[start:])
		}
		break
	}
	return data, nil
}

// String returns the accumulated, possibly truncated, output. Any bytes
// still held back in pending (an incomplete trailing rune with no Flush
// called) are not included.
func (l *OutputLimiter) String() string {
	return l.buf.String()
}

// Flush appends whatever partial rune bytes remain pending, as raw bytes —
// call this at end of stream when no further chunk can complete them.
func (l *OutputLimiter) Flush() {
	if len(l.pending) == 0 || l.truncated {
		return
	}
	l.buf.Write(l.pending)
	l.pending = nil
}

// Truncated reports whether the byte cap was reached.
func (l *OutputLimiter) Truncated() bool {
	return l.truncated
}

// Len returns the number of bytes accumulated so far, including the
// truncation suffix if one was appended.
func (l *OutputLimiter) Len() int {
	return l.buf.Len()
}
