// Package window maps wall-clock time onto fixed rate limiting windows.
//
// Windows are aligned to the Unix epoch in whole milliseconds, so every process
// computing Start for the same instant and length agrees on the boundary. That
// agreement is what lets independent instances share one counter per window.
package window

import "time"

// Start returns the beginning of the fixed window containing now:
// floor(nowMs / lengthMs) * lengthMs.
//
// An instant exactly on a boundary belongs to the window that begins there.
// Lengths below one millisecond are treated as one millisecond.
func Start(now time.Time, length time.Duration) time.Time {
	size := max(length.Milliseconds(), 1)
	ms := now.UnixMilli()
	offset := ms % size
	if offset < 0 {
		offset += size
	}
	return time.UnixMilli(ms - offset)
}

// Reset returns the end of the fixed window containing now.
func Reset(now time.Time, length time.Duration) time.Time {
	return Start(now, length).Add(time.Duration(max(length.Milliseconds(), 1)) * time.Millisecond)
}
