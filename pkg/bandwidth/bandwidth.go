// Package bandwidth provides a sliding-window byte-rate meter used to
// enforce the per-user voice bandwidth ceiling.
package bandwidth

import "time"

// WindowSize is the number of frame slots the meter remembers.
const WindowSize = 128

// minSpan floors the measurement span so a short burst right after
// connect does not read as an absurd rate.
const minSpan = 250 * time.Millisecond

// Meter estimates a sender's byte rate over the last WindowSize frames.
//
// Record overwrites the oldest slot in a fixed ring; Rate divides the
// window byte sum by the span from the oldest recorded frame to now.
// The meter is owned by a single user and protected by the caller's
// locking; it performs no synchronization of its own.
type Meter struct {
	created time.Time

	times [WindowSize]time.Time
	sizes [WindowSize]int
	idx   int
	sum   int
}

// NewMeter returns an empty meter.
func NewMeter() *Meter {
	return &Meter{created: time.Now()}
}

// Record stores one frame of size bytes observed at now.
func (m *Meter) Record(size int, now time.Time) {
	m.sum -= m.sizes[m.idx]
	m.sizes[m.idx] = size
	m.times[m.idx] = now
	m.sum += size

	m.idx++
	if m.idx == WindowSize {
		m.idx = 0
	}
}

// Rate returns the current estimate in bytes per second.
//
// The span runs from the oldest slot in the window to now. Using the full
// window span, rather than the gap since the most recent frame, keeps the
// estimate stable for active senders.
func (m *Meter) Rate(now time.Time) int {
	oldest := m.times[m.idx]
	if oldest.IsZero() {
		// Window not yet full; measure from creation.
		oldest = m.created
	}
	span := now.Sub(oldest)
	if span < minSpan {
		span = minSpan
	}
	return int(int64(m.sum) * int64(time.Second) / int64(span))
}

// Idle returns how long ago the most recent frame was recorded, or the
// age of the meter if nothing was ever recorded.
func (m *Meter) Idle(now time.Time) time.Duration {
	last := m.idx - 1
	if last < 0 {
		last = WindowSize - 1
	}
	t := m.times[last]
	if t.IsZero() {
		return now.Sub(m.created)
	}
	return now.Sub(t)
}
