// Package records holds finalized recordings for the lifetime of the process.
package records

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/presence-monitor/internal/recorder"
)

// Record is one finalized capture session. Immutable once created.
type Record struct {
	ID        string        `json:"id"`
	CreatedAt time.Time     `json:"created_at"`
	Filename  string        `json:"filename"`
	Frames    int           `json:"frames"`
	Bytes     int           `json:"bytes"`
	Duration  time.Duration `json:"duration"`

	data       []byte
	frameSizes []int
}

// Data returns the playable MJPEG blob. Callers must not modify it.
func (r Record) Data() []byte {
	return r.data
}

// FrameSizes returns the byte length of each JPEG in Data, in order.
func (r Record) FrameSizes() []int {
	return r.frameSizes
}

// Frame returns the i-th JPEG image of the recording.
func (r Record) Frame(i int) []byte {
	if i < 0 || i >= len(r.frameSizes) {
		return nil
	}
	off := 0
	for _, n := range r.frameSizes[:i] {
		off += n
	}
	return r.data[off : off+r.frameSizes[i]]
}

// Finalize combines the chunks of one capture session into a single record
// stamped with now.
func Finalize(filename string, chunks []recorder.Chunk, startedAt, now time.Time) Record {
	size := 0
	frames := 0
	for _, c := range chunks {
		size += len(c.Data)
		frames += c.Frames()
	}

	data := make([]byte, 0, size)
	sizes := make([]int, 0, frames)
	for _, c := range chunks {
		data = append(data, c.Data...)
		sizes = append(sizes, c.FrameSizes...)
	}

	var duration time.Duration
	if !startedAt.IsZero() && now.After(startedAt) {
		duration = now.Sub(startedAt)
	}

	return Record{
		ID:         uuid.NewString(),
		CreatedAt:  now,
		Filename:   filename,
		Frames:     frames,
		Bytes:      len(data),
		Duration:   duration,
		data:       data,
		frameSizes: sizes,
	}
}

// List is an append-only, insertion-ordered collection of records.
type List struct {
	mu      sync.RWMutex
	records []Record
	byID    map[string]int
}

// NewList creates an empty list.
func NewList() *List {
	return &List{byID: make(map[string]int)}
}

// Append adds rec to the end of the list and returns its 1-based position.
func (l *List) Append(rec Record) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
	l.byID[rec.ID] = len(l.records) - 1
	return len(l.records)
}

// Len returns the number of records.
func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Snapshot returns a copy of the records, oldest first.
func (l *List) Snapshot() []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Record, len(l.records))
	copy(out, l.records)
	return out
}

// Get looks up a record by ID.
func (l *List) Get(id string) (Record, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i, ok := l.byID[id]
	if !ok {
		return Record{}, false
	}
	return l.records[i], true
}
