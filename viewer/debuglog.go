package viewer

import (
	"fmt"
	"time"
)

// DebugLogSize is how many entries a pipeline keeps.
const DebugLogSize = 10

type LogEntry struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

func (e LogEntry) String() string {
	return fmt.Sprintf("[%s] %s", e.Time.Format("15:04:05.000"), e.Message)
}

// DebugLog is a fixed-size ring of the most recent entries; the oldest entry
// is dropped when a new one arrives at capacity. Not safe for concurrent use
// on its own; Pipeline serializes access.
type DebugLog struct {
	entries []LogEntry
	start   int
	count   int
}

func NewDebugLog(size int) *DebugLog {
	if size <= 0 {
		size = DebugLogSize
	}
	return &DebugLog{entries: make([]LogEntry, size)}
}

func (l *DebugLog) Add(t time.Time, message string) {
	size := len(l.entries)
	if l.count < size {
		l.entries[(l.start+l.count)%size] = LogEntry{Time: t, Message: message}
		l.count++
		return
	}
	l.entries[l.start] = LogEntry{Time: t, Message: message}
	l.start = (l.start + 1) % size
}

// Entries returns a copy, oldest first.
func (l *DebugLog) Entries() []LogEntry {
	out := make([]LogEntry, l.count)
	for i := range out {
		out[i] = l.entries[(l.start+i)%len(l.entries)]
	}
	return out
}

func (l *DebugLog) Len() int { return l.count }

func (l *DebugLog) Reset() {
	l.start = 0
	l.count = 0
}
