package logging

import (
	"fmt"
	"sync"
	"time"

	"github.com/armon/circbuf"
)

// FailureRecord is one captured unhandled callback/init panic.
type FailureRecord struct {
	When  time.Time
	Key   string
	Panic interface{}
}

// FailureRecorder keeps a bounded history of recent unhandled callback
// failures. The byte-bounded buffer is the same circbuf.NewBuffer(maxBufSize)
// technique the local-exec provisioner uses to cap captured command
// output (internal/builtin/provisioners/local-exec/resource_provisioner.go):
// here it caps captured panic text instead, so a crash deep inside a
// user callback doesn't vanish the moment the task's goroutine recovers
// from it, without retaining an unbounded log.
type FailureRecorder struct {
	mu   sync.Mutex
	buf  *circbuf.Buffer
	recs []FailureRecord
	max  int
}

// NewFailureRecorder allocates a recorder bounded to maxRecords entries
// and maxBytes of formatted text (mirrors panicRecorder.maxLines, but
// bounds bytes via circbuf the way the teacher bounds crash-log output).
func NewFailureRecorder(maxRecords int, maxBytes int64) *FailureRecorder {
	buf, _ := circbuf.NewBuffer(maxBytes)
	return &FailureRecorder{
		buf: buf,
		max: maxRecords,
	}
}

// Record appends a failure, evicting the oldest entry once max is
// exceeded.
func (r *FailureRecorder) Record(key string, panicVal interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := FailureRecord{When: time.Now(), Key: key, Panic: panicVal}
	r.recs = append(r.recs, rec)
	if len(r.recs) > r.max {
		r.recs = r.recs[len(r.recs)-r.max:]
	}
	if r.buf != nil {
		fmt.Fprintf(r.buf, "[%s] key=%s panic=%v\n", rec.When.Format(time.RFC3339), key, panicVal)
	}
}

// Recent returns a copy of the currently retained failures, oldest first.
func (r *FailureRecorder) Recent() []FailureRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]FailureRecord, len(r.recs))
	copy(out, r.recs)
	return out
}

// Dump returns the accumulated formatted log, truncated to the
// recorder's byte budget the way a crash log is truncated.
func (r *FailureRecorder) Dump() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.buf == nil {
		return ""
	}
	return r.buf.String()
}
