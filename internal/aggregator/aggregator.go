// Package aggregator collects the failures of one sync run.
package aggregator

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yuya-takeyama/strict-sync/internal/syncerr"
)

// ErrorRecord describes one failure. Records are never modified after they
// are appended.
type ErrorRecord struct {
	Key       string
	Op        string
	Kind      syncerr.Kind
	Message   string
	Timestamp time.Time
}

// NewRecord builds a record for err, classifying it with syncerr.KindOf when
// kind is empty.
func NewRecord(key, op string, kind syncerr.Kind, err error) ErrorRecord {
	if kind == "" {
		kind = syncerr.KindOf(err)
	}
	if op == "" {
		var se *syncerr.Error
		if errors.As(err, &se) {
			op = se.Op
		}
	}
	return ErrorRecord{
		Key:       key,
		Op:        op,
		Kind:      kind,
		Message:   err.Error(),
		Timestamp: time.Now(),
	}
}

// Aggregator is an append-only, drainable error log scoped to one run. It is
// safe for concurrent use.
type Aggregator struct {
	mu      sync.Mutex
	records []ErrorRecord

	total atomic.Int64
	fatal atomic.Int64
}

// New creates an empty Aggregator.
func New() *Aggregator {
	return &Aggregator{}
}

// Record appends r.
func (a *Aggregator) Record(r ErrorRecord) {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	a.mu.Lock()
	a.records = append(a.records, r)
	a.mu.Unlock()

	a.total.Add(1)
	if r.Kind.Fatal() {
		a.fatal.Add(1)
	}
}

// RecordError is shorthand for Record(NewRecord(key, op, "", err)).
func (a *Aggregator) RecordError(key, op string, err error) {
	a.Record(NewRecord(key, op, "", err))
}

// GetErrorsAndConsume returns every record appended since the previous call
// and empties the log. Concurrent callers receive disjoint sets of records.
func (a *Aggregator) GetErrorsAndConsume() []ErrorRecord {
	a.mu.Lock()
	drained := a.records
	a.records = nil
	a.mu.Unlock()
	return drained
}

// Len returns the number of records currently held.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.records)
}

// TotalCount returns the number of records ever appended, drained or not.
func (a *Aggregator) TotalCount() int64 {
	return a.total.Load()
}

// FatalCount returns the number of fatal records ever appended, drained or
// not.
func (a *Aggregator) FatalCount() int64 {
	return a.fatal.Load()
}
