package repository

import (
	"context"
	"time"

	"github.com/septivank/telemetry-health-worker/internal/clock"
	"github.com/septivank/telemetry-health-worker/internal/db"
)

// DefaultWriteTimeout bounds a single reading insert
const DefaultWriteTimeout = 5 * time.Second

// storedPrecision is the finest time resolution every backend keeps
const storedPrecision = time.Millisecond

// Writer is the persistence write path for validated readings
type Writer struct {
	store   Store
	clock   clock.Clock
	timeout time.Duration
}

// NewWriter creates a new writer over the given store
func NewWriter(store Store, clk clock.Clock, timeout time.Duration) *Writer {
	if timeout <= 0 {
		timeout = DefaultWriteTimeout
	}
	return &Writer{store: store, clock: clk, timeout: timeout}
}

// Write stamps receipt time and source topic, then appends the reading.
// Times are normalized to UTC milliseconds so a read-back equals what was written.
// A failed write is reported as *PersistenceError and the reading is dropped.
func (w *Writer) Write(ctx context.Context, reading *db.Reading, topic string) (string, error) {
	if reading.ReceivedAt.IsZero() {
		reading.ReceivedAt = w.clock.Now()
	}
	reading.Timestamp = reading.Timestamp.UTC().Truncate(storedPrecision)
	reading.ReceivedAt = reading.ReceivedAt.UTC().Truncate(storedPrecision)
	reading.SourceTopic = topic

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	id, err := w.store.InsertReading(ctx, reading)
	if err != nil {
		return "", &PersistenceError{Op: "insert_reading", Err: err}
	}
	reading.ID = id
	return id, nil
}
