package history

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Record describes one finished call. The coordinator produces exactly one
// record per ended call, at end-of-call; resetting state never records.
type Record struct {
	CallID         string
	CallHistoryID  string
	RemoteUserID   string
	RemoteUserName string
	StartedAt      time.Time
	Duration       time.Duration
	EndReason      string
}

// Recorder is the boundary to the external call history service. The host
// application plugs its own implementation in; the coordinator only ever calls
// `RecordCall`.
type Recorder interface {
	RecordCall(ctx context.Context, record Record) error
}

// LogRecorder is the default recorder: it just logs the record. Useful for the
// daemon and for tests.
type LogRecorder struct {
	Logger *logrus.Entry
}

func (r *LogRecorder) RecordCall(_ context.Context, record Record) error {
	r.Logger.WithFields(logrus.Fields{
		"call_id":     record.CallID,
		"history_id":  record.CallHistoryID,
		"remote_user": record.RemoteUserID,
		"duration":    record.Duration,
		"reason":      record.EndReason,
	}).Info("call ended")
	return nil
}
