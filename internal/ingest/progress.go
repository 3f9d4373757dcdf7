package ingest

import (
	"sync/atomic"

	"github.com/quantfold/candlesync/internal/models"
)

// ProgressPublisher hands immutable run snapshots to status consumers. The
// write path publishes a fresh copy after every mutation and readers load the
// current pointer atomically, so polling Snapshot never contends with workers
// and never observes a half-updated view.
type ProgressPublisher struct {
	current atomic.Pointer[models.RunSnapshot]
}

// NewProgressPublisher creates an empty publisher.
func NewProgressPublisher() *ProgressPublisher {
	return &ProgressPublisher{}
}

// Publish replaces the current snapshot. The caller must not mutate snap
// after publishing; the coordinator always passes a fresh deep copy.
func (p *ProgressPublisher) Publish(snap models.RunSnapshot) {
	p.current.Store(&snap)
}

// Snapshot returns the latest published snapshot and whether one exists. The
// per-stream slice is copied so a reader can hold or mutate its snapshot
// without touching the published value.
func (p *ProgressPublisher) Snapshot() (models.RunSnapshot, bool) {
	current := p.current.Load()
	if current == nil {
		return models.RunSnapshot{}, false
	}
	snap := *current
	snap.Streams = append([]models.StreamProgress(nil), current.Streams...)
	return snap, true
}
