package ingest

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/candlesync/internal/models"
)

func TestProgressPublisherEmpty(t *testing.T) {
	p := NewProgressPublisher()
	_, ok := p.Snapshot()
	assert.False(t, ok)
}

func TestProgressPublisherLatestWins(t *testing.T) {
	p := NewProgressPublisher()

	p.Publish(models.RunSnapshot{RunID: "a", RowsWritten: 1})
	p.Publish(models.RunSnapshot{RunID: "a", RowsWritten: 2})

	snap, ok := p.Snapshot()
	require.True(t, ok)
	assert.Equal(t, int64(2), snap.RowsWritten)
}

func TestProgressPublisherSnapshotIsImmutable(t *testing.T) {
	p := NewProgressPublisher()
	p.Publish(models.RunSnapshot{
		RunID:   "a",
		Streams: []models.StreamProgress{{Status: models.StreamPending}},
	})

	first, _ := p.Snapshot()
	first.RowsWritten = 999
	first.Streams[0].Status = models.StreamFailed

	second, _ := p.Snapshot()
	assert.Equal(t, int64(0), second.RowsWritten, "readers mutate copies, not the published value")
}

func TestProgressPublisherConcurrentReadersAndWriter(t *testing.T) {
	p := NewProgressPublisher()
	stop := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := int64(0); ; i++ {
			select {
			case <-stop:
				return
			default:
				p.Publish(models.RunSnapshot{RunID: "a", RowsWritten: i, UpdatedAt: time.Now()})
			}
		}
	}()

	var last int64
	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		if snap, ok := p.Snapshot(); ok {
			assert.GreaterOrEqual(t, snap.RowsWritten, last, "rows only move forward")
			last = snap.RowsWritten
		}
	}
	close(stop)
	wg.Wait()
}
