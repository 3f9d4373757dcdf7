package ingest

import (
	"context"
	"errors"
	"sync"
)

// ErrRunStopped is returned from worker checkpoints once Stop has been
// requested. Workers finish the batch in flight, surface this error, and the
// coordinator marks the run stopped. Storage holds everything written so far,
// so a later run resumes exactly where this one ended.
var ErrRunStopped = errors.New("ingestion run stopped")

// controls carries the cooperative pause/stop signal from the coordinator to
// its workers. Pausing swaps in an open resume channel that checkpoints block
// on; resuming closes it. Stop releases paused workers too, so a paused run
// can still be stopped.
type controls struct {
	mu      sync.Mutex
	resume  chan struct{}
	stopped bool
}

func newControls() *controls {
	resume := make(chan struct{})
	close(resume)
	return &controls{resume: resume}
}

func (c *controls) pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	select {
	case <-c.resume:
		c.resume = make(chan struct{})
	default:
		// already paused
	}
}

func (c *controls) unpause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.resume:
		// already running
	default:
		close(c.resume)
	}
}

func (c *controls) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	select {
	case <-c.resume:
	default:
		close(c.resume)
	}
}

func (c *controls) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// checkpoint blocks while the run is paused and reports ErrRunStopped once a
// stop has been requested. Workers call it between fetch/write cycles so a
// batch in flight always completes before the worker yields.
func (c *controls) checkpoint(ctx context.Context) error {
	for {
		c.mu.Lock()
		stopped := c.stopped
		resume := c.resume
		c.mu.Unlock()

		if stopped {
			return ErrRunStopped
		}

		select {
		case <-resume:
			// Re-check: a stop may have raced the resume.
			c.mu.Lock()
			stopped = c.stopped
			c.mu.Unlock()
			if stopped {
				return ErrRunStopped
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
