package models

import (
	"time"
)

// StreamStatus tracks the per-stream worker state machine within a run.
type StreamStatus string

const (
	StreamPending  StreamStatus = "pending"  // queued, no worker assigned yet
	StreamFetching StreamStatus = "fetching" // worker is pulling bars from the exchange
	StreamWriting  StreamStatus = "writing"  // worker is persisting a batch
	StreamDone     StreamStatus = "done"     // all gaps in the window covered
	StreamFailed   StreamStatus = "failed"   // terminal fetch or storage failure
)

// Terminal reports whether the status is an end state.
func (s StreamStatus) Terminal() bool {
	return s == StreamDone || s == StreamFailed
}

// RunStatus tracks the run-level state machine of the coordinator.
type RunStatus string

const (
	RunCreated   RunStatus = "created"
	RunRunning   RunStatus = "running"
	RunPaused    RunStatus = "paused"
	RunStopped   RunStatus = "stopped"
	RunCompleted RunStatus = "completed"
)

// Terminal reports whether the run has finished, by completion or stop.
func (s RunStatus) Terminal() bool {
	return s == RunStopped || s == RunCompleted
}

// StreamProgress is the read-only projection of one stream's state inside a
// run snapshot.
type StreamProgress struct {
	Stream       Stream       `json:"stream"`
	Status       StreamStatus `json:"status"`
	RowsWritten  int64        `json:"rows_written"`
	ExpectedRows int64        `json:"expected_rows"`
	LastError    string       `json:"last_error,omitempty"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Percent returns completion as 0-100 based on rows written versus expected.
// A stream with nothing expected reports 100 once it reaches a terminal state.
func (p StreamProgress) Percent() float64 {
	if p.ExpectedRows <= 0 {
		if p.Status.Terminal() {
			return 100
		}
		return 0
	}
	pct := float64(p.RowsWritten) / float64(p.ExpectedRows) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

// RunSnapshot is an immutable point-in-time view of an ingestion run,
// published for status-polling consumers. Snapshots are value copies; readers
// never contend with the write path.
type RunSnapshot struct {
	RunID         string           `json:"run_id"`
	Status        RunStatus        `json:"status"`
	Streams       []StreamProgress `json:"streams"`
	RowsWritten   int64            `json:"rows_written"`
	ActiveWorkers int              `json:"active_workers"`
	StartedAt     time.Time        `json:"started_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Counts returns the number of streams per status bucket.
func (s RunSnapshot) Counts() (pending, active, done, failed int) {
	for _, sp := range s.Streams {
		switch sp.Status {
		case StreamPending:
			pending++
		case StreamDone:
			done++
		case StreamFailed:
			failed++
		default:
			active++
		}
	}
	return pending, active, done, failed
}

// Percent returns aggregate completion across all streams, weighted by
// expected rows where known and evenly otherwise.
func (s RunSnapshot) Percent() float64 {
	if len(s.Streams) == 0 {
		return 0
	}
	var total float64
	for _, sp := range s.Streams {
		total += sp.Percent()
	}
	return total / float64(len(s.Streams))
}

// FailedStreams returns the progress entries for streams that failed, so
// status consumers can always show which streams failed and why.
func (s RunSnapshot) FailedStreams() []StreamProgress {
	var failed []StreamProgress
	for _, sp := range s.Streams {
		if sp.Status == StreamFailed {
			failed = append(failed, sp)
		}
	}
	return failed
}
