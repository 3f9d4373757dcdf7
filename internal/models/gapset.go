package models

import (
	"fmt"
	"time"
)

// TimeRange is a half-open [Start, End) interval on bucket boundaries.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// IsZero reports whether neither bound is set.
func (r TimeRange) IsZero() bool {
	return r.Start.IsZero() && r.End.IsZero()
}

// Duration returns End - Start, or zero for an empty range.
func (r TimeRange) Duration() time.Duration {
	if !r.End.After(r.Start) {
		return 0
	}
	return r.End.Sub(r.Start)
}

// Bars returns the number of cadence buckets covered by the range.
func (r TimeRange) Bars(cadence time.Duration) int {
	if cadence <= 0 {
		return 0
	}
	return int(r.Duration() / cadence)
}

// Contains reports whether t falls inside the half-open interval.
func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && t.Before(r.End)
}

// String implements fmt.Stringer.
func (r TimeRange) String() string {
	return fmt.Sprintf("[%s, %s)", r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339))
}

// GapSet is an ordered sequence of disjoint missing sub-ranges within a
// stream's window. It is computed on demand by the gap detector and drives
// fetch windows; it is never persisted.
type GapSet []TimeRange

// Empty reports whether the set contains no gaps.
func (g GapSet) Empty() bool {
	return len(g) == 0
}

// Bars returns the total number of missing cadence buckets across all gaps.
func (g GapSet) Bars(cadence time.Duration) int {
	total := 0
	for _, r := range g {
		total += r.Bars(cadence)
	}
	return total
}

// Span returns the range from the first gap's start to the last gap's end.
// Returns a zero range for an empty set.
func (g GapSet) Span() TimeRange {
	if len(g) == 0 {
		return TimeRange{}
	}
	return TimeRange{Start: g[0].Start, End: g[len(g)-1].End}
}
