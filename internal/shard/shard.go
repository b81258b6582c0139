package shard

import (
	"errors"
	"fmt"

	"golang.org/x/exp/slices"
)

// State represents where a shard range is in its assignment life cycle.
type State string

const (
	// StateUnassigned means no server currently owns the range.
	StateUnassigned State = "unassigned"
	// StatePending means a new owner is chosen but the previous holder has
	// not been confirmed closed yet.
	StatePending State = "pending"
	// StateAssigned means the range belongs to exactly one server.
	StateAssigned State = "assigned"
	// StateDegraded means the owning worker exceeded its restart ceiling.
	StateDegraded State = "degraded"
)

// Range is a half-open interval of shard ids [Start, Stop).
// A Range is a value type and is safe to copy and use as a map key.
type Range struct {
	Start int `json:"start" yaml:"start"` // First shard id owned
	Stop  int `json:"stop" yaml:"stop"`   // One past the last shard id owned
}

// ErrEmptyRange is returned when a range holds no shards.
var ErrEmptyRange = errors.New("shard range is empty")

// NewRange returns the range [start, stop) or an error if it is empty or negative.
func NewRange(start, stop int) (Range, error) {
	r := Range{Start: start, Stop: stop}
	if err := r.Validate(); err != nil {
		return Range{}, err
	}
	return r, nil
}

// Validate reports whether the range is non-empty and non-negative.
func (r Range) Validate() error {
	if r.Start < 0 {
		return fmt.Errorf("shard range %s: negative start", r)
	}
	if r.Stop <= r.Start {
		return fmt.Errorf("shard range %s: %w", r, ErrEmptyRange)
	}
	return nil
}

// IsZero reports whether r is the zero Range.
func (r Range) IsZero() bool {
	return r.Start == 0 && r.Stop == 0
}

// Len returns the number of shards in the range.
func (r Range) Len() int {
	if r.Stop <= r.Start {
		return 0
	}
	return r.Stop - r.Start
}

// Contains reports whether shard id is inside the range.
func (r Range) Contains(id int) bool {
	return id >= r.Start && id < r.Stop
}

// Overlaps reports whether the two ranges share at least one shard.
func (r Range) Overlaps(o Range) bool {
	return r.Start < o.Stop && o.Start < r.Stop
}

// IDs expands the range into the shard ids it owns.
func (r Range) IDs() []int {
	ids := make([]int, 0, r.Len())
	for id := r.Start; id < r.Stop; id++ {
		ids = append(ids, id)
	}
	return ids
}

// ClusterID derives the cluster number from the smallest shard id, assuming
// every cluster owns shardsPerCluster adjacent shards.
func (r Range) ClusterID(shardsPerCluster int) int {
	if shardsPerCluster <= 0 {
		return 0
	}
	return r.Start / shardsPerCluster
}

// String renders the range as "[start,stop)".
func (r Range) String() string {
	return fmt.Sprintf("[%d,%d)", r.Start, r.Stop)
}

// Compare orders ranges by start, then stop.
func Compare(a, b Range) int {
	if a.Start != b.Start {
		return a.Start - b.Start
	}
	return a.Stop - b.Stop
}

// Sort orders ranges in place by their start shard.
func Sort(ranges []Range) {
	slices.SortFunc(ranges, Compare)
}

// Split cuts [0, total) into consecutive ranges of size each.
// The last range is shorter when size does not divide total.
func Split(total, size int) []Range {
	if total <= 0 || size <= 0 {
		return nil
	}
	out := make([]Range, 0, (total+size-1)/size)
	for start := 0; start < total; start += size {
		stop := start + size
		if stop > total {
			stop = total
		}
		out = append(out, Range{Start: start, Stop: stop})
	}
	return out
}

// Partition verifies that ranges cover [0, total) exactly once: no gaps and
// no overlaps. The input is not modified.
func Partition(ranges []Range, total int) error {
	sorted := slices.Clone(ranges)
	Sort(sorted)

	next := 0
	for _, r := range sorted {
		if err := r.Validate(); err != nil {
			return err
		}
		switch {
		case r.Start < next:
			return fmt.Errorf("shard range %s overlaps shard %d", r, r.Start)
		case r.Start > next:
			return fmt.Errorf("shards [%d,%d) are not covered", next, r.Start)
		}
		next = r.Stop
	}
	if next != total {
		return fmt.Errorf("shards [%d,%d) are not covered", next, total)
	}
	return nil
}
