// Package ledger implements the progress ledger: an ordered list of work
// items whose only lifecycle is pending → completed.
//
// The ledger is the supervisor's memory of what the worker has reported
// done. Merging a worker delta is left-biased and idempotent, so replaying
// the same report after a crash cannot lose or regress progress.
package ledger

import (
	"fmt"
)

// Status is a work item's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// valid reports whether s is a known status.
func (s Status) valid() bool {
	return s == StatusPending || s == StatusCompleted
}

// Item is one unit of work. Description is its identity.
type Item struct {
	Description string `json:"description"`
	Status      Status `json:"status"`
	// Iteration records where the status last changed.
	Iteration int `json:"iteration"`
}

// Ledger is the ordered set of known work items. Insertion order is
// preserved across merges; items never disappear.
type Ledger []Item

// Delta is a worker-reported set of item observations to merge.
type Delta []DeltaItem

// DeltaItem mirrors Item without an iteration stamp; the merge assigns one.
type DeltaItem struct {
	Description string `json:"description"`
	Status      Status `json:"status"`
}

// Merge folds a delta into the current ledger and returns the result.
// Neither input is mutated.
//
// Rules, keyed by Description:
//   - items only in current are kept unchanged;
//   - a delta entry with status completed flips a pending current entry to
//     completed and stamps iteration; an already-completed entry is left
//     untouched, keeping its original stamp;
//   - a delta entry with status pending never regresses a completed entry;
//   - delta entries naming unknown items are appended after all existing
//     items, in delta order, stamped with iteration.
//
// Merging the same delta twice yields the same ledger.
func Merge(current Ledger, delta Delta, iteration int) Ledger {
	merged := make(Ledger, len(current), len(current)+len(delta))
	copy(merged, current)

	index := make(map[string]int, len(merged))
	for i, item := range merged {
		index[item.Description] = i
	}

	for _, d := range delta {
		i, known := index[d.Description]
		if !known {
			merged = append(merged, Item{
				Description: d.Description,
				Status:      d.Status,
				Iteration:   iteration,
			})
			index[d.Description] = len(merged) - 1
			continue
		}
		if d.Status == StatusCompleted && merged[i].Status == StatusPending {
			merged[i].Status = StatusCompleted
			merged[i].Iteration = iteration
		}
	}

	return merged
}

// Pending returns the number of items still pending.
func (l Ledger) Pending() int {
	n := 0
	for _, item := range l {
		if item.Status == StatusPending {
			n++
		}
	}
	return n
}

// Completed returns the number of completed items.
func (l Ledger) Completed() int {
	n := 0
	for _, item := range l {
		if item.Status == StatusCompleted {
			n++
		}
	}
	return n
}

// Find returns the item with the given description.
func (l Ledger) Find(description string) (Item, bool) {
	for _, item := range l {
		if item.Description == description {
			return item, true
		}
	}
	return Item{}, false
}

// Validate rejects deltas that cannot be merged unambiguously.
func (d Delta) Validate() error {
	seen := make(map[string]struct{}, len(d))
	for i, item := range d {
		if item.Description == "" {
			return fmt.Errorf("delta item %d has empty description", i)
		}
		if !item.Status.valid() {
			return fmt.Errorf("delta item %q has unknown status %q", item.Description, item.Status)
		}
		if _, dup := seen[item.Description]; dup {
			return fmt.Errorf("delta contains duplicate description %q", item.Description)
		}
		seen[item.Description] = struct{}{}
	}
	return nil
}
