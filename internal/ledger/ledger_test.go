package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeIntoEmpty(t *testing.T) {
	delta := Delta{
		{Description: "write failing test", Status: StatusCompleted},
		{Description: "make it pass", Status: StatusPending},
		{Description: "refactor", Status: StatusPending},
	}

	got := Merge(nil, delta, 1)

	require.Len(t, got, 3)
	assert.Equal(t, Item{Description: "write failing test", Status: StatusCompleted, Iteration: 1}, got[0])
	assert.Equal(t, Item{Description: "make it pass", Status: StatusPending, Iteration: 1}, got[1])
	assert.Equal(t, Item{Description: "refactor", Status: StatusPending, Iteration: 1}, got[2])
}

func TestMergeFlipsPendingToCompleted(t *testing.T) {
	current := Ledger{
		{Description: "a", Status: StatusPending, Iteration: 1},
		{Description: "b", Status: StatusPending, Iteration: 1},
	}
	delta := Delta{{Description: "b", Status: StatusCompleted}}

	got := Merge(current, delta, 3)

	assert.Equal(t, StatusPending, got[0].Status)
	assert.Equal(t, StatusCompleted, got[1].Status)
	assert.Equal(t, 3, got[1].Iteration, "completion stamps the merging iteration")
	assert.Equal(t, 1, got[0].Iteration, "untouched items keep their stamp")
}

func TestMergeNeverRegressesCompleted(t *testing.T) {
	current := Ledger{
		{Description: "done", Status: StatusCompleted, Iteration: 2},
	}
	delta := Delta{{Description: "done", Status: StatusPending}}

	got := Merge(current, delta, 5)

	assert.Equal(t, StatusCompleted, got[0].Status)
	assert.Equal(t, 2, got[0].Iteration, "regression attempt must not re-stamp")
}

func TestMergeCompletedTwiceKeepsFirstStamp(t *testing.T) {
	current := Ledger{
		{Description: "done", Status: StatusCompleted, Iteration: 2},
	}
	delta := Delta{{Description: "done", Status: StatusCompleted}}

	got := Merge(current, delta, 7)

	assert.Equal(t, 2, got[0].Iteration, "pending→completed happens at most once")
}

func TestMergePreservesOrder(t *testing.T) {
	current := Ledger{
		{Description: "first", Status: StatusPending, Iteration: 1},
		{Description: "second", Status: StatusCompleted, Iteration: 1},
	}
	delta := Delta{
		{Description: "new-1", Status: StatusPending},
		{Description: "first", Status: StatusCompleted},
		{Description: "new-2", Status: StatusPending},
	}

	got := Merge(current, delta, 2)

	descriptions := make([]string, len(got))
	for i, item := range got {
		descriptions[i] = item.Description
	}
	assert.Equal(t, []string{"first", "second", "new-1", "new-2"}, descriptions,
		"existing items stay in place; new items append in delta order")
}

func TestMergeIdempotent(t *testing.T) {
	current := Ledger{
		{Description: "a", Status: StatusPending, Iteration: 1},
		{Description: "b", Status: StatusCompleted, Iteration: 1},
	}
	delta := Delta{
		{Description: "a", Status: StatusCompleted},
		{Description: "c", Status: StatusPending},
	}

	once := Merge(current, delta, 4)
	twice := Merge(once, delta, 4)

	assert.Equal(t, once, twice)
}

func TestMergeDoesNotMutateInputs(t *testing.T) {
	current := Ledger{{Description: "a", Status: StatusPending, Iteration: 1}}
	delta := Delta{{Description: "a", Status: StatusCompleted}}

	_ = Merge(current, delta, 2)

	assert.Equal(t, StatusPending, current[0].Status)
	assert.Equal(t, StatusCompleted, delta[0].Status)
}

func TestMergeEmptyDelta(t *testing.T) {
	current := Ledger{{Description: "a", Status: StatusPending, Iteration: 1}}

	got := Merge(current, nil, 9)

	assert.Equal(t, current, got)
}

func TestCounts(t *testing.T) {
	l := Ledger{
		{Description: "a", Status: StatusPending},
		{Description: "b", Status: StatusCompleted},
		{Description: "c", Status: StatusCompleted},
	}

	assert.Equal(t, 1, l.Pending())
	assert.Equal(t, 2, l.Completed())

	var empty Ledger
	assert.Equal(t, 0, empty.Pending())
	assert.Equal(t, 0, empty.Completed())
}

func TestFind(t *testing.T) {
	l := Ledger{
		{Description: "a", Status: StatusPending, Iteration: 1},
		{Description: "b", Status: StatusCompleted, Iteration: 2},
	}

	item, ok := l.Find("b")
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, item.Status)

	_, ok = l.Find("missing")
	assert.False(t, ok)
}

func TestDeltaValidate(t *testing.T) {
	tests := []struct {
		name    string
		delta   Delta
		wantErr string
	}{
		{
			name: "valid",
			delta: Delta{
				{Description: "a", Status: StatusPending},
				{Description: "b", Status: StatusCompleted},
			},
		},
		{
			name:  "empty delta valid",
			delta: nil,
		},
		{
			name:    "empty description",
			delta:   Delta{{Description: "", Status: StatusPending}},
			wantErr: "empty description",
		},
		{
			name:    "unknown status",
			delta:   Delta{{Description: "a", Status: "in-progress"}},
			wantErr: "unknown status",
		},
		{
			name: "duplicate description",
			delta: Delta{
				{Description: "a", Status: StatusPending},
				{Description: "a", Status: StatusCompleted},
			},
			wantErr: "duplicate description",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.delta.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
