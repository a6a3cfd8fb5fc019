package sweep

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tpia/pkg/errors"
	"tpia/pkg/logger"
)

func TestRunContinuesPastFailures(t *testing.T) {
	var seen []string
	mk := func(id string, err error) Item {
		return Item{ID: id, Run: func(ctx context.Context) error {
			seen = append(seen, id)
			return err
		}}
	}

	res := Run(context.Background(), "cycles", []Item{
		mk("a", nil),
		mk("b", errors.New("db down")),
		mk("c", errors.ErrCycleAlreadyProcessed),
		mk("d", nil),
	}, logger.NewNop(), nil)

	assert.Equal(t, []string{"a", "b", "c", "d"}, seen)
	assert.Equal(t, 4, res.Candidates)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "b", res.Errors[0].EntityID)
	assert.Contains(t, res.Errors[0].Error(), "cycles: item b: db down")
}

func TestMerge(t *testing.T) {
	a := &Result{Name: "cycles", Candidates: 1, Processed: 1}
	a.Merge(&Result{Candidates: 2, Failed: 1, Errors: []*errors.BatchItemError{{EntityID: "x"}}})
	a.Merge(nil)
	assert.Equal(t, 3, a.Candidates)
	assert.Equal(t, 1, a.Failed)
	assert.Len(t, a.Errors, 1)
}
