package errorlog

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushDropsOldestWhenFull(t *testing.T) {
	q := New(2)
	q.Push(Report{Program: "a"})
	q.Push(Report{Program: "b"})
	q.Push(Report{Program: "c"})

	assert.Equal(t, 2, q.Len())
	assert.Equal(t, uint64(1), q.Dropped())
}

func TestTickDrainsOnSuccessfulSink(t *testing.T) {
	q := New(10)
	q.Push(Report{Program: "a"})
	var delivered []Report
	q.SetSink(func(batch []Report) error {
		delivered = batch
		return nil
	})

	require.NoError(t, q.Tick())
	assert.Len(t, delivered, 1)
	assert.Equal(t, 0, q.Len())
}

func TestTickLeavesQueueOnSinkError(t *testing.T) {
	q := New(10)
	q.Push(Report{Program: "a"})
	q.SetSink(func(batch []Report) error {
		return errors.New("smtp down")
	})

	assert.Error(t, q.Tick())
	assert.Equal(t, 1, q.Len())
}

func TestTickWithoutSinkIsNoOp(t *testing.T) {
	q := New(10)
	q.Push(Report{Program: "a"})
	require.NoError(t, q.Tick())
	assert.Equal(t, 1, q.Len())
}
