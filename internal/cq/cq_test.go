package cq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/softrdma/pkg/verbs"
)

func TestPostPollOrder(t *testing.T) {
	q, err := New(8)
	require.NoError(t, err)

	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, q.Post(verbs.WorkCompletion{WRID: i}))
	}

	got := q.Poll(3)
	require.Len(t, got, 3)
	assert.Equal(t, uint64(1), got[0].WRID)
	assert.Equal(t, uint64(2), got[1].WRID)
	assert.Equal(t, uint64(3), got[2].WRID)

	got = q.Poll(10)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(4), got[0].WRID)
	assert.Equal(t, uint64(5), got[1].WRID)

	assert.Empty(t, q.Poll(1))
}

func TestBackpressureNotLoss(t *testing.T) {
	q, err := New(2)
	require.NoError(t, err)

	require.NoError(t, q.Post(verbs.WorkCompletion{WRID: 1}))
	require.NoError(t, q.Post(verbs.WorkCompletion{WRID: 2}))

	// Full queue refuses the post instead of dropping anything.
	err = q.Post(verbs.WorkCompletion{WRID: 3})
	require.ErrorIs(t, err, verbs.ErrQueueFull)

	// Draining frees space; the held-back record is accepted and
	// ordering is preserved end to end.
	got := q.Poll(1)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(1), got[0].WRID)

	require.NoError(t, q.Post(verbs.WorkCompletion{WRID: 3}))

	got = q.Poll(4)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(2), got[0].WRID)
	assert.Equal(t, uint64(3), got[1].WRID)

	snap := q.Snapshot()
	assert.Equal(t, int64(3), snap.Posted)
	assert.Equal(t, int64(3), snap.Polled)
	assert.Equal(t, int64(1), snap.Overflows)
}

func TestWrapAround(t *testing.T) {
	q, err := New(4)
	require.NoError(t, err)

	next := uint64(0)
	for i := 0; i < 5; i++ {
		for j := 0; j < 3; j++ {
			next++
			require.NoError(t, q.Post(verbs.WorkCompletion{WRID: next}))
		}

		got := q.Poll(3)
		require.Len(t, got, 3)

		for i, wc := range got {
			assert.Equal(t, next-2+uint64(i), wc.WRID)
		}
	}
}

func TestDefaultDepth(t *testing.T) {
	q, err := New(0)
	require.NoError(t, err)
	assert.Equal(t, DefaultDepth, q.Depth())

	_, err = New(-1)
	assert.ErrorIs(t, err, verbs.ErrInvalidParam)
}

func TestPollZero(t *testing.T) {
	q, err := New(4)
	require.NoError(t, err)
	require.NoError(t, q.Post(verbs.WorkCompletion{WRID: 1}))

	assert.Nil(t, q.Poll(0))
	assert.Equal(t, 1, q.Len())
}
