package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPriorityStreamKeysAreDistinctAndOrderedHighFirst(t *testing.T) {
	assert.Equal(t, PriorityHigh, priorityOrder[0])
	assert.Equal(t, PriorityNormal, priorityOrder[1])
	assert.Equal(t, PriorityLow, priorityOrder[2])

	keys := map[string]bool{}
	for _, p := range []Priority{PriorityHigh, PriorityNormal, PriorityLow} {
		key := streamKey(defaultStreamPrefix, p)
		assert.False(t, keys[key], "duplicate stream key %s", key)
		keys[key] = true
	}
}

func TestStreamKeysHonorConfiguredPrefix(t *testing.T) {
	assert.Equal(t, "vod:stream:high", streamKey("vod", PriorityHigh))
	assert.Equal(t, "vod:stream:dead-letter", deadLetterKey("vod"))
}

func TestTruncateErrCapsAtFiveHundredBytes(t *testing.T) {
	long := make([]byte, 700)
	for i := range long {
		long[i] = 'x'
	}
	got := truncateErr(string(long), 500)
	assert.Len(t, got, 500)

	short := "boom"
	assert.Equal(t, short, truncateErr(short, 500))
}

func TestDbQueueFallbackNeverDispatches(t *testing.T) {
	q := &dbQueue{}
	d, err := q.Dequeue(nil, "consumer-1")
	assert.Nil(t, d)
	assert.ErrorIs(t, err, ErrNoDispatch)

	assert.NoError(t, q.Enqueue(nil, JobDispatch{}))
	assert.NoError(t, q.DeadLetterDispatch(nil, JobDispatch{}, "boom"))
	stats, err := q.Stats(nil)
	assert.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
}
