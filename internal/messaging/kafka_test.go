package messaging

import (
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func trackedMessage(partition int, offset int64) kafka.Message {
	return kafka.Message{Topic: testTopic, Partition: partition, Offset: offset}
}

func TestCommitTrackerCommitsContiguousPrefixOnly(t *testing.T) {
	tracker := newCommitTracker()
	for _, off := range []int64{3, 4, 5} {
		tracker.fetched(trackedMessage(0, off))
	}

	// Offset 5 finishes first; 3 and 4 are still in flight, so nothing may
	// be committed yet.
	_, ok := tracker.completed(trackedMessage(0, 5))
	assert.False(t, ok)

	// Offset 3 finishing advances the watermark, but only through 3.
	commit, ok := tracker.completed(trackedMessage(0, 3))
	require.True(t, ok)
	assert.Equal(t, int64(3), commit.Offset)

	// Offset 4 closes the gap; the prefix now runs through 5.
	commit, ok = tracker.completed(trackedMessage(0, 4))
	require.True(t, ok)
	assert.Equal(t, int64(5), commit.Offset)
}

func TestCommitTrackerNackedOffsetBlocksLaterAcks(t *testing.T) {
	tracker := newCommitTracker()
	tracker.fetched(trackedMessage(0, 3))
	tracker.fetched(trackedMessage(0, 4))

	// Offset 3's handler failed (nacked, never completed). A worker acking
	// offset 4 must not move the watermark past 3, or the broker would
	// never redeliver it.
	_, ok := tracker.completed(trackedMessage(0, 4))
	assert.False(t, ok)

	// After redelivery, offset 3 succeeds and the whole prefix commits.
	tracker.fetched(trackedMessage(0, 3))
	commit, ok := tracker.completed(trackedMessage(0, 3))
	require.True(t, ok)
	assert.Equal(t, int64(4), commit.Offset)
}

func TestCommitTrackerPartitionsAreIndependent(t *testing.T) {
	tracker := newCommitTracker()
	tracker.fetched(trackedMessage(0, 10))
	tracker.fetched(trackedMessage(1, 20))

	// Partition 1 completing says nothing about partition 0.
	commit, ok := tracker.completed(trackedMessage(1, 20))
	require.True(t, ok)
	assert.Equal(t, 1, commit.Partition)
	assert.Equal(t, int64(20), commit.Offset)

	commit, ok = tracker.completed(trackedMessage(0, 10))
	require.True(t, ok)
	assert.Equal(t, 0, commit.Partition)
	assert.Equal(t, int64(10), commit.Offset)
}

func TestCommitTrackerRebalanceReplayResetsWatermark(t *testing.T) {
	tracker := newCommitTracker()
	tracker.fetched(trackedMessage(0, 7))
	commit, ok := tracker.completed(trackedMessage(0, 7))
	require.True(t, ok)
	assert.Equal(t, int64(7), commit.Offset)

	// The group rebalanced and the partition is being replayed from an
	// earlier offset; tracking restarts from the replayed position.
	tracker.fetched(trackedMessage(0, 2))
	commit, ok = tracker.completed(trackedMessage(0, 2))
	require.True(t, ok)
	assert.Equal(t, int64(2), commit.Offset)
}
