package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerRunningTotals(t *testing.T) {
	tr := NewTracker()
	tr.OnFileStart("f", "u1")

	total, ok := tr.OnFileChunk("f", 3)
	require.True(t, ok)
	assert.EqualValues(t, 3, total)

	total, ok = tr.OnFileChunk("f", 5)
	require.True(t, ok)
	assert.EqualValues(t, 8, total)

	assert.Equal(t, map[string]int64{"f": 8}, tr.QueryInFlight("u1"))

	tr.OnFileEnd("f")
	assert.Empty(t, tr.QueryInFlight("u1"))
	tr.OnFileEnd("f")
	tr.OnFileCancel("f")
	assert.Zero(t, tr.Len())
}

func TestTrackerChunkWithoutStart(t *testing.T) {
	tr := NewTracker()
	_, ok := tr.OnFileChunk("ghost", 10)
	assert.False(t, ok)
	assert.Zero(t, tr.Len())
}

func TestTrackerRestartResetsProgress(t *testing.T) {
	tr := NewTracker()
	tr.OnFileStart("f", "u1")
	tr.OnFileChunk("f", 100)
	tr.OnFileStart("f", "u1")

	total, ok := tr.OnFileChunk("f", 1)
	require.True(t, ok)
	assert.EqualValues(t, 1, total)
}

func TestTrackerQueryFiltersBySender(t *testing.T) {
	tr := NewTracker()
	tr.OnFileStart("mine", "u1")
	tr.OnFileStart("theirs", "u2")
	tr.OnFileChunk("mine", 4)
	tr.OnFileChunk("theirs", 9)

	assert.Equal(t, map[string]int64{"mine": 4}, tr.QueryInFlight("u1"))
	assert.Equal(t, map[string]int64{"theirs": 9}, tr.QueryInFlight("u2"))
	assert.Empty(t, tr.QueryInFlight("u3"))
}

func TestTrackerCancel(t *testing.T) {
	tr := NewTracker()
	tr.OnFileStart("f", "u1")
	tr.OnFileCancel("f")

	_, ok := tr.OnFileChunk("f", 1)
	assert.False(t, ok)
}

func TestHistoryRingEvictsOldest(t *testing.T) {
	h := newHistory(3)
	for _, text := range []string{"a", "b", "c", "d", "e"} {
		h.push(Chat{Data: text})
	}
	assert.Equal(t, 3, h.len())
	assert.Equal(t, []Message{Chat{Data: "c"}, Chat{Data: "d"}, Chat{Data: "e"}}, h.snapshot())
}

func TestHistoryEmptySnapshot(t *testing.T) {
	h := newHistory(0)
	assert.Len(t, h.buf, DefaultHistoryLimit)
	assert.Empty(t, h.snapshot())
}
