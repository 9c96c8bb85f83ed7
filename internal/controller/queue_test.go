package controller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timwie/steward/internal/domain"
)

func playlistOf(uids ...string) []domain.Map {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	maps := make([]domain.Map, len(uids))
	for i, uid := range uids {
		maps[i] = domain.Map{
			UID:        uid,
			Name:       "Map " + uid,
			AddedSince: base.Add(time.Duration(i) * time.Hour),
		}
	}
	return maps
}

func prefsOf(counts map[string]prefCounts) map[string]prefCounts {
	return counts
}

// Scenario: two maps, both scoring zero; the earlier added_since wins.
func TestQueueTieBreakByAddedSince(t *testing.T) {
	q := newQueueScorer()
	playlist := playlistOf("m1", "m2")
	// Both maps were played once so their ages are equal.
	q.ages["m1"] = 0
	q.ages["m2"] = 0

	entries := q.Order(playlist, "", false, prefsOf(map[string]prefCounts{}))
	require.Len(t, entries, 2)
	assert.Equal(t, "m1", entries[0].MapUID)
	assert.Equal(t, "m2", entries[1].MapUID)
}

func TestQueueScoreFormula(t *testing.T) {
	c := prefCounts{picks: 3, vetoes: 1, removes: 1}
	assert.Equal(t, 3-1-2+5, c.score(5))

	counted := countPrefs(map[string]domain.PreferenceValue{
		"a": domain.PreferencePick,
		"b": domain.PreferenceAutoPick, // counts as a pick
		"c": domain.PreferenceVeto,
		"d": domain.PreferenceRemove,
		"e": domain.PreferenceNone,
	})
	assert.Equal(t, prefCounts{picks: 2, vetoes: 1, removes: 1}, counted)
}

// The current map goes last unless a restart was voted, in which case
// nothing outranks it.
func TestQueueCurrentMapPlacement(t *testing.T) {
	q := newQueueScorer()
	playlist := playlistOf("m1", "m2", "m3")

	entries := q.Order(playlist, "m1", false, nil)
	require.Len(t, entries, 3)
	assert.Equal(t, domain.PriorityNoRestart, entries[2].Priority)
	assert.Equal(t, "m1", entries[2].MapUID)

	entries = q.Order(playlist, "m1", true, nil)
	assert.Equal(t, domain.PriorityVoteRestart, entries[0].Priority)
	assert.Equal(t, "m1", entries[0].MapUID)
}

// Admin pins skip scoring and go to the head in pin order, ahead of
// any scored map.
func TestQueueAdminPins(t *testing.T) {
	q := newQueueScorer()
	playlist := playlistOf("m1", "m2", "m3", "m4")
	for _, m := range playlist {
		q.ages[m.UID] = 0
	}
	// m2 would lose on score, but is pinned.
	prefs := prefsOf(map[string]prefCounts{
		"m3": {picks: 5},
		"m2": {removes: 5},
	})

	require.True(t, q.pin("m2"))
	require.False(t, q.pin("m2"), "re-pinning the same map is a no-op")
	require.True(t, q.pin("m4"))

	entries := q.Order(playlist, "m1", false, prefs)
	assert.Equal(t, "m2", entries[0].MapUID)
	assert.Equal(t, domain.PriorityForce, entries[0].Priority)
	assert.Equal(t, "m4", entries[1].MapUID)
	assert.Equal(t, "m3", entries[2].MapUID)

	// A pin pre-empts exactly one selection, then clears.
	q.consumePin("m2")
	entries = q.Order(playlist, "m1", false, prefs)
	assert.Equal(t, "m4", entries[0].MapUID)
}

// Unplayed maps outrank any recency score.
func TestQueueUnplayedMapsFirst(t *testing.T) {
	q := newQueueScorer()
	playlist := playlistOf("old", "fresh")
	q.ages["old"] = 50

	entries := q.Order(playlist, "", false, nil)
	assert.Equal(t, "fresh", entries[0].MapUID)
}

func TestQueueAges(t *testing.T) {
	q := newQueueScorer()
	uids := []string{"m1", "m2", "m3"}
	q.mapPlayed("m1", uids)
	q.mapPlayed("m2", uids)
	q.mapPlayed("m3", uids)

	assert.Equal(t, 2, q.age("m1"))
	assert.Equal(t, 1, q.age("m2"))
	assert.Equal(t, 0, q.age("m3"))

	q.dropMap("m1")
	assert.Equal(t, unplayedAge, q.age("m1"))
}
