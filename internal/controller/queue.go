package controller

import (
	"sort"

	"github.com/timwie/steward/internal/domain"
)

// unplayedAge is the age assigned to maps that were never played, so
// they outrank any recency score.
const unplayedAge = 1 << 20

// queuePreviewLen is how many upcoming maps are published during the
// outro.
const queuePreviewLen = 3

// prefCounts tallies the effective preferences of connected players
// for one map.
type prefCounts struct {
	picks   int
	vetoes  int
	removes int
}

// score implements the deterministic formula: picks − vetoes −
// 2·removes + age. AutoPick counts as a pick.
func (c prefCounts) score(age int) int {
	return c.picks - c.vetoes - 2*c.removes + age
}

func countPrefs(prefs map[string]domain.PreferenceValue) prefCounts {
	var c prefCounts
	for _, value := range prefs {
		switch value {
		case domain.PreferencePick, domain.PreferenceAutoPick:
			c.picks++
		case domain.PreferenceVeto:
			c.vetoes++
		case domain.PreferenceRemove:
			c.removes++
		}
	}
	return c
}

// queueScorer orders playlist candidates for upcoming selections. It
// owns the in-memory recency counters and the admin pin queue; both
// are transient and rebuilt on restart.
type queueScorer struct {
	// ages counts, per map UID, how many other maps were played since
	// the map was last played. Unknown maps get unplayedAge.
	ages map[string]int

	// pins lists admin-pinned map UIDs; the head pre-empts the
	// scorer's choice for exactly one selection, then clears.
	pins []string
}

func newQueueScorer() *queueScorer {
	return &queueScorer{ages: make(map[string]int)}
}

// age returns the recency score of a map.
func (q *queueScorer) age(uid string) int {
	if age, ok := q.ages[uid]; ok {
		return age
	}
	return unplayedAge
}

// mapPlayed resets the played map's age and bumps every other
// playlist member's.
func (q *queueScorer) mapPlayed(playedUID string, playlistUIDs []string) {
	for _, uid := range playlistUIDs {
		if uid == playedUID {
			q.ages[uid] = 0
			continue
		}
		q.ages[uid] = q.age(uid) + 1
	}
}

// pin puts a map at the head of upcoming selections. Pinning the same
// map twice in a row is a no-op.
func (q *queueScorer) pin(uid string) bool {
	if len(q.pins) > 0 && q.pins[len(q.pins)-1] == uid {
		return false
	}
	q.pins = append(q.pins, uid)
	return true
}

// consumePin pops the pin head if it matches the selected map.
func (q *queueScorer) consumePin(uid string) {
	if len(q.pins) > 0 && q.pins[0] == uid {
		q.pins = q.pins[1:]
	}
}

// dropMap forgets all transient state of a removed map.
func (q *queueScorer) dropMap(uid string) {
	delete(q.ages, uid)
	pins := q.pins[:0]
	for _, pinned := range q.pins {
		if pinned != uid {
			pins = append(pins, pinned)
		}
	}
	q.pins = pins
}

// Order computes the queue for the given playlist. The current map is
// ranked first when restartVoted, and last otherwise. Admin-pinned
// maps skip scoring and go to the head, in pin order. Ties break by
// added_since ascending, then UID.
func (q *queueScorer) Order(
	playlist []domain.Map,
	currentUID string,
	restartVoted bool,
	prefs map[string]prefCounts,
) []domain.QueueEntry {
	pinPos := make(map[string]int, len(q.pins))
	for i, uid := range q.pins {
		if _, dup := pinPos[uid]; !dup {
			pinPos[uid] = i
		}
	}

	entries := make([]domain.QueueEntry, 0, len(playlist))
	order := make(map[string]int, len(playlist))
	for i, m := range playlist {
		order[m.UID] = i
		entry := domain.QueueEntry{MapUID: m.UID, MapName: m.Name}
		pinAt, pinned := pinPos[m.UID]
		switch {
		case restartVoted && m.UID == currentUID:
			entry.Priority = domain.PriorityVoteRestart
		case pinned:
			entry.Priority = domain.PriorityForce
			entry.Score = pinAt
		case m.UID == currentUID:
			entry.Priority = domain.PriorityNoRestart
		default:
			entry.Priority = domain.PriorityScore
			entry.Score = prefs[m.UID].score(q.age(m.UID))
		}
		entries = append(entries, entry)
	}

	rank := func(p domain.QueuePriority) int {
		switch p {
		case domain.PriorityVoteRestart:
			return 0
		case domain.PriorityForce:
			return 1
		case domain.PriorityScore:
			return 2
		default: // PriorityNoRestart
			return 3
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if rank(a.Priority) != rank(b.Priority) {
			return rank(a.Priority) < rank(b.Priority)
		}
		switch a.Priority {
		case domain.PriorityForce:
			// Earlier pins first.
			if a.Score != b.Score {
				return a.Score < b.Score
			}
		case domain.PriorityScore:
			// Higher scores first.
			if a.Score != b.Score {
				return a.Score > b.Score
			}
		}
		// Tie-break: added_since ascending, then UID. The playlist is
		// already sorted that way, so its order decides.
		return order[a.MapUID] < order[b.MapUID]
	})

	for i := range entries {
		entries[i].Pos = i
	}
	return entries
}
