package domain

import "time"

// Event types published on the controller bus for WebSocket clients
// and other read-only consumers.
const (
	EventPlayerJoin     = "player_join"
	EventPlayerLeave    = "player_leave"
	EventMapBegin       = "map_begin"
	EventMapEnd         = "map_end"
	EventRecordImproved = "record"
	EventServerRanking  = "server_ranking"
	EventQueuePreview   = "queue_preview"
	EventVoteOpen       = "vote_open"
	EventVoteClosed     = "vote_closed"
	EventWarmup         = "warmup"
	EventPause          = "pause"
)

// Event is a real-time event for broadcast to observers.
type Event struct {
	Type      string      `json:"event"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// RecordImproved is published after a record write committed. It also
// drives chat announcements and the server-ranking refresh.
type RecordImproved struct {
	PlayerLogin       string `json:"player_login"`
	PlayerDisplayName string `json:"player_display_name"`
	MapUID            string `json:"map_uid"`

	// OldMillis is zero if the player had no record on this map.
	OldMillis int `json:"old_millis,omitempty"`
	NewMillis int `json:"new_millis"`

	// NewMapRank is the 1-based rank of the new record.
	NewMapRank int `json:"new_map_rank"`

	// PrevMapRank is zero for a first record.
	PrevMapRank int `json:"prev_map_rank,omitempty"`
}

// ServerRankDelta describes how one player's server rank changed at
// the end of a map.
type ServerRankDelta struct {
	PlayerLogin       string `json:"player_login"`
	PlayerDisplayName string `json:"player_display_name"`
	NewPos            int    `json:"new_pos"`

	// GainedPos is positive when the player climbed.
	GainedPos  int `json:"gained_pos"`
	GainedWins int `json:"gained_wins"`
}

// QueueEntry is one position of the computed map queue.
type QueueEntry struct {
	MapUID   string        `json:"map_uid"`
	MapName  string        `json:"map_name"`
	Pos      int           `json:"pos"`
	Priority QueuePriority `json:"priority"`

	// Score is only meaningful for PriorityScore entries.
	Score int `json:"score"`
}

// QueuePriority classifies how a queue position was decided.
type QueuePriority string

const (
	// PriorityVoteRestart marks the current map after a successful
	// restart vote; nothing outranks it.
	PriorityVoteRestart QueuePriority = "vote_restart"

	// PriorityForce marks a map pinned by an admin.
	PriorityForce QueuePriority = "force"

	// PriorityScore marks a map ranked by the preference scorer.
	PriorityScore QueuePriority = "score"

	// PriorityNoRestart marks the current map when it was not
	// restart-voted; every other map ranks above it.
	PriorityNoRestart QueuePriority = "no_restart"
)
