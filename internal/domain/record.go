package domain

import "time"

// Record is a player's personal best on a map, unique per
// (player, map, lap count). NbLaps zero means "not multi-lap".
type Record struct {
	PlayerLogin string `json:"player_login"`
	MapUID      string `json:"map_uid"`
	NbLaps      int    `json:"nb_laps"`

	// Millis is the run duration in milliseconds.
	Millis int `json:"millis"`

	// Timestamp is the moment the record was set.
	Timestamp time.Time `json:"timestamp"`
}

// Sector is the per-checkpoint detail of a record. Index zero is the
// first checkpoint; the last index is the finish line. CpMillis must
// strictly increase with the index, and the final sector's CpMillis may
// deviate from the record's Millis by at most one millisecond, in which
// case the record time is authoritative.
type Sector struct {
	PlayerLogin string `json:"player_login"`
	MapUID      string `json:"map_uid"`
	Index       int    `json:"index"`

	// CpMillis is the total run duration at this checkpoint.
	CpMillis int `json:"cp_millis"`

	// CpSpeed is the speed in km/h when crossing this checkpoint.
	// Always positive; driving backwards is normalized on ingest.
	CpSpeed float64 `json:"cp_speed"`
}

// RankedRecord is a record annotated with its map rank and the
// player's display name, as returned by ranking queries.
type RankedRecord struct {
	Record

	// MapRank is the 1-based position of this record among all records
	// on the map with the same lap count.
	MapRank int `json:"map_rank"`

	PlayerDisplayName string `json:"player_display_name"`
}

// MapRank is one row of a map's ranking, used as input to the
// server ranking.
type MapRank struct {
	MapUID            string `json:"map_uid"`
	PlayerLogin       string `json:"player_login"`
	PlayerDisplayName string `json:"player_display_name"`

	// Pos is the 1-based rank of the player's record on this map.
	Pos int `json:"pos"`

	// MaxPos is the number of players with a record on this map.
	MaxPos int `json:"max_pos"`
}
