package domain

import "time"

// Map is a playable map known to the controller. The binary map file is
// stored side-band (see storage.MapBlob), keyed by UID.
type Map struct {
	// UID is the map's globally unique identifier.
	UID string `json:"uid"`

	// FileName is the map's file name below .../UserData/Maps.
	FileName string `json:"file_name"`

	// Name is the formatted map name.
	Name string `json:"name"`

	// AuthorLogin is the author's account login.
	AuthorLogin string `json:"author_login"`

	// AuthorDisplayName is the author's display name.
	AuthorDisplayName string `json:"author_display_name"`

	// AuthorMillis is the validation time in milliseconds the author
	// set in the map editor.
	AuthorMillis int `json:"author_millis"`

	// AddedSince is the moment this map was first stored.
	AddedSince time.Time `json:"added_since"`

	// ExchangeID is the map's ID on the map exchange,
	// or zero if unknown.
	ExchangeID int `json:"exchange_id,omitempty"`
}

// Preference values a player can assign to a map. The zero value
// means "unset"; lookups substitute an effective value (AutoPick for
// maps the player never played, Pick otherwise).
type PreferenceValue int

const (
	PreferenceNone   PreferenceValue = 0
	PreferencePick   PreferenceValue = 1
	PreferenceVeto   PreferenceValue = 2
	PreferenceRemove PreferenceValue = 3

	// PreferenceAutoPick is never stored; it is the derived value for
	// maps a player has not played yet.
	PreferenceAutoPick PreferenceValue = 4
)

func (v PreferenceValue) String() string {
	switch v {
	case PreferencePick:
		return "pick"
	case PreferenceVeto:
		return "veto"
	case PreferenceRemove:
		return "remove"
	case PreferenceAutoPick:
		return "auto_pick"
	default:
		return "none"
	}
}

// Preference is a player's stored attitude towards a map.
type Preference struct {
	PlayerLogin string          `json:"player_login"`
	MapUID      string          `json:"map_uid"`
	Value       PreferenceValue `json:"value"`
}

// PlayHistory stores the most recent time a player has played a map.
type PlayHistory struct {
	PlayerLogin string    `json:"player_login"`
	MapUID      string    `json:"map_uid"`
	LastPlayed  time.Time `json:"last_played"`
}
