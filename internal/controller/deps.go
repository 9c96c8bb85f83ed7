package controller

import (
	"context"
	"time"

	"github.com/timwie/steward/internal/domain"
	"github.com/timwie/steward/internal/gbx"
)

// Store is the transactional persistence the controller relies on.
// *storage.Store implements it; tests substitute fakes.
type Store interface {
	UpsertPlayer(ctx context.Context, p domain.Player) error
	Player(ctx context.Context, login string) (*domain.Player, error)

	InsertMap(ctx context.Context, m domain.Map, blob []byte) error
	UpdateMapMetadata(ctx context.Context, m domain.Map) error
	MapByUID(ctx context.Context, uid string) (*domain.Map, error)
	Maps(ctx context.Context) ([]domain.Map, error)

	SetInPlaylist(ctx context.Context, uid string, inPlaylist bool) error
	ListPlaylistUIDs(ctx context.Context) ([]string, error)
	Playlist(ctx context.Context) ([]domain.Map, error)

	UpsertPreference(ctx context.Context, pref domain.Preference) error
	EffectivePreferences(ctx context.Context, mapUID string, logins []string) (map[string]domain.PreferenceValue, error)

	UpsertRecordAndSectors(ctx context.Context, rec domain.Record, sectors []domain.Sector) error
	PersonalBest(ctx context.Context, login, mapUID string, nbLaps int) (*domain.RankedRecord, error)
	MapRanking(ctx context.Context, mapUID string, limit int) ([]domain.RankedRecord, error)
	NbRecords(ctx context.Context, mapUID string) (int, error)

	UpsertPlayHistory(ctx context.Context, logins []string, mapUID string, playedAt time.Time) error
	MapsLastPlayed(ctx context.Context, logins []string) ([]domain.PlayHistory, error)

	NbPlayersWithAnyRecord(ctx context.Context, playlistUIDs []string) (int, error)
	ServerRankingInputs(ctx context.Context, playlistUIDs []string) ([]domain.MapRank, error)
}

// Server is the slice of the RPC client the controller issues calls
// through. *gbx.Client implements it.
type Server interface {
	GetPlayerList(ctx context.Context) ([]gbx.PlayerInfo, error)
	GetMapList(ctx context.Context) ([]gbx.PlaylistMap, error)
	GetMapInfo(ctx context.Context, fileName string) (gbx.MapInfo, error)
	AddMap(ctx context.Context, fileName string) error
	RemoveMap(ctx context.Context, fileName string) error

	GetCurrentMapIndex(ctx context.Context) (int, error)
	GetNextMapIndex(ctx context.Context) (int, error)
	SetNextMapIndex(ctx context.Context, index int) error
	NextMap(ctx context.Context) error
	RestartMap(ctx context.Context) error

	Kick(ctx context.Context, login, reason string) error
	Blacklist(ctx context.Context, login string) error
	Unblacklist(ctx context.Context, login string) error
	ForceSpectator(ctx context.Context, login string) error

	ChatSend(ctx context.Context, msg string) error
	ChatSendTo(ctx context.Context, msg string, logins []string) error
	ChatForward(ctx context.Context, msg, from string, logins []string) error

	GetModeScriptSettings(ctx context.Context) (map[string]gbx.Value, error)
	SetModeScriptSettings(ctx context.Context, settings map[string]gbx.Value) error

	RequestScores(ctx context.Context) error
	RequestWarmupStatus(ctx context.Context) error
	RequestPauseStatus(ctx context.Context) error
	SetPause(ctx context.Context, active bool) error
	ForceEndWarmup(ctx context.Context) error
	ExtendWarmup(ctx context.Context, millis int) error
}

// EventSink receives controller events for fan-out to observers (the
// WebSocket feed, or anything else on the bus).
type EventSink interface {
	Publish(ev domain.Event)
}

// Renderer is the opaque in-game UI surface. The controller hands it
// immutable frames addressed per player and knows nothing else about
// it.
type Renderer interface {
	RenderFrames(frames map[string]Frame)
}

// Frame is one addressed UI snapshot for a single player.
type Frame struct {
	Login  string      `json:"login"`
	Widget string      `json:"widget"`
	Data   interface{} `json:"data"`
}

// NopRenderer discards all frames; used when no UI surface is wired.
type NopRenderer struct{}

func (NopRenderer) RenderFrames(map[string]Frame) {}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Publish(domain.Event) {}
