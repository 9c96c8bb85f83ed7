package gbx

import (
	"fmt"

	"github.com/timwie/steward/internal/domain"
)

// PlayerInfo is the server's view of one connected player, as
// returned by GetPlayerList and carried by PlayerInfoChanged.
type PlayerInfo struct {
	// UID is the connection-scoped player ID. It changes when the
	// player reconnects.
	UID int

	// Login is the player's account login.
	Login string

	// DisplayName is the formatted in-game name.
	DisplayName string

	// FlagMask and SpectatorMask are digit masks; see the accessors.
	FlagMask      int
	SpectatorMask int
}

// IsSpectator reports whether the player currently spectates.
func (p PlayerInfo) IsSpectator() bool {
	return p.SpectatorMask%10 == 1
}

// HasPlayerSlot reports whether the player occupies a player slot.
func (p PlayerInfo) HasPlayerSlot() bool {
	return p.FlagMask/1_000_000%10 == 1
}

// HasJoined reports whether the player finished joining.
func (p PlayerInfo) HasJoined() bool {
	return p.SpectatorMask/100_000%10 == 0
}

// IsServer reports whether this entry describes the server's own
// pseudo-player rather than an actual player.
func (p PlayerInfo) IsServer() bool {
	return p.FlagMask/100_000%10 == 1
}

// Slot derives the slot classification used by the controller.
func (p PlayerInfo) Slot() domain.PlayerSlot {
	switch {
	case p.IsServer() || !p.HasJoined():
		return domain.SlotNone
	case !p.HasPlayerSlot():
		return domain.SlotPureSpectator
	case p.IsSpectator():
		return domain.SlotPlayerSpectator
	default:
		return domain.SlotPlayer
	}
}

// MapInfo is the server's metadata for one map file, as returned by
// GetMapInfo.
type MapInfo struct {
	UID               string
	FileName          string
	Name              string
	Author            string
	AuthorDisplayName string
	AuthorTime        int
	NbCheckpoints     int
	NbLaps            int
}

// PlaylistMap is one entry of GetMapList.
type PlaylistMap struct {
	UID      string
	FileName string
	Name     string
}

// Version is the response of GetVersion.
type Version struct {
	Name       string
	TitleID    string
	Version    string
	Build      string
	APIVersion string
}

// structField returns a member of a struct value, or an error naming
// the missing field.
func structField(v Value, name string) (Value, error) {
	if v.Kind != KindStruct {
		return Value{}, fmt.Errorf("expected struct, got %s", v.Kind)
	}
	member, ok := v.Struct[name]
	if !ok {
		return Value{}, fmt.Errorf("struct has no member %q", name)
	}
	return member, nil
}

func intField(v Value, name string) (int, error) {
	member, err := structField(v, name)
	if err != nil {
		return 0, err
	}
	if member.Kind != KindInt {
		return 0, fmt.Errorf("member %q is %s, not int", name, member.Kind)
	}
	return member.Int, nil
}

func stringField(v Value, name string) (string, error) {
	member, err := structField(v, name)
	if err != nil {
		return "", err
	}
	if member.Kind != KindString {
		return "", fmt.Errorf("member %q is %s, not string", name, member.Kind)
	}
	return member.Str, nil
}

// optString returns a string member, or empty if absent. Some server
// builds omit optional metadata fields.
func optString(v Value, name string) string {
	s, err := stringField(v, name)
	if err != nil {
		return ""
	}
	return s
}

func optInt(v Value, name string) int {
	i, err := intField(v, name)
	if err != nil {
		return 0
	}
	return i
}

// DecodePlayerInfo maps a PlayerInfo struct value.
func DecodePlayerInfo(v Value) (PlayerInfo, error) {
	uid, err := intField(v, "PlayerId")
	if err != nil {
		return PlayerInfo{}, err
	}
	login, err := stringField(v, "Login")
	if err != nil {
		return PlayerInfo{}, err
	}
	return PlayerInfo{
		UID:           uid,
		Login:         login,
		DisplayName:   optString(v, "NickName"),
		FlagMask:      optInt(v, "Flags"),
		SpectatorMask: optInt(v, "SpectatorStatus"),
	}, nil
}

// DecodePlayerInfos maps an array of PlayerInfo structs, skipping the
// server's own pseudo-player entry.
func DecodePlayerInfos(v Value) ([]PlayerInfo, error) {
	if v.Kind != KindArray {
		return nil, fmt.Errorf("expected array, got %s", v.Kind)
	}
	infos := make([]PlayerInfo, 0, len(v.Array))
	for _, item := range v.Array {
		info, err := DecodePlayerInfo(item)
		if err != nil {
			return nil, err
		}
		if info.IsServer() {
			continue
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// DecodeMapInfo maps a GetMapInfo struct value.
func DecodeMapInfo(v Value) (MapInfo, error) {
	uid, err := stringField(v, "UId")
	if err != nil {
		return MapInfo{}, err
	}
	fileName, err := stringField(v, "FileName")
	if err != nil {
		return MapInfo{}, err
	}
	return MapInfo{
		UID:               uid,
		FileName:          fileName,
		Name:              optString(v, "Name"),
		Author:            optString(v, "Author"),
		AuthorDisplayName: optString(v, "AuthorNickname"),
		AuthorTime:        optInt(v, "AuthorTime"),
		NbCheckpoints:     optInt(v, "NbCheckpoints"),
		NbLaps:            optInt(v, "NbLaps"),
	}, nil
}

// DecodePlaylist maps a GetMapList array value.
func DecodePlaylist(v Value) ([]PlaylistMap, error) {
	if v.Kind != KindArray {
		return nil, fmt.Errorf("expected array, got %s", v.Kind)
	}
	maps := make([]PlaylistMap, 0, len(v.Array))
	for _, item := range v.Array {
		uid, err := stringField(item, "UId")
		if err != nil {
			return nil, err
		}
		fileName, err := stringField(item, "FileName")
		if err != nil {
			return nil, err
		}
		maps = append(maps, PlaylistMap{
			UID:      uid,
			FileName: fileName,
			Name:     optString(item, "Name"),
		})
	}
	return maps, nil
}

// DecodeVersion maps a GetVersion struct value.
func DecodeVersion(v Value) (Version, error) {
	name, err := stringField(v, "Name")
	if err != nil {
		return Version{}, err
	}
	return Version{
		Name:       name,
		TitleID:    optString(v, "TitleId"),
		Version:    optString(v, "Version"),
		Build:      optString(v, "Build"),
		APIVersion: optString(v, "ApiVersion"),
	}, nil
}
