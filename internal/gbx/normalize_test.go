package gbx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func script(name string, jsonArgs ...string) Callback {
	return Callback{
		Name: "ManiaPlanet.ModeScriptCallbackArray",
		Args: []Value{String(name), Strings(jsonArgs...)},
	}
}

func TestNormalizeRegularCallbacks(t *testing.T) {
	ev, ok := Normalize(Callback{
		Name: "ManiaPlanet.PlayerDisconnect",
		Args: []Value{String("abc"), String("quit")},
	})
	require.True(t, ok)
	assert.Equal(t, PlayerDisconnectEvent{Login: "abc"}, ev)

	ev, ok = Normalize(Callback{
		Name: "ManiaPlanet.PlayerChat",
		Args: []Value{Int(250), String("abc"), String("/skip"), Bool(true)},
	})
	require.True(t, ok)
	assert.Equal(t, PlayerChatEvent{Login: "abc", Text: "/skip", IsRegistered: true}, ev)

	ev, ok = Normalize(Callback{
		Name: "ManiaPlanet.PlayerManialinkPageAnswer",
		Args: []Value{Int(250), String("abc"), String(`{"action":"vote_restart","vote":true}`), Array()},
	})
	require.True(t, ok)
	assert.Equal(t, PlayerAnswerEvent{Login: "abc", Payload: `{"action":"vote_restart","vote":true}`}, ev)

	ev, ok = Normalize(Callback{
		Name: "ManiaPlanet.PlayerInfoChanged",
		Args: []Value{Struct(map[string]Value{
			"PlayerId":        Int(250),
			"Login":           String("abc"),
			"NickName":        String("$fffabc"),
			"Flags":           Int(101_000_000),
			"SpectatorStatus": Int(0),
		})},
	})
	require.True(t, ok)
	info := ev.(PlayerInfoChangedEvent).Info
	assert.Equal(t, "abc", info.Login)
	assert.True(t, info.HasPlayerSlot())
	assert.False(t, info.IsSpectator())

	_, ok = Normalize(Callback{Name: "ManiaPlanet.MapListModified", Args: []Value{Int(0), Int(0), Bool(false)}})
	assert.True(t, ok)
}

// Callbacks outside the closed set are ignored silently.
func TestNormalizeIgnoresUnknown(t *testing.T) {
	_, ok := Normalize(Callback{Name: "ManiaPlanet.BillUpdated"})
	assert.False(t, ok)

	_, ok = Normalize(script("Maniaplanet.Podium_Start", "{}"))
	assert.False(t, ok)
}

func TestNormalizeLifecycle(t *testing.T) {
	tests := []struct {
		name string
		arg  string
		want Event
	}{
		{"Maniaplanet.StartServer_End", "{}", ServerStartedEvent{}},
		{"Maniaplanet.LoadingMap_End", `{"restarted":true}`, MapLoadedEvent{Restarted: true}},
		{"Maniaplanet.StartMap_Start", "{}", MapStartingEvent{}},
		{"Maniaplanet.StartPlayLoop", "{}", PlayLoopStartedEvent{}},
		{"Maniaplanet.EndPlayLoop", "{}", PlayLoopEndedEvent{}},
		{"Maniaplanet.EndMap_Start", "{}", MapEndingEvent{}},
		{"Maniaplanet.UnloadingMap_End", "{}", MapUnloadedEvent{}},
	}
	for _, tt := range tests {
		ev, ok := Normalize(script(tt.name, tt.arg))
		require.True(t, ok, tt.name)
		assert.Equal(t, tt.want, ev, tt.name)
	}
}

func TestNormalizeRaceEvents(t *testing.T) {
	ev, ok := Normalize(script("Trackmania.Event.StartLine", `{"login":"abc"}`))
	require.True(t, ok)
	assert.Equal(t, StartLineEvent{Login: "abc"}, ev)

	ev, ok = Normalize(script("Trackmania.Event.WayPoint",
		`{"login":"abc","racetime":15000,"laptime":15000,"checkpointinrace":2,"isendrace":true,"isendlap":true,"speed":412.5,"distance":1234.5}`))
	require.True(t, ok)
	assert.Equal(t, WaypointEvent{
		Login:      "abc",
		RaceMillis: 15000,
		LapMillis:  15000,
		CpIndex:    2,
		IsFinish:   true,
		IsEndOfLap: true,
		Speed:      412.5,
		Distance:   1234.5,
	}, ev)

	ev, ok = Normalize(script("Trackmania.Event.GiveUp", `{"login":"abc"}`))
	require.True(t, ok)
	assert.Equal(t, GiveUpEvent{Login: "abc"}, ev)
}

func TestNormalizeStatusCallbacks(t *testing.T) {
	ev, ok := Normalize(script("Maniaplanet.Pause.Status",
		`{"responseid":"1","available":false,"active":false}`))
	require.True(t, ok)
	assert.Equal(t, PauseStatusEvent{Available: false, Active: false}, ev)

	ev, ok = Normalize(script("Trackmania.WarmUp.Status",
		`{"responseid":"2","available":true,"active":true}`))
	require.True(t, ok)
	assert.Equal(t, WarmupStatusEvent{Available: true, Active: true}, ev)

	ev, ok = Normalize(script("Trackmania.Scores",
		`{"responseid":"","section":"EndMap","players":[{"login":"abc","name":"ABC","bestracetime":15000}]}`))
	require.True(t, ok)
	scores := ev.(ScoresEvent)
	assert.Equal(t, "EndMap", scores.Section)
	require.Len(t, scores.Players, 1)
	assert.Equal(t, 15000, scores.Players[0].BestRaceMillis)
}
