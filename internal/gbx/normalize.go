package gbx

import "log"

// Normalize maps a raw callback to its typed event. The bool result
// is false for callbacks outside the supported set, which are ignored
// silently.
func Normalize(cb Callback) (Event, bool) {
	if cb.Name == "ManiaPlanet.ModeScriptCallbackArray" {
		return normalizeScript(cb)
	}
	return normalizeRegular(cb)
}

func normalizeRegular(cb Callback) (Event, bool) {
	args := cb.Args
	switch cb.Name {
	case "ManiaPlanet.PlayerInfoChanged":
		if len(args) != 1 {
			break
		}
		info, err := DecodePlayerInfo(args[0])
		if err != nil {
			log.Printf("gbx: bad PlayerInfoChanged args: %v", err)
			return nil, false
		}
		return PlayerInfoChangedEvent{Info: info}, true

	case "ManiaPlanet.PlayerDisconnect":
		if len(args) < 1 || args[0].Kind != KindString {
			break
		}
		return PlayerDisconnectEvent{Login: args[0].Str}, true

	case "TrackMania.PlayerIncoherence":
		// args: player uid, login
		if len(args) < 2 || args[1].Kind != KindString {
			break
		}
		return PlayerIncoherenceEvent{Login: args[1].Str}, true

	case "ManiaPlanet.PlayerChat":
		// args: uid, login, text, is registered command
		if len(args) < 4 || args[1].Kind != KindString || args[2].Kind != KindString {
			break
		}
		return PlayerChatEvent{
			Login:        args[1].Str,
			Text:         args[2].Str,
			IsRegistered: args[3].Kind == KindBool && args[3].Bool,
		}, true

	case "ManiaPlanet.PlayerManialinkPageAnswer":
		// args: uid, login, answer, entries
		if len(args) < 3 || args[1].Kind != KindString || args[2].Kind != KindString {
			break
		}
		return PlayerAnswerEvent{Login: args[1].Str, Payload: args[2].Str}, true

	case "ManiaPlanet.MapListModified":
		return MapListModifiedEvent{}, true

	default:
		return nil, false
	}

	log.Printf("gbx: unexpected signature for %s", cb.Name)
	return nil, false
}

// normalizeScript unwraps the nested mode-script callback family. The
// first argument is the nested callback name, the second an array of
// JSON-encoded strings.
func normalizeScript(cb Callback) (Event, bool) {
	if len(cb.Args) != 2 || cb.Args[0].Kind != KindString || cb.Args[1].Kind != KindArray {
		log.Printf("gbx: unexpected signature for %s", cb.Name)
		return nil, false
	}
	name := cb.Args[0].Str
	strArgs := make([]string, 0, len(cb.Args[1].Array))
	for _, v := range cb.Args[1].Array {
		if v.Kind != KindString {
			log.Printf("gbx: non-string script arg for %s", name)
			return nil, false
		}
		strArgs = append(strArgs, v.Str)
	}

	first := func() string {
		if len(strArgs) == 0 {
			return "{}"
		}
		return strArgs[0]
	}

	switch name {
	case "Maniaplanet.StartServer_End":
		return ServerStartedEvent{}, true

	case "Maniaplanet.LoadingMap_End":
		var data scriptLoadingMapData
		if err := unmarshalScript(first(), &data); err != nil {
			log.Printf("gbx: bad %s payload: %v", name, err)
			return nil, false
		}
		return MapLoadedEvent{Restarted: data.Restarted}, true

	case "Maniaplanet.StartMap_Start":
		return MapStartingEvent{}, true

	case "Maniaplanet.StartPlayLoop":
		return PlayLoopStartedEvent{}, true

	case "Maniaplanet.EndPlayLoop":
		return PlayLoopEndedEvent{}, true

	case "Maniaplanet.EndMap_Start":
		return MapEndingEvent{}, true

	case "Maniaplanet.UnloadingMap_End":
		return MapUnloadedEvent{}, true

	case "Trackmania.Event.StartLine":
		var data scriptLoginData
		if err := unmarshalScript(first(), &data); err != nil {
			log.Printf("gbx: bad %s payload: %v", name, err)
			return nil, false
		}
		return StartLineEvent{Login: data.Login}, true

	case "Trackmania.Event.WayPoint":
		var data scriptWaypointData
		if err := unmarshalScript(first(), &data); err != nil {
			log.Printf("gbx: bad %s payload: %v", name, err)
			return nil, false
		}
		return WaypointEvent{
			Login:      data.Login,
			RaceMillis: data.RaceTime,
			LapMillis:  data.LapTime,
			CpIndex:    data.CpInRace,
			IsFinish:   data.IsEndRace,
			IsEndOfLap: data.IsEndLap,
			Speed:      data.Speed,
			Distance:   data.Distance,
		}, true

	case "Trackmania.Event.GiveUp":
		var data scriptLoginData
		if err := unmarshalScript(first(), &data); err != nil {
			log.Printf("gbx: bad %s payload: %v", name, err)
			return nil, false
		}
		return GiveUpEvent{Login: data.Login}, true

	case "Trackmania.Event.Respawn":
		var data scriptLoginData
		if err := unmarshalScript(first(), &data); err != nil {
			log.Printf("gbx: bad %s payload: %v", name, err)
			return nil, false
		}
		return RespawnEvent{Login: data.Login}, true

	case "Trackmania.Event.SkipOutro":
		var data scriptLoginData
		if err := unmarshalScript(first(), &data); err != nil {
			log.Printf("gbx: bad %s payload: %v", name, err)
			return nil, false
		}
		return SkipOutroEvent{Login: data.Login}, true

	case "Trackmania.WarmUp.StartRound", "Trackmania.WarmUp.Start":
		return WarmupBeginEvent{}, true

	case "Trackmania.WarmUp.EndRound", "Trackmania.WarmUp.End":
		return WarmupEndEvent{}, true

	case "Trackmania.WarmUp.Status":
		var data scriptStatusData
		if err := unmarshalScript(first(), &data); err != nil {
			log.Printf("gbx: bad %s payload: %v", name, err)
			return nil, false
		}
		return WarmupStatusEvent{Available: data.Available, Active: data.Active}, true

	case "Maniaplanet.Pause.Status":
		var data scriptStatusData
		if err := unmarshalScript(first(), &data); err != nil {
			log.Printf("gbx: bad %s payload: %v", name, err)
			return nil, false
		}
		return PauseStatusEvent{Available: data.Available, Active: data.Active}, true

	case "Trackmania.Scores":
		var data scriptScoresData
		if err := unmarshalScript(first(), &data); err != nil {
			log.Printf("gbx: bad %s payload: %v", name, err)
			return nil, false
		}
		ev := ScoresEvent{Section: data.Section}
		for _, p := range data.Players {
			ev.Players = append(ev.Players, PlayerScore{
				Login:          p.Login,
				DisplayName:    p.Name,
				BestRaceMillis: p.BestRaceTime,
			})
		}
		return ev, true

	default:
		return nil, false
	}
}
