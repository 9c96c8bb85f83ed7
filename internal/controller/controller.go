package controller

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	"github.com/timwie/steward/internal/config"
	"github.com/timwie/steward/internal/domain"
	"github.com/timwie/steward/internal/gbx"
)

// internal events feed the controller loop from its own timers and
// background writes, keeping all state mutations on one goroutine.
type internalEvent interface{ isInternal() }

type voteClosedEvent struct{}
type recordDoneEvent struct{ improved domain.RecordImproved }

func (voteClosedEvent) isInternal() {}
func (recordDoneEvent) isInternal() {}

// Controller drives the match state machine from the normalized
// event stream, issues RPCs, and fans events out to the renderer and
// the event sink.
type Controller struct {
	cfg      *config.Config
	server   Server
	store    Store
	match    *Match
	renderer Renderer
	sink     EventSink
	blobs    BlobSource

	records *recordEngine
	ranking *rankingEngine
	queue   *queueScorer

	callbacks <-chan gbx.Callback
	admin     AdminSource
	internal  chan internalEvent

	// playlist caches the store's playlist, ordered by the moment each
	// map was added, then UID.
	playlist []domain.Map

	// serverIndex maps a map UID to its index in the server's own
	// rotation, as needed by SetNextMapIndex.
	serverIndex map[string]int
	serverList  []gbx.PlaylistMap

	pauseAvailable  bool
	warmupAvailable bool
}

// Options carries the optional collaborators of a Controller.
type Options struct {
	Renderer Renderer
	Sink     EventSink
	Blobs    BlobSource
	Admin    AdminSource
}

// New wires a controller. Call Bootstrap before Run.
func New(cfg *config.Config, server Server, store Store, callbacks <-chan gbx.Callback, opts Options) *Controller {
	if opts.Renderer == nil {
		opts.Renderer = NopRenderer{}
	}
	if opts.Sink == nil {
		opts.Sink = NopSink{}
	}
	match := NewMatch()
	return &Controller{
		cfg:         cfg,
		server:      server,
		store:       store,
		match:       match,
		renderer:    opts.Renderer,
		sink:        opts.Sink,
		blobs:       opts.Blobs,
		records:     newRecordEngine(store, match),
		ranking:     newRankingEngine(store),
		queue:       newQueueScorer(),
		callbacks:   callbacks,
		admin:       opts.Admin,
		internal:    make(chan internalEvent, 64),
	}
}

// Match exposes the state guard for read-only collaborators (the
// status API takes snapshots through it).
func (c *Controller) Match() *Match {
	return c.match
}

// ServerRanking returns the cached server ranking.
func (c *Controller) ServerRanking() []ServerRank {
	return c.ranking.Current()
}

// Bootstrap reconciles the store with the live server: maps are
// upserted, the playlist is seeded on first run, already-connected
// players are treated as freshly joined, and the nested mode states
// are queried.
func (c *Controller) Bootstrap(ctx context.Context) error {
	if err := c.syncServerMaps(ctx); err != nil {
		return fmt.Errorf("syncing server maps: %w", err)
	}

	uids, err := c.store.ListPlaylistUIDs(ctx)
	if err != nil {
		return err
	}
	if len(uids) == 0 {
		// First run: every map the server rotates through joins the
		// playlist. The playlist is non-empty from here on.
		for _, m := range c.serverList {
			if err := c.store.SetInPlaylist(ctx, m.UID, true); err != nil {
				return fmt.Errorf("seeding playlist with %s: %w", m.UID, err)
			}
		}
	}
	if err := c.reloadPlaylist(ctx); err != nil {
		return err
	}
	if len(c.playlist) == 0 {
		return domain.ErrPlaylistEmpty
	}

	c.ranking.Recompute(ctx)

	// Treat players that are already connected as if they joined now.
	infos, err := c.server.GetPlayerList(ctx)
	if err != nil {
		return fmt.Errorf("listing players: %w", err)
	}
	for _, info := range infos {
		c.onPlayerInfo(ctx, info)
	}

	c.seedQueueAges(ctx, infos)

	// Attach to the map the server is currently playing.
	index, err := c.server.GetCurrentMapIndex(ctx)
	if err == nil && index >= 0 && index < len(c.serverList) {
		c.attachCurrentMap(ctx, c.serverList[index].UID, PhaseRunning)
	}

	// The answers arrive as status callbacks.
	if err := c.server.RequestWarmupStatus(ctx); err != nil {
		log.Printf("controller: warmup status query failed: %v", err)
	}
	if err := c.server.RequestPauseStatus(ctx); err != nil {
		log.Printf("controller: pause status query failed: %v", err)
	}
	if err := c.server.RequestScores(ctx); err != nil {
		log.Printf("controller: scores query failed: %v", err)
	}
	return nil
}

// Run consumes callbacks until the connection fails or the context is
// cancelled. Transport loss is fatal; supervision restarts the
// process.
func (c *Controller) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case cb, ok := <-c.callbacks:
			if !ok {
				return gbx.ErrConnectionLost
			}
			if ev, known := gbx.Normalize(cb); known {
				c.onEvent(ctx, ev)
			}

		case iev := <-c.internal:
			c.onInternal(ctx, iev)

		case cmd, ok := <-c.admin:
			if !ok {
				c.admin = nil
				continue
			}
			c.onAdmin(ctx, cmd)
		}
	}
}

func (c *Controller) onEvent(ctx context.Context, ev gbx.Event) {
	switch ev := ev.(type) {
	case gbx.PlayerInfoChangedEvent:
		c.onPlayerInfo(ctx, ev.Info)

	case gbx.PlayerDisconnectEvent:
		c.onPlayerDisconnect(ev.Login)

	case gbx.PlayerIncoherenceEvent:
		c.match.Write(func(s *MatchState) {
			if r := s.runs[ev.Login]; r != nil {
				r.invalid = true
			}
		})

	case gbx.PlayerChatEvent:
		c.onChat(ctx, ev)

	case gbx.PlayerAnswerEvent:
		c.onPlayerAnswer(ctx, ev)

	case gbx.MapListModifiedEvent:
		if err := c.syncServerMaps(ctx); err != nil {
			log.Printf("controller: resyncing server maps: %v", err)
		}

	case gbx.ServerStartedEvent:
		c.match.Write(func(s *MatchState) { s.Phase = PhaseIdle })

	case gbx.MapLoadedEvent:
		c.onMapLoaded(ctx, ev.Restarted)

	case gbx.MapStartingEvent:
		// The time limit was already committed at LoadingMap_End.

	case gbx.PlayLoopStartedEvent:
		c.match.Write(func(s *MatchState) { s.Phase = PhaseRunning })

	case gbx.PlayLoopEndedEvent:
		// Racing concluded; the phase changes at EndMap_Start.

	case gbx.MapEndingEvent:
		c.onOutroBegin(ctx)

	case gbx.MapUnloadedEvent:
		c.onMapUnloaded(ctx)

	case gbx.StartLineEvent:
		c.match.Write(func(s *MatchState) {
			s.runs[ev.Login] = &run{}
		})

	case gbx.WaypointEvent:
		c.onWaypoint(ctx, ev)

	case gbx.GiveUpEvent:
		c.match.Write(func(s *MatchState) { delete(s.runs, ev.Login) })

	case gbx.RespawnEvent:
		// Respawning at a checkpoint keeps the run alive.

	case gbx.SkipOutroEvent:
		// A renderer concern; nothing to track.

	case gbx.WarmupBeginEvent:
		c.setWarmup(true)

	case gbx.WarmupEndEvent:
		c.setWarmup(false)

	case gbx.WarmupStatusEvent:
		c.warmupAvailable = ev.Available
		c.setWarmup(ev.Available && ev.Active)

	case gbx.PauseStatusEvent:
		c.pauseAvailable = ev.Available
		active := ev.Available && ev.Active
		changed := false
		c.match.Write(func(s *MatchState) {
			changed = s.Paused != active
			s.Paused = active
		})
		if changed {
			c.publish(domain.EventPause, map[string]bool{"active": active})
		}

	case gbx.ScoresEvent:
		c.onScores(ev)
	}
}

func (c *Controller) onInternal(ctx context.Context, iev internalEvent) {
	switch iev := iev.(type) {
	case voteClosedEvent:
		c.onVoteClosed(ctx)
	case recordDoneEvent:
		c.onRecordImproved(ctx, iev.improved)
	}
}

// --- players ---

func (c *Controller) onPlayerInfo(ctx context.Context, info gbx.PlayerInfo) {
	var diff playerDiff
	c.match.Write(func(s *MatchState) {
		diff = s.applyPlayerInfo(info)
	})
	if diff == diffNone {
		return
	}

	// Persist outside the guard.
	player := domain.Player{Login: info.Login, DisplayName: info.DisplayName}
	if err := c.store.UpsertPlayer(ctx, player); err != nil {
		log.Printf("controller: upserting player %s: %v", info.Login, err)
	}

	if diff == diffJoined {
		var mapUID string
		c.match.Read(func(s *MatchState) {
			if s.CurrentMap != nil {
				mapUID = s.CurrentMap.UID
			}
		})
		if mapUID != "" {
			if err := c.records.LoadForPlayer(ctx, mapUID, info.Login); err != nil {
				log.Printf("controller: loading PB of %s: %v", info.Login, err)
			}
		}
		c.publish(domain.EventPlayerJoin, player)
	}
}

func (c *Controller) onPlayerDisconnect(login string) {
	var p ConnectedPlayer
	var known bool
	c.match.Write(func(s *MatchState) {
		p, known = s.removePlayer(login)
	})
	if !known {
		return
	}
	c.records.UnloadPlayer(login)
	c.publish(domain.EventPlayerLeave, p.Player)
}

// --- chat and actions ---

func (c *Controller) onChat(ctx context.Context, ev gbx.PlayerChatEvent) {
	if ev.IsRegistered {
		// Command parsing lives in the admin surface; commands come
		// back through the AdminSource.
		return
	}
	var logins []string
	c.match.Read(func(s *MatchState) { logins = s.ConnectedLogins() })
	if len(logins) == 0 {
		return
	}
	// With manual routing enabled, ordinary chat must be forwarded.
	if err := c.server.ChatForward(ctx, ev.Text, ev.Login, logins); err != nil {
		log.Printf("controller: forwarding chat of %s: %v", ev.Login, err)
	}
}

func (c *Controller) onPlayerAnswer(ctx context.Context, ev gbx.PlayerAnswerEvent) {
	action, err := parsePlayerAction(ev.Payload)
	if err != nil {
		log.Printf("controller: bad manialink answer from %s: %v", ev.Login, err)
		return
	}

	switch action.Action {
	case "set_preference":
		value := domain.PreferenceNone
		switch action.Preference {
		case "pick":
			value = domain.PreferencePick
		case "veto":
			value = domain.PreferenceVeto
		case "remove":
			value = domain.PreferenceRemove
		}
		pref := domain.Preference{
			PlayerLogin: ev.Login,
			MapUID:      action.MapUID,
			Value:       value,
		}
		if err := c.store.UpsertPreference(ctx, pref); err != nil {
			log.Printf("controller: storing preference of %s: %v", ev.Login, err)
		}

	case "vote_restart":
		c.match.Write(func(s *MatchState) {
			if !s.VoteOpen {
				return
			}
			for _, voter := range s.VotersAtOpen {
				if voter == ev.Login {
					s.RestartVotes[ev.Login] = action.Vote
					return
				}
			}
		})
	}
}

// --- map lifecycle ---

func (c *Controller) onMapLoaded(ctx context.Context, restarted bool) {
	index, err := c.server.GetCurrentMapIndex(ctx)
	if err != nil || index < 0 || index >= len(c.serverList) {
		log.Printf("controller: cannot resolve current map (index %d): %v", index, err)
		return
	}
	c.attachCurrentMap(ctx, c.serverList[index].UID, PhaseIntro)

	if restarted {
		c.match.Write(func(s *MatchState) { s.ConsecutiveRestarts++ })
	} else {
		c.match.Write(func(s *MatchState) { s.ConsecutiveRestarts = 0 })
	}

	var m *domain.Map
	c.match.Read(func(s *MatchState) { m = s.CurrentMap })
	if m != nil {
		c.commitTimeLimit(ctx, *m)
		c.publish(domain.EventMapBegin, m)
	}
}

// attachCurrentMap points the match state at a map UID, resolving
// unknown UIDs through the game server.
func (c *Controller) attachCurrentMap(ctx context.Context, uid string, phase Phase) {
	m, err := c.store.MapByUID(ctx, uid)
	if err != nil {
		log.Printf("controller: loading map %s: %v", uid, err)
		return
	}
	if m == nil {
		// The server resolved a UID we have never stored.
		if err := c.syncServerMaps(ctx); err != nil {
			log.Printf("controller: syncing maps for %s: %v", uid, err)
			return
		}
		if m, err = c.store.MapByUID(ctx, uid); err != nil || m == nil {
			log.Printf("controller: map %s remains unknown: %v", uid, err)
			return
		}
	}

	nbCheckpoints := 0
	if info, err := c.server.GetMapInfo(ctx, m.FileName); err == nil {
		nbCheckpoints = info.NbCheckpoints
	} else {
		log.Printf("controller: map info for %s: %v", m.FileName, err)
	}

	logins := make([]string, 0)
	c.match.Write(func(s *MatchState) {
		s.Phase = phase
		s.CurrentMap = m
		s.NextMap = nil
		s.NbCheckpoints = nbCheckpoints
		s.MapStartedAt = time.Now()
		s.VoteOpen = false
		s.VotersAtOpen = nil
		s.RestartVotes = make(map[string]bool)
		s.LiveRanking = nil
		s.runs = make(map[string]*run)
		logins = s.ConnectedLogins()
	})

	if err := c.records.LoadForMap(ctx, m.UID, logins); err != nil {
		log.Printf("controller: loading records for %s: %v", m.UID, err)
	}
}

// commitTimeLimit computes and commits the dynamic time limit. It
// must reach the server before StartMap_Start.
func (c *Controller) commitTimeLimit(ctx context.Context, m domain.Map) {
	ref := m.AuthorMillis
	if top, err := c.store.MapRanking(ctx, m.UID, 1); err == nil && len(top) > 0 && top[0].Millis < ref {
		ref = top[0].Millis
	}

	limit := computeTimeLimit(ref, c.cfg.Race.TimeLimitFactor,
		c.cfg.Race.TimeLimitMinSecs, c.cfg.Race.TimeLimitMaxSecs)

	settings, err := c.server.GetModeScriptSettings(ctx)
	if err != nil {
		log.Printf("controller: reading mode settings: %v", err)
		return
	}
	settings[timeLimitSetting] = gbx.Int(int(limit.Seconds()))
	if err := c.server.SetModeScriptSettings(ctx, settings); err != nil {
		log.Printf("controller: committing time limit: %v", err)
	}
}

// onOutroBegin runs the outro sequence: flush record writes,
// recompute ranks, open the restart vote, and emit summary frames.
// The next map is committed when the vote closes.
func (c *Controller) onOutroBegin(ctx context.Context) {
	c.match.Write(func(s *MatchState) { s.Phase = PhaseOutro })

	// 1. In-flight record writes for the finishing map must land
	// before ranks are derived from them.
	c.records.FlushWrites()

	// 2. Server ranks, with per-player deltas for the summary.
	deltas, err := c.ranking.Recompute(ctx)
	if err != nil {
		log.Printf("controller: recomputing server ranking: %v", err)
		deltas = nil
	}

	// 3./4. Open the vote window; the queue is scored and the next
	// map committed when it closes, two thirds into the outro.
	c.match.Write(func(s *MatchState) {
		s.VoteOpen = true
		s.VotersAtOpen = s.PlayingLogins()
		s.RestartVotes = make(map[string]bool)
	})
	time.AfterFunc(c.cfg.VoteDuration(), func() {
		c.internal <- voteClosedEvent{}
	})

	c.publish(domain.EventVoteOpen, map[string]interface{}{
		"duration_secs": int(c.cfg.VoteDuration().Seconds()),
	})
	if len(deltas) > 0 {
		c.publish(domain.EventServerRanking, deltas)
		c.announceRankGains(ctx, deltas)
	}

	// 5. Match summary frames for every connected player.
	c.renderOutroFrames(ctx, deltas, nil)
}

// onVoteClosed tallies the restart vote and commits the next map.
func (c *Controller) onVoteClosed(ctx context.Context) {
	var (
		votersAtOpen []string
		votes        map[string]bool
		restarts     int
		currentUID   string
	)
	c.match.Write(func(s *MatchState) {
		if !s.VoteOpen {
			return
		}
		s.VoteOpen = false
		votersAtOpen = append([]string(nil), s.VotersAtOpen...)
		votes = make(map[string]bool, len(s.RestartVotes))
		for k, v := range s.RestartVotes {
			votes[k] = v
		}
		restarts = s.ConsecutiveRestarts
		if s.CurrentMap != nil {
			currentUID = s.CurrentMap.UID
		}
	})
	if currentUID == "" {
		return
	}

	passed := evaluateRestartVote(votersAtOpen, votes, restarts)
	c.publish(domain.EventVoteClosed, map[string]interface{}{"restart": passed})

	if passed {
		if err := c.server.RestartMap(ctx); err != nil {
			log.Printf("controller: restart map: %v", err)
		}
		c.announce(ctx, "Vote passed: restarting this map.")
		return
	}

	entries := c.scoreQueue(ctx, currentUID)
	if len(entries) == 0 {
		return
	}

	preview := entries
	if len(preview) > queuePreviewLen {
		preview = preview[:queuePreviewLen]
	}
	c.publish(domain.EventQueuePreview, preview)

	next := entries[0]
	c.queue.consumePin(next.MapUID)
	c.commitNextMap(ctx, next.MapUID)
	c.renderOutroFrames(ctx, nil, preview)
}

// scoreQueue runs the queue scorer over the cached playlist using the
// effective preferences of connected non-spectators.
func (c *Controller) scoreQueue(ctx context.Context, currentUID string) []domain.QueueEntry {
	var playing []string
	c.match.Read(func(s *MatchState) { playing = s.PlayingLogins() })

	prefs := make(map[string]prefCounts, len(c.playlist))
	for _, m := range c.playlist {
		effective, err := c.store.EffectivePreferences(ctx, m.UID, playing)
		if err != nil {
			log.Printf("controller: preferences for %s: %v", m.UID, err)
			continue
		}
		prefs[m.UID] = countPrefs(effective)
	}

	return c.queue.Order(c.playlist, currentUID, false, prefs)
}

// commitNextMap tells the server the next rotation index. A fault on
// this critical call re-queries the server's choice and retries once
// before accepting it.
func (c *Controller) commitNextMap(ctx context.Context, uid string) {
	index, ok := c.serverIndex[uid]
	if !ok {
		log.Printf("controller: next map %s is not in the server rotation", uid)
		return
	}

	err := c.server.SetNextMapIndex(ctx, index)
	if err != nil {
		log.Printf("controller: SetNextMapIndex(%d): %v", index, err)
		serverChoice, qerr := c.server.GetNextMapIndex(ctx)
		if qerr == nil && serverChoice == index {
			err = nil
		} else {
			err = c.server.SetNextMapIndex(ctx, index)
		}
	}
	if err != nil {
		log.Printf("controller: accepting the server's next map choice: %v", err)
		return
	}

	var nextMap *domain.Map
	if m, lookupErr := c.store.MapByUID(ctx, uid); lookupErr == nil {
		nextMap = m
	}
	c.match.Write(func(s *MatchState) { s.NextMap = nextMap })
}

// onMapUnloaded leaves the outro: play history is upserted for every
// connected player and the recency counters advance.
func (c *Controller) onMapUnloaded(ctx context.Context) {
	var currentUID string
	var logins []string
	c.match.Write(func(s *MatchState) {
		s.Phase = PhaseIdle
		if s.CurrentMap != nil {
			currentUID = s.CurrentMap.UID
		}
		logins = s.ConnectedLogins()
	})
	if currentUID == "" {
		return
	}

	if err := c.store.UpsertPlayHistory(ctx, logins, currentUID, time.Now().UTC()); err != nil {
		log.Printf("controller: upserting play history: %v", err)
	}

	playlistUIDs := make([]string, len(c.playlist))
	for i, m := range c.playlist {
		playlistUIDs[i] = m.UID
	}
	c.queue.mapPlayed(currentUID, playlistUIDs)

	c.publish(domain.EventMapEnd, map[string]string{"map_uid": currentUID})
}

// --- race events ---

func (c *Controller) onWaypoint(ctx context.Context, ev gbx.WaypointEvent) {
	skip := false
	c.match.Write(func(s *MatchState) {
		if s.Phase != PhaseRunning || s.Warmup || s.Paused {
			skip = true
			return
		}
		r := s.runs[ev.Login]
		if r == nil {
			// No start line seen for this run.
			r = &run{invalid: true}
			s.runs[ev.Login] = r
		}
		if ev.CpIndex != len(r.sectors) {
			// A waypoint was dropped; the run cannot become a record.
			r.invalid = true
			return
		}
		r.sectors = append(r.sectors, domain.Sector{
			Index:    ev.CpIndex,
			CpMillis: ev.RaceMillis,
			CpSpeed:  math.Abs(ev.Speed),
		})

		if ev.IsFinish {
			updateLiveRanking(s, ev)
		}
	})
	if skip || !ev.IsFinish {
		return
	}

	err := c.records.IngestFinish(ctx, ev, func(improved domain.RecordImproved) {
		c.internal <- recordDoneEvent{improved}
	})
	if err != nil && !errors.Is(err, domain.ErrInvalidRecord) {
		log.Printf("controller: ingesting finish of %s: %v", ev.Login, err)
	}
}

// updateLiveRanking inserts a finish into the live race ranking if it
// improves the player's position. Callers hold the write guard.
func updateLiveRanking(s *MatchState, ev gbx.WaypointEvent) {
	player, ok := s.Players[ev.Login]
	if !ok {
		return
	}

	for i, row := range s.LiveRanking {
		if row.Login != ev.Login {
			continue
		}
		if row.Millis > 0 && row.Millis <= ev.RaceMillis {
			return
		}
		s.LiveRanking = append(s.LiveRanking[:i], s.LiveRanking[i+1:]...)
		break
	}

	entry := RaceRank{
		Login:       ev.Login,
		DisplayName: player.Player.DisplayName,
		Millis:      ev.RaceMillis,
	}
	inserted := false
	for i, row := range s.LiveRanking {
		if row.Millis == 0 || row.Millis > ev.RaceMillis {
			s.LiveRanking = append(s.LiveRanking[:i],
				append([]RaceRank{entry}, s.LiveRanking[i:]...)...)
			inserted = true
			break
		}
	}
	if !inserted {
		s.LiveRanking = append(s.LiveRanking, entry)
	}
}

func (c *Controller) onScores(ev gbx.ScoresEvent) {
	c.match.Write(func(s *MatchState) {
		ranking := make([]RaceRank, 0, len(ev.Players))
		for _, p := range ev.Players {
			if _, connected := s.Players[p.Login]; !connected {
				continue
			}
			ranking = append(ranking, RaceRank{
				Login:       p.Login,
				DisplayName: p.DisplayName,
				Millis:      p.BestRaceMillis,
			})
		}
		s.LiveRanking = ranking
	})
}

func (c *Controller) onRecordImproved(ctx context.Context, improved domain.RecordImproved) {
	c.publish(domain.EventRecordImproved, improved)

	if improved.NewMapRank <= maxDisplayedMapRanks {
		msg := fmt.Sprintf("%s set the %s map record: %s",
			improved.PlayerDisplayName, ordinal(improved.NewMapRank), formatMillis(improved.NewMillis))
		c.announce(ctx, msg)
	}
}

func (c *Controller) setWarmup(active bool) {
	changed := false
	c.match.Write(func(s *MatchState) {
		changed = s.Warmup != active
		s.Warmup = active
		if active {
			// Warm-up runs never count.
			s.runs = make(map[string]*run)
		}
	})
	if changed {
		c.publish(domain.EventWarmup, map[string]bool{"active": active})
	}
}

// --- admin commands ---

func (c *Controller) onAdmin(ctx context.Context, cmd AdminCommand) {
	report := func(format string, args ...interface{}) {
		msg := fmt.Sprintf(format, args...)
		if err := c.server.ChatSendTo(ctx, msg, []string{cmd.From}); err != nil {
			log.Printf("controller: reporting to %s: %v", cmd.From, err)
		}
	}

	switch cmd.Action {
	case AdminPlaylistAdd:
		if err := c.playlistAdd(ctx, cmd.MapUID); err != nil {
			report("Cannot add %s: %v", cmd.MapUID, err)
			return
		}
		report("Added %s to the playlist.", cmd.MapUID)

	case AdminPlaylistRemove:
		if err := c.playlistRemove(ctx, cmd.MapUID); err != nil {
			report("Cannot remove %s: %v", cmd.MapUID, err)
			return
		}
		report("Removed %s from the playlist.", cmd.MapUID)

	case AdminForceQueue:
		if c.queue.pin(cmd.MapUID) {
			report("Queued %s next.", cmd.MapUID)
		} else {
			report("%s is already queued next.", cmd.MapUID)
		}

	case AdminImportMap:
		if err := c.importMap(ctx, cmd.MapUID); err != nil {
			report("Import of %s failed: %v", cmd.MapUID, err)
			return
		}
		report("Imported %s; it will be queued next.", cmd.MapUID)

	case AdminSkipMap:
		if err := c.server.NextMap(ctx); err != nil {
			report("Cannot skip: %v", err)
		}

	case AdminRestartMap:
		if err := c.server.RestartMap(ctx); err != nil {
			report("Cannot restart: %v", err)
		}

	case AdminEndWarmup:
		if !c.warmupAvailable {
			report("Warm-up: %v", domain.ErrUnsupported)
			return
		}
		if err := c.server.ForceEndWarmup(ctx); err != nil {
			report("Cannot end warm-up: %v", err)
		}

	case AdminExtendWarmup:
		if !c.warmupAvailable {
			report("Warm-up: %v", domain.ErrUnsupported)
			return
		}
		if err := c.server.ExtendWarmup(ctx, cmd.Millis); err != nil {
			report("Cannot extend warm-up: %v", err)
		}

	case AdminSetPause:
		if !c.pauseAvailable {
			report("Pause: %v", domain.ErrUnsupported)
			return
		}
		if err := c.server.SetPause(ctx, cmd.Flag); err != nil {
			report("Cannot toggle pause: %v", err)
		}

	case AdminForceSpectator:
		if err := c.server.ForceSpectator(ctx, cmd.Login); err != nil {
			report("Cannot force %s to spectate: %v", cmd.Login, err)
		}

	case AdminKick:
		if err := c.server.Kick(ctx, cmd.Login, cmd.Reason); err != nil {
			report("Cannot kick %s: %v", cmd.Login, err)
		}

	case AdminBlacklist:
		if err := c.server.Blacklist(ctx, cmd.Login); err != nil {
			report("Cannot blacklist %s: %v", cmd.Login, err)
			return
		}
		if err := c.server.Kick(ctx, cmd.Login, "blacklisted"); err != nil {
			log.Printf("controller: kicking blacklisted %s: %v", cmd.Login, err)
		}

	case AdminUnblacklist:
		if err := c.server.Unblacklist(ctx, cmd.Login); err != nil {
			report("Cannot unblacklist %s: %v", cmd.Login, err)
		}
	}
}

func (c *Controller) playlistAdd(ctx context.Context, uid string) error {
	if err := c.store.SetInPlaylist(ctx, uid, true); err != nil {
		return err
	}
	if err := c.reloadPlaylist(ctx); err != nil {
		return err
	}
	m, err := c.store.MapByUID(ctx, uid)
	if err != nil || m == nil {
		return domain.ErrUnknownMap
	}
	if _, onServer := c.serverIndex[uid]; !onServer {
		if err := c.server.AddMap(ctx, m.FileName); err != nil {
			log.Printf("controller: adding %s to server rotation: %v", m.FileName, err)
		}
		if err := c.syncServerMaps(ctx); err != nil {
			log.Printf("controller: resyncing server maps: %v", err)
		}
	}
	c.refreshRankingAfterPlaylistChange(ctx)
	return nil
}

func (c *Controller) playlistRemove(ctx context.Context, uid string) error {
	if err := c.store.SetInPlaylist(ctx, uid, false); err != nil {
		return err
	}
	if err := c.reloadPlaylist(ctx); err != nil {
		return err
	}
	c.queue.dropMap(uid)
	if m, err := c.store.MapByUID(ctx, uid); err == nil && m != nil {
		if err := c.server.RemoveMap(ctx, m.FileName); err != nil {
			log.Printf("controller: removing %s from server rotation: %v", m.FileName, err)
		}
		if err := c.syncServerMaps(ctx); err != nil {
			log.Printf("controller: resyncing server maps: %v", err)
		}
	}
	c.refreshRankingAfterPlaylistChange(ctx)
	return nil
}

// importMap pulls a blob from the blob source, stores it, and queues
// the new map once.
func (c *Controller) importMap(ctx context.Context, id string) error {
	if c.blobs == nil {
		return domain.ErrUnsupported
	}
	blob, exchangeID, err := c.blobs.FetchMap(id)
	if err != nil {
		return err
	}

	// The file must exist in the server's map directory before AddMap;
	// the blob source is expected to have placed it there.
	fileName := id + ".Map.Gbx"
	if err := c.server.AddMap(ctx, fileName); err != nil {
		return err
	}
	if err := c.syncServerMaps(ctx); err != nil {
		return err
	}

	info, err := c.server.GetMapInfo(ctx, fileName)
	if err != nil {
		return err
	}
	m := domain.Map{
		UID:               info.UID,
		FileName:          info.FileName,
		Name:              info.Name,
		AuthorLogin:       info.Author,
		AuthorDisplayName: info.AuthorDisplayName,
		AuthorMillis:      info.AuthorTime,
		AddedSince:        time.Now().UTC(),
		ExchangeID:        exchangeID,
	}
	if err := c.store.InsertMap(ctx, m, blob); err != nil {
		return err
	}
	if err := c.store.SetInPlaylist(ctx, m.UID, true); err != nil {
		return err
	}
	if err := c.reloadPlaylist(ctx); err != nil {
		return err
	}
	c.queue.pin(m.UID)
	c.refreshRankingAfterPlaylistChange(ctx)
	return nil
}

func (c *Controller) refreshRankingAfterPlaylistChange(ctx context.Context) {
	if _, err := c.ranking.Recompute(ctx); err != nil {
		log.Printf("controller: recomputing ranking after playlist change: %v", err)
	}
}

// seedQueueAges approximates the recency counters from stored play
// history, so a restarted controller does not treat every map as
// unplayed. Maps are ranked by the most recent time any connected
// player saw them.
func (c *Controller) seedQueueAges(ctx context.Context, infos []gbx.PlayerInfo) {
	logins := make([]string, len(infos))
	for i, info := range infos {
		logins[i] = info.Login
	}
	history, err := c.store.MapsLastPlayed(ctx, logins)
	if err != nil {
		log.Printf("controller: loading play history: %v", err)
		return
	}

	lastPlayed := make(map[string]time.Time)
	for _, h := range history {
		if h.LastPlayed.After(lastPlayed[h.MapUID]) {
			lastPlayed[h.MapUID] = h.LastPlayed
		}
	}

	played := make([]string, 0, len(lastPlayed))
	for uid := range lastPlayed {
		played = append(played, uid)
	}
	sort.Slice(played, func(i, j int) bool {
		return lastPlayed[played[i]].After(lastPlayed[played[j]])
	})
	for age, uid := range played {
		c.queue.ages[uid] = age
	}
}

// --- helpers ---

// syncServerMaps pulls the server's rotation, upserts unknown maps
// into the store, and refreshes the UID-to-index mapping.
func (c *Controller) syncServerMaps(ctx context.Context) error {
	list, err := c.server.GetMapList(ctx)
	if err != nil {
		return err
	}

	c.serverList = list
	c.serverIndex = make(map[string]int, len(list))
	for i, entry := range list {
		c.serverIndex[entry.UID] = i

		stored, err := c.store.MapByUID(ctx, entry.UID)
		if err != nil {
			return err
		}
		if stored != nil {
			continue
		}
		info, err := c.server.GetMapInfo(ctx, entry.FileName)
		if err != nil {
			log.Printf("controller: map info for %s: %v", entry.FileName, err)
			continue
		}
		m := domain.Map{
			UID:               info.UID,
			FileName:          info.FileName,
			Name:              info.Name,
			AuthorLogin:       info.Author,
			AuthorDisplayName: info.AuthorDisplayName,
			AuthorMillis:      info.AuthorTime,
			AddedSince:        time.Now().UTC(),
		}
		if err := c.store.InsertMap(ctx, m, nil); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) reloadPlaylist(ctx context.Context) error {
	playlist, err := c.store.Playlist(ctx)
	if err != nil {
		return err
	}
	c.playlist = playlist
	return nil
}

func (c *Controller) publish(eventType string, data interface{}) {
	c.sink.Publish(domain.Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}

// announce sends a server chat message; failures on this non-critical
// call are logged and dropped.
func (c *Controller) announce(ctx context.Context, msg string) {
	if err := c.server.ChatSend(ctx, msg); err != nil {
		log.Printf("controller: announcing %q: %v", msg, err)
	}
}

func (c *Controller) announceRankGains(ctx context.Context, deltas map[string]domain.ServerRankDelta) {
	announced := 0
	for _, delta := range deltas {
		if delta.GainedPos <= 0 || delta.NewPos > maxDisplayedServerRanks {
			continue
		}
		c.announce(ctx, fmt.Sprintf("%s climbed to server rank %d",
			delta.PlayerDisplayName, delta.NewPos))
		announced++
		if announced >= 3 {
			break
		}
	}
}

// renderOutroFrames emits one summary frame per connected player.
func (c *Controller) renderOutroFrames(ctx context.Context, deltas map[string]domain.ServerRankDelta, preview []domain.QueueEntry) {
	snap := c.match.Snapshot()
	if snap.CurrentMap == nil {
		return
	}

	mapRanking, err := c.store.MapRanking(ctx, snap.CurrentMap.UID, maxDisplayedMapRanks)
	if err != nil {
		log.Printf("controller: map ranking for frames: %v", err)
	}
	serverRanks := c.ranking.Current()
	if len(serverRanks) > maxDisplayedServerRanks {
		serverRanks = serverRanks[:maxDisplayedServerRanks]
	}

	frames := make(map[string]Frame, len(snap.Players))
	for login := range snap.Players {
		data := map[string]interface{}{
			"map":            snap.CurrentMap,
			"map_ranking":    mapRanking,
			"server_ranking": serverRanks,
			"live_ranking":   snap.LiveRanking,
		}
		if delta, ok := deltas[login]; ok {
			data["rank_delta"] = delta
		}
		if preview != nil {
			data["queue_preview"] = preview
		}
		if pb := c.records.PersonalBestMillis(login); pb > 0 {
			data["personal_best"] = pb
		}
		frames[login] = Frame{Login: login, Widget: "outro", Data: data}
	}
	c.renderer.RenderFrames(frames)
}

// evaluateRestartVote applies the escalating thresholds: a simple
// majority for the first restart, three quarters for the second,
// unanimity beyond that. Abstentions count as no.
func evaluateRestartVote(votersAtOpen []string, votes map[string]bool, consecutiveRestarts int) bool {
	if len(votersAtOpen) == 0 {
		return false
	}
	yes := 0
	for _, login := range votersAtOpen {
		if votes[login] {
			yes++
		}
	}
	share := float64(yes) / float64(len(votersAtOpen))

	switch {
	case consecutiveRestarts == 0:
		return share > 0.5
	case consecutiveRestarts == 1:
		return share >= 0.75
	default:
		return share >= 1.0
	}
}

// formatMillis renders a duration as m:ss.mmm game style.
func formatMillis(millis int) string {
	mins := millis / 60000
	secs := (millis % 60000) / 1000
	frac := millis % 1000
	return fmt.Sprintf("%d:%02d.%03d", mins, secs, frac)
}

func ordinal(n int) string {
	switch {
	case n%100 >= 11 && n%100 <= 13:
		return fmt.Sprintf("%dth", n)
	case n%10 == 1:
		return fmt.Sprintf("%dst", n)
	case n%10 == 2:
		return fmt.Sprintf("%dnd", n)
	case n%10 == 3:
		return fmt.Sprintf("%drd", n)
	default:
		return fmt.Sprintf("%dth", n)
	}
}
