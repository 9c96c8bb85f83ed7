package controller

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/timwie/steward/internal/domain"
	"github.com/timwie/steward/internal/gbx"
)

// maxDisplayedMapRanks limits the map ranking rows shown in frames
// and on the status surface.
const maxDisplayedMapRanks = 10

// recordEngine ingests finish events, validates improvements, writes
// them through to the store, and keeps a cache of personal bests for
// the current map. Writes run in their own goroutine so the event
// loop never blocks on the store; FlushWrites() joins them at outro.
type recordEngine struct {
	store Store
	match *Match

	mu  sync.Mutex
	pbs map[string]int // login -> PB millis on the current map

	writes sync.WaitGroup
}

func newRecordEngine(store Store, match *Match) *recordEngine {
	return &recordEngine{
		store: store,
		match: match,
		pbs:   make(map[string]int),
	}
}

// LoadForMap replaces the PB cache with the stored bests of every
// connected player on the given map.
func (e *recordEngine) LoadForMap(ctx context.Context, mapUID string, logins []string) error {
	pbs := make(map[string]int, len(logins))
	for _, login := range logins {
		pb, err := e.store.PersonalBest(ctx, login, mapUID, 0)
		if err != nil {
			return fmt.Errorf("loading PB of %s: %w", login, err)
		}
		if pb != nil {
			pbs[login] = pb.Millis
		}
	}

	e.mu.Lock()
	e.pbs = pbs
	e.mu.Unlock()
	return nil
}

// LoadForPlayer adds a joining player's stored best to the cache.
func (e *recordEngine) LoadForPlayer(ctx context.Context, mapUID, login string) error {
	pb, err := e.store.PersonalBest(ctx, login, mapUID, 0)
	if err != nil {
		return err
	}
	if pb == nil {
		return nil
	}
	e.mu.Lock()
	e.pbs[login] = pb.Millis
	e.mu.Unlock()
	return nil
}

// UnloadPlayer drops a leaving player's cache entry.
func (e *recordEngine) UnloadPlayer(login string) {
	e.mu.Lock()
	delete(e.pbs, login)
	e.mu.Unlock()
}

// PersonalBestMillis returns the cached PB for a login, or zero.
func (e *recordEngine) PersonalBestMillis(login string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pbs[login]
}

// IngestFinish validates a finish against the record rules. When the
// run is a strict improvement, the write is dispatched asynchronously
// and the committed result delivered through the onDone callback; the
// in-memory PB is only updated after the transaction commits.
//
// Validity requires all of: the player is not a pure spectator, the
// race time is positive, every checkpoint since the start line was
// crossed in order, the checkpoint count matches the map's declared
// count, and the time strictly beats the player's current PB.
func (e *recordEngine) IngestFinish(
	ctx context.Context,
	ev gbx.WaypointEvent,
	onDone func(domain.RecordImproved),
) error {
	var (
		sectors     []domain.Sector
		displayName string
		mapUID      string
	)

	// Snapshot everything needed under the guard, then release it
	// before any store access.
	var verr error
	e.match.Write(func(s *MatchState) {
		player, connected := s.Players[ev.Login]
		if !connected {
			verr = fmt.Errorf("%w: %s is not connected", domain.ErrInvalidRecord, ev.Login)
			return
		}
		if player.Slot != domain.SlotPlayer {
			verr = fmt.Errorf("%w: %s is spectating", domain.ErrInvalidRecord, ev.Login)
			return
		}
		if s.CurrentMap == nil {
			verr = fmt.Errorf("%w: no current map", domain.ErrInvalidRecord)
			return
		}
		if ev.RaceMillis <= 0 {
			verr = fmt.Errorf("%w: non-positive race time", domain.ErrInvalidRecord)
			return
		}

		r := s.runs[ev.Login]
		if r == nil || r.invalid {
			verr = fmt.Errorf("%w: dropped waypoints in run of %s", domain.ErrInvalidRecord, ev.Login)
			return
		}
		if s.NbCheckpoints > 0 && len(r.sectors) != s.NbCheckpoints {
			verr = fmt.Errorf("%w: crossed %d of %d checkpoints",
				domain.ErrInvalidRecord, len(r.sectors), s.NbCheckpoints)
			return
		}

		sectors = append([]domain.Sector(nil), r.sectors...)
		displayName = player.Player.DisplayName
		mapUID = s.CurrentMap.UID
		delete(s.runs, ev.Login)
	})
	if verr != nil {
		return verr
	}

	e.mu.Lock()
	prevMillis, hasPB := e.pbs[ev.Login]
	e.mu.Unlock()
	if hasPB && ev.RaceMillis >= prevMillis {
		// Equal or slower than the PB: no write.
		return fmt.Errorf("%w: %d ms does not beat %d ms",
			domain.ErrInvalidRecord, ev.RaceMillis, prevMillis)
	}

	rec := domain.Record{
		PlayerLogin: ev.Login,
		MapUID:      mapUID,
		NbLaps:      0,
		Millis:      ev.RaceMillis,
		Timestamp:   time.Now().UTC(),
	}

	e.writes.Add(1)
	go func() {
		defer e.writes.Done()
		if err := e.write(ctx, rec, sectors, prevMillis, hasPB, displayName, onDone); err != nil {
			log.Printf("controller: record write for %s failed: %v", ev.Login, err)
		}
	}()
	return nil
}

// write performs the transactional store write. The in-memory PB and
// any announcements happen only after the commit; a rollback leaves
// the cache untouched.
func (e *recordEngine) write(
	ctx context.Context,
	rec domain.Record,
	sectors []domain.Sector,
	prevMillis int,
	hasPB bool,
	displayName string,
	onDone func(domain.RecordImproved),
) error {
	for i := range sectors {
		sectors[i].PlayerLogin = rec.PlayerLogin
		sectors[i].MapUID = rec.MapUID
	}

	// The rank the previous record held, read before it is replaced.
	prevRank := 0
	if hasPB {
		if old, err := e.store.PersonalBest(ctx, rec.PlayerLogin, rec.MapUID, 0); err == nil && old != nil {
			prevRank = old.MapRank
		}
	}

	if err := e.store.UpsertRecordAndSectors(ctx, rec, sectors); err != nil {
		return err
	}

	e.mu.Lock()
	e.pbs[rec.PlayerLogin] = rec.Millis
	e.mu.Unlock()

	// The rank of the new record comes from the store, which is
	// authoritative across disconnected players.
	pb, err := e.store.PersonalBest(ctx, rec.PlayerLogin, rec.MapUID, 0)
	if err != nil {
		return fmt.Errorf("ranking new record: %w", err)
	}
	newRank := 0
	if pb != nil {
		newRank = pb.MapRank
	}

	improved := domain.RecordImproved{
		PlayerLogin:       rec.PlayerLogin,
		PlayerDisplayName: displayName,
		MapUID:            rec.MapUID,
		NewMillis:         rec.Millis,
		NewMapRank:        newRank,
	}
	if hasPB {
		improved.OldMillis = prevMillis
		improved.PrevMapRank = prevRank
	}
	if onDone != nil {
		onDone(improved)
	}
	return nil
}

// FlushWrites blocks until every dispatched record write committed or
// rolled back. Called at outro before ranks are recomputed.
func (e *recordEngine) FlushWrites() {
	e.writes.Wait()
}
