package controller

import (
	"sync"
	"time"

	"github.com/timwie/steward/internal/domain"
	"github.com/timwie/steward/internal/gbx"
)

// Phase is the main state of the match lifecycle. Warm-up and pause
// are nested flags that never change the phase.
type Phase int

const (
	PhaseBoot Phase = iota
	PhaseIdle
	PhaseIntro
	PhaseRunning
	PhaseOutro
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseIntro:
		return "intro"
	case PhaseRunning:
		return "running"
	case PhaseOutro:
		return "outro"
	default:
		return "boot"
	}
}

// ConnectedPlayer is the live view of one connected player.
type ConnectedPlayer struct {
	Player domain.Player
	Slot   domain.PlayerSlot

	// UID is the connection-scoped ID the server assigned.
	UID int
}

// RaceRank is one row of the live race ranking.
type RaceRank struct {
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`

	// Millis is zero while the player has not finished a run.
	Millis int `json:"millis"`
}

// run accumulates one player's checkpoint crossings between start
// line and finish.
type run struct {
	sectors []domain.Sector

	// invalid is set when a waypoint was dropped or the server
	// reported incoherence; the run can no longer produce a record.
	invalid bool
}

// MatchState is the single source of truth for the live match. It is
// owned by the Controller and only ever accessed through the Match
// guard.
type MatchState struct {
	Phase Phase

	// Players maps login to the live player view.
	Players map[string]ConnectedPlayer

	CurrentMap *domain.Map
	NextMap    *domain.Map

	// NbCheckpoints is the declared checkpoint count of the current
	// map, finish line included.
	NbCheckpoints int

	Warmup bool
	Paused bool

	// MapStartedAt is when the current map's intro began.
	MapStartedAt time.Time

	// RestartVotes maps login to their vote. Only players present at
	// vote open may vote; abstentions count as no.
	RestartVotes map[string]bool

	// VoteOpen is true between outro begin and vote close.
	VoteOpen bool

	// VotersAtOpen lists the non-spectating logins present when the
	// vote window opened.
	VotersAtOpen []string

	// ConsecutiveRestarts counts how often the current map was
	// restarted in a row; it escalates the vote threshold.
	ConsecutiveRestarts int

	// LiveRanking is the race ranking of the current map.
	LiveRanking []RaceRank

	// runs tracks in-flight runs per login.
	runs map[string]*run
}

func newMatchState() MatchState {
	return MatchState{
		Phase:        PhaseBoot,
		Players:      make(map[string]ConnectedPlayer),
		RestartVotes: make(map[string]bool),
		runs:         make(map[string]*run),
	}
}

// PlayingLogins returns the logins of connected non-spectators.
func (s *MatchState) PlayingLogins() []string {
	logins := make([]string, 0, len(s.Players))
	for login, p := range s.Players {
		if p.Slot == domain.SlotPlayer {
			logins = append(logins, login)
		}
	}
	return logins
}

// ConnectedLogins returns every connected login, spectators included.
func (s *MatchState) ConnectedLogins() []string {
	logins := make([]string, 0, len(s.Players))
	for login := range s.Players {
		logins = append(logins, login)
	}
	return logins
}

// Match is the read/write guard around the live MatchState. Many
// readers may hold read access; controller mutations take exclusive
// write access. Holders must never perform Store or RPC calls while
// holding either side: snapshot, release, do I/O, reacquire to
// commit.
type Match struct {
	mu    sync.RWMutex
	state MatchState
}

// NewMatch returns a guard around a boot-phase state.
func NewMatch() *Match {
	return &Match{state: newMatchState()}
}

// Read runs fn with shared read access.
func (m *Match) Read(fn func(*MatchState)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fn(&m.state)
}

// Write runs fn with exclusive write access.
func (m *Match) Write(fn func(*MatchState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&m.state)
}

// TryRead attempts to take read access without blocking. It exists so
// tests can prove that a reader would block while a writer holds the
// guard.
func (m *Match) TryRead() bool {
	if !m.mu.TryRLock() {
		return false
	}
	m.mu.RUnlock()
	return true
}

// Snapshot returns a copy of the state for observers. Slices and maps
// are copied so the caller can hold the result without the guard.
func (m *Match) Snapshot() MatchState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := m.state
	snap.Players = make(map[string]ConnectedPlayer, len(m.state.Players))
	for k, v := range m.state.Players {
		snap.Players[k] = v
	}
	snap.RestartVotes = make(map[string]bool, len(m.state.RestartVotes))
	for k, v := range m.state.RestartVotes {
		snap.RestartVotes[k] = v
	}
	snap.VotersAtOpen = append([]string(nil), m.state.VotersAtOpen...)
	snap.LiveRanking = append([]RaceRank(nil), m.state.LiveRanking...)
	if m.state.CurrentMap != nil {
		currentMap := *m.state.CurrentMap
		snap.CurrentMap = &currentMap
	}
	if m.state.NextMap != nil {
		nextMap := *m.state.NextMap
		snap.NextMap = &nextMap
	}
	snap.runs = nil
	return snap
}

// playerDiff classifies a PlayerInfoChanged callback against the
// current player list.
type playerDiff int

const (
	diffNone playerDiff = iota
	diffJoined
	diffSlotChanged
)

// applyPlayerInfo updates the player list and reports what changed.
// The caller persists the player row outside the guard.
func (s *MatchState) applyPlayerInfo(info gbx.PlayerInfo) playerDiff {
	slot := info.Slot()
	if slot == domain.SlotNone {
		return diffNone
	}

	prev, known := s.Players[info.Login]
	next := ConnectedPlayer{
		Player: domain.Player{Login: info.Login, DisplayName: info.DisplayName},
		Slot:   slot,
		UID:    info.UID,
	}
	s.Players[info.Login] = next

	switch {
	case !known:
		return diffJoined
	case prev.Slot != slot:
		return diffSlotChanged
	default:
		return diffNone
	}
}

// removePlayer drops a disconnected player and their transient state.
func (s *MatchState) removePlayer(login string) (ConnectedPlayer, bool) {
	p, ok := s.Players[login]
	if !ok {
		return ConnectedPlayer{}, false
	}
	delete(s.Players, login)
	delete(s.RestartVotes, login)
	delete(s.runs, login)
	return p, true
}
