package controller

import (
	"context"
	"sort"

	"github.com/timwie/steward/internal/domain"
)

// maxDisplayedServerRanks limits the ranks shown in frames and on the
// status surface.
const maxDisplayedServerRanks = 10

// ServerRank is one position of the cross-map server ranking.
type ServerRank struct {
	Pos         int    `json:"pos"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`

	// Wins sums nbPlayers − 1 − rank over every playlist map the
	// player holds a record on, where nbPlayers counts everyone with a
	// record on any playlist map.
	Wins int `json:"wins"`

	// Losses sums the players ahead of them, counting a full field
	// for maps they have no record on.
	Losses int `json:"losses"`
}

// computeServerRanking derives the server ranking from per-map ranks.
// For each of the given maps, a ranked player earns
// nbPlayers − 1 − rank wins and rank − 1 losses; an unranked player
// earns nothing and loses nbPlayers − 1. Players are ordered by wins
// descending, losses ascending, then login.
func computeServerRanking(inputs []domain.MapRank, nbPlayers, nbMaps int) []ServerRank {
	type tally struct {
		wins, losses int
		rankedMaps   int
		displayName  string
	}
	tallies := make(map[string]*tally)

	for _, input := range inputs {
		entry, ok := tallies[input.PlayerLogin]
		if !ok {
			entry = &tally{displayName: input.PlayerDisplayName}
			tallies[input.PlayerLogin] = entry
		}
		entry.wins += nbPlayers - 1 - input.Pos
		entry.losses += input.Pos - 1
		entry.rankedMaps++
	}

	ranking := make([]ServerRank, 0, len(tallies))
	for login, entry := range tallies {
		// Maps without a record each cost a full field of losses.
		losses := entry.losses + (nbMaps-entry.rankedMaps)*(nbPlayers-1)
		ranking = append(ranking, ServerRank{
			Login:       login,
			DisplayName: entry.displayName,
			Wins:        entry.wins,
			Losses:      losses,
		})
	}

	sort.Slice(ranking, func(i, j int) bool {
		a, b := ranking[i], ranking[j]
		if a.Wins != b.Wins {
			return a.Wins > b.Wins
		}
		if a.Losses != b.Losses {
			return a.Losses < b.Losses
		}
		return a.Login < b.Login
	})
	for i := range ranking {
		ranking[i].Pos = i + 1
	}
	return ranking
}

// rankingEngine caches the server ranking between recomputations. It
// is recomputed at each outro and on playlist changes; records on
// maps outside the playlist stay stored but contribute nothing, so
// dropped maps do not penalize returning players.
type rankingEngine struct {
	store Store

	ranks  []ServerRank
	byUser map[string]ServerRank
}

func newRankingEngine(store Store) *rankingEngine {
	return &rankingEngine{store: store, byUser: make(map[string]ServerRank)}
}

// Current returns the cached ranking.
func (e *rankingEngine) Current() []ServerRank {
	return e.ranks
}

// RankOf returns a player's cached server rank.
func (e *rankingEngine) RankOf(login string) (ServerRank, bool) {
	rank, ok := e.byUser[login]
	return rank, ok
}

// Recompute rebuilds the ranking from the store and returns per-login
// deltas against the previous computation. Call without holding the
// match guard.
func (e *rankingEngine) Recompute(ctx context.Context) (map[string]domain.ServerRankDelta, error) {
	playlistUIDs, err := e.store.ListPlaylistUIDs(ctx)
	if err != nil {
		return nil, err
	}
	nbPlayers, err := e.store.NbPlayersWithAnyRecord(ctx, playlistUIDs)
	if err != nil {
		return nil, err
	}
	inputs, err := e.store.ServerRankingInputs(ctx, playlistUIDs)
	if err != nil {
		return nil, err
	}

	newRanks := computeServerRanking(inputs, nbPlayers, len(playlistUIDs))

	deltas := make(map[string]domain.ServerRankDelta, len(newRanks))
	for _, rank := range newRanks {
		delta := domain.ServerRankDelta{
			PlayerLogin:       rank.Login,
			PlayerDisplayName: rank.DisplayName,
			NewPos:            rank.Pos,
		}
		if old, ok := e.byUser[rank.Login]; ok {
			delta.GainedPos = old.Pos - rank.Pos
			delta.GainedWins = rank.Wins - old.Wins
		} else {
			delta.GainedPos = len(newRanks) - rank.Pos
			delta.GainedWins = rank.Wins
		}
		deltas[rank.Login] = delta
	}

	e.ranks = newRanks
	e.byUser = make(map[string]ServerRank, len(newRanks))
	for _, rank := range newRanks {
		e.byUser[rank.Login] = rank
	}
	return deltas, nil
}
