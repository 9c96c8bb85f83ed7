package controller

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timwie/steward/internal/domain"
)

func rank(mapUID, login string, pos, maxPos int) domain.MapRank {
	return domain.MapRank{
		MapUID:            mapUID,
		PlayerLogin:       login,
		PlayerDisplayName: login,
		Pos:               pos,
		MaxPos:            maxPos,
	}
}

func TestServerRankingEmpty(t *testing.T) {
	assert.Empty(t, computeServerRanking(nil, 0, 0))
}

func TestServerRankingSingleMap(t *testing.T) {
	inputs := []domain.MapRank{
		rank("m", "a", 1, 3),
		rank("m", "b", 2, 3),
		rank("m", "c", 3, 3),
	}
	ranking := computeServerRanking(inputs, 3, 1)
	require.Len(t, ranking, 3)

	assert.Equal(t, "a", ranking[0].Login)
	assert.Equal(t, 1, ranking[0].Pos)
	assert.Equal(t, 3-1-1, ranking[0].Wins)
	assert.Equal(t, 0, ranking[0].Losses)

	assert.Equal(t, "b", ranking[1].Login)
	assert.Equal(t, 3-1-2, ranking[1].Wins)
	assert.Equal(t, 1, ranking[1].Losses)

	assert.Equal(t, "c", ranking[2].Login)
	assert.Equal(t, 2, ranking[2].Losses)
}

// Missing records on a playlist map cost a full field of losses but
// earn nothing.
func TestServerRankingUnrankedMapCostsLosses(t *testing.T) {
	inputs := []domain.MapRank{
		rank("m1", "a", 1, 2),
		rank("m1", "b", 2, 2),
		rank("m2", "b", 1, 1),
	}
	ranking := computeServerRanking(inputs, 2, 2)
	require.Len(t, ranking, 2)

	// a: m1 wins 2-1-1=0, losses 0; m2 unranked: +1 loss.
	// b: m1 wins 2-1-2=-1, losses 1; m2 wins 0, losses 0.
	assert.Equal(t, "a", ranking[0].Login)
	assert.Equal(t, 0, ranking[0].Wins)
	assert.Equal(t, 1, ranking[0].Losses)
	assert.Equal(t, "b", ranking[1].Login)
}

// Ties break by total losses ascending, then login.
func TestServerRankingTieBreaks(t *testing.T) {
	inputs := []domain.MapRank{
		rank("m1", "a", 1, 2),
		rank("m1", "b", 2, 2),
		rank("m2", "b", 1, 2),
		rank("m2", "a", 2, 2),
	}
	ranking := computeServerRanking(inputs, 2, 2)
	require.Len(t, ranking, 2)
	// Symmetric wins and losses: login decides.
	assert.Equal(t, "a", ranking[0].Login)
	assert.Equal(t, "b", ranking[1].Login)
	assert.Equal(t, ranking[0].Wins, ranking[1].Wins)
	assert.Equal(t, ranking[0].Losses, ranking[1].Losses)
}
