package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timwie/steward/internal/domain"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "steward.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedMap(t *testing.T, s *Store, uid string, addedSince time.Time) {
	t.Helper()
	require.NoError(t, s.InsertMap(context.Background(), domain.Map{
		UID:               uid,
		FileName:          uid + ".Map.Gbx",
		Name:              "Map " + uid,
		AuthorLogin:       "author",
		AuthorDisplayName: "Author",
		AuthorMillis:      45000,
		AddedSince:        addedSince,
	}, []byte("gbx blob of "+uid)))
}

func seedPlayer(t *testing.T, s *Store, login string) {
	t.Helper()
	require.NoError(t, s.UpsertPlayer(context.Background(), domain.Player{
		Login:       login,
		DisplayName: "$fff" + login,
	}))
}

func TestMigrations(t *testing.T) {
	s := testStore(t)
	nb, err := s.AtMigration(context.Background())
	require.NoError(t, err)
	assert.Equal(t, nbMigrations, nb)

	// Re-opening an existing database must be a no-op.
	path := filepath.Join(t.TempDir(), "other.db")
	s2, err := New(path)
	require.NoError(t, err)
	require.NoError(t, s2.Close())
	s2, err = New(path)
	require.NoError(t, err)
	defer s2.Close()
	nb, err = s2.AtMigration(context.Background())
	require.NoError(t, err)
	assert.Equal(t, nbMigrations, nb)
}

func TestMapBlobRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	seedMap(t, s, "uid1", time.Now())

	blob, err := s.MapBlob(ctx, "uid1")
	require.NoError(t, err)
	assert.Equal(t, []byte("gbx blob of uid1"), blob)

	blob, err = s.MapBlob(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, blob)
}

func TestPlaylistNeverEmpty(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	seedMap(t, s, "uid1", time.Now())
	seedMap(t, s, "uid2", time.Now())

	require.NoError(t, s.SetInPlaylist(ctx, "uid1", true))
	require.NoError(t, s.SetInPlaylist(ctx, "uid2", true))
	require.NoError(t, s.SetInPlaylist(ctx, "uid1", false))

	// Removing the last member must fail and change nothing.
	err := s.SetInPlaylist(ctx, "uid2", false)
	require.ErrorIs(t, err, domain.ErrPlaylistEmpty)

	uids, err := s.ListPlaylistUIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"uid2"}, uids)

	assert.ErrorIs(t, s.SetInPlaylist(ctx, "ghost", true), domain.ErrUnknownMap)
}

// Scenario: first record write stores the record plus 3 sector rows.
func TestRecordWrite(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	seedMap(t, s, "m", time.Now())
	seedPlayer(t, s, "p")

	now := time.Now()
	rec := domain.Record{
		PlayerLogin: "p", MapUID: "m", NbLaps: 0,
		Millis: 15000, Timestamp: now,
	}
	sectors := []domain.Sector{
		{PlayerLogin: "p", MapUID: "m", Index: 0, CpMillis: 5000, CpSpeed: 300},
		{PlayerLogin: "p", MapUID: "m", Index: 1, CpMillis: 10000, CpSpeed: 350},
		{PlayerLogin: "p", MapUID: "m", Index: 2, CpMillis: 15000, CpSpeed: 400},
	}
	require.NoError(t, s.UpsertRecordAndSectors(ctx, rec, sectors))

	pb, err := s.PersonalBest(ctx, "p", "m", 0)
	require.NoError(t, err)
	require.NotNil(t, pb)
	assert.Equal(t, 15000, pb.Millis)
	assert.Equal(t, 1, pb.MapRank)

	stored, err := s.Sectors(ctx, "p", "m")
	require.NoError(t, err)
	require.Len(t, stored, 3)
	assert.Equal(t, 5000, stored[0].CpMillis)
	assert.Equal(t, 15000, stored[2].CpMillis)
}

func TestRecordWriteReplacesSectors(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	seedMap(t, s, "m", time.Now())
	seedPlayer(t, s, "p")

	first := []domain.Sector{
		{PlayerLogin: "p", MapUID: "m", Index: 0, CpMillis: 6000, CpSpeed: 280},
		{PlayerLogin: "p", MapUID: "m", Index: 1, CpMillis: 16000, CpSpeed: 380},
	}
	require.NoError(t, s.UpsertRecordAndSectors(ctx,
		domain.Record{PlayerLogin: "p", MapUID: "m", Millis: 16000, Timestamp: time.Now()}, first))

	second := []domain.Sector{
		{PlayerLogin: "p", MapUID: "m", Index: 0, CpMillis: 5000, CpSpeed: 300},
		{PlayerLogin: "p", MapUID: "m", Index: 1, CpMillis: 15000, CpSpeed: 400},
	}
	require.NoError(t, s.UpsertRecordAndSectors(ctx,
		domain.Record{PlayerLogin: "p", MapUID: "m", Millis: 15000, Timestamp: time.Now()}, second))

	stored, err := s.Sectors(ctx, "p", "m")
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, 5000, stored[0].CpMillis)
}

func TestRecordWriteRejectsBadSectors(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	seedMap(t, s, "m", time.Now())
	seedPlayer(t, s, "p")

	rec := domain.Record{PlayerLogin: "p", MapUID: "m", Millis: 15000, Timestamp: time.Now()}

	// Not strictly increasing.
	err := s.UpsertRecordAndSectors(ctx, rec, []domain.Sector{
		{Index: 0, CpMillis: 8000, CpSpeed: 300},
		{Index: 1, CpMillis: 8000, CpSpeed: 300},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidRecord)

	// Non-positive speed.
	err = s.UpsertRecordAndSectors(ctx, rec, []domain.Sector{
		{Index: 0, CpMillis: 8000, CpSpeed: 0},
		{Index: 1, CpMillis: 15000, CpSpeed: 300},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidRecord)

	// Final sector drifts more than 1 ms from the record time.
	err = s.UpsertRecordAndSectors(ctx, rec, []domain.Sector{
		{Index: 0, CpMillis: 8000, CpSpeed: 300},
		{Index: 1, CpMillis: 15002, CpSpeed: 300},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidRecord)

	// A 1 ms drift is tolerated; the record time stays authoritative.
	err = s.UpsertRecordAndSectors(ctx, rec, []domain.Sector{
		{PlayerLogin: "p", MapUID: "m", Index: 0, CpMillis: 8000, CpSpeed: 300},
		{PlayerLogin: "p", MapUID: "m", Index: 1, CpMillis: 15001, CpSpeed: 300},
	})
	require.NoError(t, err)
	pb, err := s.PersonalBest(ctx, "p", "m", 0)
	require.NoError(t, err)
	assert.Equal(t, 15000, pb.Millis)
}

func TestMapRankingTies(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	seedMap(t, s, "m", time.Now())
	for _, login := range []string{"a", "b", "c"} {
		seedPlayer(t, s, login)
	}

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	write := func(login string, millis int, ts time.Time) {
		require.NoError(t, s.UpsertRecordAndSectors(ctx,
			domain.Record{PlayerLogin: login, MapUID: "m", Millis: millis, Timestamp: ts},
			[]domain.Sector{{PlayerLogin: login, MapUID: "m", Index: 0, CpMillis: millis, CpSpeed: 300}}))
	}
	write("b", 15000, base)
	write("a", 15000, base.Add(time.Minute)) // same time, later: ranked below b
	write("c", 14000, base.Add(2*time.Minute))

	ranking, err := s.MapRanking(ctx, "m", 10)
	require.NoError(t, err)
	require.Len(t, ranking, 3)
	assert.Equal(t, "c", ranking[0].PlayerLogin)
	assert.Equal(t, 1, ranking[0].MapRank)
	assert.Equal(t, "b", ranking[1].PlayerLogin)
	assert.Equal(t, 2, ranking[1].MapRank)
	assert.Equal(t, "a", ranking[2].PlayerLogin)
	assert.Equal(t, 3, ranking[2].MapRank)
}

func TestServerRankingInputsIgnoreDroppedMaps(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	seedMap(t, s, "in", time.Now())
	seedMap(t, s, "out", time.Now())
	seedPlayer(t, s, "p")

	for _, uid := range []string{"in", "out"} {
		require.NoError(t, s.UpsertRecordAndSectors(ctx,
			domain.Record{PlayerLogin: "p", MapUID: uid, Millis: 10000, Timestamp: time.Now()},
			[]domain.Sector{{PlayerLogin: "p", MapUID: uid, Index: 0, CpMillis: 10000, CpSpeed: 300}}))
	}

	ranks, err := s.ServerRankingInputs(ctx, []string{"in"})
	require.NoError(t, err)
	require.Len(t, ranks, 1)
	assert.Equal(t, "in", ranks[0].MapUID)

	nb, err := s.NbPlayersWithAnyRecord(ctx, []string{"in"})
	require.NoError(t, err)
	assert.Equal(t, 1, nb)
}

func TestEffectivePreferences(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	seedMap(t, s, "m", time.Now())
	for _, login := range []string{"a", "b", "c", "d"} {
		seedPlayer(t, s, login)
	}

	// a: explicit veto. b: has played, no preference. c: never played,
	// no preference. d: explicit remove.
	require.NoError(t, s.UpsertPreference(ctx, domain.Preference{
		PlayerLogin: "a", MapUID: "m", Value: domain.PreferenceVeto,
	}))
	require.NoError(t, s.UpsertPreference(ctx, domain.Preference{
		PlayerLogin: "d", MapUID: "m", Value: domain.PreferenceRemove,
	}))
	require.NoError(t, s.UpsertPlayHistory(ctx, []string{"b"}, "m", time.Now()))

	prefs, err := s.EffectivePreferences(ctx, "m", []string{"a", "b", "c", "d"})
	require.NoError(t, err)
	assert.Equal(t, domain.PreferenceVeto, prefs["a"])
	assert.Equal(t, domain.PreferencePick, prefs["b"])
	assert.Equal(t, domain.PreferenceAutoPick, prefs["c"])
	assert.Equal(t, domain.PreferenceRemove, prefs["d"])

	// Clearing a preference falls back to the derived value.
	require.NoError(t, s.UpsertPreference(ctx, domain.Preference{
		PlayerLogin: "a", MapUID: "m", Value: domain.PreferenceNone,
	}))
	prefs, err = s.EffectivePreferences(ctx, "m", []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, domain.PreferenceAutoPick, prefs["a"])
}

func TestWebUsers(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateWebUser(ctx, "admin", "hash", true))
	u, err := s.WebUserByUsername(ctx, "admin")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.True(t, u.IsAdmin)
	assert.Nil(t, u.LastLogin)

	require.NoError(t, s.TouchWebUserLogin(ctx, u.ID))
	u, err = s.WebUserByUsername(ctx, "admin")
	require.NoError(t, err)
	assert.NotNil(t, u.LastLogin)

	// Duplicate usernames are a conflict.
	err = s.CreateWebUser(ctx, "admin", "hash", false)
	require.Error(t, err)
	assert.True(t, IsConflict(err))

	require.NoError(t, s.DeleteWebUser(ctx, "admin"))
	u, err = s.WebUserByUsername(ctx, "admin")
	require.NoError(t, err)
	assert.Nil(t, u)
}
