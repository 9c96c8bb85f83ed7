package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/timwie/steward/internal/domain"
)

// maxFinishDrift is the tolerated difference between a record's total
// time and its final sector's checkpoint time. The record time is
// authoritative.
const maxFinishDrift = 1

// UpsertRecordAndSectors writes a personal best and its sector detail
// in one transaction: the record row is upserted, existing sector
// rows for the key are deleted, and the new rows inserted. Any
// failure rolls the whole write back.
func (s *Store) UpsertRecordAndSectors(ctx context.Context, rec domain.Record, sectors []domain.Sector) error {
	if len(sectors) == 0 {
		return fmt.Errorf("%w: no sectors", domain.ErrInvalidRecord)
	}
	prev := -1
	for _, sector := range sectors {
		if sector.CpMillis <= prev {
			return fmt.Errorf("%w: sector times are not strictly increasing", domain.ErrInvalidRecord)
		}
		if sector.CpSpeed <= 0 {
			return fmt.Errorf("%w: non-positive sector speed", domain.ErrInvalidRecord)
		}
		prev = sector.CpMillis
	}
	drift := sectors[len(sectors)-1].CpMillis - rec.Millis
	if drift < -maxFinishDrift || drift > maxFinishDrift {
		return fmt.Errorf("%w: final sector deviates from record time by %d ms",
			domain.ErrInvalidRecord, drift)
	}

	return withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		_, err = tx.ExecContext(ctx, `
			INSERT INTO record (player_login, map_uid, nb_laps, millis, timestamp)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(player_login, map_uid, nb_laps) DO UPDATE SET
				millis = excluded.millis,
				timestamp = excluded.timestamp
		`, rec.PlayerLogin, rec.MapUID, rec.NbLaps, rec.Millis, formatTimestamp(rec.Timestamp))
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			DELETE FROM sector WHERE player_login = ? AND map_uid = ?
		`, rec.PlayerLogin, rec.MapUID)
		if err != nil {
			return err
		}

		for _, sector := range sectors {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO sector (player_login, map_uid, "index", cp_millis, cp_speed)
				VALUES (?, ?, ?, ?, ?)
			`, rec.PlayerLogin, rec.MapUID, sector.Index, sector.CpMillis, sector.CpSpeed)
			if err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// PersonalBest returns the player's record for (map, lap count) with
// its current map rank, or nil if they have none.
func (s *Store) PersonalBest(ctx context.Context, login, mapUID string, nbLaps int) (*domain.RankedRecord, error) {
	var rec domain.RankedRecord
	var timestamp string
	err := s.db.QueryRowContext(ctx, `
		SELECT r.player_login, r.map_uid, r.nb_laps, r.millis, r.timestamp, r.pos, p.display_name
		FROM (
			SELECT *,
				RANK() OVER (ORDER BY millis ASC, timestamp ASC) pos
			FROM record
			WHERE map_uid = ? AND nb_laps = ?
		) r
		JOIN player p ON p.login = r.player_login
		WHERE r.player_login = ?
	`, mapUID, nbLaps, login).Scan(
		&rec.PlayerLogin, &rec.MapUID, &rec.NbLaps, &rec.Millis,
		&timestamp, &rec.MapRank, &rec.PlayerDisplayName)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.Timestamp = parseTimestamp(timestamp)
	return &rec, nil
}

// MapRanking returns the top records on a map for the flying-lap
// count, best first. Ties are broken by earlier timestamp.
func (s *Store) MapRanking(ctx context.Context, mapUID string, limit int) ([]domain.RankedRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.player_login, r.map_uid, r.nb_laps, r.millis, r.timestamp,
			RANK() OVER (ORDER BY r.millis ASC, r.timestamp ASC) pos,
			p.display_name
		FROM record r
		JOIN player p ON p.login = r.player_login
		WHERE r.map_uid = ? AND r.nb_laps = 0
		ORDER BY r.millis ASC, r.timestamp ASC
		LIMIT ?
	`, mapUID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ranking []domain.RankedRecord
	for rows.Next() {
		var rec domain.RankedRecord
		var timestamp string
		if err := rows.Scan(&rec.PlayerLogin, &rec.MapUID, &rec.NbLaps, &rec.Millis,
			&timestamp, &rec.MapRank, &rec.PlayerDisplayName); err != nil {
			return nil, err
		}
		rec.Timestamp = parseTimestamp(timestamp)
		ranking = append(ranking, rec)
	}
	return ranking, rows.Err()
}

// Sectors returns the stored sector detail of a player's record,
// ordered by index.
func (s *Store) Sectors(ctx context.Context, login, mapUID string) ([]domain.Sector, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT player_login, map_uid, "index", cp_millis, cp_speed
		FROM sector
		WHERE player_login = ? AND map_uid = ?
		ORDER BY "index" ASC
	`, login, mapUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sectors []domain.Sector
	for rows.Next() {
		var sector domain.Sector
		if err := rows.Scan(&sector.PlayerLogin, &sector.MapUID, &sector.Index,
			&sector.CpMillis, &sector.CpSpeed); err != nil {
			return nil, err
		}
		sectors = append(sectors, sector)
	}
	return sectors, rows.Err()
}

// NbRecords returns the number of flying-lap records on a map.
func (s *Store) NbRecords(ctx context.Context, mapUID string) (int, error) {
	var nb int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM record WHERE map_uid = ? AND nb_laps = 0
	`, mapUID).Scan(&nb)
	return nb, err
}

// NbPlayersWithAnyRecord counts the distinct players holding at least
// one flying-lap record on any of the given maps.
func (s *Store) NbPlayersWithAnyRecord(ctx context.Context, playlistUIDs []string) (int, error) {
	if len(playlistUIDs) == 0 {
		return 0, nil
	}
	query, args := inClause(`
		SELECT COUNT(DISTINCT player_login)
		FROM record
		WHERE nb_laps = 0 AND map_uid IN (%s)
	`, playlistUIDs)
	var nb int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&nb)
	return nb, err
}

// ServerRankingInputs returns every map rank across the given maps,
// the raw material of the server ranking.
func (s *Store) ServerRankingInputs(ctx context.Context, playlistUIDs []string) ([]domain.MapRank, error) {
	if len(playlistUIDs) == 0 {
		return nil, nil
	}
	query, args := inClause(`
		SELECT r.map_uid, r.player_login, p.display_name,
			RANK() OVER (
				PARTITION BY r.map_uid
				ORDER BY r.millis ASC, r.timestamp ASC
			) pos,
			COUNT(*) OVER (PARTITION BY r.map_uid) max_pos
		FROM record r
		JOIN player p ON p.login = r.player_login
		WHERE r.nb_laps = 0 AND r.map_uid IN (%s)
	`, playlistUIDs)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ranks []domain.MapRank
	for rows.Next() {
		var rank domain.MapRank
		if err := rows.Scan(&rank.MapUID, &rank.PlayerLogin, &rank.PlayerDisplayName,
			&rank.Pos, &rank.MaxPos); err != nil {
			return nil, err
		}
		ranks = append(ranks, rank)
	}
	return ranks, rows.Err()
}

// inClause expands a query containing one %s with len(values)
// placeholders.
func inClause(query string, values []string) (string, []interface{}) {
	placeholders := ""
	args := make([]interface{}, len(values))
	for i, v := range values {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args[i] = v
	}
	return fmt.Sprintf(query, placeholders), args
}
