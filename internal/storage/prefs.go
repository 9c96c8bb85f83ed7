package storage

import (
	"context"
	"time"

	"github.com/timwie/steward/internal/domain"
)

// UpsertPreference stores a player's map preference. The controller
// runs the Time-Attack mode, so preferences land in the ta_preference
// override table; `preference` keeps mode-independent defaults that
// admins may seed out-of-band.
func (s *Store) UpsertPreference(ctx context.Context, pref domain.Preference) error {
	return withRetry(ctx, func() error {
		if pref.Value == domain.PreferenceNone {
			_, err := s.db.ExecContext(ctx, `
				DELETE FROM ta_preference WHERE player_login = ? AND map_uid = ?
			`, pref.PlayerLogin, pref.MapUID)
			return err
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO ta_preference (player_login, map_uid, value)
			VALUES (?, ?, ?)
			ON CONFLICT(player_login, map_uid) DO UPDATE SET
				value = excluded.value
		`, pref.PlayerLogin, pref.MapUID, int(pref.Value))
		return err
	})
}

// EffectivePreferences returns the effective preference of each given
// player for a map: a Time-Attack override wins over the stored
// default; unset falls back to AutoPick for players that never played
// the map, and Pick otherwise.
func (s *Store) EffectivePreferences(ctx context.Context, mapUID string, logins []string) (map[string]domain.PreferenceValue, error) {
	result := make(map[string]domain.PreferenceValue, len(logins))
	if len(logins) == 0 {
		return result, nil
	}

	stored := make(map[string]domain.PreferenceValue)
	query, args := inClause(`
		SELECT p.login, COALESCE(ta.value, pr.value)
		FROM player p
		LEFT JOIN ta_preference ta ON ta.player_login = p.login AND ta.map_uid = ?1
		LEFT JOIN preference pr ON pr.player_login = p.login AND pr.map_uid = ?1
		WHERE COALESCE(ta.value, pr.value) IS NOT NULL AND p.login IN (%s)
	`, logins)
	args = append([]interface{}{mapUID}, args...)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var login string
		var value int
		if err := rows.Scan(&login, &value); err != nil {
			return nil, err
		}
		stored[login] = domain.PreferenceValue(value)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	played := make(map[string]bool)
	query, args = inClause(`
		SELECT player_login FROM ta_history
		WHERE map_uid = ?1 AND player_login IN (%s)
	`, logins)
	args = append([]interface{}{mapUID}, args...)

	rows, err = s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var login string
		if err := rows.Scan(&login); err != nil {
			return nil, err
		}
		played[login] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, login := range logins {
		if value, ok := stored[login]; ok {
			result[login] = value
		} else if played[login] {
			result[login] = domain.PreferencePick
		} else {
			result[login] = domain.PreferenceAutoPick
		}
	}
	return result, nil
}

// UpsertPlayHistory marks the map as just played for every given
// login.
func (s *Store) UpsertPlayHistory(ctx context.Context, logins []string, mapUID string, playedAt time.Time) error {
	if len(logins) == 0 {
		return nil
	}
	return withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		for _, login := range logins {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO ta_history (player_login, map_uid, last_played)
				VALUES (?, ?, ?)
				ON CONFLICT(player_login, map_uid) DO UPDATE SET
					last_played = excluded.last_played
			`, login, mapUID, formatTimestamp(playedAt))
			if err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// MapsLastPlayed returns the play history of the given players across
// all maps.
func (s *Store) MapsLastPlayed(ctx context.Context, logins []string) ([]domain.PlayHistory, error) {
	if len(logins) == 0 {
		return nil, nil
	}
	query, args := inClause(`
		SELECT player_login, map_uid, last_played
		FROM ta_history
		WHERE player_login IN (%s)
	`, logins)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []domain.PlayHistory
	for rows.Next() {
		var h domain.PlayHistory
		var lastPlayed string
		if err := rows.Scan(&h.PlayerLogin, &h.MapUID, &lastPlayed); err != nil {
			return nil, err
		}
		h.LastPlayed = parseTimestamp(lastPlayed)
		history = append(history, h)
	}
	return history, rows.Err()
}
