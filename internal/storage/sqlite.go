package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/timwie/steward/internal/domain"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// nbMigrations is the number of schema migrations shipped with this
// build, not counting the meta bootstrap.
const nbMigrations = 2

// formatTimestamp converts time.Time to a SQLite-compatible UTC
// ISO8601 string. The Z suffix makes the driver parse it back as UTC.
func formatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

func parseTimestamp(s string) time.Time {
	t, err := time.Parse("2006-01-02T15:04:05Z", s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Store provides all database access. SQLite only supports one writer
// at a time, so the pool is limited to a single connection.
type Store struct {
	db *sql.DB

	zenc *zstd.Encoder
	zdec *zstd.Decoder
}

// New opens (or creates) the database at the given path and runs any
// pending migrations.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON; PRAGMA journal_mode = WAL; PRAGMA busy_timeout = 5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting pragmas: %w", err)
	}

	zenc, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	zdec, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	s := &Store{db: db, zenc: zenc, zdec: zdec}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies every pending migration inside one transaction and
// bumps the meta singleton.
func (s *Store) migrate(ctx context.Context) error {
	stmts := func(nb int) (string, error) {
		data, err := migrationFiles.ReadFile(fmt.Sprintf("migrations/%d.sql", nb))
		if err != nil {
			return "", fmt.Errorf("missing statements for migration %d: %w", nb, err)
		}
		return string(data), nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// The bootstrap only creates the meta table if needed.
	bootstrap, err := stmts(0)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, bootstrap); err != nil {
		return err
	}

	var atMigration int
	if err := tx.QueryRowContext(ctx, "SELECT at_migration FROM meta").Scan(&atMigration); err != nil {
		return err
	}

	for nb := atMigration + 1; nb <= nbMigrations; nb++ {
		log.Printf("storage: running migration %d...", nb)
		stmt, err := stmts(nb)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", nb, err)
		}
	}

	if atMigration < nbMigrations {
		if _, err := tx.ExecContext(ctx, "UPDATE meta SET at_migration = ?", nbMigrations); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// AtMigration returns the schema version the database is at.
func (s *Store) AtMigration(ctx context.Context) (int, error) {
	var nb int
	err := s.db.QueryRowContext(ctx, "SELECT at_migration FROM meta").Scan(&nb)
	return nb, err
}

// --- Player methods ---

// UpsertPlayer creates a player, or refreshes their display name.
func (s *Store) UpsertPlayer(ctx context.Context, p domain.Player) error {
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO player (login, display_name)
			VALUES (?, ?)
			ON CONFLICT(login) DO UPDATE SET
				display_name = excluded.display_name
		`, p.Login, p.DisplayName)
		return err
	})
}

// Player returns the player with the given login, or nil if the login
// was never seen.
func (s *Store) Player(ctx context.Context, login string) (*domain.Player, error) {
	var p domain.Player
	err := s.db.QueryRowContext(ctx, `
		SELECT login, display_name FROM player WHERE login = ?
	`, login).Scan(&p.Login, &p.DisplayName)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// --- Map methods ---

// InsertMap stores a map and its binary blob. An existing map keeps
// its added_since moment; file name and exchange ID are refreshed.
func (s *Store) InsertMap(ctx context.Context, m domain.Map, blob []byte) error {
	compressed := s.zenc.EncodeAll(blob, nil)

	return withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var exchangeID interface{}
		if m.ExchangeID != 0 {
			exchangeID = m.ExchangeID
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO map
				(uid, file_name, name, author_login, author_display_name,
				 author_millis, added_since, exchange_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(uid) DO UPDATE SET
				file_name = excluded.file_name,
				exchange_id = COALESCE(excluded.exchange_id, exchange_id)
		`, m.UID, m.FileName, m.Name, m.AuthorLogin, m.AuthorDisplayName,
			m.AuthorMillis, formatTimestamp(m.AddedSince), exchangeID)
		if err != nil {
			return err
		}

		if len(blob) > 0 {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO map_file (map_uid, data)
				VALUES (?, ?)
				ON CONFLICT(map_uid) DO UPDATE SET data = excluded.data
			`, m.UID, compressed)
			if err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// UpdateMapMetadata fills in fields the game server resolved for a
// previously unknown UID.
func (s *Store) UpdateMapMetadata(ctx context.Context, m domain.Map) error {
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE map
			SET file_name = ?, name = ?, author_login = ?,
			    author_display_name = ?, author_millis = ?
			WHERE uid = ?
		`, m.FileName, m.Name, m.AuthorLogin, m.AuthorDisplayName, m.AuthorMillis, m.UID)
		return err
	})
}

// MapBlob returns the decompressed binary map file, or nil if no blob
// is stored for the UID.
func (s *Store) MapBlob(ctx context.Context, uid string) ([]byte, error) {
	var compressed []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT data FROM map_file WHERE map_uid = ?
	`, uid).Scan(&compressed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.zdec.DecodeAll(compressed, nil)
}

func scanMap(scan func(...interface{}) error) (domain.Map, error) {
	var m domain.Map
	var addedSince string
	var exchangeID sql.NullInt64
	err := scan(&m.UID, &m.FileName, &m.Name, &m.AuthorLogin,
		&m.AuthorDisplayName, &m.AuthorMillis, &addedSince, &exchangeID)
	if err != nil {
		return domain.Map{}, err
	}
	m.AddedSince = parseTimestamp(addedSince)
	if exchangeID.Valid {
		m.ExchangeID = int(exchangeID.Int64)
	}
	return m, nil
}

const mapColumns = `uid, file_name, name, author_login, author_display_name,
	author_millis, added_since, exchange_id`

// Maps returns every stored map.
func (s *Store) Maps(ctx context.Context) ([]domain.Map, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+mapColumns+` FROM map ORDER BY added_since, uid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var maps []domain.Map
	for rows.Next() {
		m, err := scanMap(rows.Scan)
		if err != nil {
			return nil, err
		}
		maps = append(maps, m)
	}
	return maps, rows.Err()
}

// MapByUID returns one map, or nil if the UID is unknown.
func (s *Store) MapByUID(ctx context.Context, uid string) (*domain.Map, error) {
	m, err := scanMap(s.db.QueryRowContext(ctx,
		`SELECT `+mapColumns+` FROM map WHERE uid = ?`, uid).Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// --- Playlist methods ---

// SetInPlaylist adds or removes a map from the playlist. Removing the
// last member fails with domain.ErrPlaylistEmpty; the playlist is
// never empty.
func (s *Store) SetInPlaylist(ctx context.Context, uid string, inPlaylist bool) error {
	return withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var exists int
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM map WHERE uid = ?", uid).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return domain.ErrUnknownMap
		}

		if inPlaylist {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO playlist_membership (map_uid)
				VALUES (?)
				ON CONFLICT(map_uid) DO NOTHING
			`, uid)
			if err != nil {
				return err
			}
			return tx.Commit()
		}

		if _, err := tx.ExecContext(ctx,
			"DELETE FROM playlist_membership WHERE map_uid = ?", uid); err != nil {
			return err
		}
		var remaining int
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM playlist_membership").Scan(&remaining); err != nil {
			return err
		}
		if remaining == 0 {
			return domain.ErrPlaylistEmpty
		}
		return tx.Commit()
	})
}

// ListPlaylistUIDs returns the UIDs of every playlist member, in the
// order maps were added.
func (s *Store) ListPlaylistUIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pm.map_uid
		FROM playlist_membership pm
		JOIN map m ON m.uid = pm.map_uid
		ORDER BY m.added_since, m.uid
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var uids []string
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		uids = append(uids, uid)
	}
	return uids, rows.Err()
}

// Playlist returns full map rows for every playlist member.
func (s *Store) Playlist(ctx context.Context) ([]domain.Map, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+mapColumns+`
		FROM map
		WHERE uid IN (SELECT map_uid FROM playlist_membership)
		ORDER BY added_since, uid
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var maps []domain.Map
	for rows.Next() {
		m, err := scanMap(rows.Scan)
		if err != nil {
			return nil, err
		}
		maps = append(maps, m)
	}
	return maps, rows.Err()
}
