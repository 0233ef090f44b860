// Package stats collects live usage statistics: it watches public
// battles in the tracked format, records which species appear at team
// preview, and persists the counts in sqlite.
package stats

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS pokemon (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	species TEXT NOT NULL UNIQUE
);
CREATE TABLE IF NOT EXISTS battles (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	room TEXT NOT NULL UNIQUE,
	timestamp INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS pokemon_in_battles (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	species_id INTEGER NOT NULL REFERENCES pokemon(id),
	room_id INTEGER NOT NULL REFERENCES battles(id)
);
`

// Store wraps the usage database. Safe for concurrent use; sqlite
// serializes writes underneath database/sql.
type Store struct {
	db *sql.DB
}

func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open usage db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate usage db: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// HasBattle reports whether the room was already recorded.
func (s *Store) HasBattle(ctx context.Context, room string) (bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM battles WHERE room = ?`, room).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query battle %s: %w", room, err)
	}
	return true, nil
}

// RecordBattle stores one battle and its team-preview species in a
// single transaction.
func (s *Store) RecordBattle(ctx context.Context, room string, timestamp int64, species []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record battle %s: %w", room, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO battles (room, timestamp) VALUES (?, ?)`, room, timestamp)
	if err != nil {
		return fmt.Errorf("insert battle %s: %w", room, err)
	}
	roomID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert battle %s: %w", room, err)
	}

	for _, sp := range species {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO pokemon (species) VALUES (?)`, sp); err != nil {
			return fmt.Errorf("insert species %s: %w", sp, err)
		}
		var speciesID int64
		if err := tx.QueryRowContext(ctx,
			`SELECT id FROM pokemon WHERE species = ?`, sp).Scan(&speciesID); err != nil {
			return fmt.Errorf("lookup species %s: %w", sp, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO pokemon_in_battles (species_id, room_id) VALUES (?, ?)`,
			speciesID, roomID); err != nil {
			return fmt.Errorf("link species %s: %w", sp, err)
		}
	}

	return tx.Commit()
}

// FullUsage returns every recorded battle with its species, newest
// first, keyed by room id.
func (s *Store) FullUsage(ctx context.Context) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT battles.room, pokemon.species
		FROM pokemon_in_battles
		JOIN battles ON battles.id = pokemon_in_battles.room_id
		JOIN pokemon ON pokemon.id = pokemon_in_battles.species_id
		ORDER BY battles.timestamp DESC`)
	if err != nil {
		return nil, fmt.Errorf("query full usage: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var room, species string
		if err := rows.Scan(&room, &species); err != nil {
			return nil, fmt.Errorf("scan full usage: %w", err)
		}
		out[room] = append(out[room], species)
	}
	return out, rows.Err()
}
