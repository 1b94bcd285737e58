// Package storage persists open pair positions and the trade journal in
// SQLite or PostgreSQL.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gregtusar/pairs/pkg/models"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Store struct {
	db     *sql.DB
	driver string
}

// Open connects to dsn with driver. For sqlite, dsn is a file path or
// ":memory:"; an empty path defaults to ./data/pairs.db.
func Open(driver, dsn string) (*Store, error) {
	switch driver {
	case DriverSQLite, "":
		driver = DriverSQLite
		if dsn == "" {
			dsn = filepath.Join("data", "pairs.db")
		}
		if dsn != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
				return nil, fmt.Errorf("failed to create data directory: %w", err)
			}
		}
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
		if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set WAL mode: %w", err)
		}
	} else {
		db.SetMaxOpenConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
	}

	s := &Store{db: db, driver: driver}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// rebind turns ? placeholders into $n for postgres.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS positions (
			pair_id     TEXT PRIMARY KEY,
			pair        TEXT NOT NULL,
			state       TEXT NOT NULL,
			qty_a       DOUBLE PRECISION NOT NULL,
			qty_b       DOUBLE PRECISION NOT NULL,
			entry_a     DOUBLE PRECISION NOT NULL,
			entry_b     DOUBLE PRECISION NOT NULL,
			entry_z     DOUBLE PRECISION NOT NULL,
			opened_at   BIGINT NOT NULL,
			updated_at  BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS trades (
			id          TEXT PRIMARY KEY,
			pair_id     TEXT NOT NULL,
			action      TEXT NOT NULL,
			from_state  TEXT NOT NULL,
			to_state    TEXT NOT NULL,
			signal      TEXT NOT NULL,
			z           DOUBLE PRECISION NOT NULL,
			order_ids   TEXT NOT NULL,
			price_a     DOUBLE PRECISION NOT NULL,
			price_b     DOUBLE PRECISION NOT NULL,
			qty_a       DOUBLE PRECISION NOT NULL,
			qty_b       DOUBLE PRECISION NOT NULL,
			created_at  BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_created_at ON trades(created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// SavePosition inserts or replaces the open position for its pair.
func (s *Store) SavePosition(ctx context.Context, p models.PairPosition) error {
	def, err := json.Marshal(p.Pair)
	if err != nil {
		return fmt.Errorf("failed to encode pair: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO positions
			(pair_id, pair, state, qty_a, qty_b, entry_a, entry_b, entry_z, opened_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(pair_id) DO UPDATE SET
			pair = excluded.pair,
			state = excluded.state,
			qty_a = excluded.qty_a,
			qty_b = excluded.qty_b,
			entry_a = excluded.entry_a,
			entry_b = excluded.entry_b,
			entry_z = excluded.entry_z,
			opened_at = excluded.opened_at,
			updated_at = excluded.updated_at`),
		p.Pair.ID(), string(def), string(p.State), p.QtyA, p.QtyB, p.EntryA, p.EntryB, p.EntryZ,
		p.OpenedAt.UnixNano(), p.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save position %s: %w", p.Pair.ID(), err)
	}
	return nil
}

func (s *Store) DeletePosition(ctx context.Context, pairID string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM positions WHERE pair_id = ?`), pairID); err != nil {
		return fmt.Errorf("failed to delete position %s: %w", pairID, err)
	}
	return nil
}

// LoadPositions returns every persisted open position ordered by pair ID.
func (s *Store) LoadPositions(ctx context.Context) ([]models.PairPosition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pair, state, qty_a, qty_b, entry_a, entry_b, entry_z, opened_at, updated_at
		FROM positions ORDER BY pair_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var out []models.PairPosition
	for rows.Next() {
		var (
			p               models.PairPosition
			def, state      string
			opened, updated int64
		)
		if err := rows.Scan(&def, &state, &p.QtyA, &p.QtyB, &p.EntryA, &p.EntryB, &p.EntryZ, &opened, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		if err := json.Unmarshal([]byte(def), &p.Pair); err != nil {
			return nil, fmt.Errorf("failed to decode pair: %w", err)
		}
		p.State = models.PositionState(state)
		p.OpenedAt = time.Unix(0, opened).UTC()
		p.UpdatedAt = time.Unix(0, updated).UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) RecordTrade(ctx context.Context, t models.TradeRecord) error {
	ids, err := json.Marshal(t.OrderIDs)
	if err != nil {
		return fmt.Errorf("failed to encode order ids: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO trades
			(id, pair_id, action, from_state, to_state, signal, z, order_ids,
			 price_a, price_b, qty_a, qty_b, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		t.ID, t.PairID, t.Action, string(t.From), string(t.To), string(t.Signal), t.Z, string(ids),
		t.PriceA, t.PriceB, t.QtyA, t.QtyB, t.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert trade: %w", err)
	}
	return nil
}

// ListTrades returns the most recent trades, newest first.
func (s *Store) ListTrades(ctx context.Context, limit int) ([]models.TradeRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, pair_id, action, from_state, to_state, signal, z, order_ids,
		       price_a, price_b, qty_a, qty_b, created_at
		FROM trades ORDER BY created_at DESC, id LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var out []models.TradeRecord
	for rows.Next() {
		var (
			t                  models.TradeRecord
			from, to, sig, ids string
			created            int64
		)
		if err := rows.Scan(&t.ID, &t.PairID, &t.Action, &from, &to, &sig, &t.Z, &ids,
			&t.PriceA, &t.PriceB, &t.QtyA, &t.QtyB, &created); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		if err := json.Unmarshal([]byte(ids), &t.OrderIDs); err != nil {
			return nil, fmt.Errorf("failed to decode order ids: %w", err)
		}
		t.From = models.PositionState(from)
		t.To = models.PositionState(to)
		t.Signal = models.Signal(sig)
		t.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}
