package matchstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"
)

// DateLayout is how match dates are stored; lexical order equals time order.
const DateLayout = "2006-01-02 15:04:05"

// ErrMatchNotFound is returned when no match has the requested id.
var ErrMatchNotFound = errors.New("match not found")

// Match is one catalog entry. Its ID is the session id of the mirrored stream.
type Match struct {
	ID    int64     `json:"id"`
	Link  string    `json:"link"`
	Title string    `json:"title"`
	Date  time.Time `json:"date"`
	Image string    `json:"image,omitempty"`
}

// Store persists matches in SQLite.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path. ":memory:" is accepted.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("ensure database dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection keeps ":memory:" a single database and serializes writers.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS matches (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			link TEXT NOT NULL,
			title TEXT,
			date TEXT,
			image TEXT
		)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create matches table: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_matches_date ON matches(date)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create matches index: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save inserts m, or replaces the row when m.ID is set. It returns the id.
func (s *Store) Save(ctx context.Context, m Match) (int64, error) {
	date := m.Date.UTC().Format(DateLayout)
	if m.ID > 0 {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO matches (id, link, title, date, image) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET link = excluded.link, title = excluded.title,
			 date = excluded.date, image = excluded.image`,
			m.ID, m.Link, m.Title, date, m.Image)
		if err != nil {
			return 0, fmt.Errorf("upsert match %d: %w", m.ID, err)
		}
		return m.ID, nil
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO matches (link, title, date, image) VALUES (?, ?, ?, ?)`,
		m.Link, m.Title, date, m.Image)
	if err != nil {
		return 0, fmt.Errorf("insert match: %w", err)
	}
	return res.LastInsertId()
}

// ReplaceAll swaps the whole catalog in one transaction, the way a catalog
// refresh does.
func (s *Store) ReplaceAll(ctx context.Context, matches []Match) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM matches`); err != nil {
		return fmt.Errorf("clear matches: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO matches (link, title, date, image) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, m := range matches {
		if _, err := stmt.ExecContext(ctx, m.Link, m.Title, m.Date.UTC().Format(DateLayout), m.Image); err != nil {
			return fmt.Errorf("insert match %q: %w", m.Title, err)
		}
	}
	return tx.Commit()
}

// Get returns the match with the given id.
func (s *Store) Get(ctx context.Context, id int64) (Match, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, link, title, date, image FROM matches WHERE id = ?`, id)
	m, err := scanMatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Match{}, ErrMatchNotFound
	}
	return m, err
}

// LinkByID resolves a textual match id to its upstream page link.
func (s *Store) LinkByID(ctx context.Context, id string) (string, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil || n <= 0 {
		return "", ErrMatchNotFound
	}
	m, err := s.Get(ctx, n)
	if err != nil {
		return "", err
	}
	return m.Link, nil
}

// Upcoming returns matches dated within window either side of now, by date.
func (s *Store) Upcoming(ctx context.Context, now time.Time, window time.Duration) ([]Match, error) {
	from := now.Add(-window).UTC().Format(DateLayout)
	to := now.Add(window).UTC().Format(DateLayout)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, link, title, date, image FROM matches WHERE date BETWEEN ? AND ? ORDER BY date, id`,
		from, to)
	if err != nil {
		return nil, fmt.Errorf("query upcoming: %w", err)
	}
	defer rows.Close()

	var out []Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMatch(sc scanner) (Match, error) {
	var (
		m          Match
		title, img sql.NullString
		date       sql.NullString
	)
	if err := sc.Scan(&m.ID, &m.Link, &title, &date, &img); err != nil {
		return Match{}, err
	}
	m.Title = title.String
	m.Image = img.String
	if date.Valid && date.String != "" {
		t, err := time.ParseInLocation(DateLayout, date.String, time.UTC)
		if err != nil {
			return Match{}, fmt.Errorf("parse date of match %d: %w", m.ID, err)
		}
		m.Date = t
	}
	return m, nil
}
