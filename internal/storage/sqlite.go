package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var _ Recorder = (*Store)(nil)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the SQLite Recorder: sessions, messages, daily cost totals and
// feedback.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "folio.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Sessions ---

// UpsertSession creates the session on first sight and bumps updated_at on
// later ones. The first recorded address and user agent are kept.
func (s *Store) UpsertSession(ctx context.Context, rec SessionRecord) error {
	now := rec.UpdatedAt
	if now.IsZero() {
		now = time.Now()
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, created_at, updated_at, ip_address, user_agent)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at`,
		rec.ID, formatTime(created), formatTime(now), rec.IPAddress, rec.UserAgent,
	)
	if err != nil {
		return fmt.Errorf("upserting session %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (SessionRecord, error) {
	var rec SessionRecord
	var created, updated string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, updated_at, ip_address, user_agent FROM sessions WHERE id = ?`, id,
	).Scan(&rec.ID, &created, &updated, &rec.IPAddress, &rec.UserAgent)
	if err == sql.ErrNoRows {
		return SessionRecord{}, ErrNotFound
	}
	if err != nil {
		return SessionRecord{}, err
	}
	if rec.CreatedAt, err = parseTime(created); err != nil {
		return SessionRecord{}, err
	}
	if rec.UpdatedAt, err = parseTime(updated); err != nil {
		return SessionRecord{}, err
	}
	return rec, nil
}

// --- Messages ---

// SaveMessages inserts msgs in one transaction.
func (s *Store) SaveMessages(ctx context.Context, msgs []MessageRecord) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning message transaction: %w", err)
	}
	defer tx.Rollback()

	for _, m := range msgs {
		topics, err := json.Marshal(nonNil(m.Topics))
		if err != nil {
			return fmt.Errorf("encoding topics: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (session_id, role, content, topics, tokens_used, cost_micros, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			m.SessionID, m.Role, m.Content, string(topics), m.TokensUsed, m.CostMicros, formatTime(m.CreatedAt),
		); err != nil {
			return fmt.Errorf("inserting message for %s: %w", m.SessionID, err)
		}
	}
	return tx.Commit()
}

// SessionMessages returns a session's stored messages, oldest first.
func (s *Store) SessionMessages(ctx context.Context, sessionID string) ([]MessageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, role, content, topics, tokens_used, cost_micros, created_at
		FROM messages WHERE session_id = ? ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MessageRecord
	for rows.Next() {
		var m MessageRecord
		var topics, created string
		if err := rows.Scan(&m.SessionID, &m.Role, &m.Content, &topics, &m.TokensUsed, &m.CostMicros, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(topics), &m.Topics); err != nil {
			return nil, fmt.Errorf("decoding topics: %w", err)
		}
		if m.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- Daily costs ---

// AddDailyCost adds inc to the row for inc.Date, creating it if needed.
func (s *Store) AddDailyCost(ctx context.Context, inc DailyCostRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daily_costs (date, total_requests, total_tokens, total_cost_micros, cache_reads, cache_writes, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET
			total_requests    = total_requests + excluded.total_requests,
			total_tokens      = total_tokens + excluded.total_tokens,
			total_cost_micros = total_cost_micros + excluded.total_cost_micros,
			cache_reads       = cache_reads + excluded.cache_reads,
			cache_writes      = cache_writes + excluded.cache_writes,
			updated_at        = excluded.updated_at`,
		inc.Date, inc.Requests, inc.Tokens, inc.CostMicros, inc.CacheReads, inc.CacheWrites, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("adding daily cost for %s: %w", inc.Date, err)
	}
	return nil
}

// RecentDailyCosts returns up to days rows, newest first.
func (s *Store) RecentDailyCosts(ctx context.Context, days int) ([]DailyCostRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT date, total_requests, total_tokens, total_cost_micros, cache_reads, cache_writes
		FROM daily_costs ORDER BY date DESC LIMIT ?`, days)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DailyCostRecord
	for rows.Next() {
		var d DailyCostRecord
		if err := rows.Scan(&d.Date, &d.Requests, &d.Tokens, &d.CostMicros, &d.CacheReads, &d.CacheWrites); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// --- Feedback ---

func (s *Store) SaveFeedback(ctx context.Context, f Feedback) (int64, error) {
	if err := f.Validate(); err != nil {
		return 0, err
	}
	created := f.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO feedback (session_id, message_id, rating, comment, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		f.SessionID, f.MessageID, f.Rating, f.Comment, formatTime(created),
	)
	if err != nil {
		return 0, fmt.Errorf("saving feedback: %w", err)
	}
	return res.LastInsertId()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
