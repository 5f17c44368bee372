package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrations embed.FS

// Supported values for [Open]'s driver argument.
const (
	DriverSQLite3  = "sqlite3"  // github.com/mattn/go-sqlite3 (CGO)
	DriverSQLite   = "sqlite"   // modernc.org/sqlite (pure Go)
	DriverPostgres = "postgres" // github.com/jackc/pgx/v5/stdlib
)

// column names are fixed; they are interpolated into queries.
const (
	colProfile = "profile"
	colHistory = "history"
	colToken   = "strava_auth"
)

// dialect captures the handful of differences between SQLite and
// PostgreSQL for the user_data table.
type dialect struct {
	sqlDriver  string
	goose      goose.Dialect
	migrations string
	// param renders the n-th (1-based) bind placeholder for a JSON value.
	param func(n int) string
	// read renders a JSON column as text.
	read func(col string) string
}

var dialects = map[string]dialect{
	DriverSQLite3: {
		sqlDriver:  "sqlite3",
		goose:      goose.DialectSQLite3,
		migrations: "migrations/sqlite",
		param:      func(int) string { return "?" },
		read:       func(col string) string { return col },
	},
	DriverSQLite: {
		sqlDriver:  "sqlite",
		goose:      goose.DialectSQLite3,
		migrations: "migrations/sqlite",
		param:      func(int) string { return "?" },
		read:       func(col string) string { return col },
	},
	DriverPostgres: {
		sqlDriver:  "pgx",
		goose:      goose.DialectPostgres,
		migrations: "migrations/postgres",
		param:      func(n int) string { return fmt.Sprintf("$%d", n) },
		read:       func(col string) string { return col + "::text" },
	},
}

// SQLStore is a [Store] backed by a single user_data table with one
// row per chat and JSON documents in the profile, history and
// strava_auth columns.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

// Open connects to the database, applies pending migrations, and
// returns a ready store. For the SQLite drivers dsn is a file path
// whose parent directory is created if missing.
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}

	if driver != DriverPostgres {
		if dir := filepath.Dir(dsn); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		dsn = sqliteDSN(driver, dsn)
	}

	db, err := sql.Open(d.sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLStore{db: db, dialect: d}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// sqliteDSN adds WAL and a busy timeout unless the caller already
// passed query parameters.
func sqliteDSN(driver, path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	if driver == DriverSQLite {
		return path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	return path + "?_journal_mode=WAL&_busy_timeout=5000"
}

func (s *SQLStore) migrate(ctx context.Context) error {
	fsys, err := fs.Sub(migrations, s.dialect.migrations)
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(s.dialect.goose, s.db, fsys)
	if err != nil {
		return fmt.Errorf("goose provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return err
	}
	return nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for health checks.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// readColumn loads one JSON column. A missing row yields ok=false.
func (s *SQLStore) readColumn(ctx context.Context, chatID, col string) (string, bool, error) {
	if chatID == "" {
		return "", false, ErrEmptyChatID
	}
	q := fmt.Sprintf("SELECT %s FROM user_data WHERE chat_id = %s", s.dialect.read(col), s.dialect.param(1))

	var raw sql.NullString
	err := s.db.QueryRowContext(ctx, q, chatID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read %s: %w", col, err)
	}
	if !raw.Valid || raw.String == "" {
		return "", false, nil
	}
	return raw.String, true, nil
}

// writeColumn upserts one JSON column and bumps last_updated.
func (s *SQLStore) writeColumn(ctx context.Context, chatID, col string, v any) error {
	if chatID == "" {
		return ErrEmptyChatID
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", col, err)
	}

	value := s.dialect.param(2)
	if s.dialect.sqlDriver == "pgx" {
		value += "::jsonb"
	}
	q := fmt.Sprintf(`
		INSERT INTO user_data (chat_id, %[1]s, last_updated)
		VALUES (%[2]s, %[3]s, CURRENT_TIMESTAMP)
		ON CONFLICT (chat_id) DO UPDATE SET
			%[1]s = excluded.%[1]s,
			last_updated = CURRENT_TIMESTAMP`,
		col, s.dialect.param(1), value)

	if _, err := s.db.ExecContext(ctx, q, chatID, string(data)); err != nil {
		return fmt.Errorf("write %s: %w", col, err)
	}
	return nil
}

// History implements [Store].
func (s *SQLStore) History(ctx context.Context, chatID string) ([]Turn, error) {
	raw, ok, err := s.readColumn(ctx, chatID, colHistory)
	if err != nil || !ok {
		return []Turn{}, err
	}
	var turns []Turn
	if err := json.Unmarshal([]byte(raw), &turns); err != nil {
		return []Turn{}, fmt.Errorf("decode history: %w", err)
	}
	if turns == nil {
		turns = []Turn{}
	}
	return turns, nil
}

// UpdateHistory implements [Store].
func (s *SQLStore) UpdateHistory(ctx context.Context, chatID string, turns []Turn) error {
	if turns == nil {
		turns = []Turn{}
	}
	return s.writeColumn(ctx, chatID, colHistory, turns)
}

// Profile implements [Store].
func (s *SQLStore) Profile(ctx context.Context, chatID string) (map[string]any, error) {
	raw, ok, err := s.readColumn(ctx, chatID, colProfile)
	if err != nil || !ok {
		return map[string]any{}, err
	}
	var profile map[string]any
	if err := json.Unmarshal([]byte(raw), &profile); err != nil {
		return map[string]any{}, fmt.Errorf("decode profile: %w", err)
	}
	if profile == nil {
		profile = map[string]any{}
	}
	return profile, nil
}

// SaveProfile implements [Store]. The read-merge-write is not atomic;
// concurrent saves for one chat are serialized by the caller.
func (s *SQLStore) SaveProfile(ctx context.Context, chatID string, partial map[string]any) error {
	current, err := s.Profile(ctx, chatID)
	if err != nil {
		return err
	}
	return s.writeColumn(ctx, chatID, colProfile, MergeProfile(current, partial))
}

// Token implements [Store].
func (s *SQLStore) Token(ctx context.Context, chatID string) (*OAuthToken, error) {
	raw, ok, err := s.readColumn(ctx, chatID, colToken)
	if err != nil || !ok {
		return nil, err
	}
	var tok OAuthToken
	if err := json.Unmarshal([]byte(raw), &tok); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	if !tok.Valid() {
		return nil, nil
	}
	return &tok, nil
}

// SaveToken implements [Store].
func (s *SQLStore) SaveToken(ctx context.Context, chatID string, tok *OAuthToken) error {
	if tok == nil {
		return s.writeColumn(ctx, chatID, colToken, map[string]any{})
	}
	return s.writeColumn(ctx, chatID, colToken, tok)
}
