package notebook

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	sqlMappingTableName = "notebook_mappings"
	sqlOperationTimeout = 5 * time.Second
	sqlStatusPending    = string(StatusPending)
	sqlStatusActive     = string(StatusActive)
	sqlStatusFailed     = string(StatusFailed)
	sqlStatusDeleted    = string(StatusDeleted)
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// sqlDialect captures what differs between the Postgres and SQLite backends.
// Queries are written with ? placeholders and rebound per dialect.
type sqlDialect struct {
	name        string
	driver      string
	numbered    bool
	boolType    string
	setup       []string
	maxOpenConn int
}

var (
	postgresDialect = sqlDialect{
		name:     "postgres",
		driver:   "postgres",
		numbered: true,
		boolType: "BOOLEAN",
	}
	sqliteDialect = sqlDialect{
		name:     "sqlite",
		driver:   "sqlite",
		boolType: "INTEGER",
		setup: []string{
			"PRAGMA journal_mode = WAL",
			"PRAGMA busy_timeout = 5000",
			"PRAGMA synchronous = NORMAL",
		},
		maxOpenConn: 1,
	}
)

// SQLMappingStore persists mappings in a single table keyed by user id.
// Reserve relies on the primary key and ON CONFLICT DO NOTHING; every other
// transition is a conditional UPDATE whose affected row count decides the
// outcome.
type SQLMappingStore struct {
	dsn       string
	dialect   sqlDialect
	tableName string
	openDB    sqlOpenFunc
	now       func() time.Time

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresMappingStore(dsn string) (*SQLMappingStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return newSQLMappingStore(dsn, postgresDialect), nil
}

// NewSQLiteMappingStore opens (or creates) a SQLite database at path.
func NewSQLiteMappingStore(path string) (*SQLMappingStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
	}
	return newSQLMappingStore(path, sqliteDialect), nil
}

func newSQLMappingStore(dsn string, dialect sqlDialect) *SQLMappingStore {
	return &SQLMappingStore{
		dsn:       dsn,
		dialect:   dialect,
		tableName: sqlMappingTableName,
		openDB:    sql.Open,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *SQLMappingStore) Get(ctx context.Context, userID string) (Mapping, error) {
	if err := s.ensureReady(); err != nil {
		return Mapping{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	return s.get(ctx, userID)
}

func (s *SQLMappingStore) Reserve(ctx context.Context, userID, displayName string) (Mapping, bool, error) {
	if strings.TrimSpace(userID) == "" {
		return Mapping{}, false, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return Mapping{}, false, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	m := newPendingMapping(userID, displayName, s.now())
	query := s.rebind(fmt.Sprintf(`
		INSERT INTO %s (user_id, notebook_id, display_name, status, reservation, attempts, last_error, permanent, created_at, updated_at)
		VALUES (?, '', ?, ?, ?, ?, '', ?, ?, ?)
		ON CONFLICT (user_id) DO NOTHING`, s.table()))
	res, err := s.db.ExecContext(ctx, query,
		m.UserID, m.DisplayName, sqlStatusPending, m.Reservation, m.Attempts, false,
		m.CreatedAt.UnixMilli(), m.UpdatedAt.UnixMilli())
	if err != nil {
		return Mapping{}, false, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return Mapping{}, false, err
	} else if n == 1 {
		created, err := s.get(ctx, userID)
		return created, true, err
	}
	existing, err := s.get(ctx, userID)
	return existing, false, err
}

func (s *SQLMappingStore) Reclaim(ctx context.Context, userID string, staleBefore time.Time) (Mapping, bool, error) {
	if err := s.ensureReady(); err != nil {
		return Mapping{}, false, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	staleMillis := int64(-1 << 62)
	if !staleBefore.IsZero() {
		staleMillis = staleBefore.UnixMilli()
	}
	query := s.rebind(fmt.Sprintf(`
		UPDATE %s
		SET status = ?, reservation = ?, attempts = attempts + 1, notebook_id = '', last_error = '', permanent = ?, updated_at = ?
		WHERE user_id = ? AND (status IN (?, ?) OR (status = ? AND updated_at < ?))`, s.table()))
	res, err := s.db.ExecContext(ctx, query,
		sqlStatusPending, newReservation(), false, s.now().UnixMilli(),
		userID, sqlStatusFailed, sqlStatusDeleted, sqlStatusPending, staleMillis)
	if err != nil {
		return Mapping{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Mapping{}, false, err
	}
	m, err := s.get(ctx, userID)
	if err != nil {
		return Mapping{}, false, err
	}
	return m, n == 1, nil
}

func (s *SQLMappingStore) MarkActive(ctx context.Context, userID, reservation, notebookID string) error {
	if strings.TrimSpace(notebookID) == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := s.rebind(fmt.Sprintf(`
		UPDATE %s SET status = ?, notebook_id = ?, reservation = '', updated_at = ?
		WHERE user_id = ? AND status = ? AND reservation = ?`, s.table()))
	res, err := s.db.ExecContext(ctx, query,
		sqlStatusActive, notebookID, s.now().UnixMilli(), userID, sqlStatusPending, reservation)
	if err != nil {
		return err
	}
	return s.checkPendingTransition(ctx, res, userID)
}

func (s *SQLMappingStore) MarkFailed(ctx context.Context, userID, reservation, reason string, permanent bool) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := s.rebind(fmt.Sprintf(`
		UPDATE %s SET status = ?, last_error = ?, permanent = ?, reservation = '', updated_at = ?
		WHERE user_id = ? AND status = ? AND reservation = ?`, s.table()))
	res, err := s.db.ExecContext(ctx, query,
		sqlStatusFailed, reason, permanent, s.now().UnixMilli(), userID, sqlStatusPending, reservation)
	if err != nil {
		return err
	}
	return s.checkPendingTransition(ctx, res, userID)
}

func (s *SQLMappingStore) Delete(ctx context.Context, userID string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := s.rebind(fmt.Sprintf(`
		UPDATE %s SET status = ?, updated_at = ?
		WHERE user_id = ? AND status IN (?, ?)`, s.table()))
	res, err := s.db.ExecContext(ctx, query,
		sqlStatusDeleted, s.now().UnixMilli(), userID, sqlStatusActive, sqlStatusFailed)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil || n == 1 {
		return err
	}
	m, err := s.get(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return deleteConflict(m)
}

func (s *SQLMappingStore) List(ctx context.Context) ([]Mapping, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY user_id`, sqlMappingColumns, s.table())
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Mapping{}
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLMappingStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLMappingStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB(s.dialect.driver, s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		if s.dialect.maxOpenConn > 0 {
			db.SetMaxOpenConns(s.dialect.maxOpenConn)
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()

		statements := append([]string{}, s.dialect.setup...)
		statements = append(statements, fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				user_id TEXT PRIMARY KEY,
				notebook_id TEXT NOT NULL DEFAULT '',
				display_name TEXT NOT NULL,
				status TEXT NOT NULL,
				reservation TEXT NOT NULL DEFAULT '',
				attempts INTEGER NOT NULL DEFAULT 0,
				last_error TEXT NOT NULL DEFAULT '',
				permanent %s NOT NULL DEFAULT FALSE,
				created_at BIGINT NOT NULL,
				updated_at BIGINT NOT NULL
			)`, s.table(), s.dialect.boolType))
		for _, stmt := range statements {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				s.initErr = fmt.Errorf("%s mapping store init: %w", s.dialect.name, err)
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

const sqlMappingColumns = "user_id, notebook_id, display_name, status, reservation, attempts, last_error, permanent, created_at, updated_at"

func (s *SQLMappingStore) get(ctx context.Context, userID string) (Mapping, error) {
	query := s.rebind(fmt.Sprintf(`SELECT %s FROM %s WHERE user_id = ?`, sqlMappingColumns, s.table()))
	m, err := scanMapping(s.db.QueryRowContext(ctx, query, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return Mapping{}, ErrNotFound
	}
	return m, err
}

func (s *SQLMappingStore) checkPendingTransition(ctx context.Context, res sql.Result, userID string) error {
	n, err := res.RowsAffected()
	if err != nil || n == 1 {
		return err
	}
	m, err := s.get(ctx, userID)
	if err != nil {
		return err
	}
	return &ConflictError{UserID: userID, Expected: StatusPending, Current: m.Status}
}

func (s *SQLMappingStore) table() string {
	return sqlQuoteIdentifier(s.tableName)
}

// rebind rewrites ? placeholders to $N for dialects that number them.
func (s *SQLMappingStore) rebind(query string) string {
	if !s.dialect.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMapping(row rowScanner) (Mapping, error) {
	var (
		m                  Mapping
		status             string
		createdAt, updated int64
	)
	if err := row.Scan(&m.UserID, &m.NotebookID, &m.DisplayName, &status, &m.Reservation,
		&m.Attempts, &m.LastError, &m.Permanent, &createdAt, &updated); err != nil {
		return Mapping{}, err
	}
	m.Status = Status(status)
	m.CreatedAt = time.UnixMilli(createdAt).UTC()
	m.UpdatedAt = time.UnixMilli(updated).UTC()
	return m, nil
}

func sqlQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
