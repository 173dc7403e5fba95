// Package sqlitestore persists exchange reports to a local SQLite
// database, adapted from the flow-archive store this proxy's teacher
// keeps for its analytics dashboard. A report here is a complete
// internal/reporting.LogReport rather than a flow with a stream of
// SSE events, so the schema is a single table instead of the original's
// flows/events/tool_invocations/pricing tables.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/anthropics/relayproxy/internal/persistence"
	"github.com/anthropics/relayproxy/internal/reporting"
)

// Store persists LogReports to SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) a SQLite database at dbPath and
// runs migrations.
func Open(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	// Database may contain sensitive request/response data; restrict
	// access on platforms that support Unix permission bits.
	if runtime.GOOS != "windows" {
		_ = os.Chmod(dbPath, 0600)
		_ = os.Chmod(dbPath+"-wal", 0600)
		_ = os.Chmod(dbPath+"-shm", 0600)
	}

	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version WHERE id = 1").Scan(&version)
	if err != nil {
		if _, err := s.db.Exec(`
			CREATE TABLE IF NOT EXISTS schema_version (
				id INTEGER PRIMARY KEY CHECK (id = 1),
				version INTEGER NOT NULL
			);
			INSERT OR IGNORE INTO schema_version (id, version) VALUES (1, 0);
		`); err != nil {
			return fmt.Errorf("creating schema_version: %w", err)
		}
		version = 0
	}

	migrations := []string{migrationV1}
	for i := version; i < len(migrations); i++ {
		if _, err := s.db.Exec(migrations[i]); err != nil {
			return fmt.Errorf("running migration %d: %w", i+1, err)
		}
		if _, err := s.db.Exec("UPDATE schema_version SET version = ? WHERE id = 1", i+1); err != nil {
			return fmt.Errorf("updating schema version: %w", err)
		}
	}
	return nil
}

const migrationV1 = `
CREATE TABLE IF NOT EXISTS reports (
	guid TEXT PRIMARY KEY,
	request_method TEXT,
	request_path TEXT,
	response_status TEXT,
	encoded TEXT NOT NULL,
	created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_reports_created ON reports(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_reports_path ON reports(request_path, created_at DESC);
`

// SaveReport inserts one report, encoded with internal/persistence's
// text format so the stored row is byte-identical to what the flat-file
// exporter would have written.
func (s *Store) SaveReport(ctx context.Context, report *reporting.LogReport) error {
	var buf strings.Builder
	if err := persistence.EncodeReport(&buf, report); err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}

	var method, path, status string
	if req := report.Request(); req != nil {
		method, path = req.Method, req.Path
	}
	if resp := report.Response(); resp != nil {
		status = resp.Status
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO reports (guid, request_method, request_path, response_status, encoded)
		VALUES (?, ?, ?, ?, ?)
	`, report.GUID.String(), method, path, status, buf.String())
	return err
}

// SaveReports inserts a batch of reports in a single transaction.
func (s *Store) SaveReports(ctx context.Context, reports []*reporting.LogReport) error {
	if len(reports) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO reports (guid, request_method, request_path, response_status, encoded)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, report := range reports {
		var buf strings.Builder
		if err := persistence.EncodeReport(&buf, report); err != nil {
			return fmt.Errorf("encoding report %s: %w", report.GUID, err)
		}
		var method, path, status string
		if req := report.Request(); req != nil {
			method, path = req.Method, req.Path
		}
		if resp := report.Response(); resp != nil {
			status = resp.Status
		}
		if _, err := stmt.ExecContext(ctx, report.GUID.String(), method, path, status, buf.String()); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetReport retrieves and decodes a single report by GUID.
func (s *Store) GetReport(ctx context.Context, guid uuid.UUID) (*reporting.LogReport, error) {
	var encoded string
	err := s.db.QueryRowContext(ctx, "SELECT encoded FROM reports WHERE guid = ?", guid.String()).Scan(&encoded)
	if err != nil {
		return nil, err
	}
	reports, err := persistence.DecodeAll([]byte(encoded))
	if err != nil {
		return nil, fmt.Errorf("decoding report: %w", err)
	}
	if len(reports) != 1 {
		return nil, fmt.Errorf("expected exactly one decoded report, got %d", len(reports))
	}
	return reports[0], nil
}

// ListFilter narrows ListReports results.
type ListFilter struct {
	Path  *string
	Limit int
}

// ListReports returns the most recent reports matching filter.
func (s *Store) ListReports(ctx context.Context, filter ListFilter) ([]*reporting.LogReport, error) {
	query := strings.Builder{}
	query.WriteString("SELECT encoded FROM reports WHERE 1=1")
	var args []interface{}

	if filter.Path != nil {
		query.WriteString(" AND request_path = ?")
		args = append(args, *filter.Path)
	}
	query.WriteString(" ORDER BY created_at DESC")
	if filter.Limit > 0 {
		query.WriteString(" LIMIT ?")
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*reporting.LogReport
	for rows.Next() {
		var encoded string
		if err := rows.Scan(&encoded); err != nil {
			return nil, err
		}
		decoded, err := persistence.DecodeAll([]byte(encoded))
		if err != nil {
			return nil, fmt.Errorf("decoding report: %w", err)
		}
		out = append(out, decoded...)
	}
	return out, rows.Err()
}

// CountReports returns the total number of stored reports.
func (s *Store) CountReports(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM reports").Scan(&n)
	return n, err
}

// DeleteOlderThan deletes reports created before cutoff, returning the
// number of rows removed.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM reports WHERE created_at < ?", cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
