package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/gpudoctor/pkg/gpudoctor/types"
)

// Record is one stored report.
type Record struct {
	ID     string
	Report types.Report
}

// SQLiteStore keeps a history of reports in a local SQLite database.
type SQLiteStore struct {
	db       *sql.DB
	dbPath   string
	mutex    sync.RWMutex
	prepared map[string]*sql.Stmt
}

// NewSQLiteStore opens (creating if needed) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_sync=NORMAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SQLiteStore{
		db:       db,
		dbPath:   dbPath,
		prepared: make(map[string]*sql.Stmt),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS snapshots (
		id TEXT PRIMARY KEY,
		timestamp_ns INTEGER NOT NULL,
		schema_version INTEGER NOT NULL,
		accelerators INTEGER NOT NULL,
		payload TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS findings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		snapshot_id TEXT NOT NULL REFERENCES snapshots(id) ON DELETE CASCADE,
		label TEXT NOT NULL,
		severity TEXT NOT NULL,
		devices TEXT,
		rationale TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_snapshots_timestamp ON snapshots(timestamp_ns);
	CREATE INDEX IF NOT EXISTS idx_findings_label ON findings(label);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) prepareStatements() error {
	statements := map[string]string{
		"insert_snapshot": `
			INSERT INTO snapshots (id, timestamp_ns, schema_version, accelerators, payload)
			VALUES (?, ?, ?, ?, ?)
		`,
		"insert_finding": `
			INSERT INTO findings (snapshot_id, label, severity, devices, rationale)
			VALUES (?, ?, ?, ?, ?)
		`,
		"select_recent": `
			SELECT id, payload FROM snapshots
			ORDER BY timestamp_ns DESC, created_at DESC
			LIMIT ?
		`,
		"cleanup": `
			DELETE FROM snapshots
			WHERE timestamp_ns < ?
		`,
	}

	for name, query := range statements {
		stmt, err := s.db.Prepare(query)
		if err != nil {
			return fmt.Errorf("failed to prepare statement %s: %w", name, err)
		}
		s.prepared[name] = stmt
	}

	return nil
}

// Save stores report and returns the generated snapshot id.
func (s *SQLiteStore) Save(ctx context.Context, report *types.Report) (string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	payload, err := json.Marshal(report)
	if err != nil {
		return "", fmt.Errorf("failed to marshal report: %w", err)
	}

	id := uuid.NewString()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	snap := report.Snapshot
	if _, err := tx.StmtContext(ctx, s.prepared["insert_snapshot"]).ExecContext(ctx,
		id,
		snap.Timestamp.UnixNano(),
		snap.SchemaVersion,
		len(snap.Accelerators),
		string(payload),
	); err != nil {
		return "", fmt.Errorf("failed to store snapshot: %w", err)
	}

	insertFinding := tx.StmtContext(ctx, s.prepared["insert_finding"])
	for _, f := range report.Findings {
		if _, err := insertFinding.ExecContext(ctx,
			id,
			string(f.Label),
			f.Severity.String(),
			joinDevices(f.Devices),
			f.Rationale,
		); err != nil {
			return "", fmt.Errorf("failed to store finding %s: %w", f.Label, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit report: %w", err)
	}

	klog.V(3).InfoS("Stored report",
		"id", id,
		"timestamp", snap.Timestamp,
		"findings", len(report.Findings))

	return id, nil
}

// Recent returns up to limit stored reports, newest first.
func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	rows, err := s.prepared["select_recent"].QueryContext(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query reports: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var payload string
		if err := rows.Scan(&rec.ID, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &rec.Report); err != nil {
			klog.V(2).InfoS("Skipping unreadable stored report", "id", rec.ID, "err", err)
			continue
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return records, nil
}

// Cleanup removes reports taken before cutoff along with their findings.
func (s *SQLiteStore) Cleanup(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	result, err := s.prepared["cleanup"].ExecContext(ctx, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup old reports: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	klog.V(2).InfoS("Cleaned up old reports",
		"cutoff", cutoff,
		"rowsDeleted", rowsAffected)

	return rowsAffected, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for _, stmt := range s.prepared {
		stmt.Close()
	}

	return s.db.Close()
}

func joinDevices(devices []int) string {
	parts := make([]string, len(devices))
	for i, d := range devices {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ",")
}
