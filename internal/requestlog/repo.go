// Package requestlog implements the structured request log subsystem.
// Entries are written asynchronously to rolling SQLite databases.
package requestlog

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Repo manages rolling SQLite databases for request logs.
// Each DB is named request_logs-<unix_ms>.db and lives in logDir.
type Repo struct {
	logDir      string
	maxBytes    int64
	retainCount int

	// Active DB handle and path.
	activeDB   *sql.DB
	activePath string
}

// NewRepo creates a Repo that manages rolling request log databases.
// maxBytes controls when the active DB is rotated; retainCount sets
// how many historical DB files are kept.
func NewRepo(logDir string, maxBytes int64, retainCount int) *Repo {
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	if retainCount <= 0 {
		retainCount = 7
	}
	return &Repo{
		logDir:      logDir,
		maxBytes:    maxBytes,
		retainCount: retainCount,
	}
}

// Open opens (or creates) the active request log database.
// If a previous DB exists in the directory it is reused as active;
// a new one is created only when no existing DB is found.
func (r *Repo) Open() error {
	if err := os.MkdirAll(r.logDir, 0o755); err != nil {
		return fmt.Errorf("requestlog repo mkdir %s: %w", r.logDir, err)
	}

	files, err := r.listDBFiles()
	if err != nil {
		return fmt.Errorf("requestlog repo open: %w", err)
	}

	if len(files) > 0 {
		// Re-use latest as active; prune old files on startup.
		latest := files[len(files)-1]
		if err := r.openActive(latest); err != nil {
			return err
		}
		return r.cleanup()
	}
	return r.rotateDB()
}

// Close closes the active DB.
func (r *Repo) Close() error {
	if r.activeDB != nil {
		err := r.activeDB.Close()
		r.activeDB = nil
		r.activePath = ""
		return err
	}
	return nil
}

// LogRow is a request log entry ready for DB insertion.
type LogRow struct {
	ID            string
	TsNs          int64
	ClientIP      string
	Country       string
	SessionID     string
	User          string
	Repo          string
	WorkspaceHash string
	MachineID     string
	Host          string
	HTTPMethod    string
	Path          string
	HTTPStatus    int
	DurationNs    int64
	BytesIn       int64
	BytesOut      int64
	NetOK         bool
	UserAgent     string
	ErrorCode     string
}

// InsertBatch inserts a batch of log rows in a single transaction.
// Returns the number of rows successfully inserted.
func (r *Repo) InsertBatch(rows []LogRow) (int, error) {
	if r.activeDB == nil {
		return 0, fmt.Errorf("requestlog repo: no active db")
	}

	// Check if rotation is needed before insert.
	if err := r.maybeRotate(); err != nil {
		return 0, fmt.Errorf("requestlog repo rotate: %w", err)
	}

	tx, err := r.activeDB.Begin()
	if err != nil {
		return 0, fmt.Errorf("requestlog repo begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	insert, err := tx.Prepare(`INSERT OR IGNORE INTO request_logs (
		id, ts_ns, client_ip, country,
		session_id, username, repo, workspace_hash, machine_id,
		host, http_method, path, http_status,
		duration_ns, bytes_in, bytes_out, net_ok,
		user_agent, error_code
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return 0, fmt.Errorf("requestlog repo prepare: %w", err)
	}
	defer insert.Close()

	inserted := 0
	for i := range rows {
		e := &rows[i]
		_, err := insert.Exec(
			e.ID, e.TsNs, e.ClientIP, e.Country,
			e.SessionID, e.User, e.Repo, e.WorkspaceHash, e.MachineID,
			e.Host, e.HTTPMethod, e.Path, e.HTTPStatus,
			e.DurationNs, e.BytesIn, e.BytesOut, boolToInt(e.NetOK),
			e.UserAgent, e.ErrorCode,
		)
		if err != nil {
			log.Printf("[requestlog] warning: skip log row id=%q insert failed: %v", e.ID, err)
			continue // skip individual row errors
		}
		inserted++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("requestlog repo commit: %w", err)
	}
	return inserted, nil
}

// LogSummary is the result of listing logs.
type LogSummary struct {
	ID            string `json:"id"`
	TsNs          int64  `json:"ts_ns"`
	ClientIP      string `json:"client_ip"`
	Country       string `json:"country"`
	SessionID     string `json:"session_id"`
	User          string `json:"user"`
	Repo          string `json:"repo"`
	WorkspaceHash string `json:"workspace_hash"`
	MachineID     string `json:"machine_id"`
	Host          string `json:"host"`
	HTTPMethod    string `json:"http_method"`
	Path          string `json:"path"`
	HTTPStatus    int    `json:"http_status"`
	DurationNs    int64  `json:"duration_ns"`
	BytesIn       int64  `json:"bytes_in"`
	BytesOut      int64  `json:"bytes_out"`
	NetOK         bool   `json:"net_ok"`
	UserAgent     string `json:"user_agent"`
	ErrorCode     string `json:"error_code"`
}

// ListFilter specifies query filters for listing logs.
type ListFilter struct {
	SessionID     string
	User          string
	Repo          string
	WorkspaceHash string
	MachineID     string
	ClientIP      string
	NetOK         *bool
	HTTPStatus    *int  // exact match
	Before        int64 // ts_ns < Before (0 means no upper bound)
	After         int64 // ts_ns > After (0 means no lower bound)
	Limit         int
	Offset        int
}

// List queries all retained DBs and returns matching log summaries ordered by ts_ns DESC.
func (r *Repo) List(f ListFilter) ([]LogSummary, error) {
	files, err := r.listDBFiles()
	if err != nil {
		return nil, err
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 10000 {
		limit = 10000
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	// Fetch limit+offset total rows then skip first offset.
	fetchLimit := limit + offset
	var results []LogSummary
	// Iterate every retained DB, then globally merge-sort. File order is
	// no shortcut: a long-lived request can be flushed into a newer file
	// than its start timestamp suggests.
	for i := len(files) - 1; i >= 0; i-- {
		db, err := r.openReadOnly(files[i])
		if err != nil {
			log.Printf("[requestlog] warning: list open db failed path=%q: %v", files[i], err)
			continue
		}
		rows, err := r.queryLogs(db, f, fetchLimit)
		if closeErr := db.Close(); closeErr != nil {
			log.Printf("[requestlog] warning: list close db failed path=%q: %v", files[i], closeErr)
		}
		if err != nil {
			log.Printf("[requestlog] warning: list query failed path=%q: %v", files[i], err)
			continue
		}
		results = append(results, rows...)
	}

	// Global sort: ts_ns DESC, same ts_ns by id ASC.
	sort.Slice(results, func(i, j int) bool {
		if results[i].TsNs != results[j].TsNs {
			return results[i].TsNs > results[j].TsNs
		}
		return results[i].ID < results[j].ID
	})
	// Apply offset.
	if offset >= len(results) {
		return nil, nil
	}
	results = results[offset:]
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// GetByID looks up a single log entry across all retained DBs.
func (r *Repo) GetByID(id string) (*LogSummary, error) {
	files, err := r.listDBFiles()
	if err != nil {
		return nil, err
	}

	for i := len(files) - 1; i >= 0; i-- {
		db, err := r.openReadOnly(files[i])
		if err != nil {
			log.Printf("[requestlog] warning: get_by_id open db failed path=%q id=%q: %v", files[i], id, err)
			continue
		}
		row, err := r.queryLogByID(db, id)
		if closeErr := db.Close(); closeErr != nil {
			log.Printf("[requestlog] warning: get_by_id close db failed path=%q id=%q: %v", files[i], id, closeErr)
		}
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			log.Printf("[requestlog] warning: get_by_id query failed path=%q id=%q: %v", files[i], id, err)
		}
		if err == nil && row != nil {
			return row, nil
		}
	}
	return nil, nil
}

// --- internal helpers ---

// openActive opens path read-write with the recommended pragmas (WAL
// journal, synchronous=NORMAL, foreign keys, busy timeout) and brings
// it to the current schema.
func (r *Repo) openActive(path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("requestlog open db %s: %w", path, err)
	}

	// Single-writer: only one connection needed.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return fmt.Errorf("requestlog exec %q on %s: %w", p, path, err)
		}
	}

	if err := migrateDB(db); err != nil {
		db.Close()
		return err
	}
	r.activeDB = db
	r.activePath = path
	return nil
}

func (r *Repo) rotateDB() error {
	if r.activeDB != nil {
		r.activeDB.Close()
		r.activeDB = nil
	}
	name := fmt.Sprintf("request_logs-%d.db", time.Now().UnixMilli())
	path := filepath.Join(r.logDir, name)
	if err := r.openActive(path); err != nil {
		return fmt.Errorf("requestlog rotate: %w", err)
	}
	return r.cleanup()
}

func (r *Repo) maybeRotate() error {
	if r.activePath == "" {
		return r.rotateDB()
	}
	totalSize, err := sqliteFilesSize(r.activePath)
	if err != nil {
		log.Printf("[requestlog] warning: stat active db failed path=%q: %v", r.activePath, err)
		return nil // can't stat; skip rotation check
	}
	if totalSize >= r.maxBytes {
		return r.rotateDB()
	}
	return nil
}

func (r *Repo) cleanup() error {
	files, err := r.listDBFiles()
	if err != nil {
		return err
	}
	// Keep retainCount most recent files (the active one is always latest).
	if len(files) <= r.retainCount {
		return nil
	}
	toRemove := files[:len(files)-r.retainCount]
	for _, f := range toRemove {
		os.Remove(f)
		// Also clean up WAL/SHM files.
		os.Remove(f + "-wal")
		os.Remove(f + "-shm")
	}
	return nil
}

func (r *Repo) listDBFiles() ([]string, error) {
	entries, err := os.ReadDir(r.logDir)
	if err != nil {
		return nil, fmt.Errorf("requestlog list dir %s: %w", r.logDir, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "request_logs-") && strings.HasSuffix(name, ".db") {
			files = append(files, filepath.Join(r.logDir, name))
		}
	}
	sort.Strings(files) // lexicographic sort == chronological for our naming
	return files, nil
}

func (r *Repo) openReadOnly(path string) (*sql.DB, error) {
	dsn := path + "?mode=ro"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

const logColumns = "id, ts_ns, client_ip, country, session_id, username, repo, workspace_hash, machine_id, host, http_method, path, http_status, duration_ns, bytes_in, bytes_out, net_ok, user_agent, error_code"

func (r *Repo) queryLogs(db *sql.DB, f ListFilter, limit int) ([]LogSummary, error) {
	var where []string
	var args []any

	if f.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.User != "" {
		where = append(where, "username = ?")
		args = append(args, f.User)
	}
	if f.Repo != "" {
		where = append(where, "repo = ?")
		args = append(args, f.Repo)
	}
	if f.WorkspaceHash != "" {
		where = append(where, "workspace_hash = ?")
		args = append(args, f.WorkspaceHash)
	}
	if f.MachineID != "" {
		where = append(where, "machine_id = ?")
		args = append(args, f.MachineID)
	}
	if f.ClientIP != "" {
		where = append(where, "client_ip = ?")
		args = append(args, f.ClientIP)
	}
	if f.NetOK != nil {
		where = append(where, "net_ok = ?")
		args = append(args, boolToInt(*f.NetOK))
	}
	if f.HTTPStatus != nil {
		where = append(where, "http_status = ?")
		args = append(args, *f.HTTPStatus)
	}
	if f.Before > 0 {
		where = append(where, "ts_ns < ?")
		args = append(args, f.Before)
	}
	if f.After > 0 {
		where = append(where, "ts_ns > ?")
		args = append(args, f.After)
	}

	q := "SELECT " + logColumns + " FROM request_logs"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY ts_ns DESC, id ASC LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLogSummaries(rows)
}

func (r *Repo) queryLogByID(db *sql.DB, id string) (*LogSummary, error) {
	row := db.QueryRow("SELECT "+logColumns+" FROM request_logs WHERE id = ?", id)

	var s LogSummary
	var netOK int
	err := row.Scan(
		&s.ID, &s.TsNs, &s.ClientIP, &s.Country,
		&s.SessionID, &s.User, &s.Repo, &s.WorkspaceHash, &s.MachineID,
		&s.Host, &s.HTTPMethod, &s.Path, &s.HTTPStatus,
		&s.DurationNs, &s.BytesIn, &s.BytesOut, &netOK,
		&s.UserAgent, &s.ErrorCode,
	)
	if err != nil {
		return nil, err
	}
	s.NetOK = netOK != 0
	return &s, nil
}

func scanLogSummaries(rows *sql.Rows) ([]LogSummary, error) {
	var results []LogSummary
	for rows.Next() {
		var s LogSummary
		var netOK int
		err := rows.Scan(
			&s.ID, &s.TsNs, &s.ClientIP, &s.Country,
			&s.SessionID, &s.User, &s.Repo, &s.WorkspaceHash, &s.MachineID,
			&s.Host, &s.HTTPMethod, &s.Path, &s.HTTPStatus,
			&s.DurationNs, &s.BytesIn, &s.BytesOut, &netOK,
			&s.UserAgent, &s.ErrorCode,
		)
		if err != nil {
			log.Printf("[requestlog] warning: skip malformed log row during scan: %v", err)
			continue
		}
		s.NetOK = netOK != 0
		results = append(results, s)
	}
	return results, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// sqliteFilesSize returns the total size of a SQLite database set:
// base db file + optional -wal and -shm sidecar files.
func sqliteFilesSize(basePath string) (int64, error) {
	paths := []string{basePath, basePath + "-wal", basePath + "-shm"}
	var total int64
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return 0, err
		}
		total += info.Size()
	}
	return total, nil
}
