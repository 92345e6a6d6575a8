package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/jnesss/vsm-recorder/sigma"
	"github.com/jnesss/vsm-recorder/stats"
	"github.com/jnesss/vsm-recorder/vsl"
	"github.com/jnesss/vsm-recorder/vslq"
)

// DB handles database operations
type DB struct {
	Db    *sql.DB
	RunID string
}

// CounterRecord represents a stored counter sample
type CounterRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	Value     uint64    `json:"value"`
	Delta     uint64    `json:"delta"`
	PerSecond float64   `json:"per_second"`
}

// TransactionRecord represents a stored transaction without its records
type TransactionRecord struct {
	ID          int64     `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	VXID        uint32    `json:"vxid"`
	Parent      uint32    `json:"parent"`
	Level       int       `json:"level"`
	Type        string    `json:"type"`
	Reason      string    `json:"reason"`
	Incomplete  bool      `json:"incomplete"`
	Method      string    `json:"method"`
	URL         string    `json:"url"`
	Status      string    `json:"status"`
	RecordCount int       `json:"record_count"`
}

// MatchRecord represents a stored rule match
type MatchRecord struct {
	ID            int64     `json:"id"`
	TransactionID int64     `json:"transaction_id"`
	VXID          uint32    `json:"vxid"`
	RuleID        string    `json:"rule_id"`
	RuleName      string    `json:"rule_name"`
	Severity      string    `json:"severity"`
	URL           string    `json:"url"`
	MatchDetails  []string  `json:"match_details"`
	Timestamp     time.Time `json:"timestamp"`
}

// NewDB opens the database in dataDir and registers a new recording run
// for the named segment.
func NewDB(dataDir, segmentName string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %v", err)
	}

	dbPath := filepath.Join(dataDir, "vsm_recorder.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %v", err)
	}

	for _, init := range []struct {
		name string
		fn   func(*sql.DB) error
	}{
		{"run", initRunSchema},
		{"counter", initCounterSchema},
		{"transaction", initTransactionSchema},
		{"sigma", initSigmaSchema},
	} {
		if err := init.fn(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize %s schema: %v", init.name, err)
		}
	}

	runID := uuid.New().String()
	if _, err := db.Exec(`INSERT INTO runs (id, segment, started_at) VALUES (?, ?, ?)`,
		runID, segmentName, time.Now()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to register run: %v", err)
	}

	return &DB{Db: db, RunID: runID}, nil
}

func initRunSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id         TEXT PRIMARY KEY,
		segment    TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		ended_at   DATETIME
	);`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create runs table: %v", err)
	}
	return nil
}

func initCounterSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS counters (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id     TEXT NOT NULL,
		timestamp  DATETIME NOT NULL,
		name       TEXT NOT NULL,
		kind       TEXT NOT NULL,
		value      INTEGER NOT NULL,
		delta      INTEGER NOT NULL,
		per_second REAL NOT NULL
	);`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create counters table: %v", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_counters_name ON counters(run_id, name, id);",
		"CREATE INDEX IF NOT EXISTS idx_counters_timestamp ON counters(timestamp);",
	}

	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %v", err)
		}
	}

	return nil
}

func initTransactionSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS transactions (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id       TEXT NOT NULL,
		timestamp    DATETIME NOT NULL,
		vxid         INTEGER NOT NULL,
		parent       INTEGER NOT NULL,
		level        INTEGER NOT NULL,
		type         TEXT NOT NULL,
		reason       TEXT NOT NULL,
		incomplete   BOOLEAN NOT NULL,
		method       TEXT,
		url          TEXT,
		status       TEXT,
		record_count INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS records (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		transaction_id INTEGER NOT NULL,
		seq            INTEGER NOT NULL,
		tag            INTEGER NOT NULL,
		tag_name       TEXT NOT NULL,
		vxid           INTEGER NOT NULL,
		client         BOOLEAN NOT NULL,
		backend        BOOLEAN NOT NULL,
		payload        TEXT NOT NULL
	);`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create transaction tables: %v", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_tx_vxid ON transactions(vxid);",
		"CREATE INDEX IF NOT EXISTS idx_tx_timestamp ON transactions(timestamp);",
		"CREATE INDEX IF NOT EXISTS idx_records_tx ON records(transaction_id, seq);",
	}

	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %v", err)
		}
	}

	return nil
}

func initSigmaSchema(db *sql.DB) error {
	schema := `
    CREATE TABLE IF NOT EXISTS sigma_matches (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        run_id TEXT NOT NULL,
        transaction_id INTEGER NOT NULL,
        vxid INTEGER NOT NULL,
        rule_id TEXT NOT NULL,
        rule_name TEXT NOT NULL,
        severity TEXT NOT NULL,
        url TEXT,
        status TEXT DEFAULT 'new' NOT NULL,
        match_details TEXT,
        event_data TEXT,
        timestamp DATETIME NOT NULL
    );

    CREATE INDEX IF NOT EXISTS idx_sigma_matches_rule_id ON sigma_matches(rule_id);
    CREATE INDEX IF NOT EXISTS idx_sigma_matches_timestamp ON sigma_matches(timestamp);
    CREATE INDEX IF NOT EXISTS idx_sigma_matches_tx ON sigma_matches(transaction_id);`

	_, err := db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to create Sigma tables: %v", err)
	}

	return nil
}

// StoreCounters adds one collection pass to the counters table
func (db *DB) StoreCounters(ts time.Time, rates []stats.Rate) error {
	tx, err := db.Db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %v", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
        INSERT INTO counters (run_id, timestamp, name, kind, value, delta, per_second)
        VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare counter insert: %v", err)
	}
	defer stmt.Close()

	for _, r := range rates {
		if _, err := stmt.Exec(db.RunID, ts, r.Name, r.Kind, int64(r.Value), int64(r.Delta), r.PerSecond); err != nil {
			return fmt.Errorf("failed to insert counter %s: %v", r.Name, err)
		}
	}
	return tx.Commit()
}

// InsertTransactions stores a batch and returns the row id of each
// transaction in batch order.
func (db *DB) InsertTransactions(ts time.Time, batch []vslq.Snapshot) ([]int64, error) {
	tx, err := db.Db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %v", err)
	}
	defer tx.Rollback()

	recStmt, err := tx.Prepare(`
        INSERT INTO records (transaction_id, seq, tag, tag_name, vxid, client, backend, payload)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare record insert: %v", err)
	}
	defer recStmt.Close()

	ids := make([]int64, 0, len(batch))
	for _, s := range batch {
		method, _ := s.First("ReqMethod")
		url, _ := s.First("ReqURL")
		status, _ := s.First("RespStatus")
		if s.Type == vslq.TypeBackendRequest {
			method, _ = s.First("BereqMethod")
			url, _ = s.First("BereqURL")
			status, _ = s.First("BerespStatus")
		}

		res, err := tx.Exec(`
            INSERT INTO transactions (
                run_id, timestamp, vxid, parent, level, type, reason,
                incomplete, method, url, status, record_count
            ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			db.RunID,
			ts,
			s.VXID,
			s.Parent,
			s.Level,
			s.Type.String(),
			s.Reason.String(),
			s.Incomplete,
			method,
			url,
			status,
			len(s.Records),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to insert transaction %d: %v", s.VXID, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}

		for i, e := range s.Records {
			if _, err := recStmt.Exec(id, i, int(e.Tag), e.TagName, e.VXID, e.Client, e.Backend, e.Payload); err != nil {
				return nil, fmt.Errorf("failed to insert record %d of transaction %d: %v", i, s.VXID, err)
			}
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

// InsertMatches stores the rule matches of one transaction
func (db *DB) InsertMatches(transactionID int64, matches []sigma.Match) error {
	query := `
	INSERT INTO sigma_matches (
		run_id,
		transaction_id,
		vxid,
		rule_id,
		rule_name,
		severity,
		url,
		status,
		match_details,
		event_data,
		timestamp
	) VALUES (?, ?, ?, ?, ?, ?, ?, 'new', ?, ?, ?)`

	for _, m := range matches {
		detailsJSON, _ := json.Marshal(m.MatchDetails)
		eventJSON, err := json.Marshal(m.Event)
		if err != nil {
			return fmt.Errorf("failed to marshal event data: %v", err)
		}
		_, err = db.Db.Exec(query,
			db.RunID,
			transactionID,
			m.VXID,
			m.RuleID,
			m.RuleName,
			m.Severity,
			m.URL,
			string(detailsJSON),
			string(eventJSON),
			m.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("failed to insert match: %v", err)
		}
	}
	return nil
}

// LatestCounters returns the newest sample of every counter of the current
// run whose name starts with prefix.
func (db *DB) LatestCounters(prefix string) ([]CounterRecord, error) {
	rows, err := db.Db.Query(`
        SELECT c.timestamp, c.name, c.kind, c.value, c.delta, c.per_second
        FROM counters c
        JOIN (
            SELECT name, MAX(id) AS id FROM counters
            WHERE run_id = ? AND name LIKE ? ESCAPE '\'
            GROUP BY name
        ) latest ON latest.id = c.id
        ORDER BY c.name`, db.RunID, likePrefix(prefix))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CounterRecord
	for rows.Next() {
		var (
			r            CounterRecord
			value, delta int64
		)
		if err := rows.Scan(&r.Timestamp, &r.Name, &r.Kind, &value, &delta, &r.PerSecond); err != nil {
			return nil, err
		}
		r.Value, r.Delta = uint64(value), uint64(delta)
		out = append(out, r)
	}
	return out, rows.Err()
}

func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}

// RecentTransactions returns the newest transactions, newest first
func (db *DB) RecentTransactions(limit int) ([]TransactionRecord, error) {
	rows, err := db.Db.Query(`
        SELECT id, timestamp, vxid, parent, level, type, reason, incomplete,
               COALESCE(method, ''), COALESCE(url, ''), COALESCE(status, ''), record_count
        FROM transactions
        ORDER BY id DESC
        LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TransactionRecord
	for rows.Next() {
		var r TransactionRecord
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.VXID, &r.Parent, &r.Level, &r.Type, &r.Reason,
			&r.Incomplete, &r.Method, &r.URL, &r.Status, &r.RecordCount); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// TransactionRecords returns the records of a stored transaction in order
func (db *DB) TransactionRecords(id int64) ([]vsl.Entry, error) {
	rows, err := db.Db.Query(`
        SELECT tag, tag_name, vxid, client, backend, payload
        FROM records
        WHERE transaction_id = ?
        ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []vsl.Entry
	for rows.Next() {
		var (
			e   vsl.Entry
			tag int
		)
		if err := rows.Scan(&tag, &e.TagName, &e.VXID, &e.Client, &e.Backend, &e.Payload); err != nil {
			return nil, err
		}
		e.Tag = vsl.Tag(tag)
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecentMatches returns the newest rule matches, newest first
func (db *DB) RecentMatches(limit int) ([]MatchRecord, error) {
	rows, err := db.Db.Query(`
        SELECT id, transaction_id, vxid, rule_id, rule_name, severity,
               COALESCE(url, ''), COALESCE(match_details, '[]'), timestamp
        FROM sigma_matches
        ORDER BY id DESC
        LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MatchRecord
	for rows.Next() {
		var (
			m       MatchRecord
			details string
		)
		if err := rows.Scan(&m.ID, &m.TransactionID, &m.VXID, &m.RuleID, &m.RuleName, &m.Severity,
			&m.URL, &details, &m.Timestamp); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(details), &m.MatchDetails); err != nil {
			return nil, fmt.Errorf("failed to decode match details of match %d: %v", m.ID, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Close marks the run finished and closes the database
func (db *DB) Close() error {
	if _, err := db.Db.Exec(`UPDATE runs SET ended_at = ? WHERE id = ?`, time.Now(), db.RunID); err != nil {
		db.Db.Close()
		return fmt.Errorf("failed to finish run: %v", err)
	}
	return db.Db.Close()
}
