package database

import (
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/khalidbs/vulnveille/cmd/common"
	"github.com/khalidbs/vulnveille/cmd/config"
)

const dateLayout = "2006-01-02"

// schema creates both tables. "refs" because REFERENCES is a keyword.
const schema = `
CREATE TABLE IF NOT EXISTS vulnerabilities (
    bulletin_id  TEXT NOT NULL,
    cve_id       TEXT NOT NULL,
    title        TEXT,
    description  TEXT,
    cvss_score   TEXT,
    products     TEXT,
    mitigation   TEXT,
    refs         TEXT,
    extracted_at TEXT,
    PRIMARY KEY (bulletin_id, cve_id)
);

CREATE TABLE IF NOT EXISTS tracking (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    bulletin_id TEXT NOT NULL,
    cve_id      TEXT NOT NULL,
    client      TEXT NOT NULL,
    status      TEXT NOT NULL DEFAULT 'Open',
    team        TEXT,
    treated_on  TEXT,
    comment     TEXT,
    UNIQUE (bulletin_id, cve_id, client),
    FOREIGN KEY (bulletin_id, cve_id) REFERENCES vulnerabilities (bulletin_id, cve_id)
);
`

type SQLiteDatabase struct {
	*sqlx.DB
}

var db *SQLiteDatabase

// Use returns the SQLiteDatabase singleton, opening it from configuration on
// first use.
func Use() *SQLiteDatabase {
	if db == nil {
		cfg := config.Use().Database
		opened, err := Open(cfg.Driver, cfg.DSN)
		if err != nil {
			log.Fatalf("failed to open database: %v", err)
		}
		db = opened
	}
	return db
}

// Open opens a database and ensures the schema exists. Tests use this
// directly with a temp-file DSN.
func Open(driver, dsn string) (*SQLiteDatabase, error) {
	// SQLite leaves foreign keys off per connection unless asked; the pragma
	// in the DSN applies to every pooled connection.
	if !strings.Contains(dsn, "_pragma=foreign_keys") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=foreign_keys(1)"
	}
	conn, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteDatabase{DB: conn}, nil
}

// InsertVulnerability stores one (bulletin, CVE) row. Returns false when the
// pair was already present; existing rows are never overwritten.
func (db *SQLiteDatabase) InsertVulnerability(v common.Vulnerability) (bool, error) {
	extractedAt := v.ExtractedAt
	if extractedAt.IsZero() {
		extractedAt = time.Now()
	}
	res, err := db.Exec(`
        INSERT OR IGNORE INTO vulnerabilities
        (bulletin_id, cve_id, title, description, cvss_score, products, mitigation, refs, extracted_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.BulletinID, v.CVE, v.Title, v.Description, v.CVSSScore,
		v.Products, v.Mitigation, v.References, extractedAt.Format(time.RFC3339))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetVulnerability fetches one vulnerability row, or nil when absent.
func (db *SQLiteDatabase) GetVulnerability(bulletinID, cve string) (*common.Vulnerability, error) {
	var v common.Vulnerability
	var extractedAt string
	row := db.QueryRow(`
        SELECT bulletin_id, cve_id, title, description, cvss_score, products, mitigation, refs, extracted_at
        FROM vulnerabilities WHERE bulletin_id = ? AND cve_id = ?`, bulletinID, cve)
	err := row.Scan(&v.BulletinID, &v.CVE, &v.Title, &v.Description, &v.CVSSScore,
		&v.Products, &v.Mitigation, &v.References, &extractedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if t, err := time.Parse(time.RFC3339, extractedAt); err == nil {
		v.ExtractedAt = t
	}
	return &v, nil
}

// InsertTracking stores a per-client tracking row, skipping duplicates.
// Returns false when the (bulletin, CVE, client) triple already existed.
func (db *SQLiteDatabase) InsertTracking(t common.Tracking) (bool, error) {
	if t.Status == "" {
		t.Status = common.StatusOpen
	}
	if !common.ValidStatus(t.Status) {
		return false, fmt.Errorf("unknown tracking status %q", t.Status)
	}
	if t.TreatedOn == "" {
		t.TreatedOn = time.Now().Format(dateLayout)
	}
	res, err := db.Exec(`
        INSERT OR IGNORE INTO tracking
        (bulletin_id, cve_id, client, status, team, treated_on, comment)
        VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.BulletinID, t.CVE, t.Client, t.Status, t.Team, t.TreatedOn, t.Comment)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetTracking fetches one tracking row by id, or nil when absent.
func (db *SQLiteDatabase) GetTracking(id int64) (*common.Tracking, error) {
	var t common.Tracking
	err := db.Get(&t, `
        SELECT id, bulletin_id, cve_id, client, status, team, treated_on, comment
        FROM tracking WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTracked returns tracking rows joined with their vulnerabilities.
// Empty filter values are ignored; from and to compare against the treatment
// date and both ends are inclusive.
func (db *SQLiteDatabase) ListTracked(client, from, to string) ([]common.TrackedVuln, error) {
	query := `
        SELECT t.id, t.bulletin_id, t.cve_id, t.client, t.status, t.team, t.treated_on, t.comment,
               v.title, v.description, v.cvss_score, v.products, v.mitigation, v.refs
        FROM tracking t
        JOIN vulnerabilities v ON t.bulletin_id = v.bulletin_id AND t.cve_id = v.cve_id
        WHERE 1=1`
	var args []interface{}
	if client != "" {
		query += " AND t.client = ?"
		args = append(args, client)
	}
	if from != "" {
		query += " AND t.treated_on >= ?"
		args = append(args, from)
	}
	if to != "" {
		query += " AND t.treated_on <= ?"
		args = append(args, to)
	}
	query += " ORDER BY t.treated_on DESC, t.bulletin_id, t.client, t.cve_id"

	var rows []common.TrackedVuln
	if err := db.Select(&rows, query, args...); err != nil {
		return nil, err
	}
	return rows, nil
}

// UpdateTracking applies a status/comment edit to one tracking row. Without
// an explicit date, a non-closed status stamps today; closing keeps the row's
// existing treatment date.
func (db *SQLiteDatabase) UpdateTracking(id int64, status, comment, treatedOn string) error {
	if !common.ValidStatus(status) {
		return fmt.Errorf("unknown tracking status %q", status)
	}
	if treatedOn == "" && status != common.StatusClosed {
		treatedOn = time.Now().Format(dateLayout)
	}

	var res sql.Result
	var err error
	if treatedOn == "" {
		res, err = db.Exec(`UPDATE tracking SET status = ?, comment = ? WHERE id = ?`,
			status, comment, id)
	} else {
		res, err = db.Exec(`UPDATE tracking SET status = ?, comment = ?, treated_on = ? WHERE id = ?`,
			status, comment, treatedOn, id)
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("tracking row %d not found", id)
	}
	return nil
}

// DeleteTracking removes one tracking row by id.
func (db *SQLiteDatabase) DeleteTracking(id int64) error {
	_, err := db.Exec(`DELETE FROM tracking WHERE id = ?`, id)
	return err
}

// DeleteTrackingGroup removes every tracking row a client holds for one
// bulletin, across all of its CVEs.
func (db *SQLiteDatabase) DeleteTrackingGroup(bulletinID, client string) error {
	_, err := db.Exec(`DELETE FROM tracking WHERE bulletin_id = ? AND client = ?`, bulletinID, client)
	return err
}

// Clients returns the distinct client names present in tracking rows.
func (db *SQLiteDatabase) Clients() ([]string, error) {
	var clients []string
	if err := db.Select(&clients, `SELECT DISTINCT client FROM tracking ORDER BY client`); err != nil {
		return nil, err
	}
	return clients, nil
}
