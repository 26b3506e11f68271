package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cyclopcam/logs"
	_ "modernc.org/sqlite"

	"socks-fleet/pkg/model"
)

// DefaultSQLitePath matches the location the discovery job writes to.
const DefaultSQLitePath = "db/tor_nodes.db"

const sqliteSchema = `CREATE TABLE IF NOT EXISTS tor_nodes (
	fingerprint TEXT PRIMARY KEY,
	nickname TEXT,
	country TEXT,
	ip TEXT,
	is_exit INTEGER,
	is_running INTEGER,
	last_seen TEXT,
	geo_category TEXT,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_tor_nodes_geo ON tor_nodes(geo_category);`

// SQLiteStore keeps the catalog in a single sqlite file shared with the discovery job.
type SQLiteStore struct {
	db  *sql.DB
	log logs.Log
}

// OpenSQLite opens (and creates if needed) the catalog file at path.
func OpenSQLite(ctx context.Context, path string, log logs.Log) (*SQLiteStore, error) {
	if path == "" {
		path = DefaultSQLitePath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir catalog dir: %w", err)
	}
	dsn := "file:" + path + "?_pragma=busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite init schema: %w", err)
	}
	return &SQLiteStore{db: db, log: log}, nil
}

func (s *SQLiteStore) RandomNode(ctx context.Context, geo model.GeoCategory) (model.NodeRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT fingerprint, nickname, country, ip, is_exit, is_running, last_seen, geo_category
		FROM tor_nodes WHERE geo_category = ? ORDER BY RANDOM() LIMIT 1`, string(geo))
	var (
		fp, nick, country, ip, lastSeen, cat sql.NullString
		isExit, isRunning                    sql.NullInt64
	)
	err := row.Scan(&fp, &nick, &country, &ip, &isExit, &isRunning, &lastSeen, &cat)
	if err == sql.ErrNoRows {
		return model.NodeRecord{}, false, nil
	}
	if err != nil {
		return model.NodeRecord{}, false, fmt.Errorf("select random node: %w", err)
	}
	return model.NodeRecord{
		Fingerprint: fp.String,
		Nickname:    nick.String,
		Country:     country.String,
		IP:          ip.String,
		IsExit:      isExit.Int64 != 0,
		IsRunning:   isRunning.Int64 != 0,
		LastSeen:    lastSeen.String,
		GeoCategory: model.GeoCategory(cat.String),
	}, true, nil
}

func (s *SQLiteStore) CountByCategory(ctx context.Context) (map[model.GeoCategory]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT geo_category, COUNT(*) FROM tor_nodes GROUP BY geo_category`)
	if err != nil {
		return nil, fmt.Errorf("count nodes: %w", err)
	}
	defer rows.Close()
	out := make(map[model.GeoCategory]int)
	for rows.Next() {
		var cat sql.NullString
		var n int
		if err := rows.Scan(&cat, &n); err != nil {
			return nil, fmt.Errorf("scan node count: %w", err)
		}
		out[model.GeoCategory(cat.String)] = n
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ReplaceNodes(ctx context.Context, nodes []model.NodeRecord) (int, error) {
	nodes = dedupe(nodes, s.log)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin replace: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM tor_nodes`); err != nil {
		return 0, fmt.Errorf("clear nodes: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO tor_nodes
		(fingerprint, nickname, country, ip, is_exit, is_running, last_seen, geo_category)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()
	for _, n := range nodes {
		if _, err := stmt.ExecContext(ctx, n.Fingerprint, n.Nickname, n.Country, n.IP,
			boolInt(n.IsExit), boolInt(n.IsRunning), n.LastSeen, string(n.GeoCategory)); err != nil {
			return 0, fmt.Errorf("insert node %s: %w", n.Fingerprint, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit replace: %w", err)
	}
	return len(nodes), nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
