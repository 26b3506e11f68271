package store

import (
	"context"
	"fmt"

	"github.com/cyclopcam/logs"

	"socks-fleet/pkg/model"
)

// CatalogStore is the exit-node catalog. The manager only reads it; the
// discovery job replaces it wholesale.
type CatalogStore interface {
	// RandomNode picks one row of the category uniformly at random.
	// ok is false when the category has no rows, which is not an error.
	RandomNode(ctx context.Context, geo model.GeoCategory) (node model.NodeRecord, ok bool, err error)
	CountByCategory(ctx context.Context) (map[model.GeoCategory]int, error)
	// ReplaceNodes deletes every row and inserts nodes in one transaction.
	ReplaceNodes(ctx context.Context, nodes []model.NodeRecord) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

// Open constructs the backend named by driver: sqlite, mysql or memory.
func Open(ctx context.Context, driver, dsn string, log logs.Log) (CatalogStore, error) {
	switch driver {
	case "sqlite", "":
		return OpenSQLite(ctx, dsn, log)
	case "mysql":
		return OpenMySQL(dsn, log)
	case "memory":
		return NewMemoryStore(log), nil
	}
	return nil, fmt.Errorf("unsupported catalog driver: %s", driver)
}

// dedupe drops rows whose fingerprint was already seen, keeping the first.
func dedupe(nodes []model.NodeRecord, log logs.Log) []model.NodeRecord {
	seen := make(map[string]struct{}, len(nodes))
	out := make([]model.NodeRecord, 0, len(nodes))
	for _, n := range nodes {
		if _, dup := seen[n.Fingerprint]; dup {
			log.Warnf("skipping duplicate fingerprint: %s", n.Fingerprint)
			continue
		}
		seen[n.Fingerprint] = struct{}{}
		out = append(out, n)
	}
	return out
}
