package discovery

import (
	"context"
	"fmt"
	"time"

	"github.com/cyclopcam/logs"

	"socks-fleet/pkg/store"
)

// Refresher replaces the catalog contents with the current exit relays.
type Refresher struct {
	client  *Client
	catalog store.CatalogStore
	log     logs.Log
	now     func() time.Time
}

func NewRefresher(client *Client, catalog store.CatalogStore, log logs.Log) *Refresher {
	return &Refresher{client: client, catalog: catalog, log: log, now: time.Now}
}

// Refresh fetches and stores one snapshot, returning the number of rows stored.
// A failed fetch leaves the catalog untouched.
func (r *Refresher) Refresh(ctx context.Context) (int, error) {
	relays, err := r.client.FetchExitRelays(ctx)
	if err != nil {
		return 0, err
	}
	nodes, skipped := ToNodes(relays, r.now().UTC())
	if skipped > 0 {
		r.log.Infof("skipped %d relays missing fingerprint, address or country", skipped)
	}
	if len(nodes) == 0 {
		return 0, fmt.Errorf("onionoo returned no usable exit relays (%d relays)", len(relays))
	}
	n, err := r.catalog.ReplaceNodes(ctx, nodes)
	if err != nil {
		return 0, fmt.Errorf("store nodes: %w", err)
	}
	r.log.Infof("stored %d exit nodes", n)
	return n, nil
}

// Run refreshes immediately and then every interval until ctx is done.
// Individual failures are logged and retried at the next tick.
func (r *Refresher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := r.Refresh(ctx); err != nil {
			r.log.Errorf("node discovery failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
