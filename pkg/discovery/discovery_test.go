package discovery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"socks-fleet/pkg/model"
	"socks-fleet/pkg/store"
)

const detailsJSON = `{
  "version": "8.0",
  "relays_published": "2024-05-01 12:00:00",
  "relays": [
    {"fingerprint": "AAAA", "nickname": "one", "country": "us", "running": true,
     "last_seen": "2024-05-01 11:00:00", "or_addresses": ["1.2.3.4:9001", "[2001:db8::1]:9001"]},
    {"fingerprint": "BBBB", "nickname": "two", "country": "de", "current_status": ["running"],
     "or_addresses": ["[2001:db8::2]:443"]},
    {"fingerprint": "CCCC", "nickname": "nocountry", "or_addresses": ["5.6.7.8:9001"]},
    {"fingerprint": "", "country": "fr", "or_addresses": ["9.9.9.9:9001"]},
    {"fingerprint": "DDDD", "country": "nl", "or_addresses": []}
  ]
}`

func onionoo(t *testing.T, body string, status int) (*httptest.Server, *atomic.Int32) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "Exit", r.URL.Query().Get("flag"))
		assert.Equal(t, "true", r.URL.Query().Get("running"))
		assert.Contains(t, r.URL.Query().Get("fields"), "or_addresses")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(ts.Close)
	return ts, &hits
}

func TestToNodes(t *testing.T) {
	running := false
	relays := []Relay{
		{Fingerprint: "A", Country: "US", ORAddresses: []string{"1.1.1.1:9001"}, Running: &running, CurrentStatus: []string{"running"}},
		{Fingerprint: "B", Country: "se", ORAddresses: []string{"[2001:db8::9]:9001"}},
		{Fingerprint: "C", Country: "se", ORAddresses: []string{"2.2.2.2"}},
		{Fingerprint: "D", Country: "", ORAddresses: []string{"3.3.3.3:1"}},
	}
	now := time.Unix(1700000000, 0)
	nodes, skipped := ToNodes(relays, now)
	require.Equal(t, 1, skipped)
	require.Len(t, nodes, 3)

	require.Equal(t, model.GeoUS, nodes[0].GeoCategory)
	require.False(t, nodes[0].IsRunning, "running field wins over current_status")
	require.True(t, nodes[0].IsExit)
	require.Equal(t, now, nodes[0].CreatedAt)

	require.Equal(t, "2001:db8::9", nodes[1].IP)
	require.Equal(t, model.GeoNonUS, nodes[1].GeoCategory)
	require.Equal(t, "2.2.2.2", nodes[2].IP)
}

func TestRefreshReplacesCatalog(t *testing.T) {
	log := logs.NewTestingLog(t)
	ts, _ := onionoo(t, detailsJSON, http.StatusOK)
	client, err := NewClient(Options{URL: ts.URL}, log)
	require.NoError(t, err)

	catalog := store.NewMemoryStore(log)
	_, err = catalog.ReplaceNodes(context.Background(), []model.NodeRecord{{Fingerprint: "OLD", IP: "8.8.8.8", GeoCategory: model.GeoUS}})
	require.NoError(t, err)

	n, err := NewRefresher(client, catalog, log).Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)

	counts, err := catalog.CountByCategory(context.Background())
	require.NoError(t, err)
	require.Equal(t, map[model.GeoCategory]int{model.GeoUS: 1, model.GeoNonUS: 1}, counts)

	node, ok, err := catalog.RandomNode(context.Background(), model.GeoUS)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "AAAA", node.Fingerprint)
	require.Equal(t, "1.2.3.4", node.IP)
	require.True(t, node.IsRunning)

	node, ok, err = catalog.RandomNode(context.Background(), model.GeoNonUS)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "2001:db8::2", node.IP)
	require.True(t, node.IsRunning)
}

func TestRefreshKeepsCatalogOnFailure(t *testing.T) {
	log := logs.NewTestingLog(t)
	catalog := store.NewMemoryStore(log)
	_, err := catalog.ReplaceNodes(context.Background(), []model.NodeRecord{{Fingerprint: "OLD", IP: "8.8.8.8", GeoCategory: model.GeoUS}})
	require.NoError(t, err)

	for _, tc := range []struct {
		name   string
		body   string
		status int
	}{
		{"server error", `oops`, http.StatusBadGateway},
		{"bad json", `{"relays": [`, http.StatusOK},
		{"no relays", `{"relays": []}`, http.StatusOK},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ts, _ := onionoo(t, tc.body, tc.status)
			client, err := NewClient(Options{URL: ts.URL}, log)
			require.NoError(t, err)
			_, err = NewRefresher(client, catalog, log).Refresh(context.Background())
			require.Error(t, err)

			counts, err := catalog.CountByCategory(context.Background())
			require.NoError(t, err)
			require.Equal(t, 1, counts[model.GeoUS])
		})
	}
}

func TestRunStopsWithContext(t *testing.T) {
	log := logs.NewTestingLog(t)
	ts, hits := onionoo(t, detailsJSON, http.StatusOK)
	client, err := NewClient(Options{URL: ts.URL}, log)
	require.NoError(t, err)
	r := NewRefresher(client, store.NewMemoryStore(log), log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx, 10*time.Millisecond)
		close(done)
	}()
	require.Eventually(t, func() bool { return hits.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSocksProxyOption(t *testing.T) {
	log := logs.NewTestingLog(t)
	c, err := NewClient(Options{SocksProxy: "127.0.0.1:9050"}, log)
	require.NoError(t, err)
	require.Equal(t, DefaultTimeout, c.http.Timeout)

	_, err = NewClient(Options{SocksProxy: "ftp://127.0.0.1:21"}, log)
	require.Error(t, err)
}
