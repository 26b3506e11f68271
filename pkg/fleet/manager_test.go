package fleet

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"socks-fleet/pkg/engine"
	"socks-fleet/pkg/engine/enginetest"
	"socks-fleet/pkg/metrics"
	"socks-fleet/pkg/model"
	"socks-fleet/pkg/store"
)

const usFingerprint = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

type harness struct {
	mgr      *Manager
	engine   *enginetest.Fake
	catalog  *store.MemoryStore
	gauges   *metrics.Gauges
	observer *recordingObserver
	cfg      Config
}

func newHarness(t *testing.T, e engine.Engine) *harness {
	log := logs.NewTestingLog(t)
	cfg := DefaultConfig()
	cfg.ConfigDir = t.TempDir()
	cfg.SettleDelay = 0

	catalog := store.NewMemoryStore(log)
	_, err := catalog.ReplaceNodes(context.Background(), []model.NodeRecord{
		{Fingerprint: usFingerprint, IP: "1.2.3.4", Country: "us", GeoCategory: model.GeoUS},
	})
	require.NoError(t, err)

	gauges := metrics.NewGauges(prometheus.NewRegistry())
	rec := NewReconciler(e, catalog, gauges, cfg.ListPrefix(), log)
	obs := &recordingObserver{}
	mgr := NewManager(cfg, e, catalog, rec, log, obs)
	clock := time.Unix(1700000000, 0)
	mgr.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	h := &harness{mgr: mgr, catalog: catalog, gauges: gauges, observer: obs, cfg: cfg}
	if fe, ok := e.(*enginetest.Fake); ok {
		h.engine = fe
	}
	return h
}

func (h *harness) artifacts(t *testing.T) []string {
	entries, err := os.ReadDir(h.cfg.ConfigDir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func (h *harness) active(cat model.GeoCategory) float64 {
	return testutil.ToFloat64(h.gauges.ActiveProxies.WithLabelValues(string(cat)))
}

func (h *harness) available(cat model.GeoCategory) float64 {
	return testutil.ToFloat64(h.gauges.AvailableNodes.WithLabelValues(string(cat)))
}

func TestCreateListTerminate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, enginetest.New())

	inst, err := h.mgr.Create(ctx, "US", model.PlacementStrict)
	require.NoError(t, err)
	require.NotZero(t, inst.Port)
	require.Equal(t, model.GeoUS, inst.GeoCategory)
	require.Equal(t, "1.2.3.4", inst.ExitIP)
	require.Equal(t, usFingerprint, inst.Fingerprint)
	require.Equal(t, "running", inst.Status)
	require.Equal(t, "tor-proxy-AAAAAAAAAAAA-1700000001", inst.Name)

	files := h.artifacts(t)
	require.Equal(t, []string{"torrc_AAAAAAAAAAAA_1700000001"}, files)
	body, err := os.ReadFile(filepath.Join(h.cfg.ConfigDir, files[0]))
	require.NoError(t, err)
	require.Contains(t, string(body), "ExitNodes 1.2.3.4")
	st, err := os.Stat(filepath.Join(h.cfg.ConfigDir, files[0]))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o644), st.Mode().Perm())

	require.Len(t, h.engine.Runs(), 1)
	spec := h.engine.Runs()[0]
	require.Equal(t, "tor-proxy-image:latest", spec.Image)
	require.Equal(t, []string{"tor", "-f", "/etc/tor_configs/torrc_AAAAAAAAAAAA_1700000001"}, spec.Cmd)
	require.Equal(t, 9050, spec.Port)
	require.True(t, spec.AutoRemove)
	require.Equal(t, []engine.Mount{{Source: "socks-proxy_tor_configs_data", Target: "/etc/tor_configs", ReadOnly: true}}, spec.Mounts)
	meta, err := model.DecodeInstanceMeta(spec.Labels)
	require.NoError(t, err)
	require.Equal(t, model.InstanceMeta{GeoCategory: model.GeoUS, ExitIP: "1.2.3.4", Fingerprint: usFingerprint}, meta)

	list, err := h.mgr.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, inst.Port, list[0].Port)
	require.Equal(t, inst.ContainerID, list[0].ContainerID)
	require.Equal(t, "1.2.3.4", list[0].ExitIP)
	require.Equal(t, usFingerprint, list[0].Fingerprint)

	require.Equal(t, 1.0, h.active(model.GeoUS))
	require.Equal(t, 0.0, h.active(model.GeoNonUS))
	require.Equal(t, 1.0, h.available(model.GeoUS))
	require.Equal(t, 0.0, h.available(model.GeoNonUS))

	gone, err := h.mgr.Terminate(ctx, inst.Port)
	require.NoError(t, err)
	require.Equal(t, inst.ContainerID, gone.ContainerID)
	require.Empty(t, h.artifacts(t))

	list, err = h.mgr.List(ctx)
	require.NoError(t, err)
	require.Empty(t, list)
	require.Equal(t, 0.0, h.active(model.GeoUS), "drained category must read zero")

	require.Equal(t, []string{model.EventInstanceCreated, model.EventInstanceTerminated}, h.observer.types())
}

func TestCreateFlexibleEmbedsFingerprint(t *testing.T) {
	h := newHarness(t, enginetest.New())
	_, err := h.mgr.Create(context.Background(), "US", model.PlacementFlexible)
	require.NoError(t, err)
	files := h.artifacts(t)
	require.Len(t, files, 1)
	body, err := os.ReadFile(filepath.Join(h.cfg.ConfigDir, files[0]))
	require.NoError(t, err)
	require.Contains(t, string(body), "ExitNodes "+usFingerprint)
	require.NotContains(t, string(body), "1.2.3.4")
}

func TestCreateNoNodes(t *testing.T) {
	h := newHarness(t, enginetest.New())
	for _, geo := range []string{"NON_US", "EU", ""} {
		_, err := h.mgr.Create(context.Background(), geo, model.PlacementStrict)
		require.ErrorIs(t, err, ErrNoNodesAvailable, geo)
	}
	require.Empty(t, h.engine.Runs())
	require.Empty(t, h.artifacts(t))
}

func TestCreateReadinessFailureRollsBack(t *testing.T) {
	h := newHarness(t, enginetest.New())
	h.engine.NotReady = true
	h.engine.LogOutput = "Nov 14 22:13:20.000 [warn] Could not bind to 0.0.0.0:9050: Address already in use\n"

	_, err := h.mgr.Create(context.Background(), "US", model.PlacementStrict)
	require.ErrorIs(t, err, ErrReadinessTimeout)
	var rerr *ReadinessError
	require.True(t, errors.As(err, &rerr))
	require.Equal(t, "exited", rerr.Status)
	require.Contains(t, rerr.Logs, "Address already in use")

	require.Empty(t, h.artifacts(t), "config must be rolled back")
	require.Len(t, h.engine.Stopped(), 1, "failed container must not stay registered")
	require.Equal(t, []string{model.EventInstanceFailed}, h.observer.types())
}

func TestCreateLogExcerptIsTruncated(t *testing.T) {
	h := newHarness(t, enginetest.New())
	h.mgr.cfg.LogExcerpt = 10
	h.engine.NotReady = true
	h.engine.LogOutput = "0123456789abcdefghij"

	_, err := h.mgr.Create(context.Background(), "US", model.PlacementStrict)
	var rerr *ReadinessError
	require.True(t, errors.As(err, &rerr))
	require.Equal(t, "abcdefghij", rerr.Logs)
}

func TestCreateRunFailureRollsBack(t *testing.T) {
	h := newHarness(t, enginetest.New())
	h.engine.RunErr = errors.New("docker create: No such image: tor-proxy-image:latest")

	_, err := h.mgr.Create(context.Background(), "US", model.PlacementStrict)
	require.ErrorIs(t, err, ErrLaunchFailed)
	require.NotErrorIs(t, err, ErrRuntimeUnavailable)
	require.Empty(t, h.artifacts(t))
}

func TestCreateRuntimeLostDuringRun(t *testing.T) {
	h := newHarness(t, enginetest.New())
	h.engine.RunErr = fmt.Errorf("%w: create: connection refused", engine.ErrUnavailable)

	_, err := h.mgr.Create(context.Background(), "US", model.PlacementStrict)
	require.ErrorIs(t, err, ErrLaunchFailed)
	require.ErrorIs(t, err, ErrRuntimeUnavailable)
	require.Empty(t, h.artifacts(t))
}

func TestCreateMissingConfigDir(t *testing.T) {
	h := newHarness(t, enginetest.New())
	h.mgr.cfg.ConfigDir = filepath.Join(h.cfg.ConfigDir, "missing")

	_, err := h.mgr.Create(context.Background(), "US", model.PlacementStrict)
	require.ErrorIs(t, err, ErrLaunchFailed)
	require.Empty(t, h.engine.Runs())
}

func TestCreateRemovesConfigWhenChmodFails(t *testing.T) {
	h := newHarness(t, enginetest.New())
	h.mgr.chmod = func(string, os.FileMode) error { return os.ErrPermission }

	_, err := h.mgr.Create(context.Background(), "US", model.PlacementStrict)
	require.ErrorIs(t, err, ErrLaunchFailed)
	require.ErrorIs(t, err, os.ErrPermission)
	require.Empty(t, h.artifacts(t))
	require.Empty(t, h.engine.Runs())
}

func TestCreateSettleDelayHonoursContext(t *testing.T) {
	h := newHarness(t, enginetest.New())
	h.mgr.cfg.SettleDelay = time.Hour
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := h.mgr.Create(ctx, "US", model.PlacementStrict)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Empty(t, h.artifacts(t))
	require.Len(t, h.engine.Stopped(), 1)
}

func TestUnavailableRuntime(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, engine.Unavailable{Reason: errors.New("no docker socket")})

	_, err := h.mgr.Create(ctx, "US", model.PlacementStrict)
	require.ErrorIs(t, err, ErrRuntimeUnavailable)
	_, err = h.mgr.List(ctx)
	require.ErrorIs(t, err, ErrRuntimeUnavailable)
	_, err = h.mgr.Terminate(ctx, 32768)
	require.ErrorIs(t, err, ErrRuntimeUnavailable)
	require.False(t, h.mgr.RuntimeConnected())

	h.mgr.Reconcile(ctx)
	require.Equal(t, 1.0, h.available(model.GeoUS))
}

func TestListSkipsUnusableContainers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, enginetest.New())
	good, _ := model.InstanceMeta{GeoCategory: model.GeoNonUS, ExitIP: "5.6.7.8", Fingerprint: "BBBB"}.Labels()

	h.engine.Add(engine.Container{ID: "good", Name: "tor-proxy-BBBB-1", Status: "running", Labels: good, Ports: map[int]int{9050: 40001}})
	h.engine.Add(engine.Container{ID: "nolabel", Name: "tor-proxy-CCCC-1", Status: "running", Ports: map[int]int{9050: 40002}})
	h.engine.Add(engine.Container{ID: "badlabel", Name: "tor-proxy-DDDD-1", Status: "running",
		Labels: map[string]string{model.MetaLabel: "{"}, Ports: map[int]int{9050: 40003}})
	h.engine.Add(engine.Container{ID: "noport", Name: "tor-proxy-EEEE-1", Status: "running", Labels: good})
	h.engine.Add(engine.Container{ID: "other", Name: "postgres", Status: "running", Labels: good, Ports: map[int]int{9050: 40004}})

	list, err := h.mgr.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "good", list[0].ContainerID)
	require.Equal(t, 40001, list[0].Port)
	require.Equal(t, model.GeoNonUS, list[0].GeoCategory)

	h.mgr.Reconcile(ctx)
	require.Equal(t, 2.0, h.active(model.GeoNonUS), "reconcile counts by metadata, port or not")
	require.Equal(t, 0.0, h.active(model.GeoUS))
}

func TestTerminateNotFound(t *testing.T) {
	h := newHarness(t, enginetest.New())
	_, err := h.mgr.Terminate(context.Background(), 12345)
	require.ErrorIs(t, err, ErrInstanceNotFound)
}

func TestTerminateStopFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, enginetest.New())
	inst, err := h.mgr.Create(ctx, "US", model.PlacementStrict)
	require.NoError(t, err)

	h.engine.StopErr = errors.New("docker stop: timeout")
	_, err = h.mgr.Terminate(ctx, inst.Port)
	require.ErrorIs(t, err, ErrTerminationFailed)
	require.Empty(t, h.artifacts(t), "artifact removal is not rolled back")
}

func TestTerminateListFailure(t *testing.T) {
	h := newHarness(t, enginetest.New())
	h.engine.ListErr = errors.New("docker list: 500")
	_, err := h.mgr.Terminate(context.Background(), 1)
	require.ErrorIs(t, err, ErrTerminationFailed)

	h.engine.ListErr = fmt.Errorf("%w: list", engine.ErrUnavailable)
	_, err = h.mgr.Terminate(context.Background(), 1)
	require.ErrorIs(t, err, ErrRuntimeUnavailable)
}

func TestTerminateToleratesMissingArtifact(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, enginetest.New())
	inst, err := h.mgr.Create(ctx, "US", model.PlacementStrict)
	require.NoError(t, err)
	for _, f := range h.artifacts(t) {
		require.NoError(t, os.Remove(filepath.Join(h.cfg.ConfigDir, f)))
	}
	_, err = h.mgr.Terminate(ctx, inst.Port)
	require.NoError(t, err)
}

func TestReconcileKeepsGaugeWhenListFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, enginetest.New())
	_, err := h.mgr.Create(ctx, "US", model.PlacementStrict)
	require.NoError(t, err)
	require.Equal(t, 1.0, h.active(model.GeoUS))

	h.engine.ListErr = errors.New("docker list: 500")
	h.mgr.Reconcile(ctx)
	require.Equal(t, 1.0, h.active(model.GeoUS))
}

func TestLocalConfigPath(t *testing.T) {
	h := newHarness(t, enginetest.New())
	dir := h.cfg.ConfigDir
	require.Equal(t, filepath.Join(dir, "torrc_x_1"), h.mgr.localConfigPath([]string{"tor", "-f", "/etc/tor_configs/torrc_x_1"}))
	require.Empty(t, h.mgr.localConfigPath([]string{"tor", "-f", "/etc/passwd"}))
	require.Empty(t, h.mgr.localConfigPath([]string{"tor", "-f", "/etc/tor_configs/../passwd"}))
	require.Empty(t, h.mgr.localConfigPath([]string{"tor"}))
	require.Empty(t, h.mgr.localConfigPath(nil))
}

func TestCanTransition(t *testing.T) {
	require.True(t, CanTransition(model.StateMaterializing, model.StateLaunching))
	require.True(t, CanTransition(model.StateProbing, model.StateFailed))
	require.True(t, CanTransition(model.StateTerminating, model.StateGone))
	require.False(t, CanTransition(model.StateRunning, model.StateFailed))
	require.False(t, CanTransition(model.StateGone, model.StateRunning))
}

func TestSelector(t *testing.T) {
	ctx := context.Background()
	catalog := store.NewMemoryStore(logs.NewTestingLog(t))
	_, err := catalog.ReplaceNodes(ctx, []model.NodeRecord{
		{Fingerprint: "A", IP: "1.1.1.1", GeoCategory: model.GeoUS},
		{Fingerprint: "B", IP: "2.2.2.2", GeoCategory: model.GeoUS},
	})
	require.NoError(t, err)
	sel := NewSelector(catalog)

	for i := 0; i < 20; i++ {
		n, err := sel.Select(ctx, "US")
		require.NoError(t, err)
		require.Equal(t, model.GeoUS, n.GeoCategory)
	}
	_, err = sel.Select(ctx, "NON_US")
	require.ErrorIs(t, err, ErrNoNodesAvailable)
	_, err = sel.Select(ctx, "us")
	require.ErrorIs(t, err, ErrNoNodesAvailable)
}
