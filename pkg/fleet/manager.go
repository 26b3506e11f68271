// Package fleet is the proxy lifecycle manager: it selects exit nodes, materializes
// per-instance torrc files, launches and tears down proxy containers, and keeps
// the fleet gauges current.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/google/uuid"

	"socks-fleet/pkg/engine"
	"socks-fleet/pkg/model"
	"socks-fleet/pkg/store"
	"socks-fleet/pkg/torrc"
)

const statusRunning = "running"

// Config holds the deployment constants of the proxy fleet.
type Config struct {
	Image     string
	SocksPort int
	// ConfigDir is where this process writes torrc artifacts.
	ConfigDir string
	// MountSource is the volume name or host path that holds ConfigDir's files,
	// mounted read-only at MountTarget inside every proxy container.
	MountSource  string
	MountTarget  string
	ConfigPrefix string
	NamePrefix   string
	SettleDelay  time.Duration
	// LogTail is how many log lines to fetch from a container that failed readiness,
	// LogExcerpt how many trailing characters of them to report.
	LogTail    int
	LogExcerpt int
}

// DefaultConfig mirrors the stock docker-compose deployment.
func DefaultConfig() Config {
	return Config{
		Image:        "tor-proxy-image:latest",
		SocksPort:    torrc.DefaultSocksPort,
		ConfigDir:    "/etc/tor_configs",
		MountSource:  "socks-proxy_tor_configs_data",
		MountTarget:  "/etc/tor_configs",
		ConfigPrefix: "torrc",
		NamePrefix:   "tor-proxy",
		SettleDelay:  2 * time.Second,
		LogTail:      50,
		LogExcerpt:   300,
	}
}

// ListPrefix is the name prefix shared by every proxy container.
func (c Config) ListPrefix() string {
	return c.NamePrefix + "-"
}

// Observer receives lifecycle events. Observers are best-effort side channels
// and must not block for long.
type Observer interface {
	Observe(ctx context.Context, ev model.Event)
}

// Manager creates, lists and terminates proxy instances. It keeps no instance
// state of its own: the container runtime is the source of truth.
type Manager struct {
	cfg        Config
	engine     engine.Engine
	selector   *Selector
	reconciler *Reconciler
	observers  []Observer
	log        logs.Log
	now        func() time.Time
	chmod      func(string, os.FileMode) error
}

func NewManager(cfg Config, e engine.Engine, catalog store.CatalogStore, reconciler *Reconciler, log logs.Log, observers ...Observer) *Manager {
	return &Manager{
		cfg:        cfg,
		engine:     e,
		selector:   NewSelector(catalog),
		reconciler: reconciler,
		observers:  observers,
		log:        log,
		now:        time.Now,
		chmod:      os.Chmod,
	}
}

// RuntimeConnected reports whether the manager holds a live runtime handle.
func (m *Manager) RuntimeConnected() bool {
	return engine.IsAvailable(m.engine)
}

// Reconcile refreshes the fleet gauges.
func (m *Manager) Reconcile(ctx context.Context) {
	m.reconciler.Reconcile(ctx)
}

// Create launches a proxy exiting through a random node of the category. No
// reservation is made, so concurrent creates may pick the same node.
func (m *Manager) Create(ctx context.Context, geo string, mode model.PlacementMode) (model.Instance, error) {
	if !m.RuntimeConnected() {
		return model.Instance{}, ErrRuntimeUnavailable
	}
	node, err := m.selector.Select(ctx, geo)
	if err != nil {
		return model.Instance{}, err
	}

	ts := m.now().Unix()
	configName := torrc.ConfigName(m.cfg.ConfigPrefix, node.Fingerprint, ts)
	name := torrc.ContainerName(m.cfg.NamePrefix, node.Fingerprint, ts)
	localPath := filepath.Join(m.cfg.ConfigDir, configName)
	inst := model.Instance{
		Name:        name,
		GeoCategory: node.GeoCategory,
		ExitIP:      node.IP,
		Fingerprint: node.Fingerprint,
	}
	lc := newLifecycle(name, model.StateMaterializing, m.log)

	if err := m.writeArtifact(localPath, torrc.Render(m.cfg.SocksPort, mode, node)); err != nil {
		m.removeArtifact(localPath)
		lc.to(model.StateFailed)
		return inst, m.fail(ctx, inst, &LaunchError{Name: name, Err: err})
	}

	meta := model.InstanceMeta{GeoCategory: node.GeoCategory, ExitIP: node.IP, Fingerprint: node.Fingerprint}
	labels, err := meta.Labels()
	if err != nil {
		m.removeArtifact(localPath)
		lc.to(model.StateFailed)
		return inst, m.fail(ctx, inst, &LaunchError{Name: name, Err: err})
	}

	lc.to(model.StateLaunching)
	id, err := m.engine.Run(ctx, engine.RunSpec{
		Image: m.cfg.Image,
		Name:  name,
		Cmd:   []string{"tor", "-f", path.Join(m.cfg.MountTarget, configName)},
		Port:  m.cfg.SocksPort,
		Mounts: []engine.Mount{{
			Source:   m.cfg.MountSource,
			Target:   m.cfg.MountTarget,
			ReadOnly: true,
		}},
		AutoRemove: true,
		Labels:     labels,
	})
	if err != nil {
		m.removeArtifact(localPath)
		lc.to(model.StateFailed)
		return inst, m.fail(ctx, inst, &LaunchError{Name: name, Err: err})
	}
	inst.ContainerID = id

	lc.to(model.StateProbing)
	c, err := m.probe(ctx, id)
	if err != nil {
		m.removeArtifact(localPath)
		m.stopQuietly(ctx, id)
		lc.to(model.StateFailed)
		return inst, m.fail(ctx, inst, &LaunchError{Name: name, Err: err})
	}
	inst.Status = c.Status
	inst.Port = c.HostPort(m.cfg.SocksPort)
	if c.Status != statusRunning || inst.Port == 0 {
		rerr := &ReadinessError{
			Name:     name,
			Status:   c.Status,
			HostPort: inst.Port,
			Logs:     m.logExcerpt(ctx, id),
		}
		m.removeArtifact(localPath)
		m.stopQuietly(ctx, id)
		lc.to(model.StateFailed)
		return inst, m.fail(ctx, inst, rerr)
	}

	lc.to(model.StateRunning)
	m.log.Infof("proxy %s running port=%d geo=%s exit=%s mode=%s", name, inst.Port, inst.GeoCategory, inst.ExitIP, mode)
	m.reconciler.Reconcile(ctx)
	m.publish(ctx, model.EventInstanceCreated, inst, "")
	return inst, nil
}

// probe waits the settle delay and re-inspects the container.
func (m *Manager) probe(ctx context.Context, id string) (engine.Container, error) {
	if m.cfg.SettleDelay > 0 {
		t := time.NewTimer(m.cfg.SettleDelay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return engine.Container{}, ctx.Err()
		case <-t.C:
		}
	}
	return m.engine.Inspect(ctx, id)
}

// List returns a snapshot of running proxy instances. Containers without
// readable metadata or without a host port yet are skipped.
func (m *Manager) List(ctx context.Context) ([]model.Instance, error) {
	if !m.RuntimeConnected() {
		return nil, ErrRuntimeUnavailable
	}
	containers, err := m.engine.List(ctx, m.cfg.ListPrefix())
	if err != nil {
		return nil, fmt.Errorf("list proxies: %w", err)
	}
	out := make([]model.Instance, 0, len(containers))
	for _, c := range containers {
		inst, err := m.describe(c)
		if err != nil {
			m.log.Warnf("error parsing proxy_info for container %s: %v", c.ID, err)
			continue
		}
		if inst.Port == 0 {
			m.log.Debugf("skipping container %s: no host port yet", c.Name)
			continue
		}
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out, nil
}

// Terminate stops the instance bound to the host port and deletes its torrc.
// Partial cleanup (artifact removed but stop failed) is not rolled back.
func (m *Manager) Terminate(ctx context.Context, port int) (model.Instance, error) {
	if !m.RuntimeConnected() {
		return model.Instance{}, ErrRuntimeUnavailable
	}
	containers, err := m.engine.List(ctx, m.cfg.ListPrefix())
	if err != nil {
		if errors.Is(err, engine.ErrUnavailable) {
			return model.Instance{}, err
		}
		return model.Instance{}, fmt.Errorf("%w: %v", ErrTerminationFailed, err)
	}
	var target *engine.Container
	for i := range containers {
		if containers[i].HostPort(m.cfg.SocksPort) == port {
			target = &containers[i]
			break
		}
	}
	if target == nil {
		return model.Instance{}, fmt.Errorf("%w: no proxy on port %d", ErrInstanceNotFound, port)
	}

	inst, err := m.describe(*target)
	if err != nil {
		m.log.Warnf("terminating container %s without metadata: %v", target.ID, err)
	}
	lc := newLifecycle(target.Name, model.StateRunning, m.log)
	lc.to(model.StateTerminating)

	if info, err := m.engine.Inspect(ctx, target.ID); err != nil {
		m.log.Warnf("inspect %s before stop failed: %v", target.Name, err)
	} else if p := m.localConfigPath(info.Cmd); p != "" {
		m.removeArtifact(p)
	}

	if err := m.engine.Stop(ctx, target.ID); err != nil && !errors.Is(err, engine.ErrNotFound) {
		if errors.Is(err, engine.ErrUnavailable) {
			return inst, err
		}
		return inst, fmt.Errorf("%w: %v", ErrTerminationFailed, err)
	}
	lc.to(model.StateGone)
	inst.Status = string(model.StateGone)
	m.log.Infof("proxy %s on port %d terminated", target.Name, port)
	m.reconciler.Reconcile(ctx)
	m.publish(ctx, model.EventInstanceTerminated, inst, "")
	return inst, nil
}

// describe rebuilds an instance descriptor from a container and its metadata label.
func (m *Manager) describe(c engine.Container) (model.Instance, error) {
	inst := model.Instance{
		Port:        c.HostPort(m.cfg.SocksPort),
		ContainerID: c.ID,
		Name:        c.Name,
		Status:      c.Status,
	}
	meta, err := model.DecodeInstanceMeta(c.Labels)
	if err != nil {
		return inst, err
	}
	inst.GeoCategory = meta.GeoCategory
	inst.ExitIP = meta.ExitIP
	inst.Fingerprint = meta.Fingerprint
	return inst, nil
}

// localConfigPath maps the "-f <path>" argument of a launch command from the
// container's mount back into ConfigDir. Paths outside the mount are ignored.
func (m *Manager) localConfigPath(cmd []string) string {
	var arg string
	for i := 0; i+1 < len(cmd); i++ {
		if cmd[i] == "-f" {
			arg = cmd[i+1]
			break
		}
	}
	if arg == "" {
		return ""
	}
	rel, err := filepath.Rel(m.cfg.MountTarget, filepath.Clean(arg))
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return ""
	}
	return filepath.Join(m.cfg.ConfigDir, rel)
}

func (m *Manager) logExcerpt(ctx context.Context, id string) string {
	out, err := m.engine.Logs(ctx, id, m.cfg.LogTail)
	if err != nil && out == "" {
		return fmt.Sprintf("(logs unavailable: %v)", err)
	}
	out = strings.TrimSpace(out)
	if n := m.cfg.LogExcerpt; n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

func (m *Manager) stopQuietly(ctx context.Context, id string) {
	if err := m.engine.Stop(ctx, id); err != nil && !errors.Is(err, engine.ErrNotFound) {
		m.log.Warnf("stop of failed container %s: %v", id, err)
	}
}

func (m *Manager) removeArtifact(p string) {
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		m.log.Warnf("remove config %s: %v", p, err)
	}
}

func (m *Manager) fail(ctx context.Context, inst model.Instance, err error) error {
	m.log.Errorf("create proxy %s failed: %v", inst.Name, err)
	inst.Status = string(model.StateFailed)
	m.publish(ctx, model.EventInstanceFailed, inst, err.Error())
	return err
}

func (m *Manager) publish(ctx context.Context, typ string, inst model.Instance, detail string) {
	if len(m.observers) == 0 {
		return
	}
	ev := model.Event{
		ID:        uuid.NewString(),
		Type:      typ,
		Instance:  inst,
		Detail:    detail,
		Timestamp: m.now(),
	}
	for _, o := range m.observers {
		o.Observe(ctx, ev)
	}
}

func (m *Manager) writeArtifact(p, content string) error {
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	// umask applies to WriteFile
	if err := m.chmod(p, 0o644); err != nil {
		return fmt.Errorf("chmod config: %w", err)
	}
	return nil
}
