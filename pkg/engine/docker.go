package engine

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

// Docker drives the local docker daemon.
type Docker struct {
	cli *client.Client
}

// Connect builds a docker client from the environment (DOCKER_HOST etc.) and pings it once.
// On failure it returns the Unavailable handle instead of an error.
func Connect(ctx context.Context, log logs.Log) Engine {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		log.Warnf("could not create docker client: %v", err)
		return Unavailable{Reason: err}
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		log.Warnf("could not connect to docker daemon: %v", err)
		_ = cli.Close()
		return Unavailable{Reason: err}
	}
	log.Infof("connected to docker daemon at %s", cli.DaemonHost())
	return &Docker{cli: cli}
}

func (d *Docker) Close() error {
	return d.cli.Close()
}

func (d *Docker) Ping(ctx context.Context) error {
	_, err := d.cli.Ping(ctx)
	return wrap("ping", err)
}

func (d *Docker) Run(ctx context.Context, spec RunSpec) (string, error) {
	port, err := nat.NewPort("tcp", strconv.Itoa(spec.Port))
	if err != nil {
		return "", fmt.Errorf("invalid port %d: %w", spec.Port, err)
	}
	cfg := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Cmd,
		Labels:       spec.Labels,
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}
	host := &container.HostConfig{
		AutoRemove: spec.AutoRemove,
		// empty HostPort lets the daemon pick a free one
		PortBindings: nat.PortMap{port: []nat.PortBinding{{}}},
	}
	for _, m := range spec.Mounts {
		typ := mount.TypeVolume
		if filepath.IsAbs(m.Source) {
			typ = mount.TypeBind
		}
		host.Mounts = append(host.Mounts, mount.Mount{
			Type:     typ,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}
	resp, err := d.cli.ContainerCreate(ctx, cfg, host, nil, nil, spec.Name)
	if err != nil {
		return "", wrap("create", err)
	}
	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = d.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", wrap("start", err)
	}
	return resp.ID, nil
}

func (d *Docker) Inspect(ctx context.Context, id string) (Container, error) {
	info, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return Container{}, wrap("inspect", err)
	}
	c := Container{
		ID:    info.ID,
		Name:  strings.TrimPrefix(info.Name, "/"),
		Ports: map[int]int{},
	}
	if info.State != nil {
		c.Status = info.State.Status
	}
	if info.Config != nil {
		c.Labels = info.Config.Labels
		c.Cmd = []string(info.Config.Cmd)
	}
	if info.NetworkSettings != nil {
		for p, bindings := range info.NetworkSettings.Ports {
			if p.Proto() != "tcp" || len(bindings) == 0 {
				continue
			}
			if hp, err := strconv.Atoi(bindings[0].HostPort); err == nil && hp > 0 {
				c.Ports[p.Int()] = hp
			}
		}
	}
	return c, nil
}

func (d *Docker) List(ctx context.Context, namePrefix string) ([]Container, error) {
	opts := container.ListOptions{}
	if namePrefix != "" {
		opts.Filters = filters.NewArgs(filters.Arg("name", "^/"+namePrefix))
	}
	list, err := d.cli.ContainerList(ctx, opts)
	if err != nil {
		return nil, wrap("list", err)
	}
	out := make([]Container, 0, len(list))
	for _, item := range list {
		name := ""
		if len(item.Names) > 0 {
			name = strings.TrimPrefix(item.Names[0], "/")
		}
		if !strings.HasPrefix(name, namePrefix) {
			continue
		}
		c := Container{
			ID:     item.ID,
			Name:   name,
			Status: item.State,
			Labels: item.Labels,
			Ports:  map[int]int{},
		}
		for _, p := range item.Ports {
			if p.Type != "tcp" || p.PublicPort == 0 {
				continue
			}
			if _, seen := c.Ports[int(p.PrivatePort)]; !seen {
				c.Ports[int(p.PrivatePort)] = int(p.PublicPort)
			}
		}
		out = append(out, c)
	}
	return out, nil
}

func (d *Docker) Stop(ctx context.Context, id string) error {
	return wrap("stop", d.cli.ContainerStop(ctx, id, container.StopOptions{}))
}

func (d *Docker) Logs(ctx context.Context, id string, tail int) (string, error) {
	opts := container.LogsOptions{ShowStdout: true, ShowStderr: true, Tail: "all"}
	if tail > 0 {
		opts.Tail = strconv.Itoa(tail)
	}
	rc, err := d.cli.ContainerLogs(ctx, id, opts)
	if err != nil {
		return "", wrap("logs", err)
	}
	defer rc.Close()
	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return buf.String(), fmt.Errorf("read logs: %w", err)
	}
	return buf.String(), nil
}

func wrap(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case client.IsErrConnectionFailed(err):
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
	case errdefs.IsNotFound(err):
		return fmt.Errorf("%w: %s: %v", ErrNotFound, op, err)
	}
	return fmt.Errorf("docker %s: %w", op, err)
}
