// Package registry announces live proxies to Consul so clients can discover
// them by geo category.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/cyclopcam/logs"
	consulapi "github.com/hashicorp/consul/api"

	"socks-fleet/pkg/model"
)

const instancePrefix = "socks-fleet/instances/"

type Options struct {
	Address string `yaml:"address"`
	Token   string `yaml:"token"`
	// Service is the Consul service name every proxy registers under.
	Service string `yaml:"service"`
	// AdvertiseAddr is the host clients use to reach the published ports.
	AdvertiseAddr string        `yaml:"advertise_addr"`
	CheckInterval time.Duration `yaml:"check_interval"`
}

// Consul registers each created proxy as a service instance with a TCP check
// and keeps a KV record of it. Failures are logged, never returned.
type Consul struct {
	cli *consulapi.Client
	opt Options
	log logs.Log
}

func NewConsul(opt Options, log logs.Log) (*Consul, error) {
	if opt.Service == "" {
		opt.Service = "tor-proxy"
	}
	if opt.AdvertiseAddr == "" {
		opt.AdvertiseAddr = "127.0.0.1"
	}
	if opt.CheckInterval <= 0 {
		opt.CheckInterval = 30 * time.Second
	}
	cfg := consulapi.DefaultConfig()
	if opt.Address != "" {
		cfg.Address = opt.Address
	}
	if opt.Token != "" {
		cfg.Token = opt.Token
	}
	cli, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	return &Consul{cli: cli, opt: opt, log: log}, nil
}

func (c *Consul) Observe(ctx context.Context, ev model.Event) {
	var err error
	switch ev.Type {
	case model.EventInstanceCreated:
		err = c.register(ctx, ev.Instance)
	case model.EventInstanceTerminated:
		err = c.deregister(ctx, ev.Instance)
	default:
		return
	}
	if err != nil {
		c.log.Warnf("consul %s for %s: %v", ev.Type, ev.Instance.Name, err)
	}
}

func (c *Consul) register(ctx context.Context, inst model.Instance) error {
	if err := c.cli.Agent().ServiceRegister(c.registration(inst)); err != nil {
		return fmt.Errorf("register service: %w", err)
	}
	b, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	q := (&consulapi.WriteOptions{}).WithContext(ctx)
	if _, err := c.cli.KV().Put(&consulapi.KVPair{Key: instancePrefix + c.serviceID(inst), Value: b}, q); err != nil {
		return fmt.Errorf("put instance record: %w", err)
	}
	c.log.Infof("consul registered %s port=%d", c.serviceID(inst), inst.Port)
	return nil
}

func (c *Consul) deregister(ctx context.Context, inst model.Instance) error {
	id := c.serviceID(inst)
	if err := c.cli.Agent().ServiceDeregister(id); err != nil {
		return fmt.Errorf("deregister service: %w", err)
	}
	q := (&consulapi.WriteOptions{}).WithContext(ctx)
	if _, err := c.cli.KV().Delete(instancePrefix+id, q); err != nil {
		return fmt.Errorf("delete instance record: %w", err)
	}
	c.log.Infof("consul deregistered %s", id)
	return nil
}

// serviceID is stable for the life of a container: name when known, else host port.
func (c *Consul) serviceID(inst model.Instance) string {
	if inst.Name != "" {
		return inst.Name
	}
	return c.opt.Service + "-" + strconv.Itoa(inst.Port)
}

func (c *Consul) registration(inst model.Instance) *consulapi.AgentServiceRegistration {
	return &consulapi.AgentServiceRegistration{
		ID:      c.serviceID(inst),
		Name:    c.opt.Service,
		Address: c.opt.AdvertiseAddr,
		Port:    inst.Port,
		Tags:    []string{"geo:" + string(inst.GeoCategory)},
		Meta: map[string]string{
			"exit_ip":     inst.ExitIP,
			"fingerprint": inst.Fingerprint,
			"container":   inst.ContainerID,
		},
		Check: &consulapi.AgentServiceCheck{
			TCP:                            fmt.Sprintf("%s:%d", c.opt.AdvertiseAddr, inst.Port),
			Interval:                       c.opt.CheckInterval.String(),
			Timeout:                        "5s",
			DeregisterCriticalServiceAfter: "5m",
		},
	}
}
