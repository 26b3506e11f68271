package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MetaLabel is the container label carrying InstanceMeta.
const MetaLabel = "io.socks-fleet.proxy_info"

var ErrNoMeta = errors.New("instance metadata label missing")

// PlacementMode selects how the exit node is pinned in the generated torrc.
type PlacementMode string

const (
	// PlacementStrict pins the exit by IP address.
	PlacementStrict PlacementMode = "strict"
	// PlacementFlexible pins the exit by relay fingerprint.
	PlacementFlexible PlacementMode = "flexible"
)

// ParsePlacementMode defaults an empty value to flexible.
func ParsePlacementMode(s string) (PlacementMode, error) {
	switch PlacementMode(s) {
	case "", PlacementFlexible:
		return PlacementFlexible, nil
	case PlacementStrict:
		return PlacementStrict, nil
	}
	return "", fmt.Errorf("unknown placement mode %q", s)
}

// InstanceState is the lifecycle phase of a proxy instance.
type InstanceState string

const (
	StateMaterializing InstanceState = "materializing"
	StateLaunching     InstanceState = "launching"
	StateProbing       InstanceState = "probing"
	StateRunning       InstanceState = "running"
	StateTerminating   InstanceState = "terminating"
	StateGone          InstanceState = "gone"
	StateFailed        InstanceState = "failed"
)

// Instance describes one live proxy container. It is rebuilt from runtime state on every read.
type Instance struct {
	Port        int         `json:"port"`
	GeoCategory GeoCategory `json:"geo_category"`
	ExitIP      string      `json:"exit_ip"`
	Fingerprint string      `json:"fingerprint"`
	ContainerID string      `json:"container_id"`
	Name        string      `json:"name,omitempty"`
	Status      string      `json:"status"`
}

// InstanceMeta is the selection attached to a container so it outlives this process.
type InstanceMeta struct {
	GeoCategory GeoCategory `json:"geo_category"`
	ExitIP      string      `json:"exit_ip"`
	Fingerprint string      `json:"fingerprint"`
}

// Labels renders the metadata as container labels.
func (m InstanceMeta) Labels() (map[string]string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return map[string]string{MetaLabel: string(b)}, nil
}

// DecodeInstanceMeta reads the metadata label back. Missing, malformed or
// category-less labels are errors; callers skip such containers.
func DecodeInstanceMeta(labels map[string]string) (InstanceMeta, error) {
	raw, ok := labels[MetaLabel]
	if !ok || raw == "" {
		return InstanceMeta{}, ErrNoMeta
	}
	var m InstanceMeta
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return InstanceMeta{}, fmt.Errorf("decode %s: %w", MetaLabel, err)
	}
	if m.GeoCategory == "" {
		return InstanceMeta{}, fmt.Errorf("decode %s: geo_category empty", MetaLabel)
	}
	return m, nil
}
