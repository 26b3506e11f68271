package discovery

import (
	"net"
	"strings"
	"time"

	"socks-fleet/pkg/model"
)

// IsRunning prefers the boolean "running" field and falls back to current_status.
func (r Relay) IsRunning() bool {
	if r.Running != nil {
		return *r.Running
	}
	for _, s := range r.CurrentStatus {
		if strings.EqualFold(s, "running") {
			return true
		}
	}
	return false
}

// Address is the host of the first OR address, without port or IPv6 brackets.
func (r Relay) Address() string {
	if len(r.ORAddresses) == 0 {
		return ""
	}
	first := r.ORAddresses[0]
	if host, _, err := net.SplitHostPort(first); err == nil {
		return host
	}
	return strings.Trim(first, "[]")
}

// ToNodes converts relays into catalog rows. Relays missing a fingerprint,
// address or country are skipped; the count of skipped rows is returned.
func ToNodes(relays []Relay, now time.Time) ([]model.NodeRecord, int) {
	out := make([]model.NodeRecord, 0, len(relays))
	skipped := 0
	for _, r := range relays {
		ip := r.Address()
		if r.Fingerprint == "" || ip == "" || r.Country == "" {
			skipped++
			continue
		}
		out = append(out, model.NodeRecord{
			Fingerprint: r.Fingerprint,
			Nickname:    r.Nickname,
			Country:     r.Country,
			IP:          ip,
			IsExit:      true,
			IsRunning:   r.IsRunning(),
			LastSeen:    r.LastSeen,
			GeoCategory: model.GeoCategoryForCountry(r.Country),
			CreatedAt:   now,
		})
	}
	return out, skipped
}
