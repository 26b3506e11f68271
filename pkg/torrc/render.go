// Package torrc renders the per-instance Tor configuration a proxy container runs with.
package torrc

import (
	"fmt"
	"strings"

	"socks-fleet/pkg/model"
)

// DefaultSocksPort is the port tor listens on inside every proxy container.
const DefaultSocksPort = 9050

const identityLen = 12

// Render produces a torrc for a client-only tor that exits through exactly one node.
// Strict placement pins the node's IP, flexible placement its fingerprint.
func Render(socksPort int, mode model.PlacementMode, node model.NodeRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "SocksPort 0.0.0.0:%d\n", socksPort)
	b.WriteString("DataDirectory /var/lib/tor\n")
	b.WriteString("Log notice stdout\n")
	b.WriteString("ClientOnly 1\n")
	b.WriteString("StrictNodes 1\n")
	exit := node.Fingerprint
	if mode == model.PlacementStrict {
		exit = node.IP
	}
	fmt.Fprintf(&b, "ExitNodes %s\n", exit)
	b.WriteString("ExitRelay 0")
	return b.String()
}

// ShortIdentity truncates a fingerprint to the prefix used in file and container names.
func ShortIdentity(fingerprint string) string {
	if len(fingerprint) > identityLen {
		return fingerprint[:identityLen]
	}
	return fingerprint
}

// ConfigName is the artifact filename: <prefix>_<identity>_<unix>.
func ConfigName(prefix, fingerprint string, unix int64) string {
	return fmt.Sprintf("%s_%s_%d", prefix, ShortIdentity(fingerprint), unix)
}

// ContainerName is the instance container name: <prefix>-<identity>-<unix>.
func ContainerName(prefix, fingerprint string, unix int64) string {
	return fmt.Sprintf("%s-%s-%d", prefix, ShortIdentity(fingerprint), unix)
}
