// Package resolve computes the effective destination of a datagram from a
// pattern's destination override and the caller's local defaults.
package resolve

import (
	"net"
	"strconv"

	"github.com/mx623303468/udprpc/internal/packet"
)

// Local is the caller-side default destination configuration. On the
// server it mirrors the bind options; on the client it is the configured
// default peer.
type Local struct {
	Host string
	Port int

	// MulticastEnabled forces multicast delivery for every pattern.
	MulticastEnabled bool

	// MulticastGroup is the group address used when multicast delivery
	// applies. Empty means no group is configured.
	MulticastGroup string
}

// Destination is the resolved send target.
type Destination struct {
	Host      string
	Port      int
	Multicast bool
}

// Addr formats the destination as host:port.
func (d Destination) Addr() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// Resolve determines where a datagram for the given pattern should go.
// The pattern's host and port override the local defaults when present.
// Multicast applies when requested by the pattern or forced by the local
// configuration; with a configured group address the group overrides the
// host (the port is unaffected). Without a group address the unicast host
// is kept.
func Resolve(p packet.Pattern, local Local) Destination {
	host := local.Host
	if p.Host != "" {
		host = p.Host
	}

	port := local.Port
	if p.Port != 0 {
		port = p.Port
	}

	multicast := p.Multicast || local.MulticastEnabled
	if multicast && local.MulticastGroup != "" {
		return Destination{Host: local.MulticastGroup, Port: port, Multicast: true}
	}

	return Destination{Host: host, Port: port}
}
