// Package router implements the mesh routing stack: a flooding substrate,
// the reliable-delivery layer above it, the routing control glue, and the
// single-threaded service loop that drives them.
package router

import (
	"time"

	"meshnode/internal/mesh"
)

// Link is the transmit side of the radio, consumed by the flooding router.
// RetransmissionMsec is the substrate's interval oracle: how long to wait
// before retrying the given packet.
type Link interface {
	Transmit(p *mesh.MeshPacket) error
	RetransmissionMsec(p *mesh.MeshPacket) uint32
}

// Router is the capability set composed by layering: the reliable router
// wraps a flooding router and forwards to it from each hook.
type Router interface {
	// Send transmits p. The caller keeps ownership of p.
	Send(p *mesh.MeshPacket) error

	// ShouldFilterReceived reports whether an incoming packet should be
	// dropped before any further processing (dedup and friends).
	ShouldFilterReceived(p *mesh.MeshPacket) bool

	// SniffReceived sees every packet that passed the filter, together with
	// its decoded Routing control record when it carried one.
	SniffReceived(p *mesh.MeshPacket, c *mesh.Routing)
}

// AckSender emits routing control packets. Implemented by RoutingModule.
type AckSender interface {
	SendAckNak(err mesh.RoutingError, to mesh.NodeNum, idFrom mesh.PacketId)
}

// Millis is the rollover-prone millisecond clock. All deadline comparisons
// against it must go through the signed difference helpers below.
type Millis func() uint32

// SystemMillis returns a Millis clock counting from process start.
func SystemMillis() Millis {
	start := time.Now()
	return func() uint32 {
		return uint32(time.Since(start).Milliseconds())
	}
}

// due reports whether deadline has passed at now, tolerating wraparound of
// the 32-bit clock: the difference is interpreted as a signed quantity.
func due(now, deadline uint32) bool {
	return int32(now-deadline) >= 0
}

// until returns the signed delay from now to deadline.
func until(now, deadline uint32) int32 {
	return int32(deadline - now)
}
