package router

import (
	"log/slog"

	"meshnode/internal/mesh"
	"meshnode/internal/nodedb"
)

// FloodingRouter is the base routing substrate: it transmits packets over
// the link, drops packets it has seen recently, and rebroadcasts other
// nodes' broadcasts while their hop limit lasts.
type FloodingRouter struct {
	link   Link
	pool   *mesh.PacketPool
	db     *nodedb.NodeDB
	logger *slog.Logger
	millis Millis

	// recent maps a packet key to the clock tick its dedup entry expires at.
	recent map[mesh.GlobalPacketId]uint32
}

// NewFloodingRouter creates the flooding substrate.
func NewFloodingRouter(link Link, pool *mesh.PacketPool, db *nodedb.NodeDB, millis Millis, logger *slog.Logger) *FloodingRouter {
	return &FloodingRouter{
		link:   link,
		pool:   pool,
		db:     db,
		logger: logger.With("component", "flood"),
		millis: millis,
		recent: make(map[mesh.GlobalPacketId]uint32),
	}
}

// Send transmits p over the link. Our own sends are recorded in the dedup
// table so hearing them echoed back does not re-process them as fresh
// traffic (the reliable layer looks at echoes before this filter runs).
func (f *FloodingRouter) Send(p *mesh.MeshPacket) error {
	f.wasSeenRecently(p, true)
	printPacket(f.logger, "tx", p)
	if err := f.link.Transmit(p); err != nil {
		f.logger.Warn("transmit failed", "id", p.GlobalId(), "err", err)
		return err
	}
	return nil
}

// ShouldFilterReceived drops packets already seen within the flood window.
func (f *FloodingRouter) ShouldFilterReceived(p *mesh.MeshPacket) bool {
	if f.wasSeenRecently(p, true) {
		f.logger.Debug("ignoring dupe", "id", p.GlobalId())
		return true
	}
	return false
}

// SniffReceived rebroadcasts other nodes' broadcasts with a decremented hop
// limit. Packets addressed to a specific node are not forwarded; the
// reliability layer above is zero-hop only.
func (f *FloodingRouter) SniffReceived(p *mesh.MeshPacket, c *mesh.Routing) {
	if p.To != mesh.NodeNumBroadcast || p.From == f.db.GetNodeNum() || p.HopLimit == 0 {
		return
	}
	tosend := f.pool.AllocCopy(p)
	tosend.HopLimit--
	printPacket(f.logger, "rebroadcast", tosend)
	if err := f.link.Transmit(tosend); err != nil {
		f.logger.Warn("rebroadcast failed", "id", p.GlobalId(), "err", err)
	}
	f.pool.Release(tosend)
}

// wasSeenRecently reports whether p is in the dedup window, recording it
// when withUpdate is set. Expired entries are purged on the way through.
func (f *FloodingRouter) wasSeenRecently(p *mesh.MeshPacket, withUpdate bool) bool {
	if p.Id == 0 {
		return false // no id: can't dedup, never filter
	}
	now := f.millis()
	for key, expiry := range f.recent {
		if due(now, expiry) {
			delete(f.recent, key)
		}
	}
	key := p.GlobalId()
	_, seen := f.recent[key]
	if withUpdate {
		f.recent[key] = now + mesh.FloodExpireMsec
	}
	return seen
}

func printPacket(logger *slog.Logger, tag string, p *mesh.MeshPacket) {
	attrs := []any{
		"from", mesh.DefaultUserId(p.From),
		"to", mesh.DefaultUserId(p.To),
		"id", p.Id,
		"hops", p.HopLimit,
	}
	if p.WantAck {
		attrs = append(attrs, "want_ack", true)
	}
	if p.Decoded != nil {
		attrs = append(attrs, "port", p.Decoded.Portnum)
		if p.Decoded.RequestId != 0 {
			attrs = append(attrs, "request_id", p.Decoded.RequestId)
		}
	}
	logger.Debug(tag, attrs...)
}
