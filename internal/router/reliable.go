package router

import (
	"log/slog"
	"math"

	"meshnode/internal/mesh"
	"meshnode/internal/nodedb"
)

// PendingPacket is one outbound packet awaiting ack, nak, or retry
// exhaustion. It exclusively owns its packet until removed.
type PendingPacket struct {
	packet *mesh.MeshPacket
	// nextTxMsec is when to retransmit next, on the wrapping millis clock.
	nextTxMsec uint32
	// numRetransmissions counts sends still available after the one the
	// caller already did.
	numRetransmissions uint8
}

// ReliableRouter layers at-most-one-successful-delivery semantics over the
// flooding substrate. Unicast acks are explicit Routing packets; broadcast
// delivery is inferred by overhearing a neighbor rebroadcast our packet.
type ReliableRouter struct {
	flood  *FloodingRouter
	link   Link
	pool   *mesh.PacketPool
	db     *nodedb.NodeDB
	acks   AckSender
	logger *slog.Logger
	millis Millis

	pending map[mesh.GlobalPacketId]*PendingPacket

	// haveReply reports whether another handler already queued a reply to
	// the packet being dispatched, making our ack redundant.
	haveReply func() bool

	// wake, when set, asks the service loop to recompute its sleep so a
	// newly scheduled retransmission is not missed.
	wake func()
}

// NewReliableRouter creates the reliable layer over flood.
func NewReliableRouter(flood *FloodingRouter, link Link, pool *mesh.PacketPool, db *nodedb.NodeDB, millis Millis, logger *slog.Logger) *ReliableRouter {
	return &ReliableRouter{
		flood:   flood,
		link:    link,
		pool:    pool,
		db:      db,
		logger:  logger.With("component", "reliable"),
		millis:  millis,
		pending: make(map[mesh.GlobalPacketId]*PendingPacket),
		haveReply: func() bool { return false },
	}
}

// SetAckSender wires the routing glue that builds ack/nak packets.
func (r *ReliableRouter) SetAckSender(a AckSender) { r.acks = a }

// SetReplyCheck wires the currently-dispatching-reply probe.
func (r *ReliableRouter) SetReplyCheck(f func() bool) { r.haveReply = f }

// SetWake wires the scheduler kick used when a new retransmission lands.
func (r *ReliableRouter) SetWake(f func()) { r.wake = f }

// Send queues p for retransmission when it wants an ack, then floods it.
// The caller keeps ownership of p.
func (r *ReliableRouter) Send(p *mesh.MeshPacket) error {
	if p.WantAck {
		// Acked broadcasts need at least one hop so the first node that
		// receives the message rebroadcasts it, giving us the echo the
		// implicit ack is inferred from.
		if p.To == mesh.NodeNumBroadcast && p.HopLimit == 0 {
			p.HopLimit = 1
		}
		r.startRetransmission(r.pool.AllocCopy(p))
	}
	return r.flood.Send(p)
}

// ShouldFilterReceived watches for neighbors rebroadcasting one of our own
// broadcast attempts. The first echo cancels retransmissions and generates
// an internal ack for the original sending process. Note: p.From is checked
// directly, not through GetFrom, so phone-originated packets don't match.
func (r *ReliableRouter) ShouldFilterReceived(p *mesh.MeshPacket) bool {
	if p.To == mesh.NodeNumBroadcast && p.From == r.db.GetNodeNum() {
		printPacket(r.logger, "rx someone rebroadcasting for us", p)
		if r.stopRetransmission(r.db.GetFrom(p), p.Id) {
			r.logger.Debug("generating implicit ack", "id", p.Id)
			r.acks.SendAckNak(mesh.RoutingErrorNone, r.db.GetFrom(p), p.Id)
		}
	}
	return r.flood.ShouldFilterReceived(p)
}

// SniffReceived acks packets addressed to us that want one, and clears
// retransmissions when an ack or nak for one of our packets arrives.
// Only zero-hop reliability: packets not addressed to us are left alone.
func (r *ReliableRouter) SniffReceived(p *mesh.MeshPacket, c *mesh.Routing) {
	if p.To == r.db.GetNodeNum() {
		if p.WantAck {
			if r.haveReply() {
				r.logger.Debug("someone else has replied, no need for a 2nd ack")
			} else {
				r.acks.SendAckNak(mesh.RoutingErrorNone, r.db.GetFrom(p), p.Id)
			}
		}

		// An ack is either a non-routing packet with a request id, or a
		// routing packet without an error. A nak is a routing packet with one.
		var ackId, nakId mesh.PacketId
		if p.Decoded != nil {
			if c == nil || c.ErrorReason == mesh.RoutingErrorNone {
				ackId = p.Decoded.RequestId
			} else {
				nakId = p.Decoded.RequestId
			}
		}

		// Deleting a nonexistent retransmission record is harmless, so no
		// seen-recently check is needed here.
		if ackId != 0 {
			r.logger.Debug("received an ack, stopping retransmissions", "request_id", ackId)
			r.stopRetransmission(p.To, ackId)
		} else if nakId != 0 {
			r.logger.Debug("received a nak, stopping retransmissions", "request_id", nakId)
			r.stopRetransmission(p.To, nakId)
		}
	}

	r.flood.SniffReceived(p, c)
}

// startRetransmission takes ownership of p and schedules its retries. A
// colliding key means the id allocator was misused; the stale record is
// evicted silently.
func (r *ReliableRouter) startRetransmission(p *mesh.MeshPacket) *PendingPacket {
	key := p.GlobalId()
	rec := &PendingPacket{
		packet:             p,
		numRetransmissions: mesh.NumRetransmissions - 1,
	}

	r.stopRetransmission(p.From, p.Id)
	r.setNextTx(rec)
	r.pending[key] = rec
	return rec
}

// StopRetransmission removes the pending record for (from, id), releasing
// its packet. Reports whether a record was found.
func (r *ReliableRouter) StopRetransmission(from mesh.NodeNum, id mesh.PacketId) bool {
	return r.stopRetransmission(from, id)
}

func (r *ReliableRouter) stopRetransmission(from mesh.NodeNum, id mesh.PacketId) bool {
	return r.stopRetransmissionKey(mesh.GlobalPacketId{From: from, Id: id})
}

func (r *ReliableRouter) stopRetransmissionKey(key mesh.GlobalPacketId) bool {
	old, ok := r.pending[key]
	if !ok {
		return false
	}
	delete(r.pending, key)
	r.pool.Release(old.packet)
	return true
}

// PendingCount reports the size of the retransmission table.
func (r *ReliableRouter) PendingCount() int {
	return len(r.pending)
}

// DoRetransmissions walks the pending table, retransmitting due entries and
// emitting a nak for any that exhausted their retries. It returns the delay
// in msec until the next entry is due, or math.MaxInt32 when the table is
// empty; the caller must tick again no later than that.
func (r *ReliableRouter) DoRetransmissions() int32 {
	now := r.millis()
	d := int32(math.MaxInt32)

	for key, p := range r.pending {
		if due(now, p.nextTxMsec) {
			if p.numRetransmissions == 0 {
				r.logger.Info("reliable send failed, returning a nak",
					"from", mesh.DefaultUserId(p.packet.From),
					"to", mesh.DefaultUserId(p.packet.To),
					"id", p.packet.Id)
				r.acks.SendAckNak(mesh.RoutingErrorMaxRetransmit, r.db.GetFrom(p.packet), p.packet.Id)
				// The nak travels through the normal receive path and is
				// classified in SniffReceived like any peer-generated nak.
				r.stopRetransmissionKey(key)
				continue
			}

			r.logger.Debug("sending reliable retransmission",
				"from", mesh.DefaultUserId(p.packet.From),
				"to", mesh.DefaultUserId(p.packet.To),
				"id", p.packet.Id,
				"tries_left", p.numRetransmissions)

			// The flooding layer sends directly so no second pending record
			// is enqueued for our own retry.
			tosend := r.pool.AllocCopy(p.packet)
			if err := r.flood.Send(tosend); err != nil {
				r.logger.Warn("retransmission failed", "id", key, "err", err)
			}
			r.pool.Release(tosend)

			p.numRetransmissions--
			r.setNextTx(p)
		}

		if t := until(now, p.nextTxMsec); t < d {
			d = t
		}
	}

	return d
}

func (r *ReliableRouter) setNextTx(p *PendingPacket) {
	interval := r.link.RetransmissionMsec(p.packet)
	p.nextTxMsec = r.millis() + interval
	r.logger.Debug("scheduled retransmission", "id", p.packet.GlobalId(), "in_msec", interval)
	if r.wake != nil {
		r.wake()
	}
}
