package router

import (
	"encoding/json"
	"errors"
	"log/slog"

	"meshnode/internal/mesh"
	"meshnode/internal/nodedb"
)

// ErrNoReply is returned by AllocReply: nothing generates routing replies
// yet, and callers get a defined error rather than a crash.
var ErrNoReply = errors.New("routing: no reply handler implemented")

// RoutingModule is the glue between the reliable layer and the local
// application transport. It classifies received routing control packets,
// builds ack/nak packets, and hands deliverable packets to the service.
type RoutingModule struct {
	svc    *Service
	db     *nodedb.NodeDB
	pool   *mesh.PacketPool
	logger *slog.Logger
}

// NewRoutingModule creates the routing glue. Attach wires the service.
func NewRoutingModule(db *nodedb.NodeDB, pool *mesh.PacketPool, logger *slog.Logger) *RoutingModule {
	return &RoutingModule{
		db:     db,
		pool:   pool,
		logger: logger.With("component", "routing"),
	}
}

// Attach wires the service the module sends and delivers through.
func (m *RoutingModule) Attach(svc *Service) { m.svc = svc }

// HandleReceived processes one packet that passed the receive filter: the
// sender's directory record is refreshed, the reliable layer sniffs it, and
// packets for us (that did not originate from the phone bridge, from != 0)
// go to the local application transport.
func (m *RoutingModule) HandleReceived(p *mesh.MeshPacket, c *mesh.Routing) {
	printPacket(m.logger, "routing sniffing", p)

	m.db.UpdateFrom(p)
	m.svc.router.SniffReceived(p, c)

	if (p.To == mesh.NodeNumBroadcast || p.To == m.db.GetNodeNum()) && p.From != 0 {
		printPacket(m.logger, "delivering rx packet", p)
		m.svc.handleFromRadio(p, c)
	}
}

// AllocReply would build a reply to a routing request. Nothing needs this
// yet; the defined error keeps callers honest.
func (m *RoutingModule) AllocReply(req *mesh.MeshPacket) (*mesh.MeshPacket, error) {
	if req != nil && req.Decoded != nil && req.Decoded.Portnum == mesh.PortRouting {
		return nil, ErrNoReply
	}
	return nil, nil
}

// SendAckNak emits a routing control packet carrying err, addressed to to,
// referencing the packet id being answered. Acks ride above normal traffic
// and stay with immediate neighbors only.
func (m *RoutingModule) SendAckNak(err mesh.RoutingError, to mesh.NodeNum, idFrom mesh.PacketId) {
	c := mesh.Routing{ErrorReason: err}
	payload, merr := json.Marshal(&c)
	if merr != nil {
		m.logger.Error("encode routing record", "err", merr)
		return
	}

	p := m.pool.Alloc()
	p.From = m.db.GetNodeNum()
	p.Id = m.db.GeneratePacketId()
	p.To = to
	p.Priority = mesh.PriorityAck
	p.HopLimit = 0 // immediate neighbors only
	p.Decoded = &mesh.Data{
		Portnum:   mesh.PortRouting,
		Payload:   payload,
		RequestId: idFrom,
	}

	m.logger.Debug("sending ack/nak",
		"error", err, "to", mesh.DefaultUserId(to), "request_id", idFrom, "id", p.Id)
	m.svc.sendLocal(p)
}

// DecodeRouting extracts the Routing control record from a packet on the
// routing port, or nil.
func DecodeRouting(p *mesh.MeshPacket) *mesh.Routing {
	if p.Decoded == nil || p.Decoded.Portnum != mesh.PortRouting {
		return nil
	}
	var c mesh.Routing
	if len(p.Decoded.Payload) > 0 {
		if err := json.Unmarshal(p.Decoded.Payload, &c); err != nil {
			return nil
		}
	}
	return &c
}
