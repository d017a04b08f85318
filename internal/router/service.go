package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"meshnode/internal/events"
	"meshnode/internal/mesh"
	"meshnode/internal/nodedb"
	"meshnode/internal/store"
)

// maxSleepMsec caps the service sleep so housekeeping still runs when the
// pending table is empty.
const maxSleepMsec = 30_000

// Receiver is the inbound side of the radio: a channel of decoded packets.
type Receiver interface {
	Packets() <-chan *mesh.MeshPacket
}

// Service is the single-threaded cooperative scheduler that owns the router
// stack and the NodeDB mutation path. Radio frames and local sends arrive on
// channels; the retransmission timer is re-armed from DoRetransmissions.
type Service struct {
	logger  *slog.Logger
	bus     *events.Dispatcher
	db      *nodedb.NodeDB
	pool    *mesh.PacketPool
	router  *ReliableRouter
	routing *RoutingModule
	queue   store.Store
	rx      Receiver

	sendCh chan *mesh.MeshPacket
	wakeCh chan struct{}

	// localRx holds pool-owned packets addressed to ourselves, looped back
	// without touching the radio. Drained by the run loop.
	localRx []*mesh.MeshPacket

	// currentReply, when non-nil, is a reply a dispatch handler has queued
	// to the packet being processed, making a separate ack redundant.
	// Nothing in this package assigns it, so it stays nil.
	currentReply *mesh.MeshPacket

	// broadcastSecs is how often we announce our own user record.
	broadcastSecs uint32
}

// NewService wires the service over its collaborators. The routing module
// and reliable router are attached here so the layering cycle stays inside
// this constructor.
func NewService(db *nodedb.NodeDB, pool *mesh.PacketPool, r *ReliableRouter, rm *RoutingModule, queue store.Store, rx Receiver, bus *events.Dispatcher, logger *slog.Logger) *Service {
	s := &Service{
		logger:        logger.With("component", "mesh"),
		bus:           bus,
		db:            db,
		pool:          pool,
		router:        r,
		routing:       rm,
		queue:         queue,
		rx:            rx,
		sendCh:        make(chan *mesh.MeshPacket, 16),
		wakeCh:        make(chan struct{}, 1),
		broadcastSecs: 15 * 60,
	}
	rm.Attach(s)
	r.SetAckSender(rm)
	r.SetReplyCheck(func() bool { return s.currentReply != nil })
	r.SetWake(s.Wake)
	return s
}

// Wake asks the run loop to recompute its sleep as soon as possible.
func (s *Service) Wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// SendText queues a text payload for transmission. to may be
// mesh.NodeNumBroadcast. Returns the allocated packet id.
func (s *Service) SendText(to mesh.NodeNum, text string, wantAck bool) mesh.PacketId {
	p := &mesh.MeshPacket{
		To:      to,
		WantAck: wantAck,
		Decoded: &mesh.Data{Portnum: mesh.PortText, Payload: []byte(text)},
	}
	return s.EnqueueSend(p)
}

// EnqueueSend stamps the packet's origin and id and hands it to the service
// goroutine. Returns the packet id.
func (s *Service) EnqueueSend(p *mesh.MeshPacket) mesh.PacketId {
	if p.From == 0 {
		p.From = s.db.GetNodeNum()
	}
	if p.Id == 0 {
		p.Id = s.db.GeneratePacketId()
	}
	s.sendCh <- p
	return p.Id
}

// Run drives the cooperative loop until ctx is done. It must be the only
// goroutine touching the router stack.
func (s *Service) Run(ctx context.Context) {
	s.logger.Info("mesh service started",
		"nodenum", mesh.DefaultUserId(s.db.GetNodeNum()))

	s.sendOurUserInfo()

	timer := time.NewTimer(time.Millisecond)
	defer timer.Stop()

	announce := time.NewTicker(time.Duration(s.broadcastSecs) * time.Second)
	defer announce.Stop()

	for {
		s.drainLocal()

		d := s.router.DoRetransmissions()
		s.drainLocal() // naks emitted above loop back to ourselves

		sleep := int64(d)
		if sleep > maxSleepMsec {
			sleep = maxSleepMsec
		}
		if sleep < 1 {
			sleep = 1
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(time.Duration(sleep) * time.Millisecond)

		select {
		case <-ctx.Done():
			s.logger.Info("mesh service stopped")
			return

		case p := <-s.rx.Packets():
			s.handleReceived(p)

		case p := <-s.sendCh:
			if err := s.router.Send(p); err != nil {
				s.logger.Warn("send failed", "id", p.GlobalId(), "err", err)
			}

		case <-announce.C:
			s.sendOurUserInfo()
			s.sendOurPosition()

		case <-s.wakeCh:

		case <-timer.C:
		}
	}
}

// handleReceived runs the inbound pipeline: dedup/implicit-ack filter,
// then routing classification, sniffing, and app dispatch via the glue.
func (s *Service) handleReceived(p *mesh.MeshPacket) {
	if p.RxTime == 0 {
		p.RxTime = uint32(time.Now().Unix())
	}
	if s.router.ShouldFilterReceived(p) {
		return
	}
	s.routing.HandleReceived(p, DecodeRouting(p))
}

// handleFromRadio is the local application transport: packets that survived
// routing and are addressed to us (or broadcast) land here.
func (s *Service) handleFromRadio(p *mesh.MeshPacket, c *mesh.Routing) {
	if p.Decoded == nil {
		return
	}

	switch p.Decoded.Portnum {
	case mesh.PortText:
		s.deliverText(p)

	case mesh.PortPosition:
		var pos mesh.Position
		if err := json.Unmarshal(p.Decoded.Payload, &pos); err != nil {
			s.logger.Warn("bad position payload", "from", mesh.DefaultUserId(p.From), "err", err)
			return
		}
		s.db.UpdatePosition(s.db.GetFrom(p), pos)

	case mesh.PortUser:
		var u mesh.User
		if err := json.Unmarshal(p.Decoded.Payload, &u); err != nil {
			s.logger.Warn("bad user payload", "from", mesh.DefaultUserId(p.From), "err", err)
			return
		}
		s.db.UpdateUser(s.db.GetFrom(p), u)

	case mesh.PortRouting:
		if c != nil && p.Decoded.RequestId != 0 {
			s.reportDelivery(p.Decoded.RequestId, c.ErrorReason)
		}
	}
}

// deliverText queues a received text for the app bridge and announces it.
func (s *Service) deliverText(p *mesh.MeshPacket) {
	if err := s.queue.PushReceived(p); err != nil {
		s.logger.Error("queue received packet", "err", err)
	} else if n, err := s.queue.ReceivedCount(); err == nil {
		s.db.SetReceiveQueueCount(uint32(n))
	}

	s.bus.Publish(events.Event{
		Kind:   events.Message,
		Node:   p.From,
		Packet: p.Id,
		Text:   string(p.Decoded.Payload),
		Snr:    p.RxSnr,
	})
}

// reportDelivery publishes the outcome of a reliable send.
func (s *Service) reportDelivery(id mesh.PacketId, reason mesh.RoutingError) {
	status := "acked"
	if reason != mesh.RoutingErrorNone {
		status = "failed"
	}
	s.logger.Info("delivery report", "request_id", id, "status", status, "reason", reason)
	s.bus.Publish(events.Event{Kind: events.Delivery, Packet: id, Err: reason, Text: status})
}

// sendLocal transmits p, or loops it back when it is addressed to
// ourselves. Takes ownership of the pool-owned p.
func (s *Service) sendLocal(p *mesh.MeshPacket) {
	if p.To == s.db.GetNodeNum() {
		s.localRx = append(s.localRx, p)
		s.Wake()
		return
	}
	if err := s.router.Send(p); err != nil {
		s.logger.Warn("send local", "id", p.GlobalId(), "err", err)
	}
	s.pool.Release(p)
}

// drainLocal dispatches looped-back packets. They skip the receive filter:
// they were never on the air, so dedup does not apply.
func (s *Service) drainLocal() {
	for len(s.localRx) > 0 {
		p := s.localRx[0]
		s.localRx = s.localRx[1:]
		s.routing.HandleReceived(p, DecodeRouting(p))
		s.pool.Release(p)
	}
}

// sendOurUserInfo broadcasts the owner record so peers can name us.
func (s *Service) sendOurUserInfo() {
	owner := s.db.OwnerSnapshot()
	payload, err := json.Marshal(&owner)
	if err != nil {
		s.logger.Error("encode owner", "err", err)
		return
	}
	p := &mesh.MeshPacket{
		From:     s.db.GetNodeNum(),
		To:       mesh.NodeNumBroadcast,
		Id:       s.db.GeneratePacketId(),
		HopLimit: 3,
		Decoded:  &mesh.Data{Portnum: mesh.PortUser, Payload: payload},
	}
	if err := s.router.Send(p); err != nil {
		s.logger.Warn("announce user", "err", err)
	}
}

// sendOurPosition broadcasts our own position when we have one.
func (s *Service) sendOurPosition() {
	me := s.db.GetNode(s.db.GetNodeNum())
	if me == nil || !me.HasPosition {
		return
	}
	payload, err := json.Marshal(&me.Position)
	if err != nil {
		s.logger.Error("encode position", "err", err)
		return
	}
	p := &mesh.MeshPacket{
		From:     s.db.GetNodeNum(),
		To:       mesh.NodeNumBroadcast,
		Id:       s.db.GeneratePacketId(),
		HopLimit: 3,
		Decoded:  &mesh.Data{Portnum: mesh.PortPosition, Payload: payload},
	}
	if err := s.router.Send(p); err != nil {
		s.logger.Warn("announce position", "err", err)
	}
}
